// mmate-relay keeps a failover connection to a RabbitMQ cluster, consumes the
// configured queues with retry and dead-lettering, and publishes single
// messages from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/internal/config"
	"github.com/glimte/mmate-relay/internal/health"
	"github.com/glimte/mmate-relay/internal/rabbitmq"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/internal/telemetry"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath string
		brokers    []string
	)

	rootCmd := &cobra.Command{
		Use:   "mmate-relay",
		Short: "Resilient RabbitMQ publisher and consumer",
		Long: `mmate-relay connects to the first reachable node of a RabbitMQ cluster,
fails over between nodes, and delivers messages at least once with
confirms, delayed retries and dead-lettering.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration")
	rootCmd.PersistentFlags().StringSliceVarP(&brokers, "broker", "b", nil, "Broker URL, repeatable (overrides configuration)")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath, func(c *config.Config) {
			if len(brokers) > 0 {
				c.Brokers = brokers
			}
		})
		if err != nil {
			return nil, nil, err
		}
		logger, err := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	runCmd := &cobra.Command{
		Use:   "run [queues...]",
		Short: "Consume queues until interrupted",
		Long:  "Consume the given queues, or consumer.queues from the configuration, and serve /metrics and /healthz.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.Consumer.Queues = args
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg, logger)
		},
	}

	var (
		priority      uint8
		expiration    time.Duration
		correlationID string
		headers       map[string]string
	)

	publishCmd := &cobra.Command{
		Use:   "publish <queue> <json>",
		Short: "Publish one JSON message with confirms",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			payload := json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			client, err := relay.NewClient(cfg, relay.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Start(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			opts := rabbitmq.PublishOptions{
				Priority:      priority,
				Expiration:    expiration,
				CorrelationID: correlationID,
			}
			if len(headers) > 0 {
				opts.Headers = make(map[string]any, len(headers))
				for k, v := range headers {
					opts.Headers[k] = v
				}
			}

			if err := client.Publish(ctx, args[0], payload, opts); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			logger.Info("message published", "queue", args[0])
			return nil
		},
	}

	publishCmd.Flags().Uint8Var(&priority, "priority", 0, "Message priority")
	publishCmd.Flags().DurationVar(&expiration, "expiration", 0, "Per-message TTL")
	publishCmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id")
	publishCmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "Header key=value, repeatable")

	inspectCmd := &cobra.Command{
		Use:   "inspect <queue>...",
		Short: "Show queue and parking queue depths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			client, err := relay.NewClient(cfg, relay.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Start(cmd.Context()); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			fmt.Printf("%-40s %-10s %-10s %-10s\n", "Name", "Messages", "Consumers", "Parked")
			fmt.Println(strings.Repeat("-", 73))
			for _, queue := range args {
				primary, parked, err := client.Inspector().InspectParked(cmd.Context(), queue)
				if err != nil {
					return err
				}
				if !primary.Exists {
					fmt.Printf("%-40s %s\n", truncate(queue, 40), "(missing)")
					continue
				}
				fmt.Printf("%-40s %-10d %-10d %-10d\n", truncate(queue, 40), primary.Messages, primary.Consumers, parked.Messages)
			}
			return nil
		},
	}

	var limit int
	replayCmd := &cobra.Command{
		Use:   "replay <queue>",
		Short: "Move parked messages back onto their queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			client, err := relay.NewClient(cfg, relay.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Start(cmd.Context()); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			moved, err := client.ReplayParked(cmd.Context(), args[0], limit)
			fmt.Printf("replayed %d message(s) onto %s\n", moved, args[0])
			return err
		},
	}
	replayCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum messages to replay, 0 for all")

	var output string
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration and retry schedules",
		Long:  "Resolve the configuration file, environment and flags, print the connect and retry delays they produce, and optionally write the result as YAML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}

			for i, node := range rabbitmq.Nodes(cfg.Brokers...) {
				fmt.Printf("broker %d: %s\n", i, node)
			}
			fmt.Printf("connect delays: %v\n", reliability.Delays(cfg.Connection.ConnectBackoff(), cfg.Connection.MaxRetries))
			fmt.Printf("retry queue delays: %v\n", reliability.Delays(cfg.Consumer.RetryBackoff(), cfg.Consumer.MaxRetries))

			if output == "" {
				return nil
			}
			if err := cfg.Save(output); err != nil {
				return err
			}
			fmt.Printf("configuration written to %s\n", output)
			return nil
		},
	}
	configCmd.Flags().StringVarP(&output, "output", "o", "", "Write the effective configuration to this YAML file")

	rootCmd.AddCommand(runCmd, publishCmd, inspectCmd, replayCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := relay.NewClient(cfg, relay.WithLogger(logger))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		checks := health.NewRegistry(
			health.NewConnectionChecker(client.Connection()),
			health.NewConsumerChecker(client.Consumer(), cfg.Consumer.Queues),
			health.NewTopologyChecker(client.Topology(), cfg.Consumer.Queues),
			health.NewGoroutineChecker(5000, 20000),
		)
		for _, queue := range cfg.Consumer.Queues {
			checks.Register(health.NewQueueChecker(client.Inspector(), queue))
		}
		mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))
		mux.Handle("/livez", health.LivenessHandler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := client.Start(gctx); err != nil {
		logger.Error("initial connection failed, retrying in background", "error", err)
	}

	for _, queue := range cfg.Consumer.Queues {
		if err := client.Subscribe(gctx, queue, logHandler); err != nil {
			logger.Error("failed to subscribe", "queue", queue, "error", err)
		}
	}

	// A failover cycle that exhausted its retries leaves the link down until
	// someone calls Reconnect.
	interval := cfg.Connection.MaxRetryDelay
	if interval <= 0 {
		interval = time.Minute
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if client.Connection().State() == rabbitmq.StateDisconnected {
					if err := client.Connection().Reconnect(gctx); err != nil {
						logger.Error("reconnect failed", "error", err)
						continue
					}
				}
				if client.Connection().IsConnected() {
					resubscribe(gctx, client, cfg.Consumer.Queues, logger)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return client.Close()
	})

	return g.Wait()
}

// resubscribe starts consumers for queues that are not running yet, such as
// those whose initial subscribe failed while the link was down.
func resubscribe(ctx context.Context, client *relay.Client, queues []string, logger *slog.Logger) {
	active := make(map[string]bool)
	for _, q := range client.Consumer().ActiveQueues() {
		active[q] = true
	}
	for _, queue := range queues {
		if active[queue] {
			continue
		}
		if err := client.Subscribe(ctx, queue, logHandler); err != nil {
			logger.Error("failed to subscribe", "queue", queue, "error", err)
		}
	}
}

func logHandler(ctx context.Context, env *rabbitmq.Envelope) error {
	telemetry.FromContext(ctx).Info("message received",
		"retryCount", env.RetryCount,
		"correlationId", env.CorrelationID,
		"bytes", len(env.Body))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
