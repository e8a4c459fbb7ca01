// Package telemetry configures structured logging for the relay.
//
// The logger is built once at startup from the log section of the
// configuration and installed as the slog default. Message handlers receive
// a logger scoped to the delivery through their context:
//
//	func handle(ctx context.Context, env *rabbitmq.Envelope) error {
//		telemetry.FromContext(ctx).Info("processing")
//		return nil
//	}
package telemetry
