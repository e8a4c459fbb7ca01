package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
)

type staticChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) CheckResult {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Status: c.status}
}

type fakeLink rabbitmq.Stats

func (f fakeLink) Stats() rabbitmq.Stats { return rabbitmq.Stats(f) }

type fakeConsumer []string

func (f fakeConsumer) ActiveQueues() []string { return f }

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("the worst check wins", func(t *testing.T) {
		r := NewRegistry(
			staticChecker{name: "a", status: StatusHealthy},
			staticChecker{name: "b", status: StatusDegraded},
		)
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

		r.Register(staticChecker{name: "c", status: StatusUnhealthy})
		report := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)
		assert.Equal(t, "c", report.Checks["c"].Name)

		r.Unregister("c")
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		r := NewRegistry(staticChecker{name: "slow", status: StatusHealthy, delay: time.Second})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Contains(t, report.Checks["slow"].Message, "timed out")
	})
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		code   int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(NewRegistry(staticChecker{name: "x", status: tt.status}), time.Second)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.code, rec.Code)
			var report Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.status, report.Status)
		})
	}

	t.Run("only GET is allowed", func(t *testing.T) {
		h := NewHandler(NewRegistry(), time.Second)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}

func TestConnectionChecker(t *testing.T) {
	tests := []struct {
		state rabbitmq.State
		want  Status
	}{
		{rabbitmq.StateConnected, StatusHealthy},
		{rabbitmq.StateDegraded, StatusDegraded},
		{rabbitmq.StateConnecting, StatusDegraded},
		{rabbitmq.StateDisconnected, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			c := NewConnectionChecker(fakeLink{State: tt.state, Node: 1, Switches: 2})
			res := c.Check(context.Background())

			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, "rabbitmq", c.Name())
			assert.Equal(t, 1, res.Details["node"])
			assert.Equal(t, int64(2), res.Details["switches"])
		})
	}
}

func TestConsumerChecker(t *testing.T) {
	expected := []string{"orders", "invoices"}

	assert.Equal(t, StatusHealthy, NewConsumerChecker(fakeConsumer{"orders", "invoices"}, expected).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewConsumerChecker(fakeConsumer{"orders"}, expected).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewConsumerChecker(fakeConsumer{}, expected).Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, NewConsumerChecker(fakeConsumer{}, nil).Check(context.Background()).Status)

	res := NewConsumerChecker(fakeConsumer{"orders"}, expected).Check(context.Background())
	assert.Equal(t, []string{"invoices"}, res.Details["missing"])
}

type fakeTopology map[string]bool

func (f fakeTopology) IsDeclared(name string) bool { return f[name] }

func TestTopologyChecker(t *testing.T) {
	expected := []string{"orders", "invoices"}

	assert.Equal(t, StatusHealthy, NewTopologyChecker(fakeTopology{"orders": true, "invoices": true}, expected).Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, NewTopologyChecker(fakeTopology{}, nil).Check(context.Background()).Status)

	res := NewTopologyChecker(fakeTopology{"orders": true}, expected).Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, []string{"invoices"}, res.Details["pending"])
}

func TestTopologyCheckerFollowsChannelRecreation(t *testing.T) {
	topology := fakeTopology{"orders": true}
	checker := NewTopologyChecker(topology, []string{"orders"})
	require.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	// a new channel starts with nothing declared
	delete(topology, "orders")
	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)
}

type fakeInspector struct {
	primary, parked rabbitmq.QueueInfo
	err             error
}

func (f fakeInspector) InspectParked(ctx context.Context, queue string) (rabbitmq.QueueInfo, rabbitmq.QueueInfo, error) {
	return f.primary, f.parked, f.err
}

func TestQueueChecker(t *testing.T) {
	tests := []struct {
		name      string
		inspector fakeInspector
		want      Status
	}{
		{"idle", fakeInspector{primary: rabbitmq.QueueInfo{Exists: true, Consumers: 1}}, StatusHealthy},
		{"missing", fakeInspector{primary: rabbitmq.QueueInfo{}}, StatusUnhealthy},
		{"parked", fakeInspector{
			primary: rabbitmq.QueueInfo{Exists: true, Consumers: 1},
			parked:  rabbitmq.QueueInfo{Exists: true, Messages: 2},
		}, StatusDegraded},
		{"unconsumed backlog", fakeInspector{primary: rabbitmq.QueueInfo{Exists: true, Messages: 5}}, StatusDegraded},
		{"inspection error", fakeInspector{err: errors.New("not connected")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewQueueChecker(tt.inspector, "orders")
			assert.Equal(t, "queue_orders", c.Name())
			assert.Equal(t, tt.want, c.Check(context.Background()).Status)
		})
	}
}

func TestGoroutineChecker(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewGoroutineChecker(1_000_000, 2_000_000).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewGoroutineChecker(0, 1_000_000).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewGoroutineChecker(0, 0).Check(context.Background()).Status)
}
