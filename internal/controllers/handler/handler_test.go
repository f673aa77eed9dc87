package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"eventcore/internal/application/entity"
	"eventcore/pkg/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type fakeUseCase struct {
	dbHealthy     bool
	brokerHealthy bool
	failed        []entity.OutboxEntry
	olderThan     time.Duration
	events        []entity.StoredEvent
	gotFrom       entity.Version
	gotTo         *entity.Version
}

func (f *fakeUseCase) RunRelay(context.Context) {}
func (f *fakeUseCase) TriggerRelay()            {}
func (f *fakeUseCase) UnlockStaleEntries(context.Context) (int64, error) {
	return 2, nil
}
func (f *fakeUseCase) PurgeAcknowledged(context.Context) (int64, error) {
	return 7, nil
}
func (f *fakeUseCase) ReportFailedEntries(context.Context) {}
func (f *fakeUseCase) FailedEntries(_ context.Context, olderThan time.Duration) ([]entity.OutboxEntry, error) {
	f.olderThan = olderThan
	return f.failed, nil
}
func (f *fakeUseCase) AggregateEvents(_ context.Context, _, _ string, from entity.Version, to *entity.Version) ([]entity.StoredEvent, error) {
	f.gotFrom, f.gotTo = from, to
	return f.events, nil
}
func (f *fakeUseCase) HealthCheck(context.Context) (bool, bool, error) {
	return f.dbHealthy, f.brokerHealthy, nil
}

func newTestApp(uc *fakeUseCase, listenerHealth func() bool) *fiber.App {
	app := fiber.New()
	h := NewHandler(uc, listenerHealth, zap.NewNop().Sugar())
	NewRouter(h, app, &config.Config{}, prometheus.NewRegistry(), zap.NewNop().Sugar()).RegisterRouter()
	return app
}

func do(t *testing.T, app *fiber.App, method, target string) (int, []byte) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		uc := &fakeUseCase{dbHealthy: true, brokerHealthy: true, failed: make([]entity.OutboxEntry, 2)}
		status, body := do(t, newTestApp(uc, func() bool { return true }), "GET", "/health")
		if status != fiber.StatusOK {
			t.Fatalf("status = %d, body = %s", status, body)
		}

		var resp entity.HealthCheckResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !resp.Status || !resp.Checks.Listener.Status || resp.Checks.Outbox.FailedEntries != 2 {
			t.Fatalf("unexpected response: %+v", resp)
		}
	})

	t.Run("broker down", func(t *testing.T) {
		uc := &fakeUseCase{dbHealthy: true}
		status, body := do(t, newTestApp(uc, nil), "GET", "/health")
		if status != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, body = %s", status, body)
		}
	})

	t.Run("listener down does not fail health", func(t *testing.T) {
		uc := &fakeUseCase{dbHealthy: true, brokerHealthy: true}
		status, body := do(t, newTestApp(uc, func() bool { return false }), "GET", "/health")
		if status != fiber.StatusOK {
			t.Fatalf("status = %d, body = %s", status, body)
		}
		var resp entity.HealthCheckResponse
		_ = json.Unmarshal(body, &resp)
		if resp.Checks.Listener.Status || resp.Checks.Listener.Error == "" {
			t.Fatalf("listener check = %+v", resp.Checks.Listener)
		}
	})
}

func TestFailedEntries(t *testing.T) {
	t.Run("olderThan", func(t *testing.T) {
		uc := &fakeUseCase{failed: []entity.OutboxEntry{{ID: uuid.Must(uuid.NewV4()), Target: "orders"}}}
		status, body := do(t, newTestApp(uc, nil), "GET", "/eventcore/api/v1/outbox/failed?olderThan=10m")
		if status != fiber.StatusOK {
			t.Fatalf("status = %d, body = %s", status, body)
		}
		if uc.olderThan != 10*time.Minute {
			t.Fatalf("olderThan = %s", uc.olderThan)
		}
		var entries []entity.OutboxEntry
		if err := json.Unmarshal(body, &entries); err != nil || len(entries) != 1 {
			t.Fatalf("entries = %v, %v", entries, err)
		}
	})

	t.Run("bad before", func(t *testing.T) {
		status, _ := do(t, newTestApp(&fakeUseCase{}, nil), "GET", "/eventcore/api/v1/outbox/failed?before=yesterday")
		if status != fiber.StatusBadRequest {
			t.Fatalf("status = %d", status)
		}
	})

	t.Run("bad olderThan", func(t *testing.T) {
		status, _ := do(t, newTestApp(&fakeUseCase{}, nil), "GET", "/eventcore/api/v1/outbox/failed?olderThan=soon")
		if status != fiber.StatusBadRequest {
			t.Fatalf("status = %d", status)
		}
	})
}

func TestMaintenanceEndpoints(t *testing.T) {
	app := newTestApp(&fakeUseCase{}, nil)

	status, body := do(t, app, "POST", "/eventcore/api/v1/outbox/unlock")
	if status != fiber.StatusOK || string(body) != `{"unlocked":2}` {
		t.Fatalf("unlock: %d %s", status, body)
	}
	status, body = do(t, app, "POST", "/eventcore/api/v1/outbox/purge")
	if status != fiber.StatusOK || string(body) != `{"purged":7}` {
		t.Fatalf("purge: %d %s", status, body)
	}
}

func TestAggregateEvents(t *testing.T) {
	t.Run("range", func(t *testing.T) {
		uc := &fakeUseCase{events: []entity.StoredEvent{{AggregateID: "c1", AggregateType: "counter", AggregateVersion: 1}}}
		status, body := do(t, newTestApp(uc, nil), "GET", "/eventcore/api/v1/aggregates/counter/c1/events?from=1&to=3")
		if status != fiber.StatusOK {
			t.Fatalf("status = %d, body = %s", status, body)
		}
		if uc.gotFrom != 1 || uc.gotTo == nil || *uc.gotTo != 3 {
			t.Fatalf("range = %d..%v", uc.gotFrom, uc.gotTo)
		}
	})

	t.Run("inverted range", func(t *testing.T) {
		status, _ := do(t, newTestApp(&fakeUseCase{}, nil), "GET", "/eventcore/api/v1/aggregates/counter/c1/events?from=5&to=1")
		if status != fiber.StatusBadRequest {
			t.Fatalf("status = %d", status)
		}
	})

	t.Run("not found", func(t *testing.T) {
		status, _ := do(t, newTestApp(&fakeUseCase{}, nil), "GET", "/eventcore/api/v1/aggregates/counter/nope/events")
		if status != fiber.StatusNotFound {
			t.Fatalf("status = %d", status)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	status, _ := do(t, newTestApp(&fakeUseCase{}, nil), "GET", "/metrics")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d", status)
	}
}

func TestSwaggerDocs(t *testing.T) {
	app := newTestApp(&fakeUseCase{}, nil)

	status, body := do(t, app, "GET", "/eventcore/swagger/doc.json")
	if status != fiber.StatusOK {
		t.Fatalf("doc.json status = %d", status)
	}
	var doc struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("doc.json is not json: %v", err)
	}
	for _, p := range []string{"/health", "/eventcore/api/v1/outbox/failed", "/eventcore/api/v1/aggregates/{type}/{id}/events"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("doc.json has no path %s", p)
		}
	}

	if status, _ := do(t, app, "GET", "/eventcore/swagger/index.html"); status != fiber.StatusOK {
		t.Fatalf("swagger ui status = %d", status)
	}
}
