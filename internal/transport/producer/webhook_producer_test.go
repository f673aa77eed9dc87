package producer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"eventcore/pkg/config"
	"eventcore/pkg/httpclient"

	"go.uber.org/zap"
)

func newTestWebhook(t *testing.T, h http.HandlerFunc) *WebhookProducer {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cl := httpclient.NewClient(config.HTTPClient{KeepAlives: true})
	return NewWebhookProducer(cl, srv.URL+"/", zap.NewNop().Sugar(), nil)
}

func TestWebhookProducer_Delivers(t *testing.T) {
	var gotPath, gotKey, gotTrace, gotBody string
	p := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Routing-Key")
		gotTrace = r.Header.Get("traceparent")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	})

	err := p.Publish(context.Background(), Message{
		ID:         "e1",
		Target:     "orders",
		RoutingKey: "order-1",
		Payload:    []byte(`{"a":1}`),
		Headers:    map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotPath != "/orders" || gotKey != "order-1" || gotBody != `{"a":1}` {
		t.Fatalf("unexpected request: path=%q key=%q body=%q", gotPath, gotKey, gotBody)
	}
	if gotTrace != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("traceparent not forwarded: %q", gotTrace)
	}
}

func TestWebhookProducer_ClientErrorIsPermanent(t *testing.T) {
	p := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	err := p.Publish(context.Background(), Message{ID: "e1", Target: "orders"})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestWebhookProducer_ServerErrorIsRetryable(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		p := newTestWebhook(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		err := p.Publish(context.Background(), Message{ID: "e1", Target: "orders"})
		if err == nil || IsPermanent(err) {
			t.Fatalf("status %d: expected retryable error, got %v", status, err)
		}
	}
}
