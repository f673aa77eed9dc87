package producer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"eventcore/pkg/httpclient"
	"eventcore/pkg/metrics"

	"go.uber.org/zap"
)

const kindWebhook = "webhook"

// WebhookProducer доставляет записи outbox POST-запросом на {baseURL}/{target}.
type WebhookProducer struct {
	client  httpclient.HTTPClient
	baseURL string
	logger  *zap.SugaredLogger
	m       *metrics.Metrics
}

func NewWebhookProducer(client httpclient.HTTPClient, baseURL string, logger *zap.SugaredLogger, m *metrics.Metrics) *WebhookProducer {
	return &WebhookProducer{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		m:       m,
	}
}

func (p *WebhookProducer) Publish(ctx context.Context, m Message) error {
	endpoint := p.baseURL + "/" + url.PathEscape(m.Target)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(m.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Outbox-Entry-Id", m.ID)
	req.Header.Set("X-Routing-Key", m.RoutingKey)
	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}

	t0 := time.Now()
	resp, err := p.client.Do(ctx, req)
	rt := time.Since(t0)
	if err != nil {
		p.observe(m.Target, "error", rt)
		p.count(m.Target, "failed")
		return fmt.Errorf("webhook %s: %w", m.Target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		p.observe(m.Target, "ok", rt)
		p.count(m.Target, "success")
		p.logger.Debugf("[entry %s] delivered target=%s status=%d rt=%s", m.ID, m.Target, resp.StatusCode, rt)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		p.observe(m.Target, "error", rt)
		p.count(m.Target, "permanent")
		p.logger.Errorf("[entry %s] webhook rejected target=%s status=%d", m.ID, m.Target, resp.StatusCode)
		return Permanent(fmt.Errorf("webhook %s: status %d", m.Target, resp.StatusCode))
	default:
		p.observe(m.Target, "error", rt)
		p.count(m.Target, "failed")
		return fmt.Errorf("webhook %s: status %d", m.Target, resp.StatusCode)
	}
}

// HealthCheck для webhook не ходит наружу: получатели проверяются фактом доставки.
func (p *WebhookProducer) HealthCheck(context.Context) error {
	if p.client == nil || p.baseURL == "" {
		return fmt.Errorf("webhook producer is not configured")
	}
	return nil
}

func (p *WebhookProducer) observe(target, result string, rt time.Duration) {
	if p.m != nil {
		p.m.Producer.AttemptLatencySeconds.WithLabelValues(kindWebhook, target, result).Observe(rt.Seconds())
	}
}

func (p *WebhookProducer) count(target, result string) {
	if p.m != nil {
		p.m.Producer.OperationsTotal.WithLabelValues(kindWebhook, target, result).Inc()
	}
}
