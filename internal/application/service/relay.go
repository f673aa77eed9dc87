package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"
	"eventcore/internal/transport/producer"
	"eventcore/pkg/tracing"

	"github.com/gofrs/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Trigger просит relay выполнить цикл публикации как можно скорее.
// Повторные вызовы до начала цикла схлопываются в один.
func (s *ServiceImpl) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *ServiceImpl) RelayEventRun(ctx context.Context) {
	s.logger.Infow("relay started",
		"workers", s.cfg.Workers, "batch", s.cfg.BatchSize, "poll", s.cfg.PollPeriod.String(),
		"maxAttempts", s.cfg.MaxAttempts)

	ticker := time.NewTicker(s.cfg.PollPeriod)
	defer ticker.Stop()

	for {
		if _, err := s.PublishCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorw("publish cycle failed", "err", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Infow("relay stopping")
			return
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

// PublishCycle арендует пачки записей и публикует их, пока пачки приходят полными.
// После отмены ctx новая пачка не берётся, начатые публикации доводятся до конца.
func (s *ServiceImpl) PublishCycle(ctx context.Context) (int, error) {
	t0 := time.Now()
	defer func() {
		if s.m != nil {
			s.m.Outbox.CycleDuration.Observe(time.Since(t0).Seconds())
		}
	}()

	published := 0
	for ctx.Err() == nil {
		token, err := uuid.NewV4()
		if err != nil {
			return published, fmt.Errorf("lock token: %w", err)
		}

		batch, err := s.outbox.LockNextPublishableEntries(ctx, token, s.cfg.BatchSize, s.clock.Now())
		if err != nil {
			return published, fmt.Errorf("lock outbox batch: %w", err)
		}
		if len(batch) == 0 {
			return published, nil
		}
		if s.m != nil {
			s.m.Outbox.LockedTotal.Add(float64(len(batch)))
		}
		s.logger.Debugf("[lock %s] locked %d outbox entries", token, len(batch))

		published += s.publishBatch(ctx, token, batch)

		if len(batch) < s.cfg.BatchSize {
			break
		}
	}
	return published, nil
}

// publishBatch публикует группы (target, routingKey) параллельно, записи внутри группы - по порядку.
// Ошибка в группе останавливает её: оставшиеся записи возвращаются в очередь без попытки.
func (s *ServiceImpl) publishBatch(ctx context.Context, token uuid.UUID, batch []entity.OutboxEntry) int {
	var published atomic.Int64

	// без WithContext: сбой одной группы не должен отменять остальные
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)

	for _, group := range groupByRoutingKey(batch) {
		g.Go(func() error {
			for i, e := range group {
				if ctx.Err() != nil {
					s.release(token, group[i:], "shutdown")
					return nil
				}
				if err := s.ProcessOne(ctx, token, e); err != nil {
					s.release(token, group[i+1:], "previous entry failed")
					return nil
				}
				published.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(published.Load())
}

func groupByRoutingKey(batch []entity.OutboxEntry) [][]entity.OutboxEntry {
	type key struct{ target, routingKey string }

	idx := make(map[key]int)
	var groups [][]entity.OutboxEntry
	for _, e := range batch {
		k := key{e.Target, e.RoutingKey}
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}

func (s *ServiceImpl) release(token uuid.UUID, entries []entity.OutboxEntry, reason string) {
	if len(entries) == 0 {
		return
	}
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()

	n, err := s.outbox.ReleaseEntries(ctx, token, ids)
	if err != nil {
		// не страшно: аренду снимет unlock по таймауту
		s.logger.Errorf("[lock %s] release %d entries failed (%s): %v", token, len(ids), reason, err)
		return
	}
	s.logger.Debugf("[lock %s] released %d entries: %s", token, n, reason)
}

// ProcessOne публикует одну арендованную запись и фиксирует исход.
// Возвращает ошибку публикации; ошибки фиксации только логируются.
func (s *ServiceImpl) ProcessOne(ctx context.Context, lockToken uuid.UUID, e entity.OutboxEntry) error {
	// начатую публикацию не обрываем при shutdown, ограничиваем только таймаутом
	ctx = tracing.ContextWithTraceContext(context.WithoutCancel(ctx), e.Traceparent, e.Tracestate)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.entry_id", e.ID.String()),
			attribute.String("outbox.target", e.Target),
			attribute.String("outbox.routing_key", e.RoutingKey),
			attribute.Int("outbox.retry_count", e.RetryCount),
		))
	defer span.End()

	s.logger.Debugf("[entry %s] relay-process started, target=%s key=%s retry=%d", e.ID, e.Target, e.RoutingKey, e.RetryCount)

	msg := producer.Message{
		ID:         e.ID.String(),
		Target:     e.Target,
		RoutingKey: e.RoutingKey,
		Payload:    e.Payload,
		Headers:    traceHeaders(ctx, e),
	}

	if err := s.producer.Publish(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		s.logger.Errorf("[entry %s] publish failed, err: %v", e.ID, err)

		if markErr := s.markRetryOrPark(ctx, lockToken, e, err); markErr != nil {
			s.logMarkError(e.ID, "mark failed", markErr)
		}
		return err
	}

	now := s.clock.Now()
	if err := s.outbox.MarkAcknowledged(ctx, e.ID, lockToken, now); err != nil {
		// сообщение уже ушло; запись переопубликуется после снятия аренды (at-least-once)
		s.logMarkError(e.ID, "mark acknowledged", err)
		return nil
	}

	if s.m != nil {
		s.m.Outbox.PublishedTotal.WithLabelValues(e.Target).Inc()
		s.m.Outbox.PublishLagSeconds.WithLabelValues(e.Target).Observe(now.Sub(e.CreatedAt).Seconds())
	}
	s.logger.Debugf("[entry %s] relay-process completed", e.ID)
	return nil
}

func (s *ServiceImpl) markRetryOrPark(ctx context.Context, lockToken uuid.UUID, e entity.OutboxEntry, cause error) error {
	now := s.clock.Now()
	lastErr := cause.Error()

	permanent := producer.IsPermanent(cause)
	if permanent || e.RetryCount+1 >= s.cfg.MaxAttempts {
		reason := "attempts"
		if permanent {
			reason = "permanent"
		}
		if s.m != nil {
			s.m.Outbox.ParkedTotal.WithLabelValues(e.Target, reason).Inc()
		}
		s.logger.Warnw("outbox entry parked",
			"entry", e.ID.String(), "target", e.Target, "attempts", e.RetryCount+1, "reason", reason)
		return s.outbox.MarkParked(ctx, e.ID, lockToken, lastErr, now)
	}

	next := now.Add(s.backoff.Next(e.RetryCount))
	if s.m != nil {
		s.m.Outbox.RetriedTotal.WithLabelValues(e.Target).Inc()
	}
	s.logger.Infof("[entry %s] retry %d scheduled at %s", e.ID, e.RetryCount+1, next.Format(time.RFC3339Nano))
	return s.outbox.MarkRetry(ctx, e.ID, lockToken, lastErr, next)
}

func (s *ServiceImpl) logMarkError(id uuid.UUID, op string, err error) {
	if errors.Is(err, appers.ErrOutboxLockLost) {
		s.logger.Warnf("[entry %s] %s: lease lost, entry belongs to another publisher", id, op)
		return
	}
	s.logger.Errorf("[entry %s] %s: %v", id, op, err)
}

// traceHeaders - контекст спана публикации, либо сохранённый в записи, если трейсинг выключен.
func traceHeaders(ctx context.Context, e entity.OutboxEntry) map[string]string {
	tp, ts := tracing.TraceContextStrings(ctx)
	if tp == "" {
		tp, ts = e.Traceparent, e.Tracestate
	}

	headers := make(map[string]string, 2)
	if tp != "" {
		headers["traceparent"] = tp
	}
	if ts != "" {
		headers["tracestate"] = ts
	}
	return headers
}
