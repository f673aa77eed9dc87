package service

import (
	"context"
	"fmt"
	"time"

	"eventcore/internal/application/common"
	"eventcore/internal/application/entity"
	"eventcore/internal/application/repo"
	"eventcore/internal/transport/producer"
	"eventcore/pkg/config"
	"eventcore/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Service interface {
	RelayEventRun(ctx context.Context)
	Trigger()
	PublishCycle(ctx context.Context) (int, error)
	ProcessOne(ctx context.Context, lockToken uuid.UUID, e entity.OutboxEntry) error

	UnlockStaleEntries(ctx context.Context) (int64, error)
	PurgeAcknowledged(ctx context.Context) (int64, error)
	FailedEntries(ctx context.Context, olderThan time.Duration) ([]entity.OutboxEntry, error)
	AggregateEvents(ctx context.Context, aggType, aggID string, from entity.Version, to *entity.Version) ([]entity.StoredEvent, error)

	HealthCheck(ctx context.Context) (dbHealthy bool, brokerHealthy bool, err error)
}

type ServiceImpl struct {
	repo     repo.Repo
	outbox   repo.OutboxStore
	producer producer.Producer
	logger   *zap.SugaredLogger
	cfg      *config.RelayConfig
	clock    common.Clock
	backoff  common.Backoff
	m        *metrics.Metrics
	tracer   trace.Tracer
	trigger  chan struct{}
}

func NewService(repo repo.Repo, outbox repo.OutboxStore, producer producer.Producer, logger *zap.SugaredLogger, cfg *config.RelayConfig, m *metrics.Metrics) *ServiceImpl {
	return &ServiceImpl{
		repo:     repo,
		outbox:   outbox,
		producer: producer,
		logger:   logger,
		cfg:      cfg,
		clock:    common.SystemClock{},
		backoff:  common.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		m:        m,
		tracer:   otel.Tracer("eventcore/relay"),
		trigger:  make(chan struct{}, 1),
	}
}

// WithClock подменяет часы (тесты).
func (s *ServiceImpl) WithClock(c common.Clock) *ServiceImpl {
	s.clock = c
	return s
}

// HealthCheck проверяет доступность БД и брокера
func (s *ServiceImpl) HealthCheck(ctx context.Context) (dbHealthy bool, brokerHealthy bool, err error) {
	dbErr := s.repo.HealthCheck(ctx)
	dbHealthy = dbErr == nil

	brokerErr := s.producer.HealthCheck(ctx)
	brokerHealthy = brokerErr == nil

	// Возвращаем ошибку только если обе проверки провалились
	if !dbHealthy && !brokerHealthy {
		return dbHealthy, brokerHealthy, fmt.Errorf("database: %v, broker: %v", dbErr, brokerErr)
	}

	return dbHealthy, brokerHealthy, nil
}

func (s *ServiceImpl) AggregateEvents(ctx context.Context, aggType, aggID string, from entity.Version, to *entity.Version) ([]entity.StoredEvent, error) {
	s.logger.Debugf("[aggregate: %s/%s] AggregateEvents started, from=%d", aggType, aggID, from)
	return s.repo.Events(ctx, aggType, aggID, from, to)
}

// UnlockStaleEntries снимает аренды старше StaleLockTimeout. Для запаркованных записей
// это и есть медленный heartbeat: после снятия блокировки запись снова уходит в публикацию.
func (s *ServiceImpl) UnlockStaleEntries(ctx context.Context) (int64, error) {
	threshold := s.clock.Now().Add(-s.cfg.StaleLockTimeout)
	n, err := s.outbox.UnlockEntriesOlderThan(ctx, threshold)
	if err != nil {
		s.logger.Errorf("unlock stale outbox entries failed: %v", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Infof("unlocked %d stale outbox entries (locked before %s)", n, threshold.Format(time.RFC3339))
		if s.m != nil {
			s.m.Outbox.UnlockedTotal.Add(float64(n))
		}
		s.Trigger()
	}
	return n, nil
}

func (s *ServiceImpl) PurgeAcknowledged(ctx context.Context) (int64, error) {
	threshold := s.clock.Now().Add(-s.cfg.Retention)
	n, err := s.outbox.RemoveAcknowledgedEntriesOlderThan(ctx, threshold)
	if err != nil {
		s.logger.Errorf("purge acknowledged outbox entries failed: %v", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Infof("purged %d acknowledged outbox entries (acknowledged before %s)", n, threshold.Format(time.RFC3339))
		if s.m != nil {
			s.m.Outbox.PurgedTotal.Add(float64(n))
		}
	}
	return n, nil
}

// FailedEntries - запаркованные записи, упавшие раньше чем olderThan назад.
func (s *ServiceImpl) FailedEntries(ctx context.Context, olderThan time.Duration) ([]entity.OutboxEntry, error) {
	entries, err := s.outbox.FindFailedEntriesOlderThan(ctx, s.clock.Now().Add(-olderThan))
	if err != nil {
		return nil, err
	}
	if s.m != nil {
		s.m.Outbox.FailedEntries.Set(float64(len(entries)))
	}
	return entries, nil
}
