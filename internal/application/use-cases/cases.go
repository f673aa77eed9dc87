package use_cases

import (
	"context"
	"time"

	"eventcore/internal/application/entity"
	"eventcore/internal/application/service"
	"eventcore/pkg/config"

	"go.uber.org/zap"
)

// сколько id запаркованных записей попадает в одну строку отчёта
const failedReportSample = 10

type UseCaser interface {
	RunRelay(ctx context.Context)
	TriggerRelay()
	UnlockStaleEntries(ctx context.Context) (int64, error)
	PurgeAcknowledged(ctx context.Context) (int64, error)
	ReportFailedEntries(ctx context.Context)
	FailedEntries(ctx context.Context, olderThan time.Duration) ([]entity.OutboxEntry, error)
	AggregateEvents(ctx context.Context, aggType, aggID string, from entity.Version, to *entity.Version) ([]entity.StoredEvent, error)

	HealthCheck(ctx context.Context) (dbHealthy bool, brokerHealthy bool, err error)
}

type UseCase struct {
	service service.Service
	logger  *zap.SugaredLogger
	conf    *config.Config
}

func NewUseCase(service service.Service, logger *zap.SugaredLogger, conf *config.Config) *UseCase {
	return &UseCase{
		service: service,
		logger:  logger,
		conf:    conf,
	}
}

func (u *UseCase) HealthCheck(ctx context.Context) (dbHealthy bool, brokerHealthy bool, err error) {
	return u.service.HealthCheck(ctx)
}

func (u *UseCase) RunRelay(ctx context.Context) {
	u.logger.Debug("relay started")
	u.service.RelayEventRun(ctx)
}

func (u *UseCase) TriggerRelay() {
	u.service.Trigger()
}

func (u *UseCase) UnlockStaleEntries(ctx context.Context) (int64, error) {
	u.logger.Debugf("UnlockStaleEntries called with staleLockTimeout=%s", u.conf.Relay.StaleLockTimeout)
	return u.service.UnlockStaleEntries(ctx)
}

func (u *UseCase) PurgeAcknowledged(ctx context.Context) (int64, error) {
	u.logger.Debugf("PurgeAcknowledged called with retention=%s", u.conf.Relay.Retention)
	return u.service.PurgeAcknowledged(ctx)
}

func (u *UseCase) FailedEntries(ctx context.Context, olderThan time.Duration) ([]entity.OutboxEntry, error) {
	return u.service.FailedEntries(ctx, olderThan)
}

// ReportFailedEntries пишет в лог запаркованные записи старше FailedAlertAfter - по нему настроен алерт.
func (u *UseCase) ReportFailedEntries(ctx context.Context) {
	entries, err := u.service.FailedEntries(ctx, u.conf.Relay.FailedAlertAfter)
	if err != nil {
		u.logger.Errorf("failed entries report: %v", err)
		return
	}
	if len(entries) == 0 {
		u.logger.Debug("failed entries report: none")
		return
	}

	ids := make([]string, 0, min(len(entries), failedReportSample))
	for _, e := range entries[:min(len(entries), failedReportSample)] {
		ids = append(ids, e.ID.String())
	}
	u.logger.Warnw("outbox has parked entries",
		"count", len(entries), "olderThan", u.conf.Relay.FailedAlertAfter.String(), "sample", ids)
}

func (u *UseCase) AggregateEvents(ctx context.Context, aggType, aggID string, from entity.Version, to *entity.Version) ([]entity.StoredEvent, error) {
	return u.service.AggregateEvents(ctx, aggType, aggID, from, to)
}
