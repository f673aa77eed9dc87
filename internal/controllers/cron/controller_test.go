package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"eventcore/internal/application/entity"
	"eventcore/pkg/config"

	"go.uber.org/zap"
)

type fakeUseCase struct {
	unlocks atomic.Int32
	purges  atomic.Int32
	reports atomic.Int32
}

func (f *fakeUseCase) RunRelay(context.Context) {}
func (f *fakeUseCase) TriggerRelay()            {}
func (f *fakeUseCase) UnlockStaleEntries(context.Context) (int64, error) {
	f.unlocks.Add(1)
	return 0, nil
}
func (f *fakeUseCase) PurgeAcknowledged(context.Context) (int64, error) {
	f.purges.Add(1)
	return 0, nil
}
func (f *fakeUseCase) ReportFailedEntries(context.Context) { f.reports.Add(1) }
func (f *fakeUseCase) FailedEntries(context.Context, time.Duration) ([]entity.OutboxEntry, error) {
	return nil, nil
}
func (f *fakeUseCase) AggregateEvents(context.Context, string, string, entity.Version, *entity.Version) ([]entity.StoredEvent, error) {
	return nil, nil
}
func (f *fakeUseCase) HealthCheck(context.Context) (bool, bool, error) { return true, true, nil }

func TestRegisterOutboxJobs_RunsEveryJob(t *testing.T) {
	uc := &fakeUseCase{}
	c := NewController(context.Background(), zap.NewNop().Sugar())

	err := c.RegisterOutboxJobs(uc, config.Cron{
		UnlockStale:       "@every 1s",
		PurgeAcknowledged: "@every 1s",
		ReportFailed:      "@every 1s",
	})
	if err != nil {
		t.Fatalf("RegisterOutboxJobs: %v", err)
	}

	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if uc.unlocks.Load() > 0 && uc.purges.Load() > 0 && uc.reports.Load() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("jobs did not run: unlock=%d purge=%d report=%d", uc.unlocks.Load(), uc.purges.Load(), uc.reports.Load())
}

func TestRegisterOutboxJobs_InvalidSpec(t *testing.T) {
	c := NewController(context.Background(), zap.NewNop().Sugar())

	if err := c.RegisterOutboxJobs(&fakeUseCase{}, config.Cron{UnlockStale: "not a schedule"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestMaintenanceJob_RecoversPanic(t *testing.T) {
	j := &maintenanceJob{
		name:   "boom",
		run:    func(context.Context) { panic("boom") },
		logger: zap.NewNop().Sugar(),
	}
	j.Run(context.Background())
}
