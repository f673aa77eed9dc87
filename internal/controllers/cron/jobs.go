package cron

import (
	"context"

	use_cases "eventcore/internal/application/use-cases"

	"go.uber.org/zap"
)

// maintenanceJob - обёртка над одной операцией обслуживания outbox
type maintenanceJob struct {
	name   string
	run    func(ctx context.Context)
	logger *zap.SugaredLogger
}

func (j *maintenanceJob) Run(ctx context.Context) {
	j.logger.Debugf("Запуск задачи %s", j.name)

	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("Паника при выполнении задачи %s: %v", j.name, r)
		}
	}()

	j.run(ctx)
	j.logger.Debugf("Задача %s завершена", j.name)
}

// NewUnlockStaleJob снимает протухшие аренды outbox. Работает независимо от цикла публикации.
func NewUnlockStaleJob(usecase use_cases.UseCaser, logger *zap.SugaredLogger) Job {
	return &maintenanceJob{
		name: "unlock-stale",
		run: func(ctx context.Context) {
			_, _ = usecase.UnlockStaleEntries(ctx)
		},
		logger: logger,
	}
}

// NewPurgeAcknowledgedJob удаляет подтверждённые записи старше retention.
func NewPurgeAcknowledgedJob(usecase use_cases.UseCaser, logger *zap.SugaredLogger) Job {
	return &maintenanceJob{
		name: "purge-acknowledged",
		run: func(ctx context.Context) {
			_, _ = usecase.PurgeAcknowledged(ctx)
		},
		logger: logger,
	}
}

func NewReportFailedJob(usecase use_cases.UseCaser, logger *zap.SugaredLogger) Job {
	return &maintenanceJob{
		name:   "report-failed",
		run:    usecase.ReportFailedEntries,
		logger: logger,
	}
}
