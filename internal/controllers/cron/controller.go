package cron

import (
	"context"
	"fmt"

	use_cases "eventcore/internal/application/use-cases"
	"eventcore/pkg/config"

	"go.uber.org/zap"
)

type Controller struct {
	scheduler *Scheduler
	logger    *zap.SugaredLogger
}

func NewController(ctx context.Context, logger *zap.SugaredLogger) *Controller {
	return &Controller{
		scheduler: NewScheduler(ctx),
		logger:    logger,
	}
}

// RegisterOutboxJobs регистрирует обслуживание outbox.
// Расписание - cron с секундами ("0 */5 * * * *") или интервал ("@every 1m").
func (c *Controller) RegisterOutboxJobs(usecase use_cases.UseCaser, conf config.Cron) error {
	jobs := []struct {
		name string
		spec string
		def  string
		job  Job
	}{
		{"unlock-stale", conf.UnlockStale, "@every 1m", NewUnlockStaleJob(usecase, c.logger)},
		{"purge-acknowledged", conf.PurgeAcknowledged, "@every 1h", NewPurgeAcknowledgedJob(usecase, c.logger)},
		{"report-failed", conf.ReportFailed, "@every 5m", NewReportFailedJob(usecase, c.logger)},
	}

	for _, j := range jobs {
		spec := j.spec
		if spec == "" {
			spec = j.def
			c.logger.Warnf("Расписание %s не указано, используется интервал по умолчанию: %s", j.name, spec)
		}

		entryID, err := c.scheduler.Add(spec, j.job)
		if err != nil {
			return fmt.Errorf("не удалось зарегистрировать задачу %s: %w", j.name, err)
		}
		c.logger.Infof("Задача %s зарегистрирована с ID: %d, расписание: %s", j.name, entryID, spec)
	}
	return nil
}

// Start запускает планировщик задач
func (c *Controller) Start() {
	c.logger.Info("Запуск планировщика cron задач")
	c.scheduler.Start()
}

// Stop останавливает планировщик и ждёт завершения запущенных задач
func (c *Controller) Stop() {
	c.logger.Info("Остановка планировщика cron задач")
	c.scheduler.Stop()
	c.logger.Info("Планировщик cron задач остановлен")
}
