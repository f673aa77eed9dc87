package application

import (
	"context"
	"fmt"
	"sync"

	"eventcore/internal/application/common"
	"eventcore/internal/application/eventsourcing"
	"eventcore/internal/application/repo"
	"eventcore/internal/application/service"
	use_cases "eventcore/internal/application/use-cases"
	"eventcore/internal/controllers/cron"
	"eventcore/internal/controllers/handler"
	"eventcore/internal/controllers/listener"
	"eventcore/internal/transport/producer"
	"eventcore/pkg/config"
	"eventcore/pkg/db"
	"eventcore/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type App struct {
	conf           *config.Config
	logger         *zap.SugaredLogger
	httpServer     *fiber.App
	cronController *cron.Controller
	listener       *listener.Listener
	usecase        use_cases.UseCaser

	relayCancel context.CancelFunc
	relayDone   chan struct{}
	stopOnce    sync.Once

	deps eventsourcing.Deps
}

func NewApp(
	ctx context.Context,
	conf *config.Config,
	logger *zap.SugaredLogger,
	postgres *db.Postgres,
	httpServer *fiber.App,
	publisher producer.Producer,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer) (*App, error) {
	logger.Infof("Запуск eventcore версии: %s", common.Version)

	events := repo.NewRepo(postgres, logger, m)
	outbox := repo.NewOutboxRepo(postgres, logger, m)
	tx := repo.NewTransactions(postgres, events, outbox, logger)

	patcher, err := eventsourcing.NewPatcher(logger.Named("patcher"))
	if err != nil {
		return nil, err
	}

	srv := service.NewService(events, outbox, publisher, logger.Named("relay"), &conf.Relay, m)
	uc := use_cases.NewUseCase(srv, logger, conf)

	app := &App{
		conf:       conf,
		logger:     logger,
		httpServer: httpServer,
		usecase:    uc,
		deps:       aggregateDeps(conf.EventStore, events, tx, patcher, logger.Named("aggregate"), m),
	}

	var listenerHealth func() bool
	if conf.Listener.Enabled {
		app.listener = listener.NewListener(listener.NewPostgresSubscriber(postgres), uc.TriggerRelay, conf.Listener, logger.Named("listener"), m)
		listenerHealth = app.listener.Healthy
	}

	h := handler.NewHandler(uc, listenerHealth, logger)
	handler.NewRouter(h, httpServer, conf, gatherer, logger).RegisterRouter()

	app.cronController = cron.NewController(ctx, logger.Named("cron"))
	if err := app.cronController.RegisterOutboxJobs(uc, conf.Cron); err != nil {
		return nil, fmt.Errorf("cron: %w", err)
	}

	return app, nil
}

// AggregateDeps - зависимости для runtime агрегатов бизнес-модулей:
//
//	rt, err := eventsourcing.NewRuntime(eventsourcing.Definition[Order, OrderCommand]{...}, app.AggregateDeps())
//
// Definition без своего SnapshotThreshold получает порог из eventStore.snapshotThreshold.
func (a *App) AggregateDeps() eventsourcing.Deps {
	return a.deps
}

func aggregateDeps(conf config.EventStore, events repo.EventLog, tx repo.Transactions, patcher *eventsourcing.Patcher,
	logger *zap.SugaredLogger, m *metrics.Metrics) eventsourcing.Deps {
	return eventsourcing.Deps{
		Events:            events,
		Transactions:      tx,
		Patcher:           patcher,
		Clock:             common.SystemClock{},
		Logger:            logger,
		Metrics:           m,
		TargetPrefix:      conf.TargetPrefix,
		SnapshotThreshold: conf.SnapshotThreshold,
	}
}

// Start запускает фоновые части: relay, listener и cron.
func (a *App) Start(ctx context.Context) error {
	relayCtx, cancel := context.WithCancel(ctx)
	a.relayCancel = cancel
	a.relayDone = make(chan struct{})
	go func() {
		defer close(a.relayDone)
		a.usecase.RunRelay(relayCtx)
	}()

	if a.listener != nil {
		if err := a.listener.Start(ctx); err != nil {
			return err
		}
	}

	a.cronController.Start()
	return nil
}

func (a *App) Run() error {
	return a.httpServer.Listen(fmt.Sprintf(":%s", a.conf.Server.Port))
}

// Shutdown останавливает приём уведомлений и задач, дожидается текущих публикаций relay,
// затем закрывает HTTP. Пул БД и брокер закрывает вызывающий.
func (a *App) Shutdown() error {
	var err error
	a.stopOnce.Do(func() {
		if a.listener != nil {
			a.listener.Stop()
		}
		if a.cronController != nil {
			a.cronController.Stop()
		}
		if a.relayCancel != nil {
			a.relayCancel()
			<-a.relayDone
			a.logger.Info("relay stopped")
		}
		err = a.httpServer.Shutdown()
	})
	return err
}
