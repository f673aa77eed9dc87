// Package listener будит relay по уведомлениям хранилища о новых записях outbox.
// Таймер relay остаётся страховкой, основной путь - уведомления.
package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"eventcore/internal/application/common"
	"eventcore/pkg/config"
	"eventcore/pkg/metrics"

	"go.uber.org/zap"
)

const closeTimeout = 5 * time.Second

var ErrAlreadyStarted = errors.New("listener already started")

// Subscription - активная подписка на канал уведомлений.
type Subscription interface {
	// Wait блокируется до следующего уведомления. Ошибка означает, что подписка потеряна.
	Wait(ctx context.Context) error
	Close(ctx context.Context) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Listener struct {
	subscriber Subscriber
	trigger    func()
	channel    string
	backoff    common.Backoff
	logger     *zap.SugaredLogger
	m          *metrics.Metrics

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	connected atomic.Bool
}

func NewListener(subscriber Subscriber, trigger func(), cfg config.ListenerConfig, logger *zap.SugaredLogger, m *metrics.Metrics) *Listener {
	return &Listener{
		subscriber: subscriber,
		trigger:    trigger,
		channel:    cfg.Channel,
		backoff:    common.Backoff{Base: cfg.MinBackoff, Max: cfg.MaxBackoff},
		logger:     logger,
		m:          m,
	}
}

// Start запускает подписку в фоне. Слушатель живёт до Stop, ctx задаёт только значения и трейсинг.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})

	if l.m != nil {
		l.m.Go.InternalGoroutines.WithLabelValues("listener").Inc()
	}
	go l.run(ctx)

	l.logger.Infof("listener started, channel=%s", l.channel)
	return nil
}

// Stop отменяет подписку и ждёт, пока соединение будет закрыто.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("listener stopped")
}

// Healthy - есть ли сейчас активная подписка.
func (l *Listener) Healthy() bool {
	return l.connected.Load()
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer func() {
		if l.m != nil {
			l.m.Go.InternalGoroutines.WithLabelValues("listener").Dec()
		}
	}()

	attempt := 0
	for {
		sub, err := l.subscriber.Subscribe(ctx, l.channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.countSubscribe("error")
			d := l.backoff.Next(attempt)
			attempt++
			l.logger.Warnf("subscribe to %q failed (attempt %d), retry in %s: %v", l.channel, attempt, d, err)
			if common.SleepCtx(ctx, d) != nil {
				return
			}
			continue
		}

		attempt = 0
		l.countSubscribe("ok")
		l.setConnected(true)
		l.logger.Infof("subscribed to %q", l.channel)

		// всё, что вставили пока подписки не было, забираем сразу
		l.trigger()

		err = l.listen(ctx, sub)
		l.setConnected(false)

		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if cerr := sub.Close(closeCtx); cerr != nil {
			l.logger.Warnf("close subscription: %v", cerr)
		}
		cancel()

		if ctx.Err() != nil {
			return
		}

		d := l.backoff.Next(0)
		l.logger.Warnf("subscription to %q lost, resubscribe in %s: %v", l.channel, d, err)
		if common.SleepCtx(ctx, d) != nil {
			return
		}
	}
}

func (l *Listener) listen(ctx context.Context, sub Subscription) error {
	for {
		if err := sub.Wait(ctx); err != nil {
			return err
		}
		if l.m != nil {
			l.m.Listener.NotificationsTotal.Inc()
		}
		l.trigger()
	}
}

func (l *Listener) countSubscribe(result string) {
	if l.m != nil {
		l.m.Listener.ReconnectsTotal.WithLabelValues(result).Inc()
	}
}

func (l *Listener) setConnected(v bool) {
	l.connected.Store(v)
	if l.m == nil {
		return
	}
	if v {
		l.m.Listener.Connected.Set(1)
	} else {
		l.m.Listener.Connected.Set(0)
	}
}
