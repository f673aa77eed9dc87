package common

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff - экспоненциальная задержка base * 2^attempt, ограниченная max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Next возвращает задержку перед попыткой номер attempt (с нуля) с половинным джиттером:
// результат лежит в [d/2, d), где d = min(Base*2^attempt, Max).
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Ceil(attempt)
	if d <= 1 {
		return d
	}
	return d/2 + time.Duration(rand.Int64N(int64(d/2)))
}

// Ceil - та же кривая без джиттера.
func (b Backoff) Ceil(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Base <= 0 {
		return 0
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
		if d <= 0 { // переполнение
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// NextBackoffWithJitter - кривая по умолчанию для http-ретраев: 1s, 2s, 4s ... до 30 минут.
func NextBackoffWithJitter(attempts int) time.Duration {
	return Backoff{Base: time.Second, Max: 30 * time.Minute}.Next(attempts)
}

func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clock позволяет подменять время в тестах.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
