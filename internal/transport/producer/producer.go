package producer

import (
	"context"
	"errors"
	"fmt"
)

// Producer - брокер, в который relay доставляет записи outbox.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	HealthCheck(ctx context.Context) error
}

// Message - одна запись outbox на пути к брокеру.
type Message struct {
	ID         string
	Target     string
	RoutingKey string
	Payload    []byte
	Headers    map[string]string
}

// ErrPermanent помечает ошибки, которые бессмысленно ретраить: relay сразу паркует запись.
var ErrPermanent = errors.New("permanent publish error")

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }

func (e *PermanentError) Unwrap() []error { return []error{ErrPermanent, e.Err} }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
