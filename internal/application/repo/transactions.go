package repo

import (
	"context"

	"eventcore/internal/application/entity"

	"go.uber.org/zap"
)

// PendingEvent - событие к записи и его зеркало в outbox (nil для снапшотов).
type PendingEvent struct {
	Event  entity.StoredEvent
	Outbox *entity.OutboxEntry
}

type Transactions interface {
	// AppendEvents пишет события по одному в порядке версий, каждое вместе со своей записью outbox,
	// в одной транзакции. Первая коллизия версии откатывает всё.
	AppendEvents(ctx context.Context, batch []PendingEvent) error
	// Collapse пишет снапшот и удаляет всю историю не выше upTo в одной транзакции.
	Collapse(ctx context.Context, snapshot entity.StoredEvent, upTo entity.Version) error
}

type TransactionsImpl struct {
	tx     Transactor
	events EventLog
	outbox OutboxStore
	logger *zap.SugaredLogger
}

func NewTransactions(tx Transactor, events EventLog, outbox OutboxStore, logger *zap.SugaredLogger) *TransactionsImpl {
	return &TransactionsImpl{tx: tx, events: events, outbox: outbox, logger: logger}
}

func (t *TransactionsImpl) AppendEvents(ctx context.Context, batch []PendingEvent) error {
	if len(batch) == 0 {
		return nil
	}

	return t.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, p := range batch {
			if err := t.events.Insert(ctx, p.Event); err != nil {
				return err
			}
			if p.Outbox == nil {
				continue
			}
			if err := t.outbox.Insert(ctx, *p.Outbox); err != nil {
				t.logger.Errorf("[aggregate: %s/%s] insert outbox failed: %v", p.Event.AggregateType, p.Event.AggregateID, err)
				return err
			}
		}
		return nil
	})
}

func (t *TransactionsImpl) Collapse(ctx context.Context, snapshot entity.StoredEvent, upTo entity.Version) error {
	return t.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := t.events.Insert(ctx, snapshot); err != nil {
			return err
		}
		deleted, err := t.events.DeleteUpTo(ctx, snapshot.AggregateType, snapshot.AggregateID, upTo)
		if err != nil {
			return err
		}
		t.logger.Infof("[aggregate: %s/%s] collapsed %d events into snapshot %d",
			snapshot.AggregateType, snapshot.AggregateID, deleted, snapshot.AggregateVersion)
		return nil
	})
}
