// Package memory - хранилище журнала событий и outbox в памяти процесса.
// Семантика та же, что у postgres-реализации: уникальность версии, запись outbox только
// в транзакции, аренда записей по lock token. Используется в тестах и локальной разработке.
package memory

import (
	"context"
	"sort"
	"sync"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"
)

type aggKey struct {
	typ string
	id  string
}

type opKind int

const (
	opInsertEvent opKind = iota
	opDeleteEvents
	opInsertOutbox
)

type op struct {
	kind   opKind
	key    aggKey
	event  entity.StoredEvent
	upTo   entity.Version
	outbox entity.OutboxEntry
}

type tx struct {
	ops []op
}

type txKey struct{}

type Store struct {
	mu     sync.Mutex
	events map[aggKey][]entity.StoredEvent
	outbox []*entity.OutboxEntry
	seq    int64
}

func NewStore() *Store {
	return &Store{events: make(map[aggKey][]entity.StoredEvent)}
}

// EventLog - журнал событий поверх общего состояния Store.
type EventLog struct{ s *Store }

// Outbox - таблица outbox поверх общего состояния Store.
type Outbox struct{ s *Store }

func (s *Store) EventLog() *EventLog { return &EventLog{s: s} }

func (s *Store) Outbox() *Outbox { return &Outbox{s: s} }

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// WithinTransaction копит изменения и применяет их атомарно при успешном fn.
// Коллизия версии с данными, закоммиченными после начала транзакции, обнаруживается при коммите.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range t.ops {
		if o.kind == opInsertEvent && s.versionTaken(s.events[o.key], o.event.AggregateVersion) {
			return outdated(o.event)
		}
	}

	for _, o := range t.ops {
		switch o.kind {
		case opInsertEvent:
			s.events[o.key] = insertSorted(s.events[o.key], o.event)
		case opDeleteEvents:
			s.events[o.key] = dropUpTo(s.events[o.key], o.upTo)
		case opInsertOutbox:
			s.seq++
			e := o.outbox
			e.Seq = s.seq
			s.outbox = append(s.outbox, &e)
		}
	}
	return nil
}

func (s *Store) HealthCheck(context.Context) error { return nil }

// ===== EventLog =====

func (l *EventLog) HealthCheck(ctx context.Context) error { return l.s.HealthCheck(ctx) }

func (l *EventLog) Insert(ctx context.Context, evt entity.StoredEvent) error {
	t := txFrom(ctx)
	if t == nil {
		return appers.ErrNoTransaction
	}

	key := aggKey{typ: evt.AggregateType, id: evt.AggregateID}
	if l.s.versionTaken(l.s.view(t, key), evt.AggregateVersion) {
		return outdated(evt)
	}

	evt.Payload = append([]byte(nil), evt.Payload...)
	t.ops = append(t.ops, op{kind: opInsertEvent, key: key, event: evt})
	return nil
}

func (l *EventLog) Events(ctx context.Context, aggType, aggID string, from entity.Version, to *entity.Version) ([]entity.StoredEvent, error) {
	res := make([]entity.StoredEvent, 0)
	for _, e := range l.s.view(txFrom(ctx), aggKey{typ: aggType, id: aggID}) {
		if e.AggregateVersion < from || (to != nil && e.AggregateVersion > *to) {
			continue
		}
		res = append(res, e)
	}
	return res, nil
}

func (l *EventLog) LatestSnapshot(ctx context.Context, aggType, aggID string, atOrBelow *entity.Version) (*entity.StoredEvent, error) {
	events := l.s.view(txFrom(ctx), aggKey{typ: aggType, id: aggID})
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if !e.IsSnapshot || (atOrBelow != nil && e.AggregateVersion > *atOrBelow) {
			continue
		}
		return &e, nil
	}
	return nil, nil
}

func (l *EventLog) Head(ctx context.Context, aggType, aggID string) (entity.Version, bool, error) {
	events := l.s.view(txFrom(ctx), aggKey{typ: aggType, id: aggID})
	if len(events) == 0 {
		return 0, false, nil
	}
	return events[len(events)-1].AggregateVersion, true, nil
}

func (l *EventLog) DeleteUpTo(ctx context.Context, aggType, aggID string, version entity.Version) (int64, error) {
	t := txFrom(ctx)
	if t == nil {
		return 0, appers.ErrNoTransaction
	}

	key := aggKey{typ: aggType, id: aggID}
	var n int64
	for _, e := range l.s.view(t, key) {
		if e.AggregateVersion <= version {
			n++
		}
	}
	t.ops = append(t.ops, op{kind: opDeleteEvents, key: key, upTo: version})
	return n, nil
}

// view - закоммиченные события агрегата плюс изменения текущей транзакции.
func (s *Store) view(t *tx, key aggKey) []entity.StoredEvent {
	s.mu.Lock()
	events := append([]entity.StoredEvent(nil), s.events[key]...)
	s.mu.Unlock()

	if t == nil {
		return events
	}
	for _, o := range t.ops {
		if o.key != key {
			continue
		}
		switch o.kind {
		case opInsertEvent:
			events = insertSorted(events, o.event)
		case opDeleteEvents:
			events = dropUpTo(events, o.upTo)
		}
	}
	return events
}

// versionTaken: версия занята, если в журнале есть она сама или что-то выше.
// После свёртки удалённые версии остаются занятыми: голова журнала выше них.
func (s *Store) versionTaken(events []entity.StoredEvent, v entity.Version) bool {
	return len(events) > 0 && events[len(events)-1].AggregateVersion >= v
}

func insertSorted(events []entity.StoredEvent, evt entity.StoredEvent) []entity.StoredEvent {
	i := sort.Search(len(events), func(i int) bool { return events[i].AggregateVersion >= evt.AggregateVersion })
	events = append(events, entity.StoredEvent{})
	copy(events[i+1:], events[i:])
	events[i] = evt
	return events
}

func dropUpTo(events []entity.StoredEvent, upTo entity.Version) []entity.StoredEvent {
	res := events[:0:0]
	for _, e := range events {
		if e.AggregateVersion > upTo {
			res = append(res, e)
		}
	}
	return res
}

func outdated(evt entity.StoredEvent) error {
	return &appers.AggregateVersionOutdatedError{
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		Version:       uint64(evt.AggregateVersion),
	}
}
