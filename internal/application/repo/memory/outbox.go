package memory

import (
	"context"
	"fmt"
	"time"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"

	"github.com/gofrs/uuid"
)

func (o *Outbox) Insert(ctx context.Context, entries ...entity.OutboxEntry) error {
	t := txFrom(ctx)
	if t == nil {
		return appers.ErrNoTransaction
	}
	for _, e := range entries {
		e.Payload = append([]byte(nil), e.Payload...)
		e.RetryCount = 0
		e.NextAttemptAt = e.CreatedAt
		t.ops = append(t.ops, op{kind: opInsertOutbox, outbox: e})
	}
	return nil
}

func (o *Outbox) LockNextPublishableEntries(_ context.Context, lockToken uuid.UUID, maxBatch int, now time.Time) ([]entity.OutboxEntry, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	res := make([]entity.OutboxEntry, 0, maxBatch)
	for _, e := range o.s.outbox {
		if len(res) >= maxBatch {
			break
		}
		if !e.Publishable(now) {
			continue
		}
		token, lockedAt := lockToken, now
		e.LockToken = &token
		e.LockedAt = &lockedAt
		res = append(res, clone(e))
	}
	return res, nil
}

func (o *Outbox) MarkAcknowledged(_ context.Context, id, lockToken uuid.UUID, now time.Time) error {
	return o.guarded(id, lockToken, func(e *entity.OutboxEntry) {
		ack := now
		e.AcknowledgedAt = &ack
		e.FailedAt = nil
		e.LastError = nil
		e.LockToken = nil
		e.LockedAt = nil
	})
}

func (o *Outbox) MarkRetry(_ context.Context, id, lockToken uuid.UUID, lastErr string, nextAttemptAt time.Time) error {
	return o.guarded(id, lockToken, func(e *entity.OutboxEntry) {
		e.RetryCount++
		e.NextAttemptAt = nextAttemptAt
		e.LastError = &lastErr
		e.LockToken = nil
		e.LockedAt = nil
	})
}

func (o *Outbox) MarkParked(_ context.Context, id, lockToken uuid.UUID, lastErr string, now time.Time) error {
	return o.guarded(id, lockToken, func(e *entity.OutboxEntry) {
		e.RetryCount++
		if e.FailedAt == nil {
			failedAt := now
			e.FailedAt = &failedAt
		}
		lockedAt := now
		e.LockedAt = &lockedAt
		e.NextAttemptAt = now
		e.LastError = &lastErr
	})
}

func (o *Outbox) guarded(id, lockToken uuid.UUID, fn func(e *entity.OutboxEntry)) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	for _, e := range o.s.outbox {
		if e.ID != id {
			continue
		}
		if e.LockToken == nil || *e.LockToken != lockToken {
			break
		}
		fn(e)
		return nil
	}
	return fmt.Errorf("outbox entry %s: %w", id, appers.ErrOutboxLockLost)
}

func (o *Outbox) ReleaseEntries(_ context.Context, lockToken uuid.UUID, ids []uuid.UUID) (int64, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	var n int64
	for _, e := range o.s.outbox {
		if _, ok := want[e.ID]; !ok || e.AcknowledgedAt != nil {
			continue
		}
		if e.LockToken == nil || *e.LockToken != lockToken {
			continue
		}
		e.LockToken = nil
		e.LockedAt = nil
		n++
	}
	return n, nil
}

func (o *Outbox) UnlockEntriesOlderThan(_ context.Context, threshold time.Time) (int64, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	var n int64
	for _, e := range o.s.outbox {
		if e.LockToken == nil || e.AcknowledgedAt != nil || e.LockedAt == nil || !e.LockedAt.Before(threshold) {
			continue
		}
		e.LockToken = nil
		e.LockedAt = nil
		n++
	}
	return n, nil
}

func (o *Outbox) FindFailedEntriesOlderThan(_ context.Context, threshold time.Time) ([]entity.OutboxEntry, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	res := make([]entity.OutboxEntry, 0)
	for _, e := range o.s.outbox {
		if e.FailedAt != nil && e.AcknowledgedAt == nil && e.FailedAt.Before(threshold) {
			res = append(res, clone(e))
		}
	}
	return res, nil
}

func (o *Outbox) RemoveAcknowledgedEntriesOlderThan(_ context.Context, threshold time.Time) (int64, error) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	kept := o.s.outbox[:0]
	var n int64
	for _, e := range o.s.outbox {
		if e.AcknowledgedAt != nil && e.AcknowledgedAt.Before(threshold) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	o.s.outbox = kept
	return n, nil
}

// Entries - копия всех записей outbox в порядке вставки.
func (o *Outbox) Entries() []entity.OutboxEntry {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()

	res := make([]entity.OutboxEntry, 0, len(o.s.outbox))
	for _, e := range o.s.outbox {
		res = append(res, clone(e))
	}
	return res
}

func clone(e *entity.OutboxEntry) entity.OutboxEntry {
	c := *e
	if e.LockToken != nil {
		t := *e.LockToken
		c.LockToken = &t
	}
	if e.LockedAt != nil {
		t := *e.LockedAt
		c.LockedAt = &t
	}
	if e.AcknowledgedAt != nil {
		t := *e.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if e.FailedAt != nil {
		t := *e.FailedAt
		c.FailedAt = &t
	}
	if e.LastError != nil {
		s := *e.LastError
		c.LastError = &s
	}
	return c
}
