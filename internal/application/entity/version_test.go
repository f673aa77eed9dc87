package entity

import (
	"testing"
	"time"

	"github.com/gofrs/uuid"
)

func TestVersionIncrementDecrement(t *testing.T) {
	v := Version(0)
	if got := v.Increment(); got != 1 {
		t.Fatalf("Increment() = %d", got)
	}
	if got := Version(5).Decrement(); got != 4 {
		t.Fatalf("Decrement() = %d", got)
	}
	if v != 0 {
		t.Fatal("Increment must not mutate the receiver")
	}
}

func TestVersionDecrementZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Decrement on zero must panic")
		}
	}()
	Version(0).Decrement()
}

func TestNextVersion(t *testing.T) {
	if got := NextVersion(0, false); got != 0 {
		t.Errorf("empty aggregate starts at %d", got)
	}
	if got := NextVersion(0, true); got != 1 {
		t.Errorf("after version 0 next is %d", got)
	}
	if got := NextVersion(41, true); got != 42 {
		t.Errorf("after version 41 next is %d", got)
	}
}

func TestOutboxEntryStatus(t *testing.T) {
	now := time.Now()
	token := uuid.Must(uuid.NewV4())

	e := OutboxEntry{NextAttemptAt: now}
	if e.Status() != OutboxUnpublished || !e.Publishable(now) {
		t.Fatalf("fresh entry: status=%s publishable=%v", e.Status(), e.Publishable(now))
	}

	e.NextAttemptAt = now.Add(time.Minute)
	if e.Publishable(now) {
		t.Fatal("entry in backoff must not be publishable")
	}

	e.LockToken = &token
	e.LockedAt = &now
	if e.Status() != OutboxLocked {
		t.Fatalf("status = %s", e.Status())
	}

	e.FailedAt = &now
	if e.Status() != OutboxFailed {
		t.Fatalf("status = %s", e.Status())
	}

	e.AcknowledgedAt = &now
	if e.Status() != OutboxAcknowledged {
		t.Fatalf("status = %s", e.Status())
	}
}
