package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"

	"github.com/gofrs/uuid"
)

func storedEvent(id string, v entity.Version) entity.StoredEvent {
	return entity.StoredEvent{
		AggregateID:      id,
		AggregateType:    "counter",
		AggregateVersion: v,
		AgentType:        entity.AgentSystem,
		EventName:        "incremented",
		EventVersion:     1,
		Payload:          []byte(`{}`),
	}
}

func outboxEntry(created time.Time) entity.OutboxEntry {
	return entity.OutboxEntry{
		ID:        uuid.Must(uuid.NewV4()),
		Target:    "counter",
		Payload:   []byte(`{}`),
		CreatedAt: created,
	}
}

func TestInsertRequiresTransaction(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if err := s.EventLog().Insert(ctx, storedEvent("a", 0)); !errors.Is(err, appers.ErrNoTransaction) {
		t.Fatalf("event insert outside tx: %v", err)
	}
	if err := s.Outbox().Insert(ctx, outboxEntry(time.Now())); !errors.Is(err, appers.ErrNoTransaction) {
		t.Fatalf("outbox insert outside tx: %v", err)
	}
	if _, ok, _ := s.EventLog().Head(ctx, "counter", "a"); ok {
		t.Fatal("nothing must be written")
	}
	if len(s.Outbox().Entries()) != 0 {
		t.Fatal("nothing must be written to outbox")
	}
}

func TestTransactionRollbackDiscardsEverything(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.EventLog().Insert(ctx, storedEvent("a", 0)); err != nil {
			return err
		}
		if err := s.Outbox().Insert(ctx, outboxEntry(time.Now())); err != nil {
			return err
		}
		// внутри транзакции видны собственные записи
		if head, ok, _ := s.EventLog().Head(ctx, "counter", "a"); !ok || head != 0 {
			t.Errorf("tx view head = %d,%v", head, ok)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, ok, _ := s.EventLog().Head(ctx, "counter", "a"); ok {
		t.Fatal("rolled back event is visible")
	}
	if len(s.Outbox().Entries()) != 0 {
		t.Fatal("rolled back outbox entry is visible")
	}
}

func TestDuplicateVersionIsOutdated(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	insert := func(v entity.Version) error {
		return s.WithinTransaction(ctx, func(ctx context.Context) error {
			return s.EventLog().Insert(ctx, storedEvent("a", v))
		})
	}

	if err := insert(0); err != nil {
		t.Fatal(err)
	}
	err := insert(0)
	var outdatedErr *appers.AggregateVersionOutdatedError
	if !errors.As(err, &outdatedErr) || outdatedErr.Version != 0 {
		t.Fatalf("second insert: %v", err)
	}
}

func TestCommitDetectsConcurrentWriter(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var slowErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		slowErr = s.WithinTransaction(ctx, func(ctx context.Context) error {
			if err := s.EventLog().Insert(ctx, storedEvent("a", 0)); err != nil {
				return err
			}
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	if err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		return s.EventLog().Insert(ctx, storedEvent("a", 0))
	}); err != nil {
		t.Fatalf("fast writer: %v", err)
	}
	close(release)
	wg.Wait()

	if !errors.Is(slowErr, appers.ErrAggregateVersionOutdated) {
		t.Fatalf("slow writer: %v", slowErr)
	}
}

func TestEventsRangeAndSnapshot(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		for v := entity.Version(0); v < 6; v++ {
			e := storedEvent("a", v)
			e.IsSnapshot = v == 2 || v == 4
			if err := s.EventLog().Insert(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	three := entity.Version(3)
	events, _ := s.EventLog().Events(ctx, "counter", "a", 1, &three)
	if len(events) != 3 || events[0].AggregateVersion != 1 || events[2].AggregateVersion != 3 {
		t.Fatalf("range = %+v", events)
	}

	snap, _ := s.EventLog().LatestSnapshot(ctx, "counter", "a", &three)
	if snap == nil || snap.AggregateVersion != 2 {
		t.Fatalf("snapshot at or below 3 = %+v", snap)
	}
	snap, _ = s.EventLog().LatestSnapshot(ctx, "counter", "a", nil)
	if snap == nil || snap.AggregateVersion != 4 {
		t.Fatalf("latest snapshot = %+v", snap)
	}

	err = s.WithinTransaction(ctx, func(ctx context.Context) error {
		n, err := s.EventLog().DeleteUpTo(ctx, "counter", "a", 3)
		if n != 4 {
			t.Errorf("deleted = %d", n)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	events, _ = s.EventLog().Events(ctx, "counter", "a", 0, nil)
	if len(events) != 2 || events[0].AggregateVersion != 4 {
		t.Fatalf("after delete = %+v", events)
	}
}

func TestLockIsExclusive(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	_ = s.WithinTransaction(ctx, func(ctx context.Context) error {
		for i := 0; i < 10; i++ {
			if err := s.Outbox().Insert(ctx, outboxEntry(now)); err != nil {
				return err
			}
		}
		return nil
	})

	var (
		mu     sync.Mutex
		seen   = map[uuid.UUID]int{}
		wg     sync.WaitGroup
		locked int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, _ := s.Outbox().LockNextPublishableEntries(ctx, uuid.Must(uuid.NewV4()), 3, now)
			mu.Lock()
			defer mu.Unlock()
			for _, e := range batch {
				seen[e.ID]++
				locked++
			}
		}()
	}
	wg.Wait()

	if locked != 10 {
		t.Fatalf("locked %d entries, want 10", locked)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("entry %s locked %d times", id, n)
		}
	}
}

func TestGuardedUpdatesRequireLockToken(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	_ = s.WithinTransaction(ctx, func(ctx context.Context) error {
		return s.Outbox().Insert(ctx, outboxEntry(now))
	})
	token := uuid.Must(uuid.NewV4())
	batch, _ := s.Outbox().LockNextPublishableEntries(ctx, token, 1, now)
	if len(batch) != 1 {
		t.Fatalf("batch = %d", len(batch))
	}

	stranger := uuid.Must(uuid.NewV4())
	if err := s.Outbox().MarkAcknowledged(ctx, batch[0].ID, stranger, now); !errors.Is(err, appers.ErrOutboxLockLost) {
		t.Fatalf("ack with foreign token: %v", err)
	}
	if err := s.Outbox().MarkAcknowledged(ctx, batch[0].ID, token, now); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if got := s.Outbox().Entries()[0].Status(); got != entity.OutboxAcknowledged {
		t.Fatalf("status = %s", got)
	}
}

func TestCollapsedVersionsStayTaken(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		for v := entity.Version(0); v < 3; v++ {
			if err := s.EventLog().Insert(ctx, storedEvent("a", v)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.WithinTransaction(ctx, func(ctx context.Context) error {
		snap := storedEvent("a", 3)
		snap.IsSnapshot = true
		if err := s.EventLog().Insert(ctx, snap); err != nil {
			return err
		}
		_, err := s.EventLog().DeleteUpTo(ctx, "counter", "a", 2)
		return err
	})
	if err != nil {
		t.Fatalf("collapse: %v", err)
	}

	for _, v := range []entity.Version{1, 2, 3} {
		err := s.WithinTransaction(ctx, func(ctx context.Context) error {
			return s.EventLog().Insert(ctx, storedEvent("a", v))
		})
		if !errors.Is(err, appers.ErrAggregateVersionOutdated) {
			t.Fatalf("insert at %d: expected version outdated, got %v", v, err)
		}
	}
}

func TestCommitRejectsVersionBelowConcurrentHead(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.EventLog().Insert(ctx, storedEvent("a", 0)); err != nil {
			return err
		}
		// параллельный писатель успел записать 1 и 2
		return s.WithinTransaction(context.Background(), func(ctx context.Context) error {
			if err := s.EventLog().Insert(ctx, storedEvent("a", 1)); err != nil {
				return err
			}
			return s.EventLog().Insert(ctx, storedEvent("a", 2))
		})
	})
	if !errors.Is(err, appers.ErrAggregateVersionOutdated) {
		t.Fatalf("expected version outdated, got %v", err)
	}
}
