package repo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"
	"eventcore/pkg/db"
	"eventcore/pkg/metrics"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type OutboxRepo struct {
	db      db.DB
	logger  *zap.SugaredLogger
	metrics *metrics.RepoMetrics
}

func NewOutboxRepo(db db.DB, logger *zap.SugaredLogger, m *metrics.Metrics) *OutboxRepo {
	r := &OutboxRepo{db: db, logger: logger}
	if m != nil {
		r.metrics = &m.Repo
	}
	return r
}

// Insert пишет записи outbox. Вне транзакции ничего не пишется.
func (r *OutboxRepo) Insert(ctx context.Context, entries ...entity.OutboxEntry) (err error) {
	defer observe(r.metrics, "insert", "outbox", time.Now(), &err)

	if !r.db.InTransaction(ctx) {
		return appers.ErrNoTransaction
	}

	for _, e := range entries {
		r.logger.Debugf("[outbox: %s] insert target=%s key=%s", e.ID, e.Target, e.RoutingKey)
		_, err = r.db.Exec(ctx, insertOutboxSQL,
			e.ID, e.Target, e.RoutingKey, []byte(e.Payload), e.Traceparent, e.Tracestate, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
	}
	return nil
}

func (r *OutboxRepo) LockNextPublishableEntries(ctx context.Context, lockToken uuid.UUID, maxBatch int, now time.Time) (_ []entity.OutboxEntry, err error) {
	defer observe(r.metrics, "update", "outbox_lock", time.Now(), &err)

	r.logger.Debugf("[lock: %s, limit: %d] LockNextPublishableEntries started", lockToken, maxBatch)

	rows, err := r.db.Query(ctx, lockNextBatchSQL, lockToken, maxBatch, now)
	if err != nil {
		return nil, fmt.Errorf("lock outbox batch: %w", err)
	}
	res, err := scanOutboxRows(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING не гарантирует порядок
	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	return res, nil
}

func (r *OutboxRepo) MarkAcknowledged(ctx context.Context, id, lockToken uuid.UUID, now time.Time) (err error) {
	defer observe(r.metrics, "update", "outbox_ack", time.Now(), &err)
	return r.execGuarded(ctx, markAcknowledgedSQL, id, lockToken, now)
}

func (r *OutboxRepo) MarkRetry(ctx context.Context, id, lockToken uuid.UUID, lastErr string, nextAttemptAt time.Time) (err error) {
	defer observe(r.metrics, "update", "outbox_retry", time.Now(), &err)
	return r.execGuarded(ctx, markRetrySQL, id, lockToken, nextAttemptAt, lastErr)
}

func (r *OutboxRepo) MarkParked(ctx context.Context, id, lockToken uuid.UUID, lastErr string, now time.Time) (err error) {
	defer observe(r.metrics, "update", "outbox_park", time.Now(), &err)
	return r.execGuarded(ctx, markParkedSQL, id, lockToken, now, lastErr)
}

func (r *OutboxRepo) execGuarded(ctx context.Context, query string, id, lockToken uuid.UUID, args ...any) error {
	tag, err := r.db.Exec(ctx, query, append([]any{id, lockToken}, args...)...)
	if err != nil {
		return fmt.Errorf("outbox update %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %s: %w", id, appers.ErrOutboxLockLost)
	}
	return nil
}

func (r *OutboxRepo) ReleaseEntries(ctx context.Context, lockToken uuid.UUID, ids []uuid.UUID) (_ int64, err error) {
	defer observe(r.metrics, "update", "outbox_release", time.Now(), &err)

	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}

	tag, err := r.db.Exec(ctx, releaseEntriesSQL, lockToken, strIDs)
	if err != nil {
		return 0, fmt.Errorf("release outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepo) UnlockEntriesOlderThan(ctx context.Context, threshold time.Time) (_ int64, err error) {
	defer observe(r.metrics, "update", "outbox_unlock", time.Now(), &err)

	tag, err := r.db.Exec(ctx, unlockStaleSQL, threshold)
	if err != nil {
		return 0, fmt.Errorf("unlock stale outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepo) FindFailedEntriesOlderThan(ctx context.Context, threshold time.Time) (_ []entity.OutboxEntry, err error) {
	defer observe(r.metrics, "select", "outbox_failed", time.Now(), &err)

	rows, err := r.db.Query(ctx, selectFailedOlderThanSQL, threshold)
	if err != nil {
		return nil, fmt.Errorf("select failed outbox entries: %w", err)
	}
	return scanOutboxRows(rows)
}

func (r *OutboxRepo) RemoveAcknowledgedEntriesOlderThan(ctx context.Context, threshold time.Time) (_ int64, err error) {
	defer observe(r.metrics, "delete", "outbox_ack", time.Now(), &err)

	tag, err := r.db.Exec(ctx, deleteAcknowledgedOlderThanSQL, threshold)
	if err != nil {
		return 0, fmt.Errorf("remove acknowledged outbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxRows(rows pgx.Rows) ([]entity.OutboxEntry, error) {
	defer rows.Close()

	res := make([]entity.OutboxEntry, 0)
	for rows.Next() {
		var (
			e       entity.OutboxEntry
			payload []byte
		)
		if err := rows.Scan(
			&e.ID, &e.Seq, &e.Target, &e.RoutingKey, &payload, &e.Traceparent, &e.Tracestate, &e.CreatedAt,
			&e.RetryCount, &e.NextAttemptAt, &e.LastError, &e.LockToken, &e.LockedAt, &e.AcknowledgedAt, &e.FailedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		e.Payload = payload
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}
	return res, nil
}
