package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"
	"eventcore/pkg/db"
	"eventcore/pkg/metrics"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Transactor открывает транзакцию и кладёт её в ctx; вложенные вызовы переиспользуют её.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventLog - append-only журнал событий с уникальностью (aggregate_id, aggregate_type, aggregate_version).
type EventLog interface {
	// Insert работает только внутри транзакции. Коллизия версии -> *appers.AggregateVersionOutdatedError.
	Insert(ctx context.Context, evt entity.StoredEvent) error
	// Events возвращает события с from по to включительно по возрастанию версии; to == nil - до головы.
	Events(ctx context.Context, aggType, aggID string, from entity.Version, to *entity.Version) ([]entity.StoredEvent, error)
	// LatestSnapshot - ближайший снапшот не выше atOrBelow (nil - последний). nil, nil если снапшотов нет.
	LatestSnapshot(ctx context.Context, aggType, aggID string, atOrBelow *entity.Version) (*entity.StoredEvent, error)
	Head(ctx context.Context, aggType, aggID string) (entity.Version, bool, error)
	// DeleteUpTo удаляет все события с версией <= version. Только внутри транзакции.
	DeleteUpTo(ctx context.Context, aggType, aggID string, version entity.Version) (int64, error)
}

// OutboxStore - таблица записей на доставку. Блокировка записи - аренда по lock token.
type OutboxStore interface {
	Insert(ctx context.Context, entries ...entity.OutboxEntry) error
	LockNextPublishableEntries(ctx context.Context, lockToken uuid.UUID, maxBatch int, now time.Time) ([]entity.OutboxEntry, error)
	MarkAcknowledged(ctx context.Context, id, lockToken uuid.UUID, now time.Time) error
	MarkRetry(ctx context.Context, id, lockToken uuid.UUID, lastErr string, nextAttemptAt time.Time) error
	MarkParked(ctx context.Context, id, lockToken uuid.UUID, lastErr string, now time.Time) error
	ReleaseEntries(ctx context.Context, lockToken uuid.UUID, ids []uuid.UUID) (int64, error)
	UnlockEntriesOlderThan(ctx context.Context, threshold time.Time) (int64, error)
	FindFailedEntriesOlderThan(ctx context.Context, threshold time.Time) ([]entity.OutboxEntry, error)
	RemoveAcknowledgedEntriesOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}

type Repo interface {
	EventLog
	HealthCheck(ctx context.Context) error
}

type RepoImpl struct {
	db      db.DB
	logger  *zap.SugaredLogger
	metrics *metrics.RepoMetrics
}

func NewRepo(db db.DB, logger *zap.SugaredLogger, m *metrics.Metrics) *RepoImpl {
	r := &RepoImpl{db: db, logger: logger}
	if m != nil {
		r.metrics = &m.Repo
	}
	return r
}

func (r *RepoImpl) HealthCheck(ctx context.Context) error {
	var result int
	err := r.db.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (r *RepoImpl) Insert(ctx context.Context, evt entity.StoredEvent) (err error) {
	defer r.observe("insert", "event_log", time.Now(), &err)

	if !r.db.InTransaction(ctx) {
		return appers.ErrNoTransaction
	}

	r.logger.Debugf("[aggregate: %s/%s] insert version %d (%s)", evt.AggregateType, evt.AggregateID, evt.AggregateVersion, evt.EventName)

	if err = r.lockAggregate(ctx, evt.AggregateType, evt.AggregateID); err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, insertEventSQL,
		evt.AggregateID, evt.AggregateType, int64(evt.AggregateVersion),
		evt.AgentID, string(evt.AgentType), evt.Date,
		evt.EventName, evt.EventVersion, evt.IsSnapshot, []byte(evt.Payload),
	)
	switch {
	case err == nil && tag.RowsAffected() == 1:
		return nil
	case err == nil, isDuplicateKeyError(err):
		r.logger.Warnf("[aggregate: %s/%s] version %d already taken", evt.AggregateType, evt.AggregateID, evt.AggregateVersion)
		return &appers.AggregateVersionOutdatedError{
			AggregateType: evt.AggregateType,
			AggregateID:   evt.AggregateID,
			Version:       uint64(evt.AggregateVersion),
		}
	default:
		return fmt.Errorf("insert event_log: %w", err)
	}
}

// lockAggregate берёт advisory lock агрегата; отпускается на commit/rollback.
func (r *RepoImpl) lockAggregate(ctx context.Context, aggType, aggID string) error {
	if _, err := r.db.Exec(ctx, lockAggregateSQL, aggType, aggID); err != nil {
		return fmt.Errorf("lock aggregate %s/%s: %w", aggType, aggID, err)
	}
	return nil
}

func (r *RepoImpl) Events(ctx context.Context, aggType, aggID string, from entity.Version, to *entity.Version) (_ []entity.StoredEvent, err error) {
	defer r.observe("select", "event_log_range", time.Now(), &err)

	rows, err := r.db.Query(ctx, selectEventsSQL, aggType, aggID, int64(from), versionArg(to))
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	res := make([]entity.StoredEvent, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select events rows: %w", err)
	}
	return res, nil
}

func (r *RepoImpl) LatestSnapshot(ctx context.Context, aggType, aggID string, atOrBelow *entity.Version) (_ *entity.StoredEvent, err error) {
	defer r.observe("select", "event_log_snapshot", time.Now(), &err)

	evt, err := scanEvent(r.db.QueryRow(ctx, selectLatestSnapshotSQL, aggType, aggID, versionArg(atOrBelow)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

func (r *RepoImpl) Head(ctx context.Context, aggType, aggID string) (_ entity.Version, _ bool, err error) {
	defer r.observe("select", "event_log_head", time.Now(), &err)

	var head *int64
	if err = r.db.QueryRow(ctx, selectHeadSQL, aggType, aggID).Scan(&head); err != nil {
		return 0, false, fmt.Errorf("select head: %w", err)
	}
	if head == nil {
		return 0, false, nil
	}
	return entity.Version(*head), true, nil
}

func (r *RepoImpl) DeleteUpTo(ctx context.Context, aggType, aggID string, version entity.Version) (_ int64, err error) {
	defer r.observe("delete", "event_log", time.Now(), &err)

	if !r.db.InTransaction(ctx) {
		return 0, appers.ErrNoTransaction
	}

	if err = r.lockAggregate(ctx, aggType, aggID); err != nil {
		return 0, err
	}

	tag, err := r.db.Exec(ctx, deleteEventsUpToSQL, aggType, aggID, int64(version))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	r.logger.Infof("[aggregate: %s/%s] deleted %d events up to version %d", aggType, aggID, tag.RowsAffected(), version)
	return tag.RowsAffected(), nil
}

func scanEvent(row pgx.Row) (entity.StoredEvent, error) {
	var (
		evt       entity.StoredEvent
		version   int64
		agentType string
		payload   []byte
	)
	err := row.Scan(
		&evt.AggregateID, &evt.AggregateType, &version,
		&evt.AgentID, &agentType, &evt.Date,
		&evt.EventName, &evt.EventVersion, &evt.IsSnapshot, &payload,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return evt, err
		}
		return evt, fmt.Errorf("scan event: %w", err)
	}
	evt.AggregateVersion = entity.Version(version)
	evt.AgentType = entity.AgentType(agentType)
	evt.Payload = payload
	return evt, nil
}

func versionArg(v *entity.Version) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func (r *RepoImpl) observe(op, name string, start time.Time, errp *error) {
	observe(r.metrics, op, name, start, errp)
}

func observe(m *metrics.RepoMetrics, op, name string, start time.Time, errp *error) {
	if m == nil {
		return
	}
	result, kind := "ok", ""
	if errp != nil && *errp != nil {
		result, kind = "error", errorKind(*errp)
	}
	m.RequestsTotal.WithLabelValues(op, name, result, kind).Inc()
	m.DurationSeconds.WithLabelValues(op, name, result).Observe(time.Since(start).Seconds())
}

func errorKind(err error) string {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, appers.ErrAggregateVersionOutdated):
		return "conflict"
	case errors.Is(err, appers.ErrNoTransaction):
		return "no_tx"
	case errors.Is(err, appers.ErrOutboxLockLost):
		return "lock_lost"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &pgErr):
		return pgErr.Code
	default:
		return "other"
	}
}

// isDuplicateKeyError проверяет, является ли ошибка ошибкой дубликата ключа (SQLSTATE 23505)
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
