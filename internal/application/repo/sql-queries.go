package repo

// EVENT LOG
const eventColumns = `aggregate_id, aggregate_type, aggregate_version, agent_id, agent_type, date,
       event_name, event_version, is_snapshot, payload`

// Сериализует запись одного агрегата до конца транзакции.
const lockAggregateSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1::text || '/' || $2::text, 0))`

// Версия не ниже головы журнала, иначе 0 строк. Удалённые свёрткой версии остаются занятыми.
const insertEventSQL = `
INSERT INTO event_log (` + eventColumns + `)
SELECT $1::text, $2::text, $3::bigint, $4::text, $5::text, $6::timestamptz,
       $7::text, $8::integer, $9::boolean, ($10)::jsonb
WHERE NOT EXISTS (
    SELECT 1 FROM event_log
    WHERE aggregate_type = $2 AND aggregate_id = $1 AND aggregate_version >= $3
)`

const selectEventsSQL = `
SELECT ` + eventColumns + `
FROM event_log
WHERE aggregate_type = $1
  AND aggregate_id = $2
  AND aggregate_version >= $3
  AND ($4::bigint IS NULL OR aggregate_version <= $4)
ORDER BY aggregate_version`

const selectLatestSnapshotSQL = `
SELECT ` + eventColumns + `
FROM event_log
WHERE aggregate_type = $1
  AND aggregate_id = $2
  AND is_snapshot
  AND ($3::bigint IS NULL OR aggregate_version <= $3)
ORDER BY aggregate_version DESC
LIMIT 1`

const selectHeadSQL = `
SELECT max(aggregate_version)
FROM event_log
WHERE aggregate_type = $1 AND aggregate_id = $2`

const deleteEventsUpToSQL = `
DELETE FROM event_log
WHERE aggregate_type = $1 AND aggregate_id = $2 AND aggregate_version <= $3`

// OUTBOX
const outboxColumns = `id, seq, target, routing_key, payload, traceparent, tracestate, created_at,
       retry_count, next_attempt_at, last_error, lock_token, locked_at, acknowledged_at, failed_at`

const insertOutboxSQL = `
INSERT INTO outbox_entries (
  id, target, routing_key, payload, traceparent, tracestate, created_at, retry_count, next_attempt_at
) VALUES ($1, $2, $3, ($4)::jsonb, $5, $6, $7, 0, $7)`

// Несколько publisher-ов не возьмут одну запись: SKIP LOCKED + проверка lock_token IS NULL.
const lockNextBatchSQL = `
WITH picked AS (
	SELECT id
	FROM outbox_entries
	WHERE lock_token IS NULL
		AND acknowledged_at IS NULL
		AND next_attempt_at <= $3
	ORDER BY seq
	FOR UPDATE SKIP LOCKED
	LIMIT $2
)
UPDATE outbox_entries AS o
SET lock_token = $1, locked_at = $3
FROM picked
WHERE o.id = picked.id
RETURNING o.id, o.seq, o.target, o.routing_key, o.payload, o.traceparent, o.tracestate, o.created_at,
          o.retry_count, o.next_attempt_at, o.last_error, o.lock_token, o.locked_at, o.acknowledged_at, o.failed_at`

const markAcknowledgedSQL = `
UPDATE outbox_entries
SET acknowledged_at = $3, failed_at = NULL, last_error = NULL, lock_token = NULL, locked_at = NULL
WHERE id = $1 AND lock_token = $2`

const markRetrySQL = `
UPDATE outbox_entries
SET retry_count = retry_count + 1, next_attempt_at = $3, last_error = $4, lock_token = NULL, locked_at = NULL
WHERE id = $1 AND lock_token = $2`

// Запаркованная запись остаётся заблокированной; failed_at фиксирует первое падение.
const markParkedSQL = `
UPDATE outbox_entries
SET retry_count = retry_count + 1, failed_at = COALESCE(failed_at, $3), locked_at = $3,
    next_attempt_at = $3, last_error = $4
WHERE id = $1 AND lock_token = $2`

const releaseEntriesSQL = `
UPDATE outbox_entries
SET lock_token = NULL, locked_at = NULL
WHERE lock_token = $1 AND id = ANY($2::uuid[]) AND acknowledged_at IS NULL`

const unlockStaleSQL = `
UPDATE outbox_entries
SET lock_token = NULL, locked_at = NULL
WHERE lock_token IS NOT NULL
  AND acknowledged_at IS NULL
  AND locked_at < $1`

const selectFailedOlderThanSQL = `
SELECT ` + outboxColumns + `
FROM outbox_entries
WHERE failed_at IS NOT NULL
  AND acknowledged_at IS NULL
  AND failed_at < $1
ORDER BY seq`

const deleteAcknowledgedOlderThanSQL = `
DELETE FROM outbox_entries
WHERE acknowledged_at IS NOT NULL AND acknowledged_at < $1`
