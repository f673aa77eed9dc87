package entity

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
)

type OutboxStatus string

const (
	OutboxUnpublished  OutboxStatus = "UNPUBLISHED"
	OutboxLocked       OutboxStatus = "LOCKED"
	OutboxAcknowledged OutboxStatus = "ACKNOWLEDGED"
	OutboxFailed       OutboxStatus = "FAILED"
)

// OutboxEntry пишется в одной транзакции с событием-источником.
type OutboxEntry struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Seq            int64           `db:"seq" json:"seq"`
	Target         string          `db:"target" json:"target"`          // топик / endpoint
	RoutingKey     string          `db:"routing_key" json:"routingKey"` // ключ партиционирования
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Traceparent    string          `db:"traceparent" json:"traceparent,omitempty"`
	Tracestate     string          `db:"tracestate" json:"tracestate,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
	RetryCount     int             `db:"retry_count" json:"retryCount"`
	NextAttemptAt  time.Time       `db:"next_attempt_at" json:"nextAttemptAt"`
	LastError      *string         `db:"last_error" json:"lastError,omitempty"`
	LockToken      *uuid.UUID      `db:"lock_token" json:"lockToken,omitempty"`
	LockedAt       *time.Time      `db:"locked_at" json:"lockedAt,omitempty"`
	AcknowledgedAt *time.Time      `db:"acknowledged_at" json:"acknowledgedAt,omitempty"`
	FailedAt       *time.Time      `db:"failed_at" json:"failedAt,omitempty"`
}

func (e OutboxEntry) Status() OutboxStatus {
	switch {
	case e.AcknowledgedAt != nil:
		return OutboxAcknowledged
	case e.FailedAt != nil:
		return OutboxFailed
	case e.LockToken != nil:
		return OutboxLocked
	default:
		return OutboxUnpublished
	}
}

// Publishable - можно ли взять запись в работу в момент now.
func (e OutboxEntry) Publishable(now time.Time) bool {
	return e.AcknowledgedAt == nil && e.LockToken == nil && !e.NextAttemptAt.After(now)
}
