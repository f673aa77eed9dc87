package entity

import (
	"encoding/json"
	"time"
)

// EventMetadata неизменяема после записи.
type EventMetadata struct {
	AggregateID      string    `json:"aggregateId"`
	AggregateType    string    `json:"aggregateType"`
	AggregateVersion Version   `json:"aggregateVersion"`
	Agent            Agent     `json:"agent"`
	Date             time.Time `json:"date"`
	IsSnapshot       bool      `json:"isSnapshot"`
}

// StoredEvent - строка журнала событий в том виде, в каком она лежит в хранилище.
type StoredEvent struct {
	AggregateID      string          `db:"aggregate_id" json:"aggregateId"`
	AggregateType    string          `db:"aggregate_type" json:"aggregateType"`
	AggregateVersion Version         `db:"aggregate_version" json:"aggregateVersion"`
	AgentID          string          `db:"agent_id" json:"agentId"`
	AgentType        AgentType       `db:"agent_type" json:"agentType"`
	Date             time.Time       `db:"date" json:"date"`
	EventName        string          `db:"event_name" json:"eventName"`
	EventVersion     int             `db:"event_version" json:"eventVersion"`
	IsSnapshot       bool            `db:"is_snapshot" json:"isSnapshot"`
	Payload          json.RawMessage `db:"payload" json:"payload"`
}

func (e StoredEvent) Metadata() EventMetadata {
	return EventMetadata{
		AggregateID:      e.AggregateID,
		AggregateType:    e.AggregateType,
		AggregateVersion: e.AggregateVersion,
		Agent:            Agent{Type: e.AgentType, ID: e.AgentID},
		Date:             e.Date,
		IsSnapshot:       e.IsSnapshot,
	}
}
