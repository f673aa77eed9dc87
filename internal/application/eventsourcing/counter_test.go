package eventsourcing

import (
	"errors"
	"time"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"
)

var (
	errCounterDeleted = errors.New("counter is deleted")
	errInvalidAmount  = errors.New("amount must be positive")
)

type counterCommand interface{ isCounterCommand() }

type incrementCmd struct{ By int }
type incrementTwiceCmd struct{ By int }
type deleteCmd struct{}
type noopCmd struct{}

func (incrementCmd) isCounterCommand()      {}
func (incrementTwiceCmd) isCounterCommand() {}
func (deleteCmd) isCounterCommand()         {}
func (noopCmd) isCounterCommand()           {}

type incremented struct {
	By int `json:"by"`
}

func (incremented) EventName() string { return "incremented" }
func (incremented) EventVersion() int { return 2 }

type deleted struct{}

func (deleted) EventName() string { return "deleted" }
func (deleted) EventVersion() int { return 1 }

type counter struct {
	Value   int  `json:"value"`
	Deleted bool `json:"deleted"`
}

func (c counter) ApplyCommand(cmd counterCommand, _ entity.Agent) ([]Event, error) {
	if c.Deleted {
		return nil, errCounterDeleted
	}
	switch cmd := cmd.(type) {
	case incrementCmd:
		if cmd.By <= 0 {
			return nil, errInvalidAmount
		}
		return []Event{incremented{By: cmd.By}}, nil
	case incrementTwiceCmd:
		return []Event{incremented{By: cmd.By}, incremented{By: cmd.By}}, nil
	case deleteCmd:
		return []Event{deleted{}}, nil
	case noopCmd:
		return nil, nil
	}
	return nil, errors.New("unknown command")
}

func (c counter) ApplyEvent(evt Event, _ entity.EventMetadata) (counter, error) {
	switch e := evt.(type) {
	case incremented:
		c.Value += e.By
	case deleted:
		c.Deleted = true
	default:
		return c, appers.ErrUnknownEvent
	}
	return c, nil
}

func counterCodec() *Codec {
	c := NewCodec()
	Register[incremented](c)
	Register[deleted](c)
	return c
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }
