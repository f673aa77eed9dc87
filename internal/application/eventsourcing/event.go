package eventsourcing

import (
	"encoding/json"
	"fmt"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"
)

// SnapshotEventName - имя синтетического события со всем состоянием агрегата.
const (
	SnapshotEventName    = "$snapshot"
	SnapshotEventVersion = 1
)

// Event - доменное событие. Набор вариантов у каждого типа агрегата закрыт и регистрируется в Codec.
type Event interface {
	EventName() string
	EventVersion() int
}

// Aggregate - чистые функции перехода. S - само значение состояния, каждый фолд возвращает новое.
type Aggregate[S any, C any] interface {
	ApplyCommand(cmd C, agent entity.Agent) ([]Event, error)
	ApplyEvent(evt Event, meta entity.EventMetadata) (S, error)
}

type decoder struct {
	version int
	decode  func(payload json.RawMessage) (Event, error)
}

// Codec знает все варианты событий одного типа агрегата.
type Codec struct {
	decoders map[string]decoder
}

func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]decoder)}
}

// Register добавляет вариант E. Имя и текущая версия схемы берутся у нулевого значения E.
func Register[E Event](c *Codec) *Codec {
	var zero E
	name := zero.EventName()
	if name == "" || name == SnapshotEventName {
		panic(fmt.Sprintf("eventsourcing: invalid event name %q", name))
	}
	if _, ok := c.decoders[name]; ok {
		panic(fmt.Sprintf("eventsourcing: event %q registered twice", name))
	}

	c.decoders[name] = decoder{
		version: zero.EventVersion(),
		decode: func(payload json.RawMessage) (Event, error) {
			var e E
			if err := json.Unmarshal(payload, &e); err != nil {
				return nil, err
			}
			return e, nil
		},
	}
	return c
}

func (c *Codec) Decode(name string, version int, payload json.RawMessage) (Event, error) {
	d, ok := c.decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", appers.ErrUnknownEvent, name)
	}
	if version > d.version {
		return nil, fmt.Errorf("%w: %s v%d is newer than registered v%d", appers.ErrUnknownEvent, name, version, d.version)
	}
	evt, err := d.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s v%d: %w", name, version, err)
	}
	return evt, nil
}
