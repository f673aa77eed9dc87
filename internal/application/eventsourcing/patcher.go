package eventsourcing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"

	"go.uber.org/zap"
)

// RawEvent - сохранённое событие в нетипизированном виде, как его видят патчи.
type RawEvent struct {
	Name       string
	Version    int
	IsSnapshot bool
	Payload    map[string]any
}

// Patch переписывает исторические события к текущей схеме при чтении.
// Apply обязан быть чистым и идемпотентным.
type Patch struct {
	Name          string
	AggregateType string
	EventName     string // "" - любое событие типа агрегата
	FromVersion   int    // диапазон версий схемы события, включительно
	ToVersion     int
	Apply         func(RawEvent) (RawEvent, error)
}

func (p Patch) Matches(aggType string, raw RawEvent) bool {
	if p.AggregateType != aggType {
		return false
	}
	if p.EventName != "" && p.EventName != raw.Name {
		return false
	}
	return raw.Version >= p.FromVersion && raw.Version <= p.ToVersion
}

func (p Patch) validate() error {
	switch {
	case p.Apply == nil:
		return fmt.Errorf("%w: patch %q has no Apply", appers.ErrPatchFailed, p.Name)
	case p.AggregateType == "":
		return fmt.Errorf("%w: patch %q has no aggregate type", appers.ErrPatchFailed, p.Name)
	case p.FromVersion > p.ToVersion:
		return fmt.Errorf("%w: patch %q has empty version range %d..%d", appers.ErrPatchFailed, p.Name, p.FromVersion, p.ToVersion)
	}
	return nil
}

// CheckIdempotent применяет патч к sample дважды и требует, чтобы второй проход ничего не менял.
func (p Patch) CheckIdempotent(sample RawEvent) error {
	once, err := p.Apply(cloneRaw(sample))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", appers.ErrPatchFailed, p.Name, err)
	}
	twice, err := p.Apply(cloneRaw(once))
	if err != nil {
		return fmt.Errorf("%w: %s second pass: %v", appers.ErrPatchFailed, p.Name, err)
	}
	if !reflect.DeepEqual(normalize(once), normalize(twice)) {
		return fmt.Errorf("%w: %s", appers.ErrPatchNotIdempotent, p.Name)
	}
	return nil
}

type Patcher struct {
	patches []Patch
	logger  *zap.SugaredLogger
}

func NewPatcher(logger *zap.SugaredLogger, patches ...Patch) (*Patcher, error) {
	p := &Patcher{logger: logger}
	if err := p.Register(patches...); err != nil {
		return nil, err
	}
	return p, nil
}

// Register добавляет патчи в конец цепочки. Порядок регистрации - порядок применения.
func (p *Patcher) Register(patches ...Patch) error {
	for _, patch := range patches {
		if err := patch.validate(); err != nil {
			return err
		}
	}
	p.patches = append(p.patches, patches...)
	return nil
}

// Apply прогоняет событие через цепочку. Если ни один патч не подходит, событие возвращается как есть.
func (p *Patcher) Apply(evt entity.StoredEvent) (entity.StoredEvent, bool, error) {
	if p == nil || len(p.patches) == 0 {
		return evt, false, nil
	}

	raw := RawEvent{Name: evt.EventName, Version: evt.EventVersion, IsSnapshot: evt.IsSnapshot}
	decoded := false
	changed := false

	for _, patch := range p.patches {
		if !patch.Matches(evt.AggregateType, raw) {
			continue
		}
		if !decoded {
			payload, err := decodePayload(evt.Payload)
			if err != nil {
				return evt, false, fmt.Errorf("%w: %s/%s v%d: %v", appers.ErrPatchFailed, evt.AggregateType, evt.AggregateID, evt.AggregateVersion, err)
			}
			raw.Payload = payload
			decoded = true
		}

		next, err := patch.Apply(raw)
		if err != nil {
			return evt, false, fmt.Errorf("%w: %s on %s/%s v%d: %v", appers.ErrPatchFailed, patch.Name, evt.AggregateType, evt.AggregateID, evt.AggregateVersion, err)
		}
		p.logger.Debugf("[aggregate: %s/%s] patch %s applied to version %d", evt.AggregateType, evt.AggregateID, patch.Name, evt.AggregateVersion)
		raw = next
		changed = true
	}

	if !changed {
		return evt, false, nil
	}

	payload, err := json.Marshal(raw.Payload)
	if err != nil {
		return evt, false, fmt.Errorf("%w: encode patched payload: %v", appers.ErrPatchFailed, err)
	}
	evt.EventName = raw.Name
	evt.EventVersion = raw.Version
	evt.IsSnapshot = raw.IsSnapshot
	evt.Payload = payload
	return evt, true, nil
}

func decodePayload(payload []byte) (map[string]any, error) {
	res := make(map[string]any)
	if len(payload) == 0 {
		return res, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, err
	}
	return res, nil
}

func cloneRaw(raw RawEvent) RawEvent {
	c := raw
	if raw.Payload != nil {
		b, _ := json.Marshal(raw.Payload)
		c.Payload, _ = decodePayload(b)
	}
	return c
}

// normalize убирает различия json.Number / float64 / int перед сравнением.
func normalize(raw RawEvent) RawEvent {
	return cloneRaw(raw)
}
