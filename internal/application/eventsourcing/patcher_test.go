package eventsourcing

import (
	"encoding/json"
	"errors"
	"testing"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"

	"go.uber.org/zap"
)

func renameField(from, to string) func(RawEvent) (RawEvent, error) {
	return func(raw RawEvent) (RawEvent, error) {
		if v, ok := raw.Payload[from]; ok {
			raw.Payload[to] = v
			delete(raw.Payload, from)
		}
		return raw, nil
	}
}

func TestPatchMatches(t *testing.T) {
	p := Patch{AggregateType: "counter", EventName: "incremented", FromVersion: 1, ToVersion: 2}

	cases := []struct {
		name    string
		aggType string
		raw     RawEvent
		want    bool
	}{
		{"in range", "counter", RawEvent{Name: "incremented", Version: 1}, true},
		{"upper bound inclusive", "counter", RawEvent{Name: "incremented", Version: 2}, true},
		{"newer schema", "counter", RawEvent{Name: "incremented", Version: 3}, false},
		{"other event", "counter", RawEvent{Name: "deleted", Version: 1}, false},
		{"other aggregate", "category", RawEvent{Name: "incremented", Version: 1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.Matches(tc.aggType, tc.raw); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}

	wildcard := Patch{AggregateType: "counter", FromVersion: 0, ToVersion: 10}
	if !wildcard.Matches("counter", RawEvent{Name: "whatever", Version: 3}) {
		t.Fatal("empty event name must match every event")
	}
}

func TestPatcherChainOrder(t *testing.T) {
	logger := zap.NewNop().Sugar()
	p, err := NewPatcher(logger,
		Patch{
			Name: "v1-to-v2", AggregateType: "counter", EventName: "incremented", FromVersion: 1, ToVersion: 1,
			Apply: func(raw RawEvent) (RawEvent, error) {
				raw, _ = renameField("amount", "value")(raw)
				raw.Version = 2
				return raw, nil
			},
		},
		Patch{
			Name: "v2-to-v3", AggregateType: "counter", EventName: "incremented", FromVersion: 2, ToVersion: 2,
			Apply: func(raw RawEvent) (RawEvent, error) {
				raw, _ = renameField("value", "by")(raw)
				raw.Version = 3
				return raw, nil
			},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	evt := entity.StoredEvent{AggregateType: "counter", EventName: "incremented", EventVersion: 1, Payload: []byte(`{"amount":3}`)}
	out, changed, err := p.Apply(evt)
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if out.EventVersion != 3 {
		t.Fatalf("version = %d", out.EventVersion)
	}
	var payload map[string]int
	if err := json.Unmarshal(out.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["by"] != 3 || len(payload) != 1 {
		t.Fatalf("payload = %v", payload)
	}

	// уже актуальная схема проходит без изменений
	_, changed, err = p.Apply(out)
	if err != nil || changed {
		t.Fatalf("second pass changed=%v err=%v", changed, err)
	}
}

func TestPatcherLeavesUnmatchedEventUntouched(t *testing.T) {
	p, _ := NewPatcher(zap.NewNop().Sugar(), Patch{
		Name: "noop", AggregateType: "category", FromVersion: 0, ToVersion: 5,
		Apply: func(raw RawEvent) (RawEvent, error) { return raw, nil },
	})

	evt := entity.StoredEvent{AggregateType: "counter", EventName: "incremented", EventVersion: 1, Payload: []byte(`{"by": 1}`)}
	out, changed, err := p.Apply(evt)
	if err != nil || changed || string(out.Payload) != `{"by": 1}` {
		t.Fatalf("out=%s changed=%v err=%v", out.Payload, changed, err)
	}
}

func TestPatchFailureIsFatal(t *testing.T) {
	p, _ := NewPatcher(zap.NewNop().Sugar(), Patch{
		Name: "broken", AggregateType: "counter", FromVersion: 1, ToVersion: 1,
		Apply: func(raw RawEvent) (RawEvent, error) { return raw, errors.New("boom") },
	})

	_, _, err := p.Apply(entity.StoredEvent{AggregateType: "counter", EventName: "x", EventVersion: 1, Payload: []byte(`{}`)})
	if !errors.Is(err, appers.ErrPatchFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestRegisterRejectsMalformedPatch(t *testing.T) {
	cases := map[string]Patch{
		"no apply":    {Name: "a", AggregateType: "counter", FromVersion: 1, ToVersion: 1},
		"no type":     {Name: "b", FromVersion: 1, ToVersion: 1, Apply: renameField("x", "y")},
		"empty range": {Name: "c", AggregateType: "counter", FromVersion: 3, ToVersion: 1, Apply: renameField("x", "y")},
	}
	for name, patch := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewPatcher(zap.NewNop().Sugar(), patch); !errors.Is(err, appers.ErrPatchFailed) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestCheckIdempotent(t *testing.T) {
	sample := RawEvent{Name: "incremented", Version: 1, Payload: map[string]any{"amount": 3}}

	t.Run("rename is idempotent", func(t *testing.T) {
		p := Patch{Name: "rename", AggregateType: "counter", FromVersion: 1, ToVersion: 1, Apply: renameField("amount", "by")}
		if err := p.CheckIdempotent(sample); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("accumulating patch is rejected", func(t *testing.T) {
		p := Patch{
			Name: "double", AggregateType: "counter", FromVersion: 1, ToVersion: 1,
			Apply: func(raw RawEvent) (RawEvent, error) {
				n, _ := raw.Payload["amount"].(json.Number).Int64()
				raw.Payload["amount"] = n * 2
				return raw, nil
			},
		}
		if err := p.CheckIdempotent(sample); !errors.Is(err, appers.ErrPatchNotIdempotent) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("sample is not mutated", func(t *testing.T) {
		if _, ok := sample.Payload["amount"]; !ok {
			t.Fatal("CheckIdempotent mutated the sample")
		}
	})
}
