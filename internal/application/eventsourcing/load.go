package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"eventcore/internal/appers"
	"eventcore/internal/application/entity"
)

type loaded[S any] struct {
	state        S
	version      entity.Version
	exists       bool
	lastSnapshot entity.Version // 0, если снапшотов не было
}

// errCollapsedMidLoad: между чтением снапшота и чтением событий закоммитилась свёртка.
var errCollapsedMidLoad = errors.New("aggregate collapsed during load")

// load восстанавливает агрегат: ближайший снапшот не выше bound, затем события по порядку через патчер.
// bound == nil - до головы журнала. ignoreSnapshots - полный прогон: снапшоты посреди истории пропускаются,
// используется только снапшот, с которого история начинается (после свёртки).
// Снапшот и события читаются разными запросами, поэтому параллельная свёртка повторяет чтение один раз.
func (r *Runtime[S, C]) load(ctx context.Context, id string, bound *entity.Version, ignoreSnapshots bool) (loaded[S], error) {
	l, err := r.loadOnce(ctx, id, bound, ignoreSnapshots)
	if !errors.Is(err, errCollapsedMidLoad) {
		return l, err
	}
	r.logger.Debugf("[aggregate: %s/%s] collapsed during load, reloading", r.def.Type, id)

	l, err = r.loadOnce(ctx, id, bound, ignoreSnapshots)
	if errors.Is(err, errCollapsedMidLoad) {
		return l, fmt.Errorf("%w: %w", appers.ErrHistoryCorrupted, err)
	}
	return l, err
}

func (r *Runtime[S, C]) loadOnce(ctx context.Context, id string, bound *entity.Version, ignoreSnapshots bool) (loaded[S], error) {
	l := loaded[S]{state: r.zero(id)}
	from := entity.Version(0)

	if !ignoreSnapshots {
		snap, err := r.events.LatestSnapshot(ctx, r.def.Type, id, bound)
		if err != nil {
			return l, fmt.Errorf("load snapshot %s/%s: %w", r.def.Type, id, err)
		}
		if snap != nil {
			patched, _, err := r.patcher.Apply(*snap)
			if err != nil {
				return l, err
			}
			if l.state, err = r.restore(id, patched); err != nil {
				return l, err
			}
			l.version, l.exists, l.lastSnapshot = snap.AggregateVersion, true, snap.AggregateVersion
			from = snap.AggregateVersion.Increment()
		}
	}

	events, err := r.events.Events(ctx, r.def.Type, id, from, bound)
	if err != nil {
		return l, fmt.Errorf("load events %s/%s: %w", r.def.Type, id, err)
	}

	replayed := 0
	for _, stored := range events {
		expected := entity.NextVersion(l.version, l.exists)
		if stored.AggregateVersion != expected && !(stored.IsSnapshot && !l.exists) {
			if stored.IsSnapshot && stored.AggregateVersion > expected {
				return l, fmt.Errorf("%w: %s/%s expected version %d, got snapshot %d",
					errCollapsedMidLoad, r.def.Type, id, expected, stored.AggregateVersion)
			}
			return l, fmt.Errorf("%w: %s/%s expected version %d, got %d",
				appers.ErrHistoryCorrupted, r.def.Type, id, expected, stored.AggregateVersion)
		}

		evt, patched, err := r.patcher.Apply(stored)
		if err != nil {
			return l, err
		}
		if patched && r.metrics != nil {
			r.metrics.PatchedEvents.WithLabelValues(r.def.Type, stored.EventName).Inc()
		}

		switch {
		case evt.IsSnapshot && ignoreSnapshots && l.exists:
			// полный прогон: состояние уже собрано из событий
		case evt.IsSnapshot:
			if l.state, err = r.restore(id, evt); err != nil {
				return l, err
			}
			l.lastSnapshot = stored.AggregateVersion
		default:
			if l.state, err = r.fold(l.state, evt); err != nil {
				return l, err
			}
			replayed++
		}
		l.version, l.exists = stored.AggregateVersion, true
	}

	if r.metrics != nil {
		r.metrics.ReplayedEvents.WithLabelValues(r.def.Type).Observe(float64(replayed))
	}

	if bound == nil {
		return l, nil
	}
	if !l.exists {
		_, headExists, err := r.events.Head(ctx, r.def.Type, id)
		if err != nil {
			return l, fmt.Errorf("load head %s/%s: %w", r.def.Type, id, err)
		}
		if headExists {
			return l, fmt.Errorf("%w: %s/%s at version %d", appers.ErrAggregateCollapsed, r.def.Type, id, *bound)
		}
		return l, fmt.Errorf("%w: %s/%s", appers.ErrAggregateNotFound, r.def.Type, id)
	}
	if l.version != *bound {
		return l, fmt.Errorf("%w: %s/%s has no version %d (head %d)", appers.ErrAggregateVersionNotFound, r.def.Type, id, *bound, l.version)
	}
	return l, nil
}

func (r *Runtime[S, C]) fold(state S, stored entity.StoredEvent) (S, error) {
	evt, err := r.def.Codec.Decode(stored.EventName, stored.EventVersion, stored.Payload)
	if err != nil {
		return state, fmt.Errorf("%s/%s version %d: %w", stored.AggregateType, stored.AggregateID, stored.AggregateVersion, err)
	}
	next, err := state.ApplyEvent(evt, stored.Metadata())
	if err != nil {
		return state, fmt.Errorf("replay %s at version %d: %w", stored.EventName, stored.AggregateVersion, err)
	}
	return next, nil
}

// restore строит состояние заново из полезной нагрузки снапшота.
func (r *Runtime[S, C]) restore(id string, snap entity.StoredEvent) (S, error) {
	state := r.zero(id)
	if err := json.Unmarshal(snap.Payload, &state); err != nil {
		return state, fmt.Errorf("%w: snapshot %s/%s version %d: %v", appers.ErrHistoryCorrupted, r.def.Type, id, snap.AggregateVersion, err)
	}
	return state, nil
}

func (r *Runtime[S, C]) zero(id string) S {
	if r.def.New != nil {
		return r.def.New(id)
	}
	var s S
	return s
}
