package eventsourcing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eventcore/internal/appers"
	"eventcore/internal/application/common"
	"eventcore/internal/application/entity"
	"eventcore/internal/application/repo"
	"eventcore/pkg/metrics"
	"eventcore/pkg/tracing"

	"github.com/gofrs/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultSnapshotThreshold = 100

// Definition описывает один тип агрегата.
type Definition[S Aggregate[S, C], C any] struct {
	Type  string
	Codec *Codec
	// New строит нулевое состояние. nil - нулевое значение S.
	New func(id string) S
	// SnapshotThreshold: 0 - порог процесса из Deps.SnapshotThreshold, < 0 отключает автоснапшоты.
	SnapshotThreshold int
	// Target - куда relay публикует события агрегата. По умолчанию Type.
	Target string
}

// Deps - общие зависимости всех runtime одного процесса.
type Deps struct {
	Events       repo.EventLog
	Transactions repo.Transactions
	Patcher      *Patcher
	Clock        common.Clock
	Logger       *zap.SugaredLogger
	Metrics      *metrics.Metrics
	TargetPrefix string
	// SnapshotThreshold - порог для Definition без своего порога. <= 0 отключает.
	SnapshotThreshold int
}

// Instance - восстановленный агрегат.
type Instance[S any] struct {
	ID      string
	Version entity.Version
	State   S
}

type Runtime[S Aggregate[S, C], C any] struct {
	def     Definition[S, C]
	target  string
	events  repo.EventLog
	tx      repo.Transactions
	patcher *Patcher
	clock   common.Clock
	logger  *zap.SugaredLogger
	metrics *metrics.AggregateMetrics
	tracer  trace.Tracer
}

func NewRuntime[S Aggregate[S, C], C any](def Definition[S, C], deps Deps) (*Runtime[S, C], error) {
	if def.Type == "" {
		return nil, errors.New("eventsourcing: aggregate type is required")
	}
	if def.Codec == nil {
		return nil, fmt.Errorf("eventsourcing: %s: codec is required", def.Type)
	}
	if deps.Events == nil || deps.Transactions == nil {
		return nil, fmt.Errorf("eventsourcing: %s: event log and transactions are required", def.Type)
	}

	target := def.Target
	if target == "" {
		target = def.Type
	}

	if def.SnapshotThreshold == 0 {
		def.SnapshotThreshold = deps.SnapshotThreshold
	}

	r := &Runtime[S, C]{
		def:     def,
		target:  deps.TargetPrefix + target,
		events:  deps.Events,
		tx:      deps.Transactions,
		patcher: deps.Patcher,
		clock:   deps.Clock,
		logger:  deps.Logger,
		tracer:  otel.Tracer("eventcore/eventsourcing"),
	}
	if r.clock == nil {
		r.clock = common.SystemClock{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop().Sugar()
	}
	if deps.Metrics != nil {
		r.metrics = &deps.Metrics.Aggregate
	}
	return r, nil
}

func (r *Runtime[S, C]) Type() string { return r.def.Type }

// DispatchCommandToLatest применяет команду к текущей голове и пишет события с head+1.
func (r *Runtime[S, C]) DispatchCommandToLatest(ctx context.Context, id string, cmd C, agent entity.Agent) (entity.Version, error) {
	return r.dispatch(ctx, id, nil, cmd, agent)
}

// DispatchCommand применяет команду к состоянию на expectedVersion и пишет события с expectedVersion+1.
// Если журнал ушёл дальше, запись упрётся в уникальность версии.
func (r *Runtime[S, C]) DispatchCommand(ctx context.Context, id string, expectedVersion entity.Version, cmd C, agent entity.Agent) (entity.Version, error) {
	return r.dispatch(ctx, id, &expectedVersion, cmd, agent)
}

// AggregateLatest возвращает nil, если у агрегата нет событий.
func (r *Runtime[S, C]) AggregateLatest(ctx context.Context, id string) (*Instance[S], error) {
	l, err := r.load(ctx, id, nil, false)
	if err != nil {
		return nil, err
	}
	if !l.exists {
		return nil, nil
	}
	return &Instance[S]{ID: id, Version: l.version, State: l.state}, nil
}

// AggregateAt восстанавливает агрегат ровно на версии version.
func (r *Runtime[S, C]) AggregateAt(ctx context.Context, id string, version entity.Version) (*Instance[S], error) {
	l, err := r.load(ctx, id, &version, false)
	if err != nil {
		return nil, err
	}
	return &Instance[S]{ID: id, Version: l.version, State: l.state}, nil
}

// Rebuild - полный прогон журнала без опоры на снапшоты.
func (r *Runtime[S, C]) Rebuild(ctx context.Context, id string) (*Instance[S], error) {
	l, err := r.load(ctx, id, nil, true)
	if err != nil {
		return nil, err
	}
	if !l.exists {
		return nil, nil
	}
	return &Instance[S]{ID: id, Version: l.version, State: l.state}, nil
}

// CollapseEvents сворачивает историю до version в один снапшот на version+1 и удаляет всё,
// что не выше version. Загрузка на любой версии до свёртки дальше даёт ErrAggregateCollapsed.
func (r *Runtime[S, C]) CollapseEvents(ctx context.Context, id string, version entity.Version, agent entity.Agent) (_ entity.Version, err error) {
	ctx, span := r.startSpan(ctx, "aggregate.collapse", id)
	defer endSpan(span, &err)

	l, err := r.load(ctx, id, &version, false)
	if err != nil {
		return 0, err
	}

	snapshot, err := r.snapshotEvent(id, version.Increment(), l.state, agent, r.clock.Now())
	if err != nil {
		return 0, err
	}
	if err = r.tx.Collapse(ctx, snapshot, version); err != nil {
		r.countConflict(err)
		return 0, err
	}

	r.logger.Infow("aggregate collapsed", "aggregate_type", r.def.Type, "aggregate_id", id, "snapshot_version", snapshot.AggregateVersion)
	if r.metrics != nil {
		r.metrics.SnapshotsTotal.WithLabelValues(r.def.Type, "collapse").Inc()
	}
	return snapshot.AggregateVersion, nil
}

func (r *Runtime[S, C]) dispatch(ctx context.Context, id string, expected *entity.Version, cmd C, agent entity.Agent) (_ entity.Version, err error) {
	start := time.Now()
	ctx, span := r.startSpan(ctx, "aggregate.dispatch", id)
	defer func() {
		endSpan(span, &err)
		r.observeCommand(start, err)
	}()

	l, err := r.load(ctx, id, expected, false)
	if err != nil {
		return 0, err
	}

	events, err := l.state.ApplyCommand(cmd, agent)
	if err != nil {
		r.logger.Debugf("[aggregate: %s/%s] command rejected: %v", r.def.Type, id, err)
		return 0, err
	}
	if len(events) == 0 {
		return l.version, nil
	}

	now := r.clock.Now()
	traceparent, tracestate := tracing.TraceContextStrings(ctx)

	state := l.state
	version := entity.NextVersion(l.version, l.exists)
	batch := make([]repo.PendingEvent, 0, len(events)+1)

	for i, evt := range events {
		if i > 0 {
			version = version.Increment()
		}

		payload, err := json.Marshal(evt)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", evt.EventName(), err)
		}

		meta := entity.EventMetadata{
			AggregateID:      id,
			AggregateType:    r.def.Type,
			AggregateVersion: version,
			Agent:            agent,
			Date:             now,
		}
		if state, err = state.ApplyEvent(evt, meta); err != nil {
			return 0, fmt.Errorf("apply %s at version %d: %w", evt.EventName(), version, err)
		}

		stored := entity.StoredEvent{
			AggregateID:      id,
			AggregateType:    r.def.Type,
			AggregateVersion: version,
			AgentID:          agent.ID,
			AgentType:        agent.Type,
			Date:             now,
			EventName:        evt.EventName(),
			EventVersion:     evt.EventVersion(),
			Payload:          payload,
		}
		mirror, err := r.mirror(stored, traceparent, tracestate)
		if err != nil {
			return 0, err
		}
		batch = append(batch, repo.PendingEvent{Event: stored, Outbox: mirror})
	}

	snapshotted := false
	if r.shouldSnapshot(version, l.lastSnapshot) {
		snapshot, err := r.snapshotEvent(id, version.Increment(), state, agent, now)
		if err != nil {
			return 0, err
		}
		batch = append(batch, repo.PendingEvent{Event: snapshot})
		version = snapshot.AggregateVersion
		snapshotted = true
	}

	if err = r.tx.AppendEvents(ctx, batch); err != nil {
		r.countConflict(err)
		return 0, err
	}

	if r.metrics != nil {
		for _, evt := range events {
			r.metrics.EventsAppended.WithLabelValues(r.def.Type, evt.EventName()).Inc()
		}
		if snapshotted {
			r.metrics.SnapshotsTotal.WithLabelValues(r.def.Type, "threshold").Inc()
		}
	}
	r.logger.Debugf("[aggregate: %s/%s] appended %d events, head %d", r.def.Type, id, len(events), version)
	return version, nil
}

// shouldSnapshot: снапшот ложится на head+1, когда с последнего снапшота набралось threshold версий.
func (r *Runtime[S, C]) shouldSnapshot(head, lastSnapshot entity.Version) bool {
	if r.def.SnapshotThreshold <= 0 {
		return false
	}
	return uint64(head.Increment()-lastSnapshot) >= uint64(r.def.SnapshotThreshold)
}

func (r *Runtime[S, C]) snapshotEvent(id string, version entity.Version, state S, agent entity.Agent, now time.Time) (entity.StoredEvent, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return entity.StoredEvent{}, fmt.Errorf("encode snapshot of %s/%s: %w", r.def.Type, id, err)
	}
	return entity.StoredEvent{
		AggregateID:      id,
		AggregateType:    r.def.Type,
		AggregateVersion: version,
		AgentID:          agent.ID,
		AgentType:        agent.Type,
		Date:             now,
		EventName:        SnapshotEventName,
		EventVersion:     SnapshotEventVersion,
		IsSnapshot:       true,
		Payload:          payload,
	}, nil
}

func (r *Runtime[S, C]) mirror(evt entity.StoredEvent, traceparent, tracestate string) (*entity.OutboxEntry, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("outbox id: %w", err)
	}
	// в брокер уходит запись журнала в исходном виде
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode outbox payload: %w", err)
	}
	return &entity.OutboxEntry{
		ID:          id,
		Target:      r.target,
		RoutingKey:  evt.AggregateID,
		Payload:     payload,
		Traceparent: traceparent,
		Tracestate:  tracestate,
		CreatedAt:   evt.Date,
	}, nil
}

func (r *Runtime[S, C]) startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("aggregate.type", r.def.Type),
		attribute.String("aggregate.id", id),
	))
}

func endSpan(span trace.Span, errp *error) {
	if errp != nil && *errp != nil {
		span.RecordError(*errp)
		span.SetStatus(codes.Error, (*errp).Error())
	}
	span.End()
}

func (r *Runtime[S, C]) countConflict(err error) {
	if r.metrics != nil && errors.Is(err, appers.ErrAggregateVersionOutdated) {
		r.metrics.VersionConflicts.WithLabelValues(r.def.Type).Inc()
	}
}

func (r *Runtime[S, C]) observeCommand(start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, appers.ErrAggregateVersionOutdated):
		result = "conflict"
	case isInfrastructureError(err):
		result = "error"
	default:
		result = "rejected"
	}
	r.metrics.CommandsTotal.WithLabelValues(r.def.Type, result).Inc()
	r.metrics.CommandDuration.WithLabelValues(r.def.Type).Observe(time.Since(start).Seconds())
}

func isInfrastructureError(err error) bool {
	return errors.Is(err, appers.ErrHistoryCorrupted) ||
		errors.Is(err, appers.ErrPatchFailed) ||
		errors.Is(err, appers.ErrUnknownEvent) ||
		errors.Is(err, appers.ErrNoTransaction) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
