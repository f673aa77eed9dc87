package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eventcore"

type Metrics struct {
	Producer  ProducerMetrics
	API       APIMetrics
	Repo      RepoMetrics
	Aggregate AggregateMetrics
	Outbox    OutboxMetrics
	Listener  ListenerMetrics
	Go        GoMetrics
}

type ProducerMetrics struct {
	AttemptLatencySeconds *prometheus.HistogramVec
	OperationsTotal       *prometheus.CounterVec
}

type APIMetrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

type RepoMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	DurationSeconds *prometheus.HistogramVec
}

type AggregateMetrics struct {
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	EventsAppended   *prometheus.CounterVec
	SnapshotsTotal   *prometheus.CounterVec
	ReplayedEvents   *prometheus.HistogramVec
	PatchedEvents    *prometheus.CounterVec
	VersionConflicts *prometheus.CounterVec
}

type OutboxMetrics struct {
	LockedTotal       prometheus.Counter
	PublishedTotal    *prometheus.CounterVec
	RetriedTotal      *prometheus.CounterVec
	ParkedTotal       *prometheus.CounterVec
	UnlockedTotal     prometheus.Counter
	PurgedTotal       prometheus.Counter
	CycleDuration     prometheus.Histogram
	PublishLagSeconds *prometheus.HistogramVec
	FailedEntries     prometheus.Gauge
}

type ListenerMetrics struct {
	NotificationsTotal prometheus.Counter
	ReconnectsTotal    *prometheus.CounterVec
	Connected          prometheus.Gauge
}

type GoMetrics struct {
	InternalGoroutines *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Producer: ProducerMetrics{
			AttemptLatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "attempt_latency_seconds",
				Help:      "Latency per single publish attempt.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind", "target", "result"}), // ok|error

			OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "operations_total",
				Help:      "Total publish operations by result.",
			}, []string{"kind", "target", "result"}), // success|failed|permanent|canceled
		},

		API: APIMetrics{
			HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, path and status.",
			}, []string{"method", "path", "status"}),

			HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			}, []string{"method", "path", "status"}),
		},

		Repo: RepoMetrics{
			RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "requests_total",
				Help:      "Total DB requests by operation, name, result and error kind.",
			}, []string{"op", "name", "result", "error_kind"}),

			DurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "request_duration_seconds",
				Help:      "DB request duration in seconds.",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			}, []string{"op", "name", "result"}),
		},

		Aggregate: AggregateMetrics{
			CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregate",
				Name:      "commands_total",
				Help:      "Dispatched commands by aggregate type and result.",
			}, []string{"aggregate_type", "result"}), // ok|rejected|conflict|error

			CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "aggregate",
				Name:      "command_duration_seconds",
				Help:      "Command dispatch latency including load and append.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"aggregate_type"}),

			EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregate",
				Name:      "events_appended_total",
				Help:      "Events appended to the log.",
			}, []string{"aggregate_type", "event_name"}),

			SnapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregate",
				Name:      "snapshots_total",
				Help:      "Snapshots written by reason.",
			}, []string{"aggregate_type", "reason"}), // threshold|collapse

			ReplayedEvents: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "aggregate",
				Name:      "replayed_events",
				Help:      "Number of events folded on top of the nearest snapshot per load.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 1000},
			}, []string{"aggregate_type"}),

			PatchedEvents: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregate",
				Name:      "patched_events_total",
				Help:      "Stored events rewritten by patches during load.",
			}, []string{"aggregate_type", "event_name"}),

			VersionConflicts: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregate",
				Name:      "version_conflicts_total",
				Help:      "Appends rejected because another writer got the version first.",
			}, []string{"aggregate_type"}),
		},

		Outbox: OutboxMetrics{
			LockedTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "locked_total",
				Help:      "Entries leased by the publisher.",
			}),

			PublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "published_total",
				Help:      "Entries acknowledged by the broker.",
			}, []string{"target"}),

			RetriedTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "retried_total",
				Help:      "Failed publish attempts scheduled for retry.",
			}, []string{"target"}),

			ParkedTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "parked_total",
				Help:      "Entries parked after exhausting attempts or permanent errors.",
			}, []string{"target", "reason"}), // attempts|permanent

			UnlockedTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "unlocked_total",
				Help:      "Stale leases released by the unlock sweep.",
			}),

			PurgedTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "purged_total",
				Help:      "Acknowledged entries removed by retention.",
			}),

			CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of one publish cycle.",
				Buckets:   prometheus.DefBuckets,
			}),

			PublishLagSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "publish_lag_seconds",
				Help:      "Time between entry creation and acknowledgement.",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 1800},
			}, []string{"target"}),

			FailedEntries: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "failed_entries",
				Help:      "Parked entries found by the last failed-entries report.",
			}),
		},

		Listener: ListenerMetrics{
			NotificationsTotal: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "notifications_total",
				Help:      "Change notifications received.",
			}),

			ReconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "subscribe_attempts_total",
				Help:      "Subscribe attempts by result.",
			}, []string{"result"}),

			Connected: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "connected",
				Help:      "1 while a subscription is active.",
			}),
		},

		Go: GoMetrics{
			InternalGoroutines: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "go",
				Name:      "internal_goroutines",
				Help:      "Number of running internal goroutines by name.",
			}, []string{"name"}),
		},
	}
}
