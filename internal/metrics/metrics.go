// Package metrics registers the engine's Prometheus collectors. A single
// Metrics value is constructed at startup and threaded to the components
// that record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine records into.
type Metrics struct {
	TxnsBegun     prometheus.Counter
	TxnsCommitted prometheus.Counter
	TxnsAborted   prometheus.Counter
	TxnsTimedOut  prometheus.Counter
	Deadlocks     prometheus.Counter
	LockWaits     prometheus.Counter
	CommitLatency prometheus.Histogram

	BackupsCreated  *prometheus.CounterVec
	BackupBytesIn   prometheus.Counter
	ChunkBytesOut   prometheus.Counter
	DedupHits       prometheus.Counter
	ChunksStored    prometheus.Counter
	ChunksDeleted   prometheus.Counter
	BackupsExpired  prometheus.Counter
	CaptureDuration prometheus.Histogram

	PlansByOutcome *prometheus.CounterVec
	PlanDuration   prometheus.Histogram
	ConflictsSeen  *prometheus.CounterVec
}

// New creates and registers the engine collectors on the given registerer.
// Passing prometheus.NewRegistry() keeps tests isolated from the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TxnsBegun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "txn", Name: "begun_total",
			Help: "Transactions begun.",
		}),
		TxnsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "txn", Name: "committed_total",
			Help: "Transactions committed.",
		}),
		TxnsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "txn", Name: "aborted_total",
			Help: "Transactions aborted, including deadlock victims.",
		}),
		TxnsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "txn", Name: "timed_out_total",
			Help: "Transactions auto-aborted by the timeout sweeper.",
		}),
		Deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "txn", Name: "deadlocks_total",
			Help: "Deadlock cycles detected and broken.",
		}),
		LockWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "txn", Name: "lock_waits_total",
			Help: "Lock acquisitions that had to wait.",
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bastion", Subsystem: "txn", Name: "commit_seconds",
			Help:    "Two-phase commit latency.",
			Buckets: prometheus.DefBuckets,
		}),
		BackupsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "backup", Name: "created_total",
			Help: "Backups created, by type.",
		}, []string{"type"}),
		BackupBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "backup", Name: "source_bytes_total",
			Help: "Plaintext bytes read from backup sources.",
		}),
		ChunkBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "backup", Name: "stored_bytes_total",
			Help: "Compressed bytes written to the chunk store.",
		}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "backup", Name: "dedup_hits_total",
			Help: "Chunks satisfied by an existing stored chunk.",
		}),
		ChunksStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "backup", Name: "chunks_stored_total",
			Help: "New chunks persisted.",
		}),
		ChunksDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "backup", Name: "chunks_deleted_total",
			Help: "Chunks physically deleted after their refcount reached zero.",
		}),
		BackupsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "backup", Name: "expired_total",
			Help: "Backups expired by the retention sweep.",
		}),
		CaptureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bastion", Subsystem: "backup", Name: "capture_seconds",
			Help:    "Backup capture duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		PlansByOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "recovery", Name: "plans_total",
			Help: "Recovery plans reaching a terminal status, by outcome.",
		}, []string{"outcome"}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bastion", Subsystem: "recovery", Name: "plan_seconds",
			Help:    "Recovery plan execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		ConflictsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion", Subsystem: "recovery", Name: "conflicts_total",
			Help: "Conflicts encountered during plan execution, by resolution.",
		}, []string{"resolution"}),
	}

	reg.MustRegister(
		m.TxnsBegun, m.TxnsCommitted, m.TxnsAborted, m.TxnsTimedOut,
		m.Deadlocks, m.LockWaits, m.CommitLatency,
		m.BackupsCreated, m.BackupBytesIn, m.ChunkBytesOut, m.DedupHits,
		m.ChunksStored, m.ChunksDeleted, m.BackupsExpired, m.CaptureDuration,
		m.PlansByOutcome, m.PlanDuration, m.ConflictsSeen,
	)
	return m
}

// NewNop returns a Metrics backed by an unexported registry, for tests and
// callers that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
