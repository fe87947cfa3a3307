// Package metrics provides the Prometheus instrumentation for osmbridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the resolution core.
type Metrics struct {
	ResolvesTotal    *prometheus.CounterVec
	ResolveDuration  *prometheus.HistogramVec
	QueriesTotal     *prometheus.CounterVec
	RemoteFetchesTotal    prometheus.Counter
	CoalescedFetchesTotal prometheus.Counter
	CoalescedQueriesTotal prometheus.Counter
	DegradedServesTotal   prometheus.Counter
	MergeCommitsTotal     prometheus.Counter
	StaleRemoteReadsTotal prometheus.Counter
	MergeConflictsTotal   prometheus.Counter
	StubsCreatedTotal     prometheus.Counter
	InFlightFetches       prometheus.Gauge
}

// New creates and registers all metrics on the given registerer. Passing nil
// registers on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	m.ResolvesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmbridge_resolves_total",
			Help: "Total number of entity resolutions",
		},
		[]string{"kind", "outcome"},
	)
	m.ResolveDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "osmbridge_resolve_duration_seconds",
			Help:    "Duration of entity resolutions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "osmbridge_queries_total",
			Help: "Total number of structured queries",
		},
		[]string{"outcome"},
	)
	m.RemoteFetchesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "osmbridge_remote_fetches_total",
			Help: "Total number of remote calls actually issued",
		},
	)
	m.CoalescedFetchesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "osmbridge_coalesced_fetches_total",
			Help: "Total number of fetch requests attached to an in-flight fetch",
		},
	)
	m.CoalescedQueriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "osmbridge_coalesced_queries_total",
			Help: "Total number of structured queries answered by a coalesced call",
		},
	)
	m.DegradedServesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "osmbridge_degraded_serves_total",
			Help: "Total number of resolutions served stale because the remote was unreachable",
		},
	)
	m.MergeCommitsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "osmbridge_merge_commits_total",
			Help: "Total number of merge engine commits",
		},
	)
	m.StaleRemoteReadsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "osmbridge_stale_remote_reads_total",
			Help: "Total number of fetched fragments discarded for carrying an older version",
		},
	)
	m.MergeConflictsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "osmbridge_merge_conflicts_total",
			Help: "Total number of merges blocked by pending local edits",
		},
	)
	m.StubsCreatedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "osmbridge_stubs_created_total",
			Help: "Total number of stub records materialized for referenced entities",
		},
	)
	m.InFlightFetches = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "osmbridge_in_flight_fetches",
			Help: "Number of remote fetches currently in flight",
		},
	)
	return m
}
