// Package metrics holds the instrumentation shared by the relay list cache,
// the health tracker and the query batcher.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace prefixes every metric exposed by outboxr.
	Namespace = "outboxr"
)

type Metrics struct {
	// Outcomes of relay queries, labelled by relay and outcome.
	RelayQueries metrics.Counter
	// Response times of successful relay queries in seconds.
	RelayLatency metrics.Histogram
	// Health status changes, labelled by from and to status.
	StatusTransitions metrics.Counter
	// Number of relays known to the health tracker.
	TrackedRelays metrics.Gauge

	// Relay list lookups, labelled by where they were answered.
	CacheLookups metrics.Counter
	// Relay list network fetch round trips.
	NetworkFetches metrics.Counter
	// Background refreshes started for stale relay lists.
	BackgroundRefreshes metrics.Counter

	// Entries per query plan.
	PlanEntries metrics.Histogram
	// Relay queries avoided compared with querying every author's relays.
	ConnectionsSaved metrics.Counter
	// Events delivered after de-duplication.
	UniqueEvents metrics.Counter
	// Copies of already seen events that were dropped.
	DuplicateEvents metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		RelayQueries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "queries_total",
			Help:      "Relay queries by outcome.",
		}, append(labels, "relay", "outcome")).With(labelsAndValues...),
		RelayLatency: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "latency_seconds",
			Help:      "Response time of successful relay queries.",
			Buckets:   []float64{.05, .1, .2, .5, 1, 2, 3, 5, 8},
		}, append(labels, "relay")).With(labelsAndValues...),
		StatusTransitions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "status_transitions_total",
			Help:      "Relay health status changes.",
		}, append(labels, "from", "to")).With(labelsAndValues...),
		TrackedRelays: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "tracked",
			Help:      "Relays with health records.",
		}, labels).With(labelsAndValues...),
		CacheLookups: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relaylist",
			Name:      "lookups_total",
			Help:      "Relay list lookups by the layer that answered them.",
		}, append(labels, "result")).With(labelsAndValues...),
		NetworkFetches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relaylist",
			Name:      "network_fetches_total",
			Help:      "Relay list fetch round trips to discovery relays.",
		}, labels).With(labelsAndValues...),
		BackgroundRefreshes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relaylist",
			Name:      "background_refreshes_total",
			Help:      "Refreshes started for stale relay lists.",
		}, labels).With(labelsAndValues...),
		PlanEntries: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "plan_entries",
			Help:      "Relay queries per query plan.",
			Buckets:   stdprometheus.ExponentialBuckets(1, 2, 8),
		}, labels).With(labelsAndValues...),
		ConnectionsSaved: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "connections_saved_total",
			Help:      "Relay queries avoided by batching authors.",
		}, labels).With(labelsAndValues...),
		UniqueEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "unique_events_total",
			Help:      "Events delivered after de-duplication.",
		}, labels).With(labelsAndValues...),
		DuplicateEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batcher",
			Name:      "duplicate_events_total",
			Help:      "Copies of events already received from another relay.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		RelayQueries:        discard.NewCounter(),
		RelayLatency:        discard.NewHistogram(),
		StatusTransitions:   discard.NewCounter(),
		TrackedRelays:       discard.NewGauge(),
		CacheLookups:        discard.NewCounter(),
		NetworkFetches:      discard.NewCounter(),
		BackgroundRefreshes: discard.NewCounter(),
		PlanEntries:         discard.NewHistogram(),
		ConnectionsSaved:    discard.NewCounter(),
		UniqueEvents:        discard.NewCounter(),
		DuplicateEvents:     discard.NewCounter(),
	}
}
