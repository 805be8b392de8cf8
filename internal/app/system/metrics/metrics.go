// Package metrics exposes Prometheus instruments for membership
// synchronization: reconcile and cascade outcomes, edge churn, commit paths,
// and intent recovery.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "classhub"

// Registry holds every classhub instrument plus the Go/process collectors.
var Registry = prometheus.NewRegistry()

var (
	// Reconciles counts reconcile calls by relation and outcome
	// (ok, not_found, partial_failure, timeout, error).
	Reconciles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "membership",
		Name:      "reconcile_total",
		Help:      "Membership reconcile calls by relation and outcome.",
	}, []string{"relation", "outcome"})

	// Edges counts membership edges added or removed by relation.
	Edges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "membership",
		Name:      "edges_total",
		Help:      "Membership edges changed by relation and direction.",
	}, []string{"relation", "direction"})

	// Cascades counts cascade deletes by entity kind and outcome.
	Cascades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "membership",
		Name:      "cascade_total",
		Help:      "Cascade deletes by entity kind and outcome.",
	}, []string{"kind", "outcome"})

	// Duration observes wall time of reconcile and cascade units.
	Duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "membership",
		Name:      "duration_seconds",
		Help:      "Duration of membership units.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// Commits counts committed units by commit path (transaction, journal).
	Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "commits_total",
		Help:      "Committed entity store units by commit path.",
	}, []string{"path"})

	// Rollbacks counts journaled units undone after an apply failure.
	Rollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "rollbacks_total",
		Help:      "Journaled units rolled back after an apply failure.",
	})

	// Contentions counts journaled units restarted because a peer was leased.
	Contentions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "lease_contentions_total",
		Help:      "Journaled units restarted on a held peer lease.",
	})

	// IntentsRecovered counts pending intents rolled forward after a crash.
	IntentsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "intents_recovered_total",
		Help:      "Pending intents rolled forward by recovery.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Reconciles, Edges, Cascades, Duration, Commits, Rollbacks, Contentions, IntentsRecovered,
		entities,
	)
}

// CountFunc returns entity totals keyed by kind label.
type CountFunc func(ctx context.Context) map[string]int64

// entityCollector reports classhub_entities{kind} by calling the current
// CountFunc on every scrape.
type entityCollector struct {
	desc  *prometheus.Desc
	fetch atomic.Pointer[CountFunc]
}

var entities = &entityCollector{
	desc: prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "entities"),
		"Stored entities by kind.",
		[]string{"kind"}, nil,
	),
}

func (c *entityCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *entityCollector) Collect(ch chan<- prometheus.Metric) {
	fn := c.fetch.Load()
	if fn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	for kind, n := range (*fn)(ctx) {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), kind)
	}
}

const scrapeTimeout = 5 * time.Second

// SetEntityCounts installs the function behind the entities gauge. A nil fn
// stops reporting it.
func SetEntityCounts(fn CountFunc) {
	if fn == nil {
		entities.fetch.Store(nil)
		return
	}
	entities.fetch.Store(&fn)
}

// Since observes the time elapsed since start under operation.
func Since(operation string, start time.Time) {
	Duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
