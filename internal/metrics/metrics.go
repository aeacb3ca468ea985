// Package metrics collects and exposes Prometheus instrumentation for the
// cluster manager core, using a RED/USE categorization and a
// constructor/register pattern covering the allocator/scheduler/replica
// surface this module exposes.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric this binary registers.
type Collector struct {
	offersSent     prometheus.Counter
	offersDeclined prometheus.Counter
	tasksLaunched  prometheus.Counter
	tasksTerminal  *prometheus.CounterVec
	replicaPromise prometheus.Counter
	replicaWrite   prometheus.Counter

	allocatorTick   prometheus.Histogram
	statusUpdateAck prometheus.Histogram

	workersActive    prometheus.Gauge
	frameworksActive prometheus.Gauge
	replicaCacheSize prometheus.Gauge
}

// NewCollector builds and registers every metric against reg. Passing a
// fresh prometheus.NewRegistry() (rather than the global default registry)
// keeps repeated construction safe in tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		offersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offers_sent_total",
			Help: "Total number of resource offers dispatched to frameworks.",
		}),
		offersDeclined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offers_declined_total",
			Help: "Total number of offers declined, explicitly or via an empty LaunchTasks batch.",
		}),
		tasksLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasks_launched_total",
			Help: "Total number of tasks accepted into LaunchTasks batches.",
		}),
		tasksTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_terminal_total",
			Help: "Total number of tasks reaching a terminal state, by state.",
		}, []string{"state"}),
		replicaPromise: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replica_promise_total",
			Help: "Total number of Promise requests this replica has answered.",
		}),
		replicaWrite: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replica_write_total",
			Help: "Total number of Write requests this replica has accepted.",
		}),
		allocatorTick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "allocator_tick_seconds",
			Help:    "Wall-clock duration of one allocator offer-computation tick.",
			Buckets: prometheus.DefBuckets,
		}),
		statusUpdateAck: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "status_update_ack_seconds",
			Help:    "Time from a status update's first send to its framework acknowledgement.",
			Buckets: prometheus.DefBuckets,
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workers_active",
			Help: "Current number of active (non-removed) workers.",
		}),
		frameworksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "frameworks_active",
			Help: "Current number of connected frameworks.",
		}),
		replicaCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replica_cache_size",
			Help: "Current number of entries in a replica's position cache.",
		}),
	}

	reg.MustRegister(
		c.offersSent, c.offersDeclined, c.tasksLaunched, c.tasksTerminal,
		c.replicaPromise, c.replicaWrite,
		c.allocatorTick, c.statusUpdateAck,
		c.workersActive, c.frameworksActive, c.replicaCacheSize,
	)
	return c
}

func (c *Collector) RecordOfferSent()     { c.offersSent.Inc() }
func (c *Collector) RecordOfferDeclined() { c.offersDeclined.Inc() }
func (c *Collector) RecordTaskLaunched()  { c.tasksLaunched.Inc() }

// RecordTaskTerminal records a task reaching a terminal state, labeled by
// its String() form (e.g. "FINISHED", "FAILED").
func (c *Collector) RecordTaskTerminal(state string) {
	c.tasksTerminal.WithLabelValues(state).Inc()
}

func (c *Collector) RecordReplicaPromise() { c.replicaPromise.Inc() }
func (c *Collector) RecordReplicaWrite()   { c.replicaWrite.Inc() }

func (c *Collector) ObserveAllocatorTick(seconds float64)   { c.allocatorTick.Observe(seconds) }
func (c *Collector) ObserveStatusUpdateAck(seconds float64) { c.statusUpdateAck.Observe(seconds) }

func (c *Collector) SetWorkersActive(n int)    { c.workersActive.Set(float64(n)) }
func (c *Collector) SetFrameworksActive(n int) { c.frameworksActive.Set(float64(n)) }
func (c *Collector) SetReplicaCacheSize(n int) { c.replicaCacheSize.Set(float64(n)) }

// StartServer serves the registered metrics over HTTP at /metrics.
func StartServer(port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
