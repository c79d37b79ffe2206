// Package metrics holds the prometheus collectors of the node and the master.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crete"

// Node counts what the slots of one node do
type Node struct {
	registry *prometheus.Registry

	TracesStarted   prometheus.Counter
	TracesCompleted prometheus.Counter
	TracesRejected  prometheus.Counter
	SlotFailures    *prometheus.CounterVec
	TestsAdmitted   prometheus.Counter
	TestsDuplicate  prometheus.Counter
	TestsReported   prometheus.Counter
	SlotsBusy       prometheus.Gauge
	PhaseSeconds    *prometheus.HistogramVec
}

func NewNode(reg *prometheus.Registry) *Node {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Node{
		registry: reg,
		TracesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "traces_started_total",
			Help: "Traces whose concolic phase was launched.",
		}),
		TracesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "traces_completed_total",
			Help: "Traces whose results were drained into the pool.",
		}),
		TracesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "traces_rejected_total",
			Help: "Traces handed back to the master.",
		}),
		SlotFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "slot_failures_total",
			Help: "Abandoned traces by cause.",
		}, []string{"cause"}),
		TestsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "test_cases_admitted_total",
			Help: "Test cases new to the local pool.",
		}),
		TestsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "test_cases_duplicate_total",
			Help: "Test cases the local pool already knew.",
		}),
		TestsReported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "test_cases_reported_total",
			Help: "Test cases sent to the master.",
		}),
		SlotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "node", Name: "slots_busy",
			Help: "Slots holding a trace.",
		}),
		PhaseSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "node", Name: "phase_seconds",
			Help:    "Wall clock time of the concolic and symbolic phases.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"phase"}),
	}
	reg.MustRegister(m.TracesStarted, m.TracesCompleted, m.TracesRejected, m.SlotFailures,
		m.TestsAdmitted, m.TestsDuplicate, m.TestsReported, m.SlotsBusy, m.PhaseSeconds)
	return m
}

func (m *Node) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Master tracks the global pool and the trace queue
type Master struct {
	registry *prometheus.Registry

	Nodes          prometheus.Gauge
	TracesQueued   prometheus.Gauge
	TracesServed   prometheus.Counter
	TracesReturned prometheus.Counter
	TestsReceived  prometheus.Counter
	TestsAdmitted  prometheus.Counter
	PoolSize       prometheus.Gauge
}

func NewMaster(reg *prometheus.Registry) *Master {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Master{
		registry: reg,
		Nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "master", Name: "nodes",
			Help: "Registered nodes.",
		}),
		TracesQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "master", Name: "traces_queued",
			Help: "Traces waiting for a node.",
		}),
		TracesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "master", Name: "traces_served_total",
			Help: "Traces handed to nodes.",
		}),
		TracesReturned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "master", Name: "traces_returned_total",
			Help: "Traces nodes gave back.",
		}),
		TestsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "master", Name: "test_cases_received_total",
			Help: "Test cases reported by nodes.",
		}),
		TestsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "master", Name: "test_cases_admitted_total",
			Help: "Reported test cases new to the global pool.",
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "master", Name: "pool_size",
			Help: "Distinct test cases in the global pool.",
		}),
	}
	reg.MustRegister(m.Nodes, m.TracesQueued, m.TracesServed, m.TracesReturned,
		m.TestsReceived, m.TestsAdmitted, m.PoolSize)
	return m
}

func (m *Master) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
