// Package metrics holds the Prometheus collectors of the investigation
// pipeline. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pivot"

var (
	defaultCollector *Collector
	defaultOnce      sync.Once
)

// Collector owns a registry and every pipeline metric.
type Collector struct {
	registry *prometheus.Registry

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	graphOps       *prometheus.CounterVec
	unknownCodes   *prometheus.CounterVec
	rounds         *prometheus.CounterVec
	deadEnds       prometheus.Counter
	resolutions    *prometheus.CounterVec
	investigations *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Adapter actions by handler and outcome.",
		}, []string{"handler", "outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Adapter action latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		graphOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_operations_total",
			Help:      "Graph operations applied by kind and effect.",
		}, []string{"kind", "effect"}),
		unknownCodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_field_codes_total",
			Help:      "Facts dropped because their code is not declared.",
		}, []string{"handler"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_rounds_total",
			Help:      "Cascade rounds by phase.",
		}, []string{"phase"}),
		deadEnds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_dead_ends_total",
			Help:      "Cascaded actions skipped as known dead ends.",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Disambiguation outcomes.",
		}, []string{"outcome"}),
		investigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "investigations_total",
			Help:      "Finished investigations by status.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		c.actions,
		c.actionDuration,
		c.graphOps,
		c.unknownCodes,
		c.rounds,
		c.deadEnds,
		c.resolutions,
		c.investigations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Default returns the process-wide collector.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector()
	})
	return defaultCollector
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveAction(handler, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.actions.WithLabelValues(handler, outcome).Inc()
	c.actionDuration.WithLabelValues(handler).Observe(d.Seconds())
}

func (c *Collector) GraphOperation(kind, effect string) {
	if c == nil {
		return
	}
	c.graphOps.WithLabelValues(kind, effect).Inc()
}

func (c *Collector) UnknownCode(handler string) {
	if c == nil {
		return
	}
	c.unknownCodes.WithLabelValues(handler).Inc()
}

func (c *Collector) Round(phase string) {
	if c == nil {
		return
	}
	c.rounds.WithLabelValues(phase).Inc()
}

func (c *Collector) DeadEnd() {
	if c == nil {
		return
	}
	c.deadEnds.Inc()
}

func (c *Collector) Resolution(outcome string) {
	if c == nil {
		return
	}
	c.resolutions.WithLabelValues(outcome).Inc()
}

func (c *Collector) Investigation(status string) {
	if c == nil {
		return
	}
	c.investigations.WithLabelValues(status).Inc()
}
