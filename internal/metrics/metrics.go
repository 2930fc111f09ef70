package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names emitted by the control plane.
const (
	ReplayDecisions     = "replay_decisions_total"
	LanePromotions      = "lane_promotions_total"
	SyncOperations      = "sync_operations_total"
	SyncDuration        = "sync_duration_seconds"
	SyncInflight        = "sync_inflight"
	EventStoreEvents    = "eventstore_events"
	EventStoreUtilized  = "eventstore_utilization"
	EventStoreEvictions = "eventstore_evictions_total"
)

type Labels map[string]string

// Sink is the optional metrics collaborator. Implementations must not block;
// components call it after every decision or operation.
type Sink interface {
	Inc(name string, labels Labels)
	Set(name string, value float64, labels Labels)
	Observe(name string, value float64, labels Labels)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Inc(string, Labels) {}
func (Nop) Set(string, float64, Labels) {}
func (Nop) Observe(string, float64, Labels) {}

// Or returns s, or Nop when s is nil.
func Or(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Prometheus registers vectors lazily, one per metric name. Label names are
// fixed by the first call for a given name.
type Prometheus struct {
	factory   promauto.Factory
	namespace string
	buckets   []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	// Null Object: without a registry, write to a local one nobody scrapes
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Prometheus{
		factory:    promauto.With(reg),
		namespace:  namespace,
		buckets:    []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *Prometheus) Inc(name string, labels Labels) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = p.factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "Lane control plane counter " + name + ".",
		}, labelNames(labels))
		p.counters[name] = vec
	}
	p.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Inc()
}

func (p *Prometheus) Set(name string, value float64, labels Labels) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = p.factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "Lane control plane gauge " + name + ".",
		}, labelNames(labels))
		p.gauges[name] = vec
	}
	p.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Set(value)
}

func (p *Prometheus) Observe(name string, value float64, labels Labels) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = p.factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      "Lane control plane histogram " + name + ".",
			Buckets:   p.buckets,
		}, labelNames(labels))
		p.histograms[name] = vec
	}
	p.mu.Unlock()
	vec.With(prometheus.Labels(labels)).Observe(value)
}

func labelNames(labels Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
