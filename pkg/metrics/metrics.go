// Package metrics provides a prometheus client_golang-backed
// raft.MetricsSink. The teacher repo had no dedicated metrics package;
// this is wired in from the rest of the retrieved pack to give the
// node's observability hooks a concrete, production-shaped home rather
// than going unimplemented.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink implements raft.MetricsSink over a prometheus registry, lazily
// creating a vector per metric name the first time it is observed so
// callers never have to pre-declare every label combination.
type Sink struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// New returns a Sink registered against a fresh prometheus.Registry.
func New() *Sink {
	return &Sink{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Registry exposes the underlying registry, e.g. for an HTTP /metrics handler.
func (s *Sink) Registry() *prometheus.Registry { return s.reg }

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (s *Sink) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.counters[name]
	if !ok {
		v = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raftkit",
			Name:      name,
		}, labelNames(labels))
		s.reg.MustRegister(v)
		s.counters[name] = v
	}
	return v
}

func (s *Sink) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.histograms[name]
	if !ok {
		v = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "raftkit",
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		s.reg.MustRegister(v)
		s.histograms[name] = v
	}
	return v
}

func (s *Sink) gaugeVec(name string, labels map[string]string) *prometheus.GaugeVec {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.gauges[name]
	if !ok {
		v = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "raftkit",
			Name:      name,
		}, labelNames(labels))
		s.reg.MustRegister(v)
		s.gauges[name] = v
	}
	return v
}

func (s *Sink) IncCounter(name string, labels map[string]string) {
	s.counterVec(name, labels).With(labels).Inc()
}

func (s *Sink) ObserveDuration(name string, labels map[string]string, seconds float64) {
	s.histogramVec(name, labels).With(labels).Observe(seconds)
}

func (s *Sink) SetGauge(name string, labels map[string]string, value float64) {
	s.gaugeVec(name, labels).With(labels).Set(value)
}
