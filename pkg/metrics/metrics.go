package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Metric names reported by the engine.
const (
	CommitsTotal       = "commits_total"
	CommitDuration     = "commit_duration_seconds"
	RolloversTotal     = "rollovers_total"
	CacheRequests      = "cache_requests_total"
	LostChunks         = "lost_chunks"
	BranchNow          = "branch_now_ms"
	RecoveredCommits   = "recovered_commits_total"
	IndexRebuildsTotal = "index_rebuilds_total"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

// Prometheus registers one vector per metric name on first use. The label
// set of a name is fixed by its first observation.
type Prometheus struct {
	namespace string
	registry  *prometheus.Registry
	factory   promauto.Factory

	mu         sync.Mutex
	counters   map[string]*vec[*prometheus.CounterVec]
	gauges     map[string]*vec[*prometheus.GaugeVec]
	histograms map[string]*vec[*prometheus.HistogramVec]
}

type vec[V any] struct {
	labels []string
	v      V
}

func NewPrometheus(namespace string) *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Prometheus{
		namespace:  namespace,
		registry:   reg,
		factory:    promauto.With(reg),
		counters:   make(map[string]*vec[*prometheus.CounterVec]),
		gauges:     make(map[string]*vec[*prometheus.GaugeVec]),
		histograms: make(map[string]*vec[*prometheus.HistogramVec]),
	}
}

func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the text exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		names := labelNames(labels)
		c = &vec[*prometheus.CounterVec]{labels: names, v: p.factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      help(name),
		}, names)}
		p.counters[name] = c
	}
	p.mu.Unlock()
	c.v.WithLabelValues(labelValues(c.labels, labels)...).Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	g, ok := p.gauges[name]
	if !ok {
		names := labelNames(labels)
		g = &vec[*prometheus.GaugeVec]{labels: names, v: p.factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      help(name),
		}, names)}
		p.gauges[name] = g
	}
	p.mu.Unlock()
	g.v.WithLabelValues(labelValues(g.labels, labels)...).Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	h, ok := p.histograms[name]
	if !ok {
		names := labelNames(labels)
		h = &vec[*prometheus.HistogramVec]{labels: names, v: p.factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Help:      help(name),
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, names)}
		p.histograms[name] = h
	}
	p.mu.Unlock()
	h.v.WithLabelValues(labelValues(h.labels, labels)...).Observe(value)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// labelValues orders values like names; labels missing from the map are empty.
func labelValues(names []string, labels map[string]string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = labels[n]
	}
	return out
}

func help(name string) string {
	return "chronodb " + strings.ReplaceAll(name, "_", " ")
}
