package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	mu         sync.RWMutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("lab_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("lab_job_duration_ms", "Background job duration in milliseconds by job.", []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}, "job")
	r.RegisterCounter("lab_image_builds_total", "Total lab image builds by lab type and status.", "lab_type", "status")
	r.RegisterHistogram("lab_image_build_latency_ms", "Lab image build latency in milliseconds by lab type and status.", []float64{500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000, 600000}, "lab_type", "status")
	r.RegisterCounter("lab_engine_operations_total", "Total container engine operations by operation and status.", "op", "status")
	r.RegisterHistogram("lab_engine_operation_latency_ms", "Container engine operation latency in milliseconds by operation and status.", []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}, "op", "status")
	r.RegisterCounter("lab_engine_retries_total", "Total container engine retries by operation and reason.", "op", "reason")
	r.RegisterCounter("lab_engine_retry_exhausted_total", "Total container engine operations that exhausted retry attempts.", "op")
	r.RegisterCounter("lab_admission_rejections_total", "Total lab creations rejected by admission control.", "reason")
	r.RegisterCounter("lab_sessions_reclaimed_total", "Total lab sessions reclaimed by reason.", "reason")
	r.RegisterGauge("lab_sessions_active", "Lab sessions currently counted against the concurrency cap.")
	r.RegisterGauge("lab_ports_in_use", "Host ports currently reserved for lab containers.")
}

func (r *Registry) RegisterCounter(name, help string, labels ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.counters[name]; exists {
		return
	}
	r.reg.MustRegister(vec)
	r.counters[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labels ...string) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.histograms[name]; exists {
		return
	}
	r.reg.MustRegister(vec)
	r.histograms[name] = vec
}

func (r *Registry) RegisterGauge(name, help string, labels ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gauges[name]; exists {
		return
	}
	r.reg.MustRegister(vec)
	r.gauges[name] = vec
}

// IncCounter silently drops samples for unknown names or mismatched labels.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.mu.RLock()
	vec := r.counters[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Inc()
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.histograms[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.gauges[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	g.Set(value)
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
