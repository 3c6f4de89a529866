// Package metrics exposes the Prometheus collectors of the reasoning pipeline
// and an HTTP middleware for the API surface.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

// Pipeline groups every collector the pipeline reports to. A nil *Pipeline is
// valid and records nothing.
type Pipeline struct {
	gatewayAttempts     *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	stageFallbacks      *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
	revisions           prometheus.Counter
	runsFinalized       *prometheus.CounterVec
	subscribers         prometheus.Gauge
	broadcastEvictions  prometheus.Counter
	breakerTransitions  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPipeline creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		gatewayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "attempts_total",
			Help: "Reasoning service attempts by payload shape and outcome class.",
		}, []string{"shape", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_duration_seconds",
			Help:    "Wall time of one stage invocation including retries.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		stageFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_fallbacks_total",
			Help: "Stage invocations resolved with the deterministic fallback payload.",
		}, []string{"stage"}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "persistence_failures_total",
			Help: "Audit records that could not be written.",
		}, []string{"record"}),
		revisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "revisions_total",
			Help: "Plan revision cycles triggered by a rejecting critique.",
		}),
		runsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "runs_finalized_total",
			Help: "Finalized pipeline runs, split by whether any stage degraded.",
		}, []string{"degraded"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "subscribers",
			Help: "Currently connected observers across all tenants.",
		}),
		broadcastEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "evictions_total",
			Help: "Observers removed because a send would have blocked.",
		}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "breaker_transitions_total",
			Help: "Reasoning backend circuit breaker state changes by target state.",
		}, []string{"to"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, normalized path and status class.",
		}, []string{"method", "path", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration by method and normalized path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	if reg != nil {
		reg.MustRegister(
			p.gatewayAttempts, p.stageDuration, p.stageFallbacks, p.persistenceFailures,
			p.revisions, p.runsFinalized, p.subscribers, p.broadcastEvictions, p.breakerTransitions,
			p.httpRequests, p.httpDuration,
		)
	}
	return p
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (p *Pipeline) GatewayAttempt(shape, outcome string) {
	if p == nil {
		return
	}
	p.gatewayAttempts.WithLabelValues(shape, outcome).Inc()
}

func (p *Pipeline) StageDuration(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Pipeline) StageFallback(stage string) {
	if p == nil {
		return
	}
	p.stageFallbacks.WithLabelValues(stage).Inc()
}

func (p *Pipeline) PersistenceFailure(record string) {
	if p == nil {
		return
	}
	p.persistenceFailures.WithLabelValues(record).Inc()
}

func (p *Pipeline) Revision() {
	if p == nil {
		return
	}
	p.revisions.Inc()
}

func (p *Pipeline) RunFinalized(degraded bool) {
	if p == nil {
		return
	}
	label := "false"
	if degraded {
		label = "true"
	}
	p.runsFinalized.WithLabelValues(label).Inc()
}

func (p *Pipeline) SubscriberAdded() {
	if p == nil {
		return
	}
	p.subscribers.Inc()
}

func (p *Pipeline) SubscriberRemoved() {
	if p == nil {
		return
	}
	p.subscribers.Dec()
}

func (p *Pipeline) BroadcastEviction() {
	if p == nil {
		return
	}
	p.broadcastEvictions.Inc()
}

func (p *Pipeline) BreakerTransition(to string) {
	if p == nil {
		return
	}
	p.breakerTransitions.WithLabelValues(to).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency. Websocket upgrades need the
// raw writer, so /ws/ paths are counted but not wrapped.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	if p == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := NormalizePath(r.URL.Path)
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			p.httpRequests.WithLabelValues(r.Method, path, "ws").Inc()
			next.ServeHTTP(w, r)
			return
		}
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		p.httpRequests.WithLabelValues(r.Method, path, statusClass(sr.status)).Inc()
		p.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// NormalizePath replaces id-looking segments with :id to bound label cardinality.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if s != "" && looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	np := strings.Join(segs, "/")
	if !strings.HasPrefix(np, "/") {
		np = "/" + np
	}
	return np
}

func looksLikeID(s string) bool {
	if len(s) >= 8 {
		hex := true
		for i := 0; i < len(s); i++ {
			c := s[i]
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '-') {
				hex = false
				break
			}
		}
		if hex {
			return true
		}
	}
	if len(s) <= 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
