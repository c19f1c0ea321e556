// Package metrics owns the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "secrets"

// Registry is a private Prometheus registry with process and Go collectors.
type Registry struct {
	reg *prometheus.Registry

	Auth *Auth
	HTTP *HTTP
	Feed *Feed
}

// New registers every collector on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:  reg,
		Auth: NewAuth(reg),
		HTTP: NewHTTP(reg),
		Feed: NewFeed(reg),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Auth counts credential outcomes and times password hashing.
// A nil *Auth is a valid no-op.
type Auth struct {
	outcomes *prometheus.CounterVec
	hash     *prometheus.HistogramVec
	sessions *prometheus.CounterVec
}

// NewAuth registers the auth collectors on reg.
func NewAuth(reg prometheus.Registerer) *Auth {
	a := &Auth{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "outcomes_total",
			Help:      "Credential operations by operation and result.",
		}, []string{"op", "result"}),
		hash: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "hash_seconds",
			Help:      "Time spent in Argon2id per operation.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"op"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "sessions_total",
			Help:      "Session lifecycle events.",
		}, []string{"event"}),
	}
	reg.MustRegister(a.outcomes, a.hash, a.sessions)
	return a
}

// Outcome implements auth.Recorder.
func (a *Auth) Outcome(op, result string) {
	if a == nil {
		return
	}
	a.outcomes.WithLabelValues(op, result).Inc()
}

// HashDuration implements auth.Recorder.
func (a *Auth) HashDuration(op string, d time.Duration) {
	if a == nil {
		return
	}
	a.hash.WithLabelValues(op).Observe(d.Seconds())
}

// Session counts a session event ("bound", "unbound", "rejected", "swept").
func (a *Auth) Session(event string, n int) {
	if a == nil || n <= 0 {
		return
	}
	a.sessions.WithLabelValues(event).Add(float64(n))
}

// HTTP tracks request counts and latency by route pattern.
type HTTP struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewHTTP registers the HTTP collectors on reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	h := &HTTP{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(h.requests, h.latency)
	return h
}

// Observe records one finished request. route should be a mux pattern, never a raw path.
func (h *HTTP) Observe(method, route string, status int, d time.Duration) {
	if h == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	h.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	h.latency.WithLabelValues(route).Observe(d.Seconds())
}

// Feed tracks the live secrets feed.
type Feed struct {
	subscribers prometheus.Gauge
	published   prometheus.Counter
	dropped     prometheus.Counter
}

// NewFeed registers the feed collectors on reg.
func NewFeed(reg prometheus.Registerer) *Feed {
	f := &Feed{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Connected live feed clients.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "published_total",
			Help:      "Secrets published to the live feed.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Feed messages dropped for slow clients.",
		}),
	}
	reg.MustRegister(f.subscribers, f.published, f.dropped)
	return f
}

func (f *Feed) Subscribed() {
	if f != nil {
		f.subscribers.Inc()
	}
}

func (f *Feed) Unsubscribed() {
	if f != nil {
		f.subscribers.Dec()
	}
}

func (f *Feed) Published() {
	if f != nil {
		f.published.Inc()
	}
}

func (f *Feed) Dropped() {
	if f != nil {
		f.dropped.Inc()
	}
}
