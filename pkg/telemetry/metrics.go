package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one relay process. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	sessionsActive prometheus.Gauge
	authTotal      *prometheus.CounterVec
	livenessProbes *prometheus.CounterVec

	// Broker matching metrics
	freeSlots   prometheus.Gauge
	waiters     prometheus.Gauge
	rejections  *prometheus.CounterVec
	matchesWait *prometheus.CounterVec

	// Anchor metrics
	anchorsTotal   *prometheus.CounterVec
	anchorDuration *prometheus.HistogramVec
	relayedBytes   *prometheus.CounterVec

	// Getaway pool metrics
	getawaysOpened    *prometheus.CounterVec
	getawaysDestroyed *prometheus.CounterVec
	poolWaiters       prometheus.Gauge
	acquireDuration   prometheus.Histogram

	// Resolver metrics
	bindings      prometheus.Gauge
	resolutions   *prometheus.CounterVec
	staticReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers every relay collector on a private
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of authenticated agent sessions",
		}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_total",
			Help: "Agent authentication attempts by result code",
		}, []string{"result"}),
		livenessProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_liveness_probes_total",
			Help: "Duplicate-session liveness probes by outcome",
		}, []string{"outcome"}),

		freeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_free_slots",
			Help: "Agent-offered getaways waiting for a requester",
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_parked_requesters",
			Help: "Requesters parked waiting for an offered getaway",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rejections_total",
			Help: "Sockets rejected by service and code",
		}, []string{"service", "code"}),
		matchesWait: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_matches_total",
			Help: "Requester/getaway matches by path (immediate or parked)",
		}, []string{"path"}),

		anchorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_anchors_total",
			Help: "Anchored socket pairs by anchor point",
		}, []string{"point"}),
		anchorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_anchor_duration_seconds",
			Help:    "Lifetime of anchored pairs",
			Buckets: []float64{0.01, 0.1, 1, 5, 30, 60, 300, 1800, 3600},
		}, []string{"point"}),
		relayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_bytes_total",
			Help: "Bytes forwarded live through anchored pairs",
		}, []string{"point", "direction"}),

		getawaysOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_getaways_opened_total",
			Help: "Getaways opened by the agent pool by reason",
		}, []string{"reason"}),
		getawaysDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_getaways_destroyed_total",
			Help: "Unanchored getaways closed by reason",
		}, []string{"reason"}),
		poolWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pool_waiters",
			Help: "Inbound requests waiting for a getaway",
		}),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_getaway_acquire_seconds",
			Help:    "Time an inbound request waited for a getaway",
			Buckets: prometheus.DefBuckets,
		}),

		bindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_resolver_bindings",
			Help: "Dynamic domain bindings held by the resolver",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_resolutions_total",
			Help: "Domain resolutions by result",
		}, []string{"result"}),
		staticReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_static_reloads_total",
			Help: "Binding file reloads by status",
		}, []string{"status"}),

		registry: registry,
	}

	registry.MustRegister(
		m.sessionsActive,
		m.authTotal,
		m.livenessProbes,
		m.freeSlots,
		m.waiters,
		m.rejections,
		m.matchesWait,
		m.anchorsTotal,
		m.anchorDuration,
		m.relayedBytes,
		m.getawaysOpened,
		m.getawaysDestroyed,
		m.poolWaiters,
		m.acquireDuration,
		m.bindings,
		m.resolutions,
		m.staticReloads,
	)
	return m
}

// RecordAuth records an authentication outcome. result is "accepted" or a
// rejection code.
func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.authTotal.WithLabelValues(result).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// RecordLivenessProbe records whether a probed session answered.
func (m *Metrics) RecordLivenessProbe(outcome string) {
	if m == nil {
		return
	}
	m.livenessProbes.WithLabelValues(outcome).Inc()
}

// AddFreeSlots adjusts the free slot gauge by delta.
func (m *Metrics) AddFreeSlots(delta int) {
	if m == nil {
		return
	}
	m.freeSlots.Add(float64(delta))
}

// AddWaiters adjusts the parked requester gauge by delta.
func (m *Metrics) AddWaiters(delta int) {
	if m == nil {
		return
	}
	m.waiters.Add(float64(delta))
}

// RecordRejection counts a rejected socket.
func (m *Metrics) RecordRejection(service, code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(service, code).Inc()
}

// RecordMatch counts a requester/getaway match.
func (m *Metrics) RecordMatch(path string) {
	if m == nil {
		return
	}
	m.matchesWait.WithLabelValues(path).Inc()
}

// RecordAnchor counts a new anchored pair.
func (m *Metrics) RecordAnchor(point string) {
	if m == nil {
		return
	}
	m.anchorsTotal.WithLabelValues(point).Inc()
}

// RecordAnchorClosed observes the lifetime and traffic of a finished pair.
func (m *Metrics) RecordAnchorClosed(point string, lifetime time.Duration, leftToRight, rightToLeft int64) {
	if m == nil {
		return
	}
	m.anchorDuration.WithLabelValues(point).Observe(lifetime.Seconds())
	m.relayedBytes.WithLabelValues(point, "left_to_right").Add(float64(leftToRight))
	m.relayedBytes.WithLabelValues(point, "right_to_left").Add(float64(rightToLeft))
}

// RecordGetawayOpened counts a pool connection attempt.
func (m *Metrics) RecordGetawayOpened(reason string) {
	if m == nil {
		return
	}
	m.getawaysOpened.WithLabelValues(reason).Inc()
}

// RecordGetawayDestroyed counts an unanchored getaway being closed.
func (m *Metrics) RecordGetawayDestroyed(reason string) {
	if m == nil {
		return
	}
	m.getawaysDestroyed.WithLabelValues(reason).Inc()
}

// AddPoolWaiters adjusts the pool waiter gauge by delta.
func (m *Metrics) AddPoolWaiters(delta int) {
	if m == nil {
		return
	}
	m.poolWaiters.Add(float64(delta))
}

// ObserveAcquire records how long a request waited for a getaway.
func (m *Metrics) ObserveAcquire(d time.Duration) {
	if m == nil {
		return
	}
	m.acquireDuration.Observe(d.Seconds())
}

// SetBindings sets the number of dynamic bindings.
func (m *Metrics) SetBindings(n int) {
	if m == nil {
		return
	}
	m.bindings.Set(float64(n))
}

// RecordResolution counts a resolve call.
func (m *Metrics) RecordResolution(result string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(result).Inc()
}

// RecordStaticReload counts a binding file reload.
func (m *Metrics) RecordStaticReload(status string) {
	if m == nil {
		return
	}
	m.staticReloads.WithLabelValues(status).Inc()
}

// TrackAuthThrottle exposes hosts, the number of remote hosts holding an
// auth rate-limit bucket, as relay_auth_throttled_hosts.
func (m *Metrics) TrackAuthThrottle(hosts func() int) {
	if m == nil || hosts == nil {
		return
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relay_auth_throttled_hosts",
		Help: "Remote hosts tracked by the auth rate limiter",
	}, func() float64 { return float64(hosts()) })
	// A second registration keeps the first gauge.
	_ = m.registry.Register(gauge)
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
