package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	connections     prometheus.Gauge
	participants    prometheus.Gauge
	eventsRouted    *prometheus.CounterVec
	eventsRejected  *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	persistDuration *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
}

// New registers the relay collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "liveclass_ws_connections",
			Help: "Open WebSocket connections",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "liveclass_participants",
			Help: "Participants that have joined a session",
		}),
		eventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "liveclass_events_routed_total",
			Help: "Signaling events accepted and routed, by event",
		}, []string{"event"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "liveclass_events_rejected_total",
			Help: "Signaling events rejected, by event and reason",
		}, []string{"event", "reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "liveclass_deliveries_total",
			Help: "Frames written to recipient sockets, by outcome",
		}, []string{"outcome"}),
		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "liveclass_persist_duration_seconds",
			Help:    "Duration of snapshot and violation writes",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(m.connections, m.participants, m.eventsRouted, m.eventsRejected,
		m.deliveries, m.persistDuration, m.requestDuration, goroutines)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler exposes the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ParticipantJoined() {
	if m == nil {
		return
	}
	m.participants.Inc()
}

func (m *Metrics) ParticipantLeft() {
	if m == nil {
		return
	}
	m.participants.Dec()
}

func (m *Metrics) EventRouted(event string) {
	if m == nil {
		return
	}
	m.eventsRouted.WithLabelValues(event).Inc()
}

func (m *Metrics) EventRejected(event, reason string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(event, reason).Inc()
}

// Delivery counts one recipient write.
func (m *Metrics) Delivery(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePersist(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.persistDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// GinMiddleware records request latency by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requestDuration.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
