// Package metrics holds the Prometheus collectors of the chat server. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheTomik1/chat-app/internal/chat"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	rooms         prometheus.Gauge
	broadcasts    *prometheus.CounterVec
	deliveries    prometheus.Counter
	slowConsumers prometheus.Counter
	rejections    *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Active websocket connections",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_rooms",
			Help: "Threads with at least one joined connection",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_broadcasts_total",
			Help: "Room broadcasts by event type",
		}, []string{"type"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_deliveries_total",
			Help: "Payloads queued to individual connections",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_slow_consumers_total",
			Help: "Connections dropped because their send buffer was full",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_rejections_total",
			Help: "Negative events sent on the live channel",
		}, []string{"type"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_mutations_total",
			Help: "Durable mutations by operation and outcome",
		}, []string{"op", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests or events rejected by a rate limiter",
		}, []string{"surface"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.rooms, m.broadcasts, m.deliveries, m.slowConsumers,
		m.rejections, m.mutations, m.rateLimited, m.requests, m.latency,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

// Broadcast records one fan-out of eventType reaching delivered connections.
func (m *Metrics) Broadcast(eventType string, delivered int) {
	if m != nil {
		m.broadcasts.WithLabelValues(eventType).Inc()
		m.deliveries.Add(float64(delivered))
	}
}

func (m *Metrics) SlowConsumerDropped(n int) {
	if m != nil {
		m.slowConsumers.Add(float64(n))
	}
}

func (m *Metrics) Rejected(eventType string) {
	if m != nil {
		m.rejections.WithLabelValues(eventType).Inc()
	}
}

// Mutation records the outcome of a durable operation by error kind.
func (m *Metrics) Mutation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(chat.KindOf(err))
	}
	m.mutations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RateLimited(surface string) {
	if m != nil {
		m.rateLimited.WithLabelValues(surface).Inc()
	}
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
