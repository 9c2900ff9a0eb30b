package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the coordinator.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Relay metrics
	ActiveConnections prometheus.Gauge
	RoomMembers       prometheus.Gauge
	FramesIn          *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	FramesSent        prometheus.Counter
	SlowClients       prometheus.Counter

	// Component metrics
	LockOutcomes      *prometheus.CounterVec
	Commits           *prometheus.CounterVec
	PresenceEvictions prometheus.Counter
	Previews          *prometheus.CounterVec
	SelectionClears   *prometheus.CounterVec
	PersistFailures   prometheus.Counter
}

// NewCollector creates a collector on its own registry so tests can build
// as many as they like without duplicate registration panics.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open websocket connections",
		}),
		RoomMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_members",
			Help:      "Number of (room, actor) memberships",
		}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames accepted by the relay",
		}, []string{"topic"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped at the relay boundary",
		}, []string{"reason"}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames queued to connections",
		}),
		SlowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_clients_total",
			Help:      "Connections closed because their send buffer was full",
		}),
		LockOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_operations_total",
			Help:      "Edit lock operations by outcome",
		}, []string{"outcome"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Record commits by outcome",
		}, []string{"outcome"}),
		PresenceEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_evictions_total",
			Help:      "Presence entries evicted by the liveness sweep",
		}),
		Previews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_patches_total",
			Help:      "Preview patches by fate",
		}, []string{"fate"}),
		SelectionClears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selection_clears_total",
			Help:      "Selection clears by reason",
		}, []string{"reason"}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_persist_failures_total",
			Help:      "Version history writes that failed or were short-circuited",
		}),
	}

	registry.MustRegister(
		c.ActiveConnections,
		c.RoomMembers,
		c.FramesIn,
		c.FramesDropped,
		c.FramesSent,
		c.SlowClients,
		c.LockOutcomes,
		c.Commits,
		c.PresenceEvictions,
		c.Previews,
		c.SelectionClears,
		c.PersistFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Handler exposes the registry for scraping.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.ActiveConnections.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.ActiveConnections.Dec()
	}
}

func (c *Collector) MemberJoined() {
	if c != nil {
		c.RoomMembers.Inc()
	}
}

func (c *Collector) MemberLeft() {
	if c != nil {
		c.RoomMembers.Dec()
	}
}

func (c *Collector) FrameReceived(topic string) {
	if c != nil {
		c.FramesIn.WithLabelValues(topic).Inc()
	}
}

func (c *Collector) FrameDropped(reason string) {
	if c != nil {
		c.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) FrameSent() {
	if c != nil {
		c.FramesSent.Inc()
	}
}

func (c *Collector) SlowClient() {
	if c != nil {
		c.SlowClients.Inc()
	}
}

func (c *Collector) LockOutcome(outcome string) {
	if c != nil {
		c.LockOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) Commit(outcome string) {
	if c != nil {
		c.Commits.WithLabelValues(outcome).Inc()
	}
}

func (c *Collector) PresenceEvicted(n int) {
	if c != nil && n > 0 {
		c.PresenceEvictions.Add(float64(n))
	}
}

func (c *Collector) Preview(fate string) {
	if c != nil {
		c.Previews.WithLabelValues(fate).Inc()
	}
}

func (c *Collector) SelectionCleared(reason string) {
	if c != nil {
		c.SelectionClears.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) PersistFailed() {
	if c != nil {
		c.PersistFailures.Inc()
	}
}
