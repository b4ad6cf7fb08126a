// Package metrics exposes Prometheus metrics for the orchestrator. Gauges
// that mirror live state are gathered at scrape time through provider
// interfaces; bridge traffic uses plain instruments.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of calls between dial and finalize.
type ActiveCallsProvider interface {
	ActiveCount() int
}

// CallStatusCounter returns call counts grouped by status.
type CallStatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// SubscriberCounter reports realtime hub subscribers for a topic.
type SubscriberCounter interface {
	SubscriberCount(topic string) int
}

// Collector gathers orchestrator state at scrape time. Any provider may be
// nil if unavailable.
type Collector struct {
	activeCalls ActiveCallsProvider
	calls       CallStatusCounter
	subscribers SubscriberCounter
	startTime   time.Time

	activeCallsDesc *prometheus.Desc
	callsTotalDesc  *prometheus.Desc
	subscribersDesc *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a scrape-time collector.
func NewCollector(activeCalls ActiveCallsProvider, calls CallStatusCounter, subscribers SubscriberCounter, startTime time.Time) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		calls:       calls,
		subscribers: subscribers,
		startTime:   startTime,
		activeCallsDesc: prometheus.NewDesc(
			"dialcast_active_calls",
			"Number of calls currently between dial and finalize.",
			nil, nil),
		callsTotalDesc: prometheus.NewDesc(
			"dialcast_calls_total",
			"Total calls by status.",
			[]string{"status"}, nil),
		subscribersDesc: prometheus.NewDesc(
			"dialcast_realtime_subscribers",
			"Realtime hub subscribers by topic.",
			[]string{"topic"}, nil),
		uptimeDesc: prometheus.NewDesc(
			"dialcast_uptime_seconds",
			"Seconds since the process started.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.callsTotalDesc
	ch <- c.subscribersDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCount()))
	}
	if c.calls != nil {
		if counts, err := c.calls.CountByStatus(ctx); err == nil {
			for status, n := range counts {
				ch <- prometheus.MustNewConstMetric(c.callsTotalDesc, prometheus.GaugeValue,
					float64(n), status)
			}
		}
	}
	if c.subscribers != nil {
		for _, topic := range []string{"calls", "transcripts", "campaigns"} {
			ch <- prometheus.MustNewConstMetric(c.subscribersDesc, prometheus.GaugeValue,
				float64(c.subscribers.SubscriberCount(topic)), topic)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds())
}

// BridgeMetrics are the per-call media bridge instruments.
type BridgeMetrics struct {
	mediaFrames     *prometheus.CounterVec
	agentEvents     *prometheus.CounterVec
	responseLatency prometheus.Histogram
	sessionDuration prometheus.Histogram
}

// NewBridgeMetrics creates and registers the bridge instruments.
func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		mediaFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dialcast_media_frames_total",
			Help: "Media frames proxied through the bridge by direction.",
		}, []string{"direction"}),
		agentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dialcast_agent_events_total",
			Help: "Agent session events by type.",
		}, []string{"type"}),
		responseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialcast_agent_response_latency_seconds",
			Help:    "Delay between the last caller media frame and the agent's first reply audio.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8},
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialcast_bridge_session_seconds",
			Help:    "Lifetime of bridge sessions.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 8),
		}),
	}
	reg.MustRegister(m.mediaFrames, m.agentEvents, m.responseLatency, m.sessionDuration)
	return m
}

// MediaFrame counts one proxied media frame.
func (m *BridgeMetrics) MediaFrame(direction string) {
	m.mediaFrames.WithLabelValues(direction).Inc()
}

// AgentEvent counts one agent session event.
func (m *BridgeMetrics) AgentEvent(eventType string) {
	m.agentEvents.WithLabelValues(eventType).Inc()
}

// ResponseLatency records one caller-media-to-reply-audio delay.
func (m *BridgeMetrics) ResponseLatency(d time.Duration) {
	m.responseLatency.Observe(d.Seconds())
}

// SessionClosed records one finished bridge session.
func (m *BridgeMetrics) SessionClosed(d time.Duration) {
	m.sessionDuration.Observe(d.Seconds())
}
