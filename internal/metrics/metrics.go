// Package metrics exposes livewatch's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"livewatch/internal/httpx"
	"livewatch/internal/notifier"
	"livewatch/internal/poller"
)

// Metrics holds the counters and gauges for the poller, dispatcher and
// shared client.
type Metrics struct {
	registry *prometheus.Registry

	ticksTotal         prometheus.Counter
	tickDuration       prometheus.Histogram
	failedBatchesTotal prometheus.Counter
	persistFailures    prometheus.Counter
	unpersisted        prometheus.Counter
	transitionsTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	attemptsTotal      *prometheus.CounterVec
	channels           prometheus.Gauge
	liveChannels       prometheus.Gauge
	lastTick           prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_ticks_total",
			Help: "Completed poll ticks",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livewatch_tick_duration_seconds",
			Help:    "Wall time of a poll tick including dispatch",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		failedBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_poll_failed_batches_total",
			Help: "Status query batches that failed after retries",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_persist_failures_total",
			Help: "State writes that failed",
		}),
		unpersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livewatch_notifications_unpersisted_total",
			Help: "Transitions not notified because their state write failed",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livewatch_transitions_total",
			Help: "Channel transitions by kind",
		}, []string{"kind"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livewatch_notifications_total",
			Help: "Dispatched notifications by event type and outcome",
		}, []string{"event", "outcome"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livewatch_http_attempts_total",
			Help: "Outbound call attempts by endpoint class and outcome",
		}, []string{"class", "outcome"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livewatch_channels",
			Help: "Configured channels",
		}),
		liveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livewatch_live_channels",
			Help: "Channels live or within their offline grace period",
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livewatch_last_tick_timestamp_seconds",
			Help: "Unix time of the last completed tick",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticksTotal,
		m.tickDuration,
		m.failedBatchesTotal,
		m.persistFailures,
		m.unpersisted,
		m.transitionsTotal,
		m.notificationsTotal,
		m.attemptsTotal,
		m.channels,
		m.liveChannels,
		m.lastTick,
	)
	return m
}

// ObserveTick is a poller.TickHook.
func (m *Metrics) ObserveTick(s poller.TickStats) {
	m.ticksTotal.Inc()
	m.tickDuration.Observe(s.Took.Seconds())
	m.failedBatchesTotal.Add(float64(s.FailedBatches))
	m.persistFailures.Add(float64(s.PersistFailures))
	m.unpersisted.Add(float64(s.Unpersisted))
	for kind, n := range s.Transitions {
		m.transitionsTotal.WithLabelValues(kind.String()).Add(float64(n))
	}
	m.channels.Set(float64(s.Channels))
	m.liveChannels.Set(float64(s.Live))
	m.lastTick.Set(float64(s.At.Unix()))
}

// ObserveDispatch is a notifier.ResultHook.
func (m *Metrics) ObserveDispatch(typ notifier.EventType, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.notificationsTotal.WithLabelValues(string(typ), outcome).Inc()
}

// ObserveAttempt is an httpx.AttemptHook.
func (m *Metrics) ObserveAttempt(class string, err error) {
	outcome := "ok"
	if err != nil {
		switch kind, _ := httpx.Classify(err); kind {
		case httpx.Fatal:
			outcome = "fatal"
		default:
			outcome = "retryable"
		}
	}
	m.attemptsTotal.WithLabelValues(class, outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
