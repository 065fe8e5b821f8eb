// Package monitoring exposes Prometheus meta-metrics about the monitor itself.
package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taniwha3/trackwatch/internal/evaluator"
	"github.com/taniwha3/trackwatch/internal/host"
	"github.com/taniwha3/trackwatch/internal/monitor"
)

const namespace = "trackwatch"

// Tick outcomes
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var tickBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

// MetricsCollector records tick, alert, delivery and resource metrics.
// It implements monitor.Listener and monitor.ErrorListener.
type MetricsCollector struct {
	gatherer prometheus.Gatherer

	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	score          prometheus.Gauge
	sensorValue    *prometheus.GaugeVec
	alerts         *prometheus.CounterVec
	notifyDropped  prometheus.Counter
	sourceRejected *prometheus.CounterVec

	dbSize       prometheus.Gauge
	walSize      prometheus.Gauge
	streamClient prometheus.Gauge
	memUsed      prometheus.Gauge
	cpuUsed      prometheus.Gauge
	diskUsed     prometheus.Gauge
}

var (
	_ monitor.Listener      = (*MetricsCollector)(nil)
	_ monitor.ErrorListener = (*MetricsCollector)(nil)
)

// NewMetricsCollector registers the collectors on reg.
// A nil reg uses the Prometheus default registry.
func NewMetricsCollector(reg *prometheus.Registry) *MetricsCollector {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}

	m := &MetricsCollector{
		gatherer: gatherer,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Monitoring ticks by outcome",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time from reading acquisition to listener delivery",
			Buckets:   tickBuckets,
		}),
		score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_score",
			Help:      "Composite track health score of the latest reading (0-100)",
		}),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_value",
			Help:      "Latest value of each sensor channel",
		}, []string{"metric"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by severity and metric",
		}, []string{"severity", "metric"}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_dropped_total",
			Help:      "Alert batches dropped because the delivery queue was full",
		}),
		sourceRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rejected_total",
			Help:      "Incoming readings rejected by the source",
		}, []string{"reason"}),
		dbSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "database_size_bytes",
			Help:      "Size of the SQLite database file",
		}),
		walSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "wal_size_bytes",
			Help:      "Size of the SQLite write-ahead log",
		}),
		streamClient: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Connected websocket clients",
		}),
		memUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "memory_used_percent",
			Help:      "Host memory in use",
		}),
		cpuUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "cpu_percent",
			Help:      "Host CPU utilisation since the previous sample",
		}),
		diskUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "disk_used_percent",
			Help:      "Usage of the filesystem holding the database",
		}),
	}

	m.register(registerer)
	return m
}

// register adopts collectors that are already registered, so a second
// collector on the default registry shares the first one's series.
func (m *MetricsCollector) register(reg prometheus.Registerer) {
	adopt := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector
			}
		}
		return c
	}

	m.ticks = adopt(m.ticks).(*prometheus.CounterVec)
	m.tickDuration = adopt(m.tickDuration).(prometheus.Histogram)
	m.score = adopt(m.score).(prometheus.Gauge)
	m.sensorValue = adopt(m.sensorValue).(*prometheus.GaugeVec)
	m.alerts = adopt(m.alerts).(*prometheus.CounterVec)
	m.notifyDropped = adopt(m.notifyDropped).(prometheus.Counter)
	m.sourceRejected = adopt(m.sourceRejected).(*prometheus.CounterVec)
	m.dbSize = adopt(m.dbSize).(prometheus.Gauge)
	m.walSize = adopt(m.walSize).(prometheus.Gauge)
	m.streamClient = adopt(m.streamClient).(prometheus.Gauge)
	m.memUsed = adopt(m.memUsed).(prometheus.Gauge)
	m.cpuUsed = adopt(m.cpuUsed).(prometheus.Gauge)
	m.diskUsed = adopt(m.diskUsed).(prometheus.Gauge)
}

// OnTick records a completed tick
func (m *MetricsCollector) OnTick(ctx context.Context, res evaluator.Result) {
	m.ticks.WithLabelValues(OutcomeOK).Inc()
	if start, ok := monitor.TickStarted(ctx); ok {
		m.tickDuration.Observe(time.Since(start).Seconds())
	}

	m.score.Set(res.Score)
	if res.Reading != nil {
		for k, v := range res.Reading.Values() {
			m.sensorValue.WithLabelValues(string(k)).Set(v)
		}
	}
	for _, a := range res.Alerts {
		m.alerts.WithLabelValues(string(a.Severity), string(a.Metric)).Inc()
	}
}

// OnTickError records a failed tick
func (m *MetricsCollector) OnTickError(_ context.Context, _ error) {
	m.ticks.WithLabelValues(OutcomeError).Inc()
}

// RecordSourceReject counts a reading rejected by the source
func (m *MetricsCollector) RecordSourceReject(reason string) {
	m.sourceRejected.WithLabelValues(reason).Inc()
}

// RecordNotifyDrop counts an alert batch dropped by the dispatcher
func (m *MetricsCollector) RecordNotifyDrop() {
	m.notifyDropped.Inc()
}

// UpdateStorageMetrics updates storage-related metrics
func (m *MetricsCollector) UpdateStorageMetrics(dbSize, walSize int64) {
	m.dbSize.Set(float64(dbSize))
	m.walSize.Set(float64(walSize))
}

// UpdateStreamClients sets the connected websocket client count
func (m *MetricsCollector) UpdateStreamClients(n int) {
	m.streamClient.Set(float64(n))
}

// UpdateHostMetrics records one host resource sample
func (m *MetricsCollector) UpdateHostMetrics(s host.Stats) {
	m.memUsed.Set(s.MemUsedPercent)
	m.cpuUsed.Set(s.CPUPercent)
	if s.DiskPath != "" {
		m.diskUsed.Set(s.DiskUsedPercent)
	}
}

// Handler serves the registry in the Prometheus text format
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
