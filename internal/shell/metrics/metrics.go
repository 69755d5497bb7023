// Package metrics exposes GSM health, alert and control counters in the
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry. It implements
// status.Observer, status.Recorder, alerts.Recorder and control.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	refreshes       prometheus.Counter
	refreshDuration prometheus.Histogram
	cacheHits       prometheus.Counter

	healthScore   *prometheus.GaugeVec
	serverRunning *prometheus.GaugeVec
	serverCPU     *prometheus.GaugeVec
	serverMemory  *prometheus.GaugeVec
	fleet         *prometheus.GaugeVec

	hostCPU    prometheus.Gauge
	hostMemory prometheus.Gauge
	hostDisk   prometheus.Gauge
	hostLoad   prometheus.Gauge

	alerts   *prometheus.CounterVec
	controls *prometheus.CounterVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Status cache
		refreshes: f.NewCounter(prometheus.CounterOpts{
			Name: "gsm_status_refreshes_total",
			Help: "Total number of fresh status computations",
		}),
		refreshDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gsm_status_refresh_duration_seconds",
			Help:    "Duration of a full status refresh",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "gsm_status_cache_hits_total",
			Help: "Total number of status requests served from cache",
		}),

		// Per server
		healthScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gsm_server_health_score",
			Help: "Server health score (0-100)",
		}, []string{"server", "port"}),
		serverRunning: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gsm_server_running",
			Help: "Whether the server port is bound (1) or not (0)",
		}, []string{"server", "port"}),
		serverCPU: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gsm_server_cpu_percent",
			Help: "Server process CPU percentage",
		}, []string{"server", "port"}),
		serverMemory: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gsm_server_memory_percent",
			Help: "Server process memory percentage",
		}, []string{"server", "port"}),
		fleet: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gsm_servers",
			Help: "Number of servers by state",
		}, []string{"state"}),

		// Host
		hostCPU: f.NewGauge(prometheus.GaugeOpts{
			Name: "gsm_host_cpu_percent",
			Help: "Host CPU utilization percentage",
		}),
		hostMemory: f.NewGauge(prometheus.GaugeOpts{
			Name: "gsm_host_memory_percent",
			Help: "Host memory utilization percentage",
		}),
		hostDisk: f.NewGauge(prometheus.GaugeOpts{
			Name: "gsm_host_disk_percent",
			Help: "Host disk utilization percentage",
		}),
		hostLoad: f.NewGauge(prometheus.GaugeOpts{
			Name: "gsm_host_load_average",
			Help: "Host one-minute load average",
		}),

		// Alerts & control
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gsm_alerts_total",
			Help: "Total number of alerts by kind and outcome",
		}, []string{"kind", "outcome"}),
		controls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gsm_control_actions_total",
			Help: "Total number of control actions by action and result",
		}, []string{"action", "result"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRefresh implements status.Recorder.
func (m *Metrics) RecordRefresh(d time.Duration) {
	m.refreshes.Inc()
	m.refreshDuration.Observe(d.Seconds())
}

// RecordCacheHit implements status.Recorder.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordAlert implements alerts.Recorder.
func (m *Metrics) RecordAlert(kind, outcome string) {
	m.alerts.WithLabelValues(kind, outcome).Inc()
}

// RecordControl implements control.Recorder.
func (m *Metrics) RecordControl(action domain.Action, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.controls.WithLabelValues(string(action), result).Inc()
}

// OnStatusComputed implements status.Observer by updating the gauges.
func (m *Metrics) OnStatusComputed(_, cur *domain.AggregateStatus) {
	if cur == nil {
		return
	}

	for port, s := range cur.Servers {
		labels := prometheus.Labels{"server": s.Name, "port": strconv.Itoa(port)}
		m.healthScore.With(labels).Set(float64(s.HealthScore))
		m.serverRunning.With(labels).Set(boolGauge(s.Running))
		if s.Resources != nil {
			m.serverCPU.With(labels).Set(s.Resources.CPUPercent)
			m.serverMemory.With(labels).Set(s.Resources.MemoryPercent)
		} else {
			m.serverCPU.Delete(labels)
			m.serverMemory.Delete(labels)
		}
	}

	sum := cur.Summary
	m.fleet.WithLabelValues("running").Set(float64(sum.Running))
	m.fleet.WithLabelValues("stopped").Set(float64(sum.Stopped))
	m.fleet.WithLabelValues("healthy").Set(float64(sum.Healthy))
	m.fleet.WithLabelValues("warning").Set(float64(sum.Warning))
	m.fleet.WithLabelValues("critical").Set(float64(sum.Critical))
	m.fleet.WithLabelValues("errored").Set(float64(sum.Errored))

	sys := cur.SystemMetrics
	m.hostCPU.Set(sys.CPUPercent)
	m.hostMemory.Set(sys.Memory.Percent)
	m.hostDisk.Set(sys.DiskPercent)
	m.hostLoad.Set(sys.LoadAverage)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
