// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oceanpark/oceanctl/internal/models"
)

var (
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oceanctl_actions_total",
		Help: "Device actions by action and outcome",
	}, []string{"action", "outcome"})

	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oceanctl_devices_online",
		Help: "Devices currently classified ONLINE",
	})

	DevicesOffline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oceanctl_devices_offline",
		Help: "Devices currently classified OFFLINE",
	})

	ProbeLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oceanctl_probe_latency_seconds",
		Help:    "Probe round-trip latency by probe method",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	MonitorCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oceanctl_monitor_cycles_total",
		Help: "Monitor cycles completed",
	})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oceanctl_alerts_total",
		Help: "Fleet alerts emitted by level",
	}, []string{"level"})

	ScheduledFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oceanctl_scheduled_fires_total",
		Help: "Scheduled job fires by result",
	}, []string{"result"})
)

// RecordAction counts one terminated device action.
func RecordAction(action models.Action, outcome models.Outcome) {
	ActionsTotal.WithLabelValues(string(action), string(outcome)).Inc()
}

// RecordSnapshot publishes the fleet gauges from one monitor cycle.
func RecordSnapshot(snap models.HealthSnapshot) {
	DevicesOnline.Set(float64(snap.OnlineCount))
	DevicesOffline.Set(float64(snap.OfflineCount))
	MonitorCyclesTotal.Inc()
}

// RecordProbeLatency records one successful probe's round trip.
func RecordProbeLatency(method models.ProbeMethod, latency time.Duration) {
	ProbeLatencySeconds.WithLabelValues(string(method)).Observe(latency.Seconds())
}

// RecordAlert counts one emitted fleet alert.
func RecordAlert(level models.AlertLevel) {
	AlertsTotal.WithLabelValues(string(level)).Inc()
}
