package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whisker-ha/litterrobot-bridge/internal/model"
)

var (
	pollSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "litterrobot_poll_success",
			Help: "Last poll cycle success (1=ok, 0=error)",
		},
	)
	lastPollTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "litterrobot_last_poll_timestamp_seconds",
			Help: "Last successful poll cycle timestamp (epoch seconds)",
		},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "litterrobot_auth_failures_total",
			Help: "Failed cloud login attempts",
		},
	)
	sessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "litterrobot_session_connected",
			Help: "Cloud session state (1=connected, 0=disconnected)",
		},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "litterrobot_commands_total",
			Help: "Commands dispatched to the cloud, by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)
	drawerLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "litterrobot_drawer_level_percent",
			Help: "Waste drawer fill level per robot",
		},
		[]string{"robot_id", "nickname"},
	)
	cycleCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "litterrobot_cycle_count",
			Help: "Clean cycles since last gauge reset per robot",
		},
		[]string{"robot_id", "nickname"},
	)
	unitAlarm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "litterrobot_unit_alarm",
			Help: "Robot status translates to the alarm class (1=alarm)",
		},
		[]string{"robot_id", "nickname"},
	)
)

// NewRegistry builds the bridge's Prometheus registry with all collectors
// attached.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		pollSuccess,
		lastPollTimestamp,
		authFailures,
		sessionConnected,
		commandsSent,
		drawerLevel,
		cycleCount,
		unitAlarm,
	)
	return registry
}

// Handler exposes the registry for the /metrics route.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func PollSucceeded(at float64) {
	pollSuccess.Set(1)
	lastPollTimestamp.Set(at)
}

func PollFailed() {
	pollSuccess.Set(0)
}

func AuthFailed() {
	authFailures.Inc()
	sessionConnected.Set(0)
}

func SessionUp(up bool) {
	if up {
		sessionConnected.Set(1)
	} else {
		sessionConnected.Set(0)
	}
}

func CommandSent(verb string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	commandsSent.WithLabelValues(verb, outcome).Inc()
}

// ObserveRecord refreshes the per-robot gauges from one applied update.
func ObserveRecord(record model.DeviceRecord) {
	labels := prometheus.Labels{"robot_id": record.ID, "nickname": record.Nickname}
	drawerLevel.With(labels).Set(float64(record.Attributes.DrawerLevel))
	cycleCount.With(labels).Set(float64(record.CycleCount))
	if record.Attributes.Movement == model.MovementAlarm {
		unitAlarm.With(labels).Set(1)
	} else {
		unitAlarm.With(labels).Set(0)
	}
}

// ForgetRecord drops the per-robot series after a deselection.
func ForgetRecord(robotID, nickname string) {
	labels := prometheus.Labels{"robot_id": robotID, "nickname": nickname}
	drawerLevel.Delete(labels)
	cycleCount.Delete(labels)
	unitAlarm.Delete(labels)
}
