// Package metrics holds the Prometheus collectors shared by the class
// drivers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// AppMetrics is the set of collectors the drivers update.
type AppMetrics struct {
	// Attaches counts attach attempts per driver and result.
	Attaches *prometheus.CounterVec

	// BOTCommands counts completed BOT exchanges per CSW status.
	BOTCommands *prometheus.CounterVec
	// BOTRecoveries counts recovery actions (halt clears, resets).
	BOTRecoveries *prometheus.CounterVec
	// BOTTransitions counts state machine transitions per target state.
	BOTTransitions *prometheus.CounterVec
	// BOTQueueRejected counts commands rejected because the queue was full.
	BOTQueueRejected prometheus.Counter
	// BOTCommandDurationSeconds is the time from dequeue to publish.
	BOTCommandDurationSeconds *prometheus.HistogramVec

	// HubEvents counts status-change events per kind.
	HubEvents *prometheus.CounterVec
	// HubPollErrors counts failed status-change interrupt transfers.
	HubPollErrors prometheus.Counter
	// HubEventsDropped counts events dropped because the consumer lagged.
	HubEventsDropped prometheus.Counter
}

var Metrics AppMetrics

func init() {
	Metrics.Attaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbclass_attaches_total",
			Help: "Driver attach attempts.",
		},
		[]string{"driver", "result"},
	)
	Metrics.BOTCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbclass_bot_commands_total",
			Help: "Completed Bulk-Only Transport exchanges by CSW status.",
		},
		[]string{"status"},
	)
	Metrics.BOTRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbclass_bot_recoveries_total",
			Help: "Bulk-Only Transport recovery actions.",
		},
		[]string{"action"},
	)
	Metrics.BOTTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbclass_bot_transitions_total",
			Help: "Bulk-Only Transport state machine transitions by target state.",
		},
		[]string{"state"},
	)
	Metrics.BOTQueueRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usbclass_bot_queue_rejected_total",
			Help: "Commands rejected because the command queue was full.",
		},
	)
	Metrics.BOTCommandDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usbclass_bot_command_duration_seconds",
			Help:    "Time from dequeuing a command to publishing its status.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"status"},
	)
	Metrics.HubEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usbclass_hub_events_total",
			Help: "Hub status-change events.",
		},
		[]string{"kind"},
	)
	Metrics.HubPollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usbclass_hub_poll_errors_total",
			Help: "Failed hub status-change interrupt transfers.",
		},
	)
	Metrics.HubEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usbclass_hub_events_dropped_total",
			Help: "Hub events dropped because the consumer was not keeping up.",
		},
	)

	prometheus.MustRegister(
		Metrics.Attaches,
		Metrics.BOTCommands,
		Metrics.BOTRecoveries,
		Metrics.BOTTransitions,
		Metrics.BOTQueueRejected,
		Metrics.BOTCommandDurationSeconds,
		Metrics.HubEvents,
		Metrics.HubPollErrors,
		Metrics.HubEventsDropped,
	)
}
