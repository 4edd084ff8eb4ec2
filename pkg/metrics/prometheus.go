package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	signalsCreated    *prometheus.CounterVec
	signalsRejected   *prometheus.CounterVec
	signalTransitions *prometheus.CounterVec
	activeSignals     prometheus.Gauge
	alertsEnqueued    *prometheus.CounterVec
	alertsDropped     *prometheus.CounterVec
	alertDeliveries   *prometheus.CounterVec
	alertQueueDepth   prometheus.Gauge
	fetches           *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	latency           *prometheus.HistogramVec
}

// New creates a Prometheus metrics recorder registered on reg.
// A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		signalsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalflow_signals_created_total",
				Help: "Trading signals admitted into the active set",
			},
			[]string{"symbol", "timeframe", "priority"},
		),
		signalsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalflow_signals_rejected_total",
				Help: "Signal candidates rejected at admission",
			},
			[]string{"reason"},
		),
		signalTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalflow_signal_transitions_total",
				Help: "Signal status transitions",
			},
			[]string{"status"},
		),
		activeSignals: f.NewGauge(prometheus.GaugeOpts{
			Name: "signalflow_active_signals",
			Help: "Signals currently in the active set",
		}),
		alertsEnqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalflow_alerts_enqueued_total",
				Help: "Alerts accepted into the delivery queue",
			},
			[]string{"type"},
		),
		alertsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalflow_alerts_dropped_total",
				Help: "Alerts dropped before delivery",
			},
			[]string{"reason"},
		),
		alertDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalflow_alert_deliveries_total",
				Help: "Per-channel alert delivery attempts",
			},
			[]string{"channel", "result"},
		),
		alertQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "signalflow_alert_queue_depth",
			Help: "Alerts waiting in the delivery queue",
		}),
		fetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalflow_data_fetches_total",
				Help: "Scheduled bar refreshes by outcome",
			},
			[]string{"timeframe", "result"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalflow_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signalflow_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordSignalCreated records an admitted signal.
func (r *Recorder) RecordSignalCreated(symbol, timeframe, priority string) {
	r.signalsCreated.WithLabelValues(symbol, timeframe, priority).Inc()
}

// RecordSignalRejected records a rejected candidate by reason.
func (r *Recorder) RecordSignalRejected(reason string) {
	r.signalsRejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordSignalTransition(status string) {
	r.signalTransitions.WithLabelValues(status).Inc()
}

func (r *Recorder) SetActiveSignals(n int) { r.activeSignals.Set(float64(n)) }

func (r *Recorder) RecordAlertEnqueued(alertType string) {
	r.alertsEnqueued.WithLabelValues(alertType).Inc()
}

func (r *Recorder) RecordAlertDropped(reason string) {
	r.alertsDropped.WithLabelValues(reason).Inc()
}

// RecordAlertDelivery records one channel attempt.
func (r *Recorder) RecordAlertDelivery(channel string, ok bool) {
	r.alertDeliveries.WithLabelValues(channel, result(ok)).Inc()
}

func (r *Recorder) SetAlertQueueDepth(n int) { r.alertQueueDepth.Set(float64(n)) }

// RecordFetch records a scheduled refresh outcome.
func (r *Recorder) RecordFetch(timeframe string, ok bool) {
	r.fetches.WithLabelValues(timeframe, result(ok)).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordSignalCreated(string, string, string) {}
func (Nop) RecordSignalRejected(string)                {}
func (Nop) RecordSignalTransition(string)              {}
func (Nop) SetActiveSignals(int)                       {}
func (Nop) RecordAlertEnqueued(string)                 {}
func (Nop) RecordAlertDropped(string)                  {}
func (Nop) RecordAlertDelivery(string, bool)           {}
func (Nop) SetAlertQueueDepth(int)                     {}
func (Nop) RecordFetch(string, bool)                   {}
func (Nop) RecordError(string)                         {}
func (Nop) RecordLatency(string, float64)              {}
