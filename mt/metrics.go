package mt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the submission and payout
// pipeline. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Intake
	SubmissionsAccepted *prometheus.CounterVec
	SubmissionsRejected *prometheus.CounterVec

	// Validation queue
	ValidationsActive  prometheus.Gauge
	ValidationOutcomes *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	StaleRequeued      prometheus.Counter

	// Payouts
	PayoutsTotal   *prometheus.CounterVec
	PayoutDuration prometheus.Histogram

	// Webhooks
	WebhookDeliveries *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubmissionsAccepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moldtank_submissions_accepted_total",
				Help: "Submissions recorded by intake",
			},
			[]string{"type"},
		),
		SubmissionsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moldtank_submissions_rejected_total",
				Help: "Submissions refused by intake, by error code",
			},
			[]string{"code"},
		),
		ValidationsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "moldtank_validations_active",
			Help: "Validations currently holding a queue slot",
		}),
		ValidationOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moldtank_validation_outcomes_total",
				Help: "Terminal submission states reached by the validation queue",
			},
			[]string{"status"}, // passed, failed, rejected
		),
		ValidationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "moldtank_validation_duration_seconds",
				Help:    "Time spent waiting on the validation engine",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"type"},
		),
		StaleRequeued: f.NewCounter(prometheus.CounterOpts{
			Name: "moldtank_validations_requeued_total",
			Help: "Submissions found stuck in validating and returned to pending",
		}),
		PayoutsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moldtank_payouts_total",
				Help: "Payout attempts by outcome",
			},
			[]string{"chain", "status"}, // confirmed, failed
		),
		PayoutDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "moldtank_payout_duration_seconds",
			Help:    "Discovery plus execution time per payout attempt",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moldtank_webhook_deliveries_total",
				Help: "Outbound webhook attempts by result",
			},
			[]string{"event", "result"}, // ok, error
		),
	}
}

func (m *Metrics) submissionAccepted(taskType string) {
	if m == nil {
		return
	}
	m.SubmissionsAccepted.WithLabelValues(taskType).Inc()
}

func (m *Metrics) submissionRejected(code string) {
	if m == nil {
		return
	}
	m.SubmissionsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) validationStarted() {
	if m == nil {
		return
	}
	m.ValidationsActive.Inc()
}

func (m *Metrics) validationFinished(taskType string, status SubmissionStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.ValidationsActive.Dec()
	m.ValidationOutcomes.WithLabelValues(string(status)).Inc()
	m.ValidationDuration.WithLabelValues(taskType).Observe(took.Seconds())
}

func (m *Metrics) validationAbandoned() {
	if m == nil {
		return
	}
	m.ValidationsActive.Dec()
}

func (m *Metrics) staleRequeued(n int) {
	if m == nil {
		return
	}
	m.StaleRequeued.Add(float64(n))
}

func (m *Metrics) payout(chain string, status PaymentStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.PayoutsTotal.WithLabelValues(chain, string(status)).Inc()
	m.PayoutDuration.Observe(took.Seconds())
}

func (m *Metrics) webhook(event, result string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(event, result).Inc()
}
