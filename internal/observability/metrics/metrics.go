package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClinicMetrics exposes counters/histograms for booking, payments and jobs.
type ClinicMetrics struct {
	bookingsTotal      *prometheus.CounterVec
	appointmentChanges *prometheus.CounterVec
	paymentChanges     *prometheus.CounterVec
	gatewayCalls       *prometheus.CounterVec
	jobRuns            *prometheus.CounterVec
	jobItems           *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
}

func NewClinicMetrics(reg prometheus.Registerer) *ClinicMetrics {
	m := &ClinicMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "requests_total",
			Help:      "Booking attempts by outcome code",
		}, []string{"outcome"}),
		appointmentChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "transitions_total",
			Help:      "Committed appointment status transitions",
		}, []string{"from", "to"}),
		paymentChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "payments",
			Name:      "transitions_total",
			Help:      "Committed payment status transitions",
		}, []string{"from", "to"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Payment gateway calls by operation and result",
		}, []string{"operation", "result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Background job runs by status",
		}, []string{"job", "status"}),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "items_total",
			Help:      "Items handled by background jobs",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Duration of background job runs",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 240},
		}, []string{"job"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.appointmentChanges, m.paymentChanges, m.gatewayCalls, m.jobRuns, m.jobItems, m.jobDuration)
	return m
}

// ObserveBooking records a booking outcome; "ok" on success, else the error code.
func (m *ClinicMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *ClinicMetrics) ObserveAppointmentTransition(from, to string) {
	if m == nil {
		return
	}
	m.appointmentChanges.WithLabelValues(from, to).Inc()
}

func (m *ClinicMetrics) ObservePaymentTransition(from, to string) {
	if m == nil {
		return
	}
	m.paymentChanges.WithLabelValues(from, to).Inc()
}

func (m *ClinicMetrics) ObserveGatewayCall(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(operation, result).Inc()
}

// ObserveJobRun records one job run. status is "ok", "error", "skipped" or "locked".
func (m *ClinicMetrics) ObserveJobRun(job, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (m *ClinicMetrics) AddJobItems(job, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobItems.WithLabelValues(job, result).Add(float64(n))
}
