package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every dunning metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	JobReasonDeadlineExceeded = "deadline_exceeded"
	JobReasonStore            = "store"
	JobReasonLockHeld         = "lock_held"
	JobReasonUnknown          = "unknown"
)

const (
	ChargeOutcomeSucceeded   = "succeeded"
	ChargeOutcomeDeclined    = "declined"
	ChargeOutcomeUnavailable = "unavailable"
	ChargeOutcomeTimeout     = "timeout"
)

const (
	PipelineErrorNotEligible        = "not_eligible"
	PipelineErrorNoFailedCycle      = "no_failed_cycle"
	PipelineErrorTransitionConflict = "transition_conflict"
	PipelineErrorStore              = "store"
	PipelineErrorUnknown            = "unknown"
)

// DunningMetrics captures dunning engine health signals.
type DunningMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	pipelineErrors *prometheus.CounterVec
	chargeAttempts *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	runLockSkips   prometheus.Counter
}

var (
	dunningMetricsOnce sync.Once
	dunningMetrics     *DunningMetrics
)

// Dunning returns the singleton dunning metrics registry.
func Dunning() *DunningMetrics {
	return DunningWithConfig(Config{})
}

// DunningWithConfig returns the singleton dunning metrics registry using config labels.
func DunningWithConfig(cfg Config) *DunningMetrics {
	dunningMetricsOnce.Do(func() {
		dunningMetrics = newDunningMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return dunningMetrics
}

// ResetDunningMetricsForTest resets the dunning metrics singleton for tests.
func ResetDunningMetricsForTest() {
	dunningMetricsOnce = sync.Once{}
	dunningMetrics = nil
}

func newDunningMetrics(registerer prometheus.Registerer, cfg Config) *DunningMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "dunning"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &DunningMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dunning_job_runs_total",
			Help:        "Dunning job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dunning_job_duration_seconds",
			Help:        "Dunning job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dunning_job_errors_total",
			Help:        "Dunning job failures by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dunning_batch_processed_total",
			Help:        "Subscriptions processed per job.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		pipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dunning_pipeline_errors_total",
			Help:        "Per-subscription pipeline failures by kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		chargeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dunning_charge_attempts_total",
			Help:        "Payment retry attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dunning_subscription_transitions_total",
			Help:        "Subscription status transitions applied by the engine.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dunning_notifications_total",
			Help:        "Customer notifications by template and outcome.",
			ConstLabels: constLabels,
		}, []string{"template", "outcome"}),
		runLockSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dunning_run_lock_skips_total",
			Help:        "Scheduler ticks skipped because a prior run still held the lock.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobErrors,
		m.batchProcessed,
		m.pipelineErrors,
		m.chargeAttempts,
		m.transitions,
		m.notifications,
		m.runLockSkips,
	)

	return m
}

func (m *DunningMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *DunningMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *DunningMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *DunningMetrics) AddBatchProcessed(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}

func (m *DunningMetrics) IncPipelineError(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = PipelineErrorUnknown
	}
	m.pipelineErrors.WithLabelValues(kind).Inc()
}

func (m *DunningMetrics) IncChargeAttempt(outcome string) {
	if m == nil {
		return
	}
	m.chargeAttempts.WithLabelValues(outcome).Inc()
}

func (m *DunningMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *DunningMetrics) IncNotification(template, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(template, outcome).Inc()
}

func (m *DunningMetrics) IncRunLockSkip() {
	if m == nil {
		return
	}
	m.runLockSkips.Inc()
}

// ClassifyJobReason maps a job-level error to a stable metric label.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	default:
		return JobReasonStore
	}
}
