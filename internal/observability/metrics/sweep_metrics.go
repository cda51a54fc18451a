package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	subscriptiondomain "github.com/smallbiznis/subgate/internal/subscription/domain"
	"gorm.io/gorm"
)

const (
	SweepErrorTypeDeadlineExceeded = "deadline_exceeded"
	SweepErrorTypeConflict         = "conflict"
	SweepErrorTypeDB               = "db"
	SweepErrorTypeUnknown          = "unknown"
)

// SweepMetrics captures expiry-sweep health signals.
type SweepMetrics struct {
	runs         prometheus.Counter
	duration     prometheus.Observer
	errorsByType *prometheus.CounterVec
	transitioned prometheus.Counter
	checked      prometheus.Counter
}

var (
	sweepMetricsOnce sync.Once
	sweepMetrics     *SweepMetrics
)

// Sweep returns the singleton sweep metrics registry.
func Sweep() *SweepMetrics {
	return SweepWithConfig(Config{})
}

// SweepWithConfig returns the singleton sweep metrics registry using config labels.
func SweepWithConfig(cfg Config) *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepMetrics = newSweepMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweepMetrics
}

// ResetSweepMetricsForTest resets the sweep metrics singleton for tests.
func ResetSweepMetricsForTest() {
	sweepMetricsOnce = sync.Once{}
	sweepMetrics = nil
}

func newSweepMetrics(registerer prometheus.Registerer, cfg Config) *SweepMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "subgate"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "subgate_sweep_runs_total",
		Help:        "Expiry sweep passes started.",
		ConstLabels: constLabels,
	})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "subgate_sweep_duration_seconds",
		Help:        "Expiry sweep latency to keep grace and expiry timely.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	errorsByType := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "subgate_sweep_errors_total",
		Help:        "Expiry sweep errors by low-cardinality type.",
		ConstLabels: constLabels,
	}, []string{"error_type"})
	transitioned := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "subgate_sweep_transitions_total",
		Help:        "Subscriptions moved to grace or expired by the sweep.",
		ConstLabels: constLabels,
	})
	checked := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "subgate_sweep_checked_total",
		Help:        "Subscriptions examined by the sweep.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(runs, duration, errorsByType, transitioned, checked)

	return &SweepMetrics{
		runs:         runs,
		duration:     duration,
		errorsByType: errorsByType,
		transitioned: transitioned,
		checked:      checked,
	}
}

// IncRun increments the sweep run counter.
func (m *SweepMetrics) IncRun() {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.Inc()
}

// ObserveDuration records how long one sweep pass took.
func (m *SweepMetrics) ObserveDuration(duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Observe(duration.Seconds())
}

// IncError increments the sweep error counter with classification.
func (m *SweepMetrics) IncError(err error) {
	if m == nil || m.errorsByType == nil || err == nil {
		return
	}
	m.errorsByType.WithLabelValues(classifySweepError(err)).Inc()
}

// AddResults records how many rows a pass examined and moved.
func (m *SweepMetrics) AddResults(checked, transitioned int) {
	if m == nil {
		return
	}
	if m.checked != nil && checked > 0 {
		m.checked.Add(float64(checked))
	}
	if m.transitioned != nil && transitioned > 0 {
		m.transitioned.Add(float64(transitioned))
	}
}

func classifySweepError(err error) string {
	switch {
	case err == nil:
		return SweepErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return SweepErrorTypeDeadlineExceeded
	case errors.Is(err, subscriptiondomain.ErrTransitionConflict):
		return SweepErrorTypeConflict
	case isDBError(err):
		return SweepErrorTypeDB
	default:
		return SweepErrorTypeUnknown
	}
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	return errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}
