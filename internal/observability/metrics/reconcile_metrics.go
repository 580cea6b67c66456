package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonGateway              = "gateway"
	JobReasonUnknown              = "unknown"
)

// ReconcileMetrics captures drift-correction poller health.
type ReconcileMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	lockContended  *prometheus.CounterVec
	runLoopLag     prometheus.Observer
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// NewReconcileMetrics returns the process-wide poller collectors registered
// on the default registry.
func NewReconcileMetrics(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = newReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

func newReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "paysync"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &ReconcileMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "paysync_reconcile_job_runs_total",
			Help:        "Reconcile job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "paysync_reconcile_job_duration_seconds",
			Help:        "Reconcile job latency.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "paysync_reconcile_job_timeouts_total",
			Help:        "Reconcile job timeouts.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "paysync_reconcile_job_errors_total",
			Help:        "Reconcile job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "paysync_reconcile_orders_processed_total",
			Help:        "Pending orders polled by outcome.",
			ConstLabels: constLabels,
		}, []string{"job", "outcome"}),
		lockContended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "paysync_reconcile_lock_contended_total",
			Help:        "Runs skipped because another instance held the poller lock.",
			ConstLabels: constLabels,
		}, []string{"job"}),
	}
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "paysync_reconcile_runloop_lag_seconds",
		Help:        "Run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	m.runLoopLag = runLoopLag

	collectors := []prometheus.Collector{
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.batchProcessed,
		m.lockContended,
		runLoopLag,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
	return m
}

func (m *ReconcileMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *ReconcileMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *ReconcileMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *ReconcileMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *ReconcileMetrics) AddProcessed(job, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, outcome).Add(float64(count))
}

func (m *ReconcileMetrics) IncLockContended(job string) {
	if m == nil {
		return
	}
	m.lockContended.WithLabelValues(job).Inc()
}

func (m *ReconcileMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ClassifyJobReason maps an error to a bounded label value.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return JobReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return JobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return JobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return JobReasonUniqueViolation
	case strings.HasPrefix(err.Error(), "gateway"):
		return JobReasonGateway
	default:
		return JobReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
