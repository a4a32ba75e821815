// Package metrics содержит счётчики Prometheus для начисления, распределения и миграции истории.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
)

// Причины ошибок с низкой кардинальностью.
const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonLockNotAvailable     = "lock_not_available"
	ReasonUnknown              = "unknown"
)

// Исходы обработки строки в задании миграции.
const (
	OutcomeRegistered       = "registered"
	OutcomeSkippedLegacy    = "skipped_legacy"
	OutcomeSkippedDuplicate = "skipped_duplicate"
	OutcomeError            = "error"
)

// Metrics объединяет коллекторы конвейера UIB. Все методы допускают nil-получатель.
type Metrics struct {
	eventsProcessed    *prometheus.CounterVec
	tokensMinted       *prometheus.CounterVec
	duplicateTokens    *prometheus.CounterVec
	accrualErrors      *prometheus.CounterVec
	accrualDuration    *prometheus.HistogramVec
	carryBalance       *prometheus.GaugeVec
	tokensAllocated    *prometheus.CounterVec
	certificatesIssued prometheus.Counter
	backfillRows       *prometheus.CounterVec
	schedulerSkips     prometheus.Counter
}

// New создаёт и регистрирует коллекторы в registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uib_accrual_events_processed_total",
			Help: "Raw impact events consumed by the accrual engine.",
		}, []string{"kind"}),
		tokensMinted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uib_tokens_minted_total",
			Help: "UIB tokens minted by kind.",
		}, []string{"kind"}),
		duplicateTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uib_tokens_duplicate_total",
			Help: "Token inserts rejected by the dedupe key.",
		}, []string{"kind"}),
		accrualErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uib_accrual_errors_total",
			Help: "Accrual runs failed by kind and reason.",
		}, []string{"kind", "reason"}),
		accrualDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uib_accrual_duration_seconds",
			Help:    "Accrual run latency per kind.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		carryBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uib_carry_balance",
			Help: "Fractional carry-over balance per kind after the last accrual.",
		}, []string{"kind"}),
		tokensAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uib_tokens_allocated_total",
			Help: "UIB tokens allocated to quotas by kind.",
		}, []string{"kind"}),
		certificatesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uib_certificates_issued_total",
			Help: "Certificates minted for completed quotas.",
		}),
		backfillRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uib_backfill_rows_total",
			Help: "Historical backfill rows by job and outcome.",
		}, []string{"job", "outcome"}),
		schedulerSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uib_scheduler_skipped_total",
			Help: "Scheduled accrual ticks skipped because another replica held the lock.",
		}),
	}

	registerer.MustRegister(
		m.eventsProcessed,
		m.tokensMinted,
		m.duplicateTokens,
		m.accrualErrors,
		m.accrualDuration,
		m.carryBalance,
		m.tokensAllocated,
		m.certificatesIssued,
		m.backfillRows,
		m.schedulerSkips,
	)

	return m
}

// ObserveAccrual записывает итог начисления по одной полосе.
func (m *Metrics) ObserveAccrual(kind string, processed, minted, duplicates int, carry float64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(kind).Add(float64(processed))
	m.tokensMinted.WithLabelValues(kind).Add(float64(minted))
	if duplicates > 0 {
		m.duplicateTokens.WithLabelValues(kind).Add(float64(duplicates))
	}
	m.carryBalance.WithLabelValues(kind).Set(carry)
	m.accrualDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// AccrualFailed учитывает неудачный запуск начисления.
func (m *Metrics) AccrualFailed(kind string, err error) {
	if m == nil || err == nil {
		return
	}
	m.accrualErrors.WithLabelValues(kind, ClassifyReason(err)).Inc()
}

// TokensAllocated учитывает UIB, переведённые в квоту.
func (m *Metrics) TokensAllocated(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensAllocated.WithLabelValues(kind).Add(float64(n))
}

// CertificateIssued учитывает выпущенный сертификат.
func (m *Metrics) CertificateIssued() {
	if m == nil {
		return
	}
	m.certificatesIssued.Inc()
}

// BackfillRow учитывает исход обработки одной строки задания миграции.
func (m *Metrics) BackfillRow(job, outcome string) {
	if m == nil {
		return
	}
	m.backfillRows.WithLabelValues(job, outcome).Inc()
}

// SchedulerSkipped учитывает пропущенный плановый запуск.
func (m *Metrics) SchedulerSkipped() {
	if m == nil {
		return
	}
	m.schedulerSkips.Inc()
}

// ClassifyReason сводит ошибку к причине с низкой кардинальностью.
func ClassifyReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDeadlineExceeded
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return ReasonSerializationFailure
		case pgerrcode.UniqueViolation:
			return ReasonUniqueViolation
		case pgerrcode.LockNotAvailable:
			return ReasonLockNotAvailable
		}
	}

	return ReasonUnknown
}
