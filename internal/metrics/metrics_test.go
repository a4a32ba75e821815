package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ReasonDeadlineExceeded},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: ReasonSerializationFailure},
		{name: "deadlock", err: fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "40P01"}), want: ReasonSerializationFailure},
		{name: "unique", err: &pgconn.PgError{Code: "23505"}, want: ReasonUniqueViolation},
		{name: "lock", err: &pgconn.PgError{Code: "55P03"}, want: ReasonLockNotAvailable},
		{name: "unknown", err: errors.New("boom"), want: ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestObserveAccrual(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveAccrual("residue", 5, 3, 1, 0.4, 20*time.Millisecond)
	m.ObserveAccrual("residue", 2, 1, 0, 0.1, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.eventsProcessed.WithLabelValues("residue")); got != 7 {
		t.Fatalf("expected processed 7, got %v", got)
	}
	if got := testutil.ToFloat64(m.tokensMinted.WithLabelValues("residue")); got != 4 {
		t.Fatalf("expected minted 4, got %v", got)
	}
	if got := testutil.ToFloat64(m.duplicateTokens.WithLabelValues("residue")); got != 1 {
		t.Fatalf("expected duplicates 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.carryBalance.WithLabelValues("residue")); got != 0.1 {
		t.Fatalf("expected carry 0.1, got %v", got)
	}
}

func TestBackfillAndAllocation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.BackfillRow("residue", OutcomeRegistered)
	m.BackfillRow("residue", OutcomeRegistered)
	m.BackfillRow("residue", OutcomeSkippedLegacy)
	m.TokensAllocated("education", 5)
	m.TokensAllocated("education", 0)
	m.CertificateIssued()

	if got := testutil.ToFloat64(m.backfillRows.WithLabelValues("residue", OutcomeRegistered)); got != 2 {
		t.Fatalf("expected registered 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.tokensAllocated.WithLabelValues("education")); got != 5 {
		t.Fatalf("expected allocated 5, got %v", got)
	}
	if got := testutil.ToFloat64(m.certificatesIssued); got != 1 {
		t.Fatalf("expected certificates 1, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	m.ObserveAccrual("residue", 1, 1, 0, 0, time.Second)
	m.AccrualFailed("residue", errors.New("boom"))
	m.TokensAllocated("residue", 1)
	m.CertificateIssued()
	m.BackfillRow("residue", OutcomeError)
	m.SchedulerSkipped()
}
