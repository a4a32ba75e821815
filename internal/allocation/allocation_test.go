package allocation

import (
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciclik/uib-ledger/internal/model"
)

func bundle(residue, education, product int) model.KindCounts {
	return model.KindCounts{
		model.KindResidue:   residue,
		model.KindEducation: education,
		model.KindProduct:   product,
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		required  model.KindCounts
		allocated model.KindCounts
		requested model.KindCounts
		want      model.KindCounts
	}{
		{
			name:      "empty request takes remaining need",
			required:  bundle(250, 5, 1),
			allocated: bundle(100, 5, 0),
			want:      bundle(150, 0, 1),
		},
		{
			name:      "request capped at need",
			required:  bundle(250, 5, 1),
			allocated: bundle(240, 0, 0),
			requested: bundle(50, 2, 3),
			want:      bundle(10, 2, 1),
		},
		{
			name:      "negative request ignored",
			required:  bundle(250, 5, 1),
			allocated: bundle(0, 0, 0),
			requested: bundle(-1, 1, 0),
			want:      bundle(0, 1, 0),
		},
		{
			name:      "over-allocated quota needs nothing",
			required:  bundle(1, 1, 1),
			allocated: bundle(2, 1, 1),
			requested: bundle(5, 5, 5),
			want:      bundle(0, 0, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Plan(tt.required, tt.allocated, tt.requested))
		})
	}
}

func TestIsCompleteAndShortfall(t *testing.T) {
	assert.True(t, IsComplete(bundle(250, 5, 1), bundle(250, 5, 1)))
	assert.False(t, IsComplete(bundle(250, 5, 1), bundle(250, 4, 1)))

	assert.Equal(t, bundle(0, 3, 1), Shortfall(bundle(10, 5, 1), bundle(10, 2, 0)))
}

func TestProgress(t *testing.T) {
	assert.InDelta(t, 50.0, Progress(bundle(2, 0, 0), bundle(1, 0, 0)), 0.0001)
	assert.InDelta(t, 100.0, Progress(bundle(2, 2, 0), bundle(5, 2, 0)), 0.0001)
	assert.InDelta(t, 100.0, Progress(bundle(0, 0, 0), nil), 0.0001)
}

func TestCertificateNumber(t *testing.T) {
	assert.Equal(t, "CDV-2025-000001", CertificateNumber(2025, 1))
	assert.Equal(t, "CDV-2026-1234567", CertificateNumber(2026, 1234567))

	year, seq, err := ParseCertificateNumber("cdv-2025-000042")
	require.NoError(t, err)
	assert.Equal(t, 2025, year)
	assert.Equal(t, int64(42), seq)

	for _, bad := range []string{"", "CDV-25-000001", "ABC-2025-000001", "CDV-2025-000000", "CDV-2025-12"} {
		_, _, err := ParseCertificateNumber(bad)
		assert.ErrorIs(t, err, ErrInvalidCertificateNumber, bad)
	}
}

func TestNewValidationHash(t *testing.T) {
	re := regexp.MustCompile(`^[0-9A-F]{32}$`)
	a, b := NewValidationHash(), NewValidationHash()

	assert.Regexp(t, re, a)
	assert.NotEqual(t, a, b)
}

func TestMaturity(t *testing.T) {
	investor := uuid.New()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	due := start.AddDate(0, 10, 0)
	half := start.Add(due.Sub(start) / 2)

	base := model.Quota{
		InvestorID:   &investor,
		AssignedAt:   &start,
		Required:     bundle(100, 0, 0),
		Status:       model.QuotaStatusOpen,
		MaturityDate: due,
		CreatedAt:    start,
	}

	tests := []struct {
		name  string
		quota func() model.Quota
		now   time.Time
		want  model.MaturityStatus
	}{
		{
			name: "no investor",
			quota: func() model.Quota {
				q := base
				q.InvestorID = nil
				return q
			},
			now:  half,
			want: model.MaturityUnassigned,
		},
		{
			name: "ahead of schedule",
			quota: func() model.Quota {
				q := base
				q.Allocated = bundle(60, 0, 0)
				return q
			},
			now:  half,
			want: model.MaturityOnTrack,
		},
		{
			name: "lagging",
			quota: func() model.Quota {
				q := base
				q.Allocated = bundle(30, 0, 0)
				return q
			},
			now:  half,
			want: model.MaturityMaturing,
		},
		{
			name:  "past due without certificate",
			quota: func() model.Quota { return base },
			now:   due.Add(time.Hour),
			want:  model.MaturityOverdue,
		},
		{
			name: "complete past due",
			quota: func() model.Quota {
				q := base
				q.Status = model.QuotaStatusComplete
				q.Allocated = bundle(100, 0, 0)
				return q
			},
			now:  due.Add(time.Hour),
			want: model.MaturityOnTrack,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Maturity(tt.quota(), tt.now))
		})
	}
}
