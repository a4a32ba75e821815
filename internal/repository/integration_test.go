package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ciclik/uib-ledger/internal/accrual"
	"github.com/ciclik/uib-ledger/internal/model"
)

// newIntegrationRepo подключается к базе из DATABASE_URI и очищает таблицы реестра.
func newIntegrationRepo(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	_, err = r.pool.Exec(context.Background(),
		`TRUNCATE certificates, uib_tokens, quotas, raw_impacts, certificate_sequences RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	_, err = r.pool.Exec(context.Background(), `UPDATE carry_balances SET balance = 0`)
	require.NoError(t, err)

	return r
}

func accrueWithEngine(kind model.ImpactKind) AccrualFunc {
	return func(carry decimal.Decimal, events []model.RawImpactEvent) (accrual.Result, error) {
		return accrual.Accrue(kind, carry, events)
	}
}

func seedImpacts(t *testing.T, r *PostgresRepository, kind model.ImpactKind, values ...string) {
	t.Helper()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, v := range values {
		e := &model.RawImpactEvent{
			Kind:       kind,
			RawValue:   decimal.RequireFromString(v),
			SourceRef:  fmt.Sprintf("test:%s:%d", kind, i),
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		}
		inserted, err := r.InsertRawImpact(context.Background(), e)
		require.NoError(t, err)
		require.True(t, inserted)
	}
}

func seedTokens(t *testing.T, r *PostgresRepository, kind model.ImpactKind, n int) {
	t.Helper()

	_, err := r.pool.Exec(context.Background(),
		`INSERT INTO uib_tokens (kind, source_event_ids, dedupe_key)
		 SELECT $1, ARRAY[]::uuid[], $1 || ':seed:' || g FROM generate_series(1, $2) g`,
		string(kind), n,
	)
	require.NoError(t, err)
}

func newQuota(t *testing.T, r *PostgresRepository, required model.KindCounts) *model.Quota {
	t.Helper()

	q := &model.Quota{
		ID:             uuid.New(),
		Number:         "Q-" + uuid.NewString()[:8],
		Required:       required.Clone(),
		MaturityStatus: model.MaturityUnassigned,
		MaturityDate:   time.Now().AddDate(1, 0, 0),
	}
	require.NoError(t, r.CreateQuota(context.Background(), q))
	return q
}

func TestAccrueKind_SecondRunMintsNothing(t *testing.T) {
	r := newIntegrationRepo(t)
	ctx := context.Background()

	seedImpacts(t, r, model.KindResidue, "0.6", "0.3", "0.5", "2.0")

	first, err := r.AccrueKind(ctx, model.KindResidue, AccrualOptions{}, accrueWithEngine(model.KindResidue))
	require.NoError(t, err)
	assert.Equal(t, 3, first.Inserted)
	assert.Zero(t, first.Duplicates)
	assert.True(t, first.Result.NewCarry.Equal(decimal.RequireFromString("0.4")), "carry %s", first.Result.NewCarry)

	var pending int
	require.NoError(t, r.pool.QueryRow(ctx,
		`SELECT count(*) FROM raw_impacts WHERE kind = 'residue' AND NOT processed`).Scan(&pending))
	assert.Zero(t, pending)

	second, err := r.AccrueKind(ctx, model.KindResidue, AccrualOptions{}, accrueWithEngine(model.KindResidue))
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Empty(t, second.Result.Consumed)
	assert.True(t, second.Result.NewCarry.Equal(decimal.RequireFromString("0.4")))

	stats, err := r.PoolStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Tokens[model.KindResidue][model.TokenStatusAvailable])
	assert.True(t, stats.Carry[model.KindResidue].Equal(decimal.RequireFromString("0.4")))
}

func TestAccrueKind_ReplayedDedupeKeysRejected(t *testing.T) {
	r := newIntegrationRepo(t)
	ctx := context.Background()

	seedImpacts(t, r, model.KindEducation, "2", "1")

	first, err := r.AccrueKind(ctx, model.KindEducation, AccrualOptions{}, accrueWithEngine(model.KindEducation))
	require.NoError(t, err)
	require.Equal(t, 3, first.Inserted)

	replay := func(decimal.Decimal, []model.RawImpactEvent) (accrual.Result, error) {
		return first.Result, nil
	}
	again, err := r.AccrueKind(ctx, model.KindEducation, AccrualOptions{}, replay)
	require.NoError(t, err)
	assert.Zero(t, again.Inserted)
	assert.Equal(t, 3, again.Duplicates)

	var tokens int
	require.NoError(t, r.pool.QueryRow(ctx,
		`SELECT count(*) FROM uib_tokens WHERE kind = 'education'`).Scan(&tokens))
	assert.Equal(t, 3, tokens)
}

func TestAccrueKind_FailedLaneLeavesEventsPending(t *testing.T) {
	r := newIntegrationRepo(t)
	ctx := context.Background()

	seedImpacts(t, r, model.KindProduct, "1", "1")

	broken := func(carry decimal.Decimal, events []model.RawImpactEvent) (accrual.Result, error) {
		res, err := accrual.Accrue(model.KindProduct, carry, events)
		if err != nil {
			return res, err
		}
		// Неизвестный тип нарушает CHECK и роняет вставку посреди пакета.
		res.Tokens[0].Kind = "glass"
		return res, nil
	}

	_, err := r.AccrueKind(ctx, model.KindProduct, AccrualOptions{}, broken)
	require.Error(t, err)

	var pending, tokens int
	require.NoError(t, r.pool.QueryRow(ctx,
		`SELECT count(*) FROM raw_impacts WHERE kind = 'product' AND NOT processed`).Scan(&pending))
	require.NoError(t, r.pool.QueryRow(ctx, `SELECT count(*) FROM uib_tokens`).Scan(&tokens))
	assert.Equal(t, 2, pending)
	assert.Zero(t, tokens)
}

func TestAllocateToQuota_OldestFirstWithCertificate(t *testing.T) {
	r := newIntegrationRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	seedTokens(t, r, model.KindResidue, 5)
	seedTokens(t, r, model.KindEducation, 2)
	q := newQuota(t, r, model.KindCounts{model.KindResidue: 3, model.KindEducation: 1})

	res, err := r.AllocateToQuota(ctx, q.ID, nil, now)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, 3, res.Allocated[model.KindResidue])
	assert.Equal(t, 1, res.Allocated[model.KindEducation])
	require.NotNil(t, res.Certificate)
	assert.Equal(t, "CDV-2025-000001", res.Certificate.Number)

	assert.Equal(t, []int64{1, 2, 3}, res.Certificate.Tokens[model.KindResidue])
	assert.Equal(t, []int64{6}, res.Certificate.Tokens[model.KindEducation])
	assert.Empty(t, res.Certificate.Tokens[model.KindProduct])
	assert.Equal(t, 4, res.Certificate.TotalTokens)

	stored, err := r.GetCertificateByNumber(ctx, res.Certificate.Number)
	require.NoError(t, err)
	assert.Equal(t, q.ID, stored.QuotaID)
	assert.Equal(t, res.Certificate.Tokens[model.KindResidue], stored.Tokens[model.KindResidue])
	assert.Equal(t, res.Certificate.Tokens[model.KindEducation], stored.Tokens[model.KindEducation])

	saved, err := r.GetQuota(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuotaStatusComplete, saved.Status)
	require.NotNil(t, saved.CertificateID)
	assert.Equal(t, stored.ID, *saved.CertificateID)

	_, err = r.AllocateToQuota(ctx, q.ID, nil, now)
	require.ErrorIs(t, err, ErrQuotaComplete)
}

func TestAllocateToQuota_ConcurrentQuotasNeverShareTokens(t *testing.T) {
	r := newIntegrationRepo(t)
	ctx := context.Background()

	const pool = 10
	seedTokens(t, r, model.KindResidue, pool)

	quotas := []*model.Quota{
		newQuota(t, r, model.KindCounts{model.KindResidue: 8}),
		newQuota(t, r, model.KindCounts{model.KindResidue: 8}),
	}

	results := make([]*model.AllocationResult, len(quotas))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range quotas {
		i, q := i, q
		g.Go(func() error {
			res, err := r.AllocateToQuota(gctx, q.ID, nil, time.Now())
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	granted := 0
	for i, res := range results {
		granted += res.Allocated[model.KindResidue]

		saved, err := r.GetQuota(ctx, quotas[i].ID)
		require.NoError(t, err)
		assert.Equal(t, res.Allocated[model.KindResidue], saved.Allocated[model.KindResidue])
	}
	assert.LessOrEqual(t, granted, pool)

	var allocated, available int
	require.NoError(t, r.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE status = 'allocated'), count(*) FILTER (WHERE status = 'available')
		 FROM uib_tokens`).Scan(&allocated, &available))
	assert.Equal(t, granted, allocated)
	assert.Equal(t, pool, allocated+available)
}
