package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ciclik/uib-ledger/internal/allocation"
	"github.com/ciclik/uib-ledger/internal/model"
)

const selectQuota = `SELECT id::text, number, project_id::text, investor_id::text,
	required_residue, required_education, required_product,
	status, maturity_status, maturity_date, assigned_at, certificate_id::text, created_at
	FROM quotas`

// queryer объединяет пул и транзакцию для чтения.
type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CreateQuota сохраняет новую квоту.
func (r *PostgresRepository) CreateQuota(ctx context.Context, q *model.Quota) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.Status == "" {
		q.Status = model.QuotaStatusOpen
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO quotas (id, number, project_id, investor_id, required_residue, required_education,
			required_product, status, maturity_status, maturity_date, assigned_at)
		 VALUES ($1::uuid, $2, $3::uuid, $4::uuid, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at`,
		q.ID.String(), q.Number, uuidArg(q.ProjectID), uuidArg(q.InvestorID),
		q.Required[model.KindResidue], q.Required[model.KindEducation], q.Required[model.KindProduct],
		string(q.Status), string(q.MaturityStatus), q.MaturityDate, q.AssignedAt,
	).Scan(&q.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrQuotaExists, q.Number)
		}
		return fmt.Errorf("create quota: %w", err)
	}

	q.Allocated = model.KindCounts{}.Clone()
	return nil
}

// GetQuota возвращает квоту вместе с количеством уже распределённых UIB.
func (r *PostgresRepository) GetQuota(ctx context.Context, id uuid.UUID) (*model.Quota, error) {
	q, err := getQuota(ctx, r.pool, id, false)
	if err != nil {
		return nil, err
	}

	if q.Allocated, err = allocatedCounts(ctx, r.pool, id); err != nil {
		return nil, err
	}

	return q, nil
}

// ListAssignedQuotas возвращает квоты, закреплённые за инвестором.
func (r *PostgresRepository) ListAssignedQuotas(ctx context.Context) ([]model.Quota, error) {
	rows, err := r.pool.Query(ctx, selectQuota+` WHERE investor_id IS NOT NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("select quotas: %w", err)
	}

	var res []model.Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan quota: %w", err)
		}
		res = append(res, *q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	counts, err := r.allocatedCountsByQuota(ctx)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Allocated = counts[res[i].ID].Clone()
	}

	return res, nil
}

// UpdateMaturityStatus сохраняет новый статус созревания квоты.
func (r *PostgresRepository) UpdateMaturityStatus(ctx context.Context, id uuid.UUID, status model.MaturityStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE quotas SET maturity_status = $2 WHERE id = $1::uuid`,
		id.String(), string(status),
	)
	if err != nil {
		return fmt.Errorf("update maturity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrQuotaNotFound
	}
	return nil
}

// AllocateToQuota переводит доступные UIB в квоту в порядке возрастания номера.
// Каждая UIB переходит из available в allocated условным обновлением, поэтому одна UIB не попадёт в две квоты.
// Если набор квоты укомплектован, в той же транзакции выпускается сертификат.
func (r *PostgresRepository) AllocateToQuota(ctx context.Context, id uuid.UUID, requested model.KindCounts, now time.Time) (*model.AllocationResult, error) {
	var res *model.AllocationResult

	err := r.withRetry(ctx, func() error {
		var err error
		res, err = r.allocateTx(ctx, id, requested, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrQuotaNotFound) || errors.Is(err, ErrQuotaComplete) {
			return nil, err
		}
		return nil, fmt.Errorf("allocate to quota: %w", err)
	}

	return res, nil
}

func (r *PostgresRepository) allocateTx(ctx context.Context, id uuid.UUID, requested model.KindCounts, now time.Time) (*model.AllocationResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q, err := getQuota(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if q.Status == model.QuotaStatusComplete {
		return nil, ErrQuotaComplete
	}

	before, err := allocatedCounts(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	plan := allocation.Plan(q.Required, before, requested)
	granted := model.KindCounts{}.Clone()

	for _, k := range model.Kinds {
		if plan[k] == 0 {
			continue
		}

		rows, err := tx.Query(ctx,
			`UPDATE uib_tokens
			 SET status = 'allocated', quota_id = $1::uuid, allocated_at = $4
			 WHERE sequence_number IN (
				SELECT sequence_number FROM uib_tokens
				WHERE kind = $2 AND status = 'available'
				ORDER BY sequence_number
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			 ) AND status = 'available'
			 RETURNING sequence_number`,
			id.String(), string(k), plan[k], now,
		)
		if err != nil {
			return nil, fmt.Errorf("allocate %s tokens: %w", k, err)
		}
		n := 0
		for rows.Next() {
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("allocate %s tokens: %w", k, err)
		}
		granted[k] = n
	}

	totals := before.Clone()
	for _, k := range model.Kinds {
		totals[k] += granted[k]
	}

	res := &model.AllocationResult{
		QuotaID:   id.String(),
		Allocated: granted,
		Totals:    totals,
		Required:  q.Required.Clone(),
		Shortfall: allocation.Shortfall(plan, granted),
		Complete:  allocation.IsComplete(q.Required, totals),
	}

	if res.Complete {
		cert, err := mintCertificate(ctx, tx, q, now)
		if err != nil {
			return nil, err
		}
		res.Certificate = cert

		q.Status = model.QuotaStatusComplete
		q.Allocated = totals
		q.CertificateID = &cert.ID

		if _, err := tx.Exec(ctx,
			`UPDATE quotas SET status = $2, certificate_id = $3::uuid, maturity_status = $4 WHERE id = $1::uuid`,
			id.String(), string(q.Status), cert.ID.String(), string(allocation.Maturity(*q, now)),
		); err != nil {
			return nil, fmt.Errorf("complete quota: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return res, nil
}

func mintCertificate(ctx context.Context, tx pgx.Tx, q *model.Quota, now time.Time) (*model.Certificate, error) {
	year := now.UTC().Year()

	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO certificate_sequences (year, last_value) VALUES ($1, 1)
		 ON CONFLICT (year) DO UPDATE SET last_value = certificate_sequences.last_value + 1
		 RETURNING last_value`,
		year,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next certificate number: %w", err)
	}

	cert := &model.Certificate{
		ID:             uuid.New(),
		Number:         allocation.CertificateNumber(year, seq),
		QuotaID:        q.ID,
		ProjectID:      q.ProjectID,
		Tokens:         make(map[model.ImpactKind][]int64, len(model.Kinds)),
		ValidationHash: allocation.NewValidationHash(),
		IssuedAt:       now,
	}

	rows, err := tx.Query(ctx,
		`SELECT kind, sequence_number FROM uib_tokens WHERE quota_id = $1::uuid ORDER BY sequence_number`,
		q.ID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("select quota tokens: %w", err)
	}
	for rows.Next() {
		var (
			kind string
			seq  int64
		)
		if err := rows.Scan(&kind, &seq); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan quota token: %w", err)
		}
		k := model.ImpactKind(kind)
		cert.Tokens[k] = append(cert.Tokens[k], seq)
		cert.TotalTokens++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for _, k := range model.Kinds {
		if cert.Tokens[k] == nil {
			cert.Tokens[k] = []int64{}
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO certificates (id, number, quota_id, project_id, residue_tokens, education_tokens,
			product_tokens, total_tokens, validation_hash, issued_at)
		 VALUES ($1::uuid, $2, $3::uuid, $4::uuid, $5, $6, $7, $8, $9, $10)`,
		cert.ID.String(), cert.Number, q.ID.String(), uuidArg(q.ProjectID),
		cert.Tokens[model.KindResidue], cert.Tokens[model.KindEducation], cert.Tokens[model.KindProduct],
		cert.TotalTokens, cert.ValidationHash, cert.IssuedAt,
	); err != nil {
		return nil, fmt.Errorf("insert certificate: %w", err)
	}

	return cert, nil
}

// GetCertificateByNumber возвращает сертификат по публичному номеру.
func (r *PostgresRepository) GetCertificateByNumber(ctx context.Context, number string) (*model.Certificate, error) {
	var (
		id, quotaID                 string
		projectID                   *string
		residue, education, product []int64
		cert                        model.Certificate
	)

	err := r.pool.QueryRow(ctx,
		`SELECT id::text, number, quota_id::text, project_id::text, residue_tokens, education_tokens,
			product_tokens, total_tokens, validation_hash, issued_at
		 FROM certificates WHERE number = $1`,
		number,
	).Scan(&id, &cert.Number, &quotaID, &projectID, &residue, &education, &product,
		&cert.TotalTokens, &cert.ValidationHash, &cert.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCertificateNotFound
		}
		return nil, fmt.Errorf("get certificate: %w", err)
	}

	if cert.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse certificate id: %w", err)
	}
	if cert.QuotaID, err = uuid.Parse(quotaID); err != nil {
		return nil, fmt.Errorf("parse quota id: %w", err)
	}
	if cert.ProjectID, err = parseUUIDPtr(projectID); err != nil {
		return nil, err
	}

	cert.Tokens = map[model.ImpactKind][]int64{
		model.KindResidue:   residue,
		model.KindEducation: education,
		model.KindProduct:   product,
	}

	return &cert, nil
}

func getQuota(ctx context.Context, q queryer, id uuid.UUID, forUpdate bool) (*model.Quota, error) {
	sql := selectQuota + ` WHERE id = $1::uuid`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	quota, err := scanQuota(q.QueryRow(ctx, sql, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuotaNotFound
		}
		return nil, fmt.Errorf("get quota: %w", err)
	}

	return quota, nil
}

func scanQuota(row pgx.Row) (*model.Quota, error) {
	var (
		id, status, maturity          string
		projectID, investorID, certID *string
		residue, education, product   int
		q                             model.Quota
	)

	err := row.Scan(&id, &q.Number, &projectID, &investorID, &residue, &education, &product,
		&status, &maturity, &q.MaturityDate, &q.AssignedAt, &certID, &q.CreatedAt)
	if err != nil {
		return nil, err
	}

	if q.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse quota id: %w", err)
	}
	if q.ProjectID, err = parseUUIDPtr(projectID); err != nil {
		return nil, err
	}
	if q.InvestorID, err = parseUUIDPtr(investorID); err != nil {
		return nil, err
	}
	if q.CertificateID, err = parseUUIDPtr(certID); err != nil {
		return nil, err
	}

	q.Status = model.QuotaStatus(status)
	q.MaturityStatus = model.MaturityStatus(maturity)
	q.Required = model.KindCounts{
		model.KindResidue:   residue,
		model.KindEducation: education,
		model.KindProduct:   product,
	}

	return &q, nil
}

func allocatedCounts(ctx context.Context, q queryer, id uuid.UUID) (model.KindCounts, error) {
	rows, err := q.Query(ctx,
		`SELECT kind, count(*) FROM uib_tokens WHERE quota_id = $1::uuid GROUP BY kind`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("count quota tokens: %w", err)
	}
	defer rows.Close()

	counts := model.KindCounts{}.Clone()
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan quota token count: %w", err)
		}
		counts[model.ImpactKind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return counts, nil
}

func (r *PostgresRepository) allocatedCountsByQuota(ctx context.Context) (map[uuid.UUID]model.KindCounts, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT quota_id::text, kind, count(*) FROM uib_tokens WHERE quota_id IS NOT NULL GROUP BY quota_id, kind`,
	)
	if err != nil {
		return nil, fmt.Errorf("count allocated tokens: %w", err)
	}
	defer rows.Close()

	res := make(map[uuid.UUID]model.KindCounts)
	for rows.Next() {
		var (
			quotaID, kind string
			n             int
		)
		if err := rows.Scan(&quotaID, &kind, &n); err != nil {
			return nil, fmt.Errorf("scan allocated count: %w", err)
		}
		id, err := uuid.Parse(quotaID)
		if err != nil {
			return nil, fmt.Errorf("parse quota id: %w", err)
		}
		if res[id] == nil {
			res[id] = model.KindCounts{}
		}
		res[id][model.ImpactKind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
