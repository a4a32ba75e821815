package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ciclik/uib-ledger/internal/accrual"
	"github.com/ciclik/uib-ledger/internal/model"
)

// AccrualFunc вычисляет выпуск UIB по текущему остатку и пакету событий.
type AccrualFunc func(carry decimal.Decimal, events []model.RawImpactEvent) (accrual.Result, error)

// AccrualOptions задаёт порядок и размер пакета начисления.
type AccrualOptions struct {
	// ByArrival включает обход в порядке поступления вместо occurred_at.
	ByArrival bool
	Limit     int
}

// AccrualOutcome содержит сохранённый итог начисления по одной полосе.
type AccrualOutcome struct {
	Result     accrual.Result
	Inserted   int
	Duplicates int
}

// AccrueKind выполняет начисление по одной полосе в одной транзакции.
// Строка остатка блокируется на время транзакции, поэтому запуски по одной полосе выполняются последовательно.
// Выпуск UIB, новый остаток и отметка обработанных событий фиксируются вместе.
func (r *PostgresRepository) AccrueKind(ctx context.Context, kind model.ImpactKind, opts AccrualOptions, fn AccrualFunc) (AccrualOutcome, error) {
	var out AccrualOutcome

	err := r.withRetry(ctx, func() error {
		var err error
		out, err = r.accrueKindTx(ctx, kind, opts, fn)
		return err
	})
	if err != nil {
		return AccrualOutcome{}, fmt.Errorf("accrue %s: %w", kind, err)
	}

	return out, nil
}

func (r *PostgresRepository) accrueKindTx(ctx context.Context, kind model.ImpactKind, opts AccrualOptions, fn AccrualFunc) (AccrualOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return AccrualOutcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO carry_balances (kind, balance) VALUES ($1, 0) ON CONFLICT (kind) DO NOTHING`,
		string(kind),
	); err != nil {
		return AccrualOutcome{}, fmt.Errorf("init carry: %w", err)
	}

	var carryText string
	if err := tx.QueryRow(ctx,
		`SELECT balance::text FROM carry_balances WHERE kind = $1 FOR UPDATE`,
		string(kind),
	).Scan(&carryText); err != nil {
		return AccrualOutcome{}, fmt.Errorf("lock carry: %w", err)
	}

	carry, err := decimal.NewFromString(carryText)
	if err != nil {
		return AccrualOutcome{}, fmt.Errorf("parse carry: %w", err)
	}

	events, err := pendingEvents(ctx, tx, kind, opts)
	if err != nil {
		return AccrualOutcome{}, err
	}

	res, err := fn(carry, events)
	if err != nil {
		return AccrualOutcome{}, err
	}

	out := AccrualOutcome{Result: res}

	if len(res.Tokens) > 0 {
		batch := &pgx.Batch{}
		for _, t := range res.Tokens {
			batch.Queue(
				`INSERT INTO uib_tokens (kind, source_event_ids, dedupe_key)
				 VALUES ($1, $2::uuid[], $3)
				 ON CONFLICT (dedupe_key) DO NOTHING`,
				string(t.Kind), uuidStrings(t.SourceEventIDs), t.DedupeKey,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for range res.Tokens {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return AccrualOutcome{}, fmt.Errorf("insert token: %w", err)
			}
			if tag.RowsAffected() == 1 {
				out.Inserted++
			} else {
				out.Duplicates++
			}
		}
		if err := br.Close(); err != nil {
			return AccrualOutcome{}, fmt.Errorf("close token batch: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE carry_balances SET balance = $2::numeric, updated_at = now() WHERE kind = $1`,
		string(kind), res.NewCarry.String(),
	); err != nil {
		return AccrualOutcome{}, fmt.Errorf("update carry: %w", err)
	}

	if len(res.Consumed) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE raw_impacts SET processed = true, processed_at = now()
			 WHERE id = ANY($1::uuid[]) AND NOT processed`,
			uuidStrings(res.Consumed),
		); err != nil {
			return AccrualOutcome{}, fmt.Errorf("mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AccrualOutcome{}, fmt.Errorf("commit tx: %w", err)
	}

	return out, nil
}

func pendingEvents(ctx context.Context, tx pgx.Tx, kind model.ImpactKind, opts AccrualOptions) ([]model.RawImpactEvent, error) {
	order := "occurred_at, ingest_seq"
	if opts.ByArrival {
		order = "ingest_seq"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10000
	}

	rows, err := tx.Query(ctx,
		`SELECT id::text, raw_value::text, occurred_at
		 FROM raw_impacts
		 WHERE kind = $1 AND NOT processed
		 ORDER BY `+order+`
		 LIMIT $2`,
		string(kind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	defer rows.Close()

	var res []model.RawImpactEvent
	for rows.Next() {
		var (
			id, raw    string
			occurredAt time.Time
		)
		if err := rows.Scan(&id, &raw, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan pending event: %w", err)
		}

		eventID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse event id: %w", err)
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse raw value of %s: %w", id, err)
		}

		res = append(res, model.RawImpactEvent{
			ID:         eventID,
			Kind:       kind,
			RawValue:   value,
			OccurredAt: occurredAt,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// PoolStats возвращает количество UIB по типам и статусам и текущие остатки.
func (r *PostgresRepository) PoolStats(ctx context.Context) (*model.PoolStats, error) {
	stats := &model.PoolStats{
		Tokens: make(map[model.ImpactKind]map[model.TokenStatus]int, len(model.Kinds)),
		Carry:  make(map[model.ImpactKind]decimal.Decimal, len(model.Kinds)),
	}
	for _, k := range model.Kinds {
		stats.Tokens[k] = map[model.TokenStatus]int{
			model.TokenStatusAvailable: 0,
			model.TokenStatusAllocated: 0,
		}
		stats.Carry[k] = decimal.Zero
	}

	rows, err := r.pool.Query(ctx,
		`SELECT kind, status, count(*) FROM uib_tokens GROUP BY kind, status`,
	)
	if err != nil {
		return nil, fmt.Errorf("select token counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind, status string
			n            int
		)
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, fmt.Errorf("scan token count: %w", err)
		}
		k := model.ImpactKind(kind)
		if stats.Tokens[k] == nil {
			stats.Tokens[k] = map[model.TokenStatus]int{}
		}
		stats.Tokens[k][model.TokenStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	carryRows, err := r.pool.Query(ctx, `SELECT kind, balance::text FROM carry_balances`)
	if err != nil {
		return nil, fmt.Errorf("select carry balances: %w", err)
	}
	defer carryRows.Close()

	for carryRows.Next() {
		var kind, balance string
		if err := carryRows.Scan(&kind, &balance); err != nil {
			return nil, fmt.Errorf("scan carry balance: %w", err)
		}
		v, err := decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("parse carry balance: %w", err)
		}
		stats.Carry[model.ImpactKind(kind)] = v
	}
	if err := carryRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return stats, nil
}
