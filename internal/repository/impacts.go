package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ciclik/uib-ledger/internal/model"
)

const selectRawImpact = `SELECT id::text, kind, raw_value::text, user_id::text, cooperative_id::text,
	delivery_id::text, mission_id::text, fiscal_note_id::text,
	COALESCE(submaterial, ''), COALESCE(gtin, ''), COALESCE(video_id, ''), COALESCE(description, ''),
	COALESCE(source_ref, ''), occurred_at, processed, created_at
	FROM raw_impacts`

// InsertRawImpact добавляет событие в журнал сырого воздействия.
// Возвращает false без ошибки, если событие с тем же source_ref уже записано.
func (r *PostgresRepository) InsertRawImpact(ctx context.Context, e *model.RawImpactEvent) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	var inserted bool
	err := r.withRetry(ctx, func() error {
		var createdAt time.Time
		err := r.pool.QueryRow(ctx,
			`INSERT INTO raw_impacts (id, kind, raw_value, user_id, cooperative_id, delivery_id, mission_id,
				fiscal_note_id, submaterial, gtin, video_id, description, source_ref, occurred_at)
			 VALUES ($1::uuid, $2, $3::numeric, $4::uuid, $5::uuid, $6::uuid, $7::uuid,
				$8::uuid, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (source_ref) DO NOTHING
			 RETURNING created_at`,
			e.ID.String(), string(e.Kind), e.RawValue.String(),
			uuidArg(e.UserID), uuidArg(e.CooperativeID), uuidArg(e.DeliveryID), uuidArg(e.MissionID),
			uuidArg(e.FiscalNoteID), textArg(e.Submaterial), textArg(e.GTIN), textArg(e.VideoID),
			textArg(e.Description), textArg(e.SourceRef), e.OccurredAt,
		).Scan(&createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			inserted = false
			return nil
		}
		if err != nil {
			return err
		}
		e.CreatedAt = createdAt
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert raw impact: %w", err)
	}

	return inserted, nil
}

// GetRawImpactBySourceRef возвращает событие по ссылке на исходную бизнес-запись.
func (r *PostgresRepository) GetRawImpactBySourceRef(ctx context.Context, sourceRef string) (*model.RawImpactEvent, error) {
	row := r.pool.QueryRow(ctx, selectRawImpact+` WHERE source_ref = $1`, sourceRef)

	e, err := scanRawImpact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrImpactNotFound
		}
		return nil, fmt.Errorf("get raw impact: %w", err)
	}

	return e, nil
}

func scanRawImpact(row pgx.Row) (*model.RawImpactEvent, error) {
	var (
		id, kind, rawValue                            string
		userID, coopID, deliveryID, missionID, noteID *string
		e                                             model.RawImpactEvent
	)

	err := row.Scan(&id, &kind, &rawValue, &userID, &coopID, &deliveryID, &missionID, &noteID,
		&e.Submaterial, &e.GTIN, &e.VideoID, &e.Description, &e.SourceRef,
		&e.OccurredAt, &e.Processed, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse impact id: %w", err)
	}
	e.Kind = model.ImpactKind(kind)
	if e.RawValue, err = decimal.NewFromString(rawValue); err != nil {
		return nil, fmt.Errorf("parse raw value: %w", err)
	}

	for _, f := range []struct {
		src *string
		dst **uuid.UUID
	}{
		{userID, &e.UserID},
		{coopID, &e.CooperativeID},
		{deliveryID, &e.DeliveryID},
		{missionID, &e.MissionID},
		{noteID, &e.FiscalNoteID},
	} {
		if *f.dst, err = parseUUIDPtr(f.src); err != nil {
			return nil, err
		}
	}

	return &e, nil
}

func uuidArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func textArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseUUIDPtr(s *string) (*uuid.UUID, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, fmt.Errorf("parse uuid %q: %w", *s, err)
	}
	return &id, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
