package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ciclik/uib-ledger/internal/model"
)

// Статус записи устаревшей таблицы распределения, уже учтённой в прежнем порядке.
const legacyAttributed = "atribuido"

// ListFinalizedDeliveryMaterials возвращает материалы завершённых сдач, кроме отбраковки.
func (r *PostgresRepository) ListFinalizedDeliveryMaterials(ctx context.Context) ([]model.CollectedMaterial, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT m.id::text, d.id::text, d.user_id::text, COALESCE(d.cooperative_id, m.cooperative_id)::text,
			m.material_type, m.submaterial, m.weight_kg::text, d.validated_at, m.registered_at
		 FROM deliveries d
		 JOIN collected_materials m ON m.delivery_id = d.id
		 WHERE d.status = 'finalizada' AND m.submaterial <> 'REJEITO'
		 ORDER BY d.validated_at NULLS LAST, m.registered_at, m.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select delivery materials: %w", err)
	}
	defer rows.Close()

	var res []model.CollectedMaterial
	for rows.Next() {
		var (
			id, deliveryID, userID, weight string
			coopID                         *string
			m                              model.CollectedMaterial
		)
		if err := rows.Scan(&id, &deliveryID, &userID, &coopID, &m.MaterialType, &m.Submaterial,
			&weight, &m.ValidatedAt, &m.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan delivery material: %w", err)
		}

		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse material id: %w", err)
		}
		if m.DeliveryID, err = uuid.Parse(deliveryID); err != nil {
			return nil, fmt.Errorf("parse delivery id: %w", err)
		}
		if m.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("parse user id: %w", err)
		}
		if m.CooperativeID, err = parseUUIDPtr(coopID); err != nil {
			return nil, err
		}
		if m.WeightKg, err = decimal.NewFromString(weight); err != nil {
			return nil, fmt.Errorf("parse weight of %s: %w", id, err)
		}

		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListCompletedMissions возвращает завершённые пользователями образовательные миссии.
func (r *PostgresRepository) ListCompletedMissions(ctx context.Context) ([]model.CompletedMission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT um.id::text, um.user_id::text, m.id::text, m.title, m.duration_minutes,
			COALESCE(m.video_url, ''), um.completed_at
		 FROM user_missions um
		 JOIN missions m ON m.id = um.mission_id
		 WHERE um.completed_at IS NOT NULL
		 ORDER BY um.completed_at, um.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select completed missions: %w", err)
	}
	defer rows.Close()

	var res []model.CompletedMission
	for rows.Next() {
		var (
			id, userID, missionID string
			m                     model.CompletedMission
		)
		if err := rows.Scan(&id, &userID, &missionID, &m.Title, &m.DurationMinutes,
			&m.VideoURL, &m.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completed mission: %w", err)
		}

		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse user mission id: %w", err)
		}
		if m.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("parse user id: %w", err)
		}
		if m.MissionID, err = uuid.Parse(missionID); err != nil {
			return nil, fmt.Errorf("parse mission id: %w", err)
		}

		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListFiscalNotes возвращает фискальные чеки с обогащёнными позициями.
// Чек с нечитаемым списком позиций возвращается с признаком Invalid.
func (r *PostgresRepository) ListFiscalNotes(ctx context.Context) ([]model.FiscalNote, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, user_id::text, enriched_items, submitted_at
		 FROM fiscal_notes
		 WHERE enriched_items IS NOT NULL
		 ORDER BY submitted_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select fiscal notes: %w", err)
	}
	defer rows.Close()

	var res []model.FiscalNote
	for rows.Next() {
		var (
			id, userID string
			items      []byte
			n          model.FiscalNote
		)
		if err := rows.Scan(&id, &userID, &items, &n.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan fiscal note: %w", err)
		}

		if n.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse fiscal note id: %w", err)
		}
		if n.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("parse user id: %w", err)
		}
		if err := json.Unmarshal(items, &n.Items); err != nil {
			n.Items = nil
			n.Invalid = true
		}

		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// IsLegacyAttributed сообщает, была ли единица воздействия уже распределена в устаревшей таблице.
func (r *PostgresRepository) IsLegacyAttributed(ctx context.Context, ref model.LegacyRef) (bool, error) {
	var (
		sql  string
		args []any
	)

	switch ref.Kind {
	case model.KindResidue:
		sql = `SELECT EXISTS (SELECT 1 FROM legacy_residue_stock
			WHERE delivery_id = $1::uuid AND submaterial = $2 AND status = $3)`
		args = []any{ref.DeliveryID.String(), ref.Submaterial, legacyAttributed}
	case model.KindEducation:
		sql = `SELECT EXISTS (SELECT 1 FROM legacy_education_stock
			WHERE user_id = $1::uuid AND mission_id = $2::uuid AND status = $3)`
		args = []any{ref.UserID.String(), ref.MissionID.String(), legacyAttributed}
	case model.KindProduct:
		sql = `SELECT EXISTS (SELECT 1 FROM legacy_packaging_stock WHERE gtin = $1 AND status = $2)`
		args = []any{ref.GTIN, legacyAttributed}
	default:
		return false, fmt.Errorf("%w: %q", model.ErrUnknownKind, ref.Kind)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, sql, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check legacy %s: %w", ref.Kind, err)
	}

	return exists, nil
}
