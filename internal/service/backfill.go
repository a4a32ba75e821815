package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ciclik/uib-ledger/internal/metrics"
	"github.com/ciclik/uib-ledger/internal/model"
	"github.com/ciclik/uib-ledger/internal/repository"
	"github.com/ciclik/uib-ledger/internal/validation"
)

// Названия заданий миграции истории.
const (
	JobResidue   = "residue"
	JobEducation = "education"
	JobPackaging = "packaging"
)

const defaultMissionMinutes = 10

// candidate описывает одну единицу воздействия, найденную в исходных данных.
type candidate struct {
	ref    string
	legacy model.LegacyRef
	event  model.RawImpactEvent
	// err содержит ошибку исходных данных, найденную до обращения к журналу.
	err error
	// verify выполняет внешнюю проверку перед записью.
	verify func(ctx context.Context) error
}

// BackfillResidue переносит в журнал материалы завершённых сдач вторсырья.
func (s *Service) BackfillResidue(ctx context.Context) (*model.BackfillReport, error) {
	materials, err := s.repo.ListFinalizedDeliveryMaterials(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(materials))
	for _, m := range materials {
		c := candidate{
			ref: "material " + m.ID.String(),
			legacy: model.LegacyRef{
				Kind:        model.KindResidue,
				DeliveryID:  m.DeliveryID,
				Submaterial: m.Submaterial,
			},
		}

		if !m.WeightKg.IsPositive() {
			c.err = fmt.Errorf("non-positive weight %s", m.WeightKg)
			candidates = append(candidates, c)
			continue
		}

		occurredAt := m.RegisteredAt
		if m.ValidatedAt != nil {
			occurredAt = *m.ValidatedAt
		}

		userID, deliveryID := m.UserID, m.DeliveryID
		c.event = model.RawImpactEvent{
			Kind:          model.KindResidue,
			RawValue:      m.WeightKg,
			UserID:        &userID,
			CooperativeID: m.CooperativeID,
			DeliveryID:    &deliveryID,
			Submaterial:   m.Submaterial,
			Description:   fmt.Sprintf("historical migration - %s/%s", m.MaterialType, m.Submaterial),
			SourceRef:     "residue:material:" + m.ID.String(),
			OccurredAt:    occurredAt,
		}
		candidates = append(candidates, c)
	}

	return s.runBackfill(ctx, JobResidue, model.KindResidue, candidates), nil
}

// BackfillEducation переносит в журнал завершённые образовательные миссии.
func (s *Service) BackfillEducation(ctx context.Context) (*model.BackfillReport, error) {
	missions, err := s.repo.ListCompletedMissions(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(missions))
	for _, m := range missions {
		minutes := defaultMissionMinutes
		if m.DurationMinutes != nil && *m.DurationMinutes > 0 {
			minutes = *m.DurationMinutes
		}

		title := m.Title
		if title == "" {
			title = "educational mission"
		}

		userID, missionID := m.UserID, m.MissionID
		candidates = append(candidates, candidate{
			ref: fmt.Sprintf("mission %s for user %s", m.MissionID, m.UserID),
			legacy: model.LegacyRef{
				Kind:      model.KindEducation,
				UserID:    m.UserID,
				MissionID: m.MissionID,
			},
			event: model.RawImpactEvent{
				Kind:        model.KindEducation,
				RawValue:    decimal.NewFromInt(int64(minutes)),
				UserID:      &userID,
				MissionID:   &missionID,
				VideoID:     validation.YouTubeVideoID(m.VideoURL),
				Description: "historical migration - " + title,
				SourceRef:   fmt.Sprintf("mission:%s:%s", m.UserID, m.MissionID),
				OccurredAt:  m.CompletedAt,
			},
		})
	}

	return s.runBackfill(ctx, JobEducation, model.KindEducation, candidates), nil
}

// BackfillPackaging переносит в журнал каталогизированные товары из фискальных чеков.
// Каждая позиция с GTIN даёт ровно одну единицу воздействия.
func (s *Service) BackfillPackaging(ctx context.Context) (*model.BackfillReport, error) {
	notes, err := s.repo.ListFiscalNotes(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	for _, n := range notes {
		if n.Invalid {
			candidates = append(candidates, candidate{
				ref: "fiscal note " + n.ID.String(),
				err: errors.New("unreadable enriched items"),
			})
			continue
		}

		for _, item := range n.Items {
			if !item.Cataloged || item.GTIN == "" {
				continue
			}

			gtin := validation.NormalizeGTIN(item.GTIN)
			c := candidate{
				ref: fmt.Sprintf("fiscal note %s item %s", n.ID, gtin),
				legacy: model.LegacyRef{
					Kind: model.KindProduct,
					GTIN: gtin,
				},
			}

			if !validation.IsValidGTIN(gtin) {
				c.err = fmt.Errorf("invalid GTIN check digit %q", gtin)
				candidates = append(candidates, c)
				continue
			}

			name := item.Name
			if name == "" {
				name = item.Description
			}
			if name == "" {
				name = "product"
			}

			userID, noteID := n.UserID, n.ID
			c.event = model.RawImpactEvent{
				Kind:         model.KindProduct,
				RawValue:     decimal.NewFromInt(1),
				UserID:       &userID,
				FiscalNoteID: &noteID,
				GTIN:         gtin,
				Description:  fmt.Sprintf("historical migration - %s (%s)", name, gtin),
				SourceRef:    fmt.Sprintf("fiscal_note:%s:%s", n.ID, gtin),
				OccurredAt:   n.SubmittedAt,
			}
			if s.catalog != nil && s.catalog.Configured() {
				c.verify = s.catalogCheck(gtin)
			}
			candidates = append(candidates, c)
		}
	}

	return s.runBackfill(ctx, JobPackaging, model.KindProduct, candidates), nil
}

func (s *Service) catalogCheck(gtin string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ok, err := s.catalog.Exists(ctx, gtin)
		if err != nil {
			return fmt.Errorf("catalog lookup: %w", err)
		}
		if !ok {
			return fmt.Errorf("GTIN %s not found in catalog", gtin)
		}
		return nil
	}
}

// runBackfill проверяет каждую единицу по устаревшей таблице и журналу и записывает новые.
// Ошибки отдельных строк учитываются в отчёте и не прерывают задание.
func (s *Service) runBackfill(ctx context.Context, job string, kind model.ImpactKind, candidates []candidate) *model.BackfillReport {
	report := &model.BackfillReport{Job: job, Scanned: len(candidates)}
	traits, _ := kind.Traits()
	log := s.logger.With(
		zap.String("job", job),
		zap.String("source", traits.SourceLabel),
		zap.String("unit", traits.Unit),
	)

	for _, c := range candidates {
		if ctx.Err() != nil {
			log.Warn("backfill interrupted", zap.Error(ctx.Err()))
			break
		}

		outcome, err := s.backfillOne(ctx, c)
		s.metrics.BackfillRow(job, outcome)

		switch outcome {
		case metrics.OutcomeRegistered:
			report.Registered++
			log.Debug("impact registered",
				zap.String("ref", c.ref),
				zap.String("raw_value", c.event.RawValue.String()),
			)
		case metrics.OutcomeSkippedLegacy:
			report.SkippedLegacy++
			log.Info("skipped: already attributed in legacy stock", zap.String("ref", c.ref))
		case metrics.OutcomeSkippedDuplicate:
			report.SkippedDuplicate++
		default:
			report.Errors++
			log.Error("backfill row failed", zap.String("ref", c.ref), zap.Error(err))
		}
	}

	log.Info("backfill finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("registered", report.Registered),
		zap.Int("skipped_legacy", report.SkippedLegacy),
		zap.Int("skipped_duplicate", report.SkippedDuplicate),
		zap.Int("errors", report.Errors),
	)

	return report
}

func (s *Service) backfillOne(ctx context.Context, c candidate) (string, error) {
	if c.err != nil {
		return metrics.OutcomeError, c.err
	}

	legacy, err := s.repo.IsLegacyAttributed(ctx, c.legacy)
	if err != nil {
		return metrics.OutcomeError, err
	}
	if legacy {
		return metrics.OutcomeSkippedLegacy, nil
	}

	if c.verify != nil {
		_, err := s.repo.GetRawImpactBySourceRef(ctx, c.event.SourceRef)
		switch {
		case err == nil:
			return metrics.OutcomeSkippedDuplicate, nil
		case !errors.Is(err, repository.ErrImpactNotFound):
			return metrics.OutcomeError, err
		}
		if err := c.verify(ctx); err != nil {
			return metrics.OutcomeError, err
		}
	}

	e := c.event
	e.ID = uuid.New()
	inserted, err := s.repo.InsertRawImpact(ctx, &e)
	if err != nil {
		return metrics.OutcomeError, err
	}
	if !inserted {
		return metrics.OutcomeSkippedDuplicate, nil
	}
	return metrics.OutcomeRegistered, nil
}
