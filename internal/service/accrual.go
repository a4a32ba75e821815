package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ciclik/uib-ledger/internal/accrual"
	"github.com/ciclik/uib-ledger/internal/model"
	"github.com/ciclik/uib-ledger/internal/repository"
)

const schedulerLockKey = "uib:accrual"

// AccrueAll выполняет начисление по всем полосам независимо друг от друга.
// Ошибка одной полосы попадает в отчёт и не прерывает остальные.
func (s *Service) AccrueAll(ctx context.Context) *model.AccrualReport {
	report := &model.AccrualReport{
		Success: true,
		Kinds:   make(map[model.ImpactKind]model.KindAccrual, len(model.Kinds)),
	}

	for _, kind := range model.Kinds {
		res, err := s.AccrueKind(ctx, kind)
		if err != nil {
			report.Success = false
		}
		report.Kinds[kind] = res
		report.Totals.ProcessedEvents += res.ProcessedEvents
		report.Totals.TokensMinted += res.TokensMinted
	}

	s.logger.Info("accrual finished",
		zap.Bool("success", report.Success),
		zap.Int("processed_events", report.Totals.ProcessedEvents),
		zap.Int("tokens_minted", report.Totals.TokensMinted),
	)

	return report
}

// AccrueKind выполняет начисление по одной полосе.
func (s *Service) AccrueKind(ctx context.Context, kind model.ImpactKind) (model.KindAccrual, error) {
	start := time.Now()
	traits, _ := kind.Traits()
	log := s.logger.With(zap.String("kind", string(kind)), zap.String("unit", traits.Unit))

	opts := repository.AccrualOptions{
		ByArrival: s.settings.ByArrival,
		Limit:     s.settings.BatchLimit,
	}
	fn := func(carry decimal.Decimal, events []model.RawImpactEvent) (accrual.Result, error) {
		return accrual.Accrue(kind, carry, events)
	}

	out, err := s.repo.AccrueKind(ctx, kind, opts, fn)
	if err != nil {
		s.metrics.AccrualFailed(string(kind), err)
		log.Error("accrual failed", zap.Error(err))
		return model.KindAccrual{Unit: traits.Unit, Error: err.Error()}, err
	}

	carry := out.Result.NewCarry
	res := model.KindAccrual{
		Unit:            traits.Unit,
		ProcessedEvents: len(out.Result.Consumed),
		TokensMinted:    out.Inserted,
		DuplicateTokens: out.Duplicates,
		Carry:           &carry,
	}

	s.metrics.ObserveAccrual(string(kind), res.ProcessedEvents, res.TokensMinted, res.DuplicateTokens,
		carry.InexactFloat64(), time.Since(start))

	if res.DuplicateTokens > 0 {
		log.Warn("duplicate tokens rejected", zap.Int("duplicates", res.DuplicateTokens))
	}
	log.Info("accrual lane",
		zap.Int("processed_events", res.ProcessedEvents),
		zap.Int("tokens_minted", res.TokensMinted),
		zap.String("carry", carry.String()),
	)

	return res, nil
}

// StartScheduler периодически запускает начисление и пересчёт созревания квот.
// Блокируется до отмены контекста. При нулевом интервале сразу возвращается.
func (s *Service) StartScheduler(ctx context.Context) {
	if s.settings.AccrualInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.settings.AccrualInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runScheduled(ctx)
		}
	}
}

func (s *Service) runScheduled(ctx context.Context) {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, schedulerLockKey, s.settings.AccrualInterval)
		if err != nil {
			s.logger.Warn("scheduler lock failed", zap.Error(err))
			return
		}
		if !ok {
			s.metrics.SchedulerSkipped()
			s.logger.Debug("scheduled accrual held by another replica")
			return
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), schedulerLockKey, token); err != nil {
				s.logger.Warn("scheduler lock release failed", zap.Error(err))
			}
		}()
	}

	s.AccrueAll(ctx)

	if _, err := s.RefreshMaturity(ctx); err != nil {
		s.logger.Error("maturity refresh failed", zap.Error(err))
	}
}
