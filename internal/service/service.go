// Package service реализует бизнес-логику конвейера начисления UIB.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ciclik/uib-ledger/internal/allocation"
	"github.com/ciclik/uib-ledger/internal/metrics"
	"github.com/ciclik/uib-ledger/internal/model"
	"github.com/ciclik/uib-ledger/internal/repository"
	"github.com/ciclik/uib-ledger/internal/validation"
)

var (
	// ErrInvalidImpact возвращается для события воздействия с некорректными полями.
	ErrInvalidImpact = errors.New("invalid impact event")
	// ErrInvalidQuota возвращается для квоты с некорректными полями.
	ErrInvalidQuota = errors.New("invalid quota")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InsertRawImpact(ctx context.Context, e *model.RawImpactEvent) (bool, error)
	GetRawImpactBySourceRef(ctx context.Context, sourceRef string) (*model.RawImpactEvent, error)
	AccrueKind(ctx context.Context, kind model.ImpactKind, opts repository.AccrualOptions, fn repository.AccrualFunc) (repository.AccrualOutcome, error)
	PoolStats(ctx context.Context) (*model.PoolStats, error)
	CreateQuota(ctx context.Context, q *model.Quota) error
	GetQuota(ctx context.Context, id uuid.UUID) (*model.Quota, error)
	ListAssignedQuotas(ctx context.Context) ([]model.Quota, error)
	UpdateMaturityStatus(ctx context.Context, id uuid.UUID, status model.MaturityStatus) error
	AllocateToQuota(ctx context.Context, id uuid.UUID, requested model.KindCounts, now time.Time) (*model.AllocationResult, error)
	GetCertificateByNumber(ctx context.Context, number string) (*model.Certificate, error)
	ListFinalizedDeliveryMaterials(ctx context.Context) ([]model.CollectedMaterial, error)
	ListCompletedMissions(ctx context.Context) ([]model.CompletedMission, error)
	ListFiscalNotes(ctx context.Context) ([]model.FiscalNote, error)
	IsLegacyAttributed(ctx context.Context, ref model.LegacyRef) (bool, error)
}

// ProductCatalog проверяет наличие GTIN во внешнем каталоге.
type ProductCatalog interface {
	Configured() bool
	Exists(ctx context.Context, gtin string) (bool, error)
}

// Locker захватывает межпроцессную блокировку для планового начисления.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Settings содержит параметры работы сервиса.
type Settings struct {
	// ByArrival включает обход событий в порядке поступления.
	ByArrival       bool
	BatchLimit      int
	QuotaBundle     model.KindCounts
	AccrualInterval time.Duration
}

// Service содержит бизнес-логику конвейера начисления UIB.
type Service struct {
	repo     Repository
	catalog  ProductCatalog
	locker   Locker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	settings Settings
	now      func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и каталогом товаров.
func NewService(repo Repository, catalog ProductCatalog, logger *zap.Logger, settings Settings) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(settings.QuotaBundle) == 0 {
		settings.QuotaBundle = model.KindCounts{
			model.KindResidue:   250,
			model.KindEducation: 5,
			model.KindProduct:   1,
		}
	}

	return &Service{
		repo:     repo,
		catalog:  catalog,
		logger:   logger.Named("service"),
		settings: settings,
		now:      time.Now,
	}
}

// SetMetrics подключает счётчики Prometheus.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetLocker подключает межпроцессную блокировку планового начисления.
func (s *Service) SetLocker(l Locker) {
	s.locker = l
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RecordImpact добавляет событие в журнал сырого воздействия.
// Повторный source_ref не создаёт новую запись: возвращается существующее событие и признак дубликата.
func (s *Service) RecordImpact(ctx context.Context, e model.RawImpactEvent) (*model.RawImpactEvent, bool, error) {
	if !e.Kind.Valid() {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidImpact, model.ErrUnknownKind)
	}

	if e.Kind == model.KindProduct {
		e.RawValue = decimal.NewFromInt(1)
		if e.GTIN != "" {
			e.GTIN = validation.NormalizeGTIN(e.GTIN)
			if !validation.IsValidGTIN(e.GTIN) {
				return nil, false, fmt.Errorf("%w: bad GTIN %q", ErrInvalidImpact, e.GTIN)
			}
		}
	}
	if !e.RawValue.IsPositive() {
		return nil, false, fmt.Errorf("%w: raw value must be positive", ErrInvalidImpact)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now()
	}
	e.SourceRef = strings.TrimSpace(e.SourceRef)
	e.Processed = false

	inserted, err := s.repo.InsertRawImpact(ctx, &e)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return &e, false, nil
	}

	existing, err := s.repo.GetRawImpactBySourceRef(ctx, e.SourceRef)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// PoolStats возвращает состояние пула UIB.
func (s *Service) PoolStats(ctx context.Context) (*model.PoolStats, error) {
	return s.repo.PoolStats(ctx)
}

// CreateQuota создаёт квоту. Отрицательные требования отклоняются, пустой набор заменяется набором по умолчанию.
func (s *Service) CreateQuota(ctx context.Context, q model.Quota) (*model.Quota, error) {
	now := s.now()

	q.Number = strings.TrimSpace(q.Number)
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.Number == "" {
		q.Number = "Q-" + strings.ToUpper(strings.ReplaceAll(q.ID.String(), "-", "")[:10])
	}

	for _, k := range model.Kinds {
		if q.Required[k] < 0 {
			return nil, fmt.Errorf("%w: negative %s requirement", ErrInvalidQuota, k)
		}
	}
	if q.Required.Total() == 0 {
		q.Required = s.settings.QuotaBundle.Clone()
	}
	q.Required = q.Required.Clone()

	if q.MaturityDate.IsZero() {
		q.MaturityDate = now.AddDate(1, 0, 0)
	}
	if q.InvestorID != nil && q.AssignedAt == nil {
		q.AssignedAt = &now
	}

	q.Status = model.QuotaStatusOpen
	q.CreatedAt = now
	q.Allocated = model.KindCounts{}.Clone()
	q.MaturityStatus = allocation.Maturity(q, now)

	if err := s.repo.CreateQuota(ctx, &q); err != nil {
		return nil, err
	}

	s.logger.Info("quota created",
		zap.String("quota_id", q.ID.String()),
		zap.String("number", q.Number),
		zap.Int("required", q.Required.Total()),
	)

	return &q, nil
}

// GetQuota возвращает квоту с текущим покрытием.
func (s *Service) GetQuota(ctx context.Context, id uuid.UUID) (*model.Quota, error) {
	return s.repo.GetQuota(ctx, id)
}

// Allocate распределяет доступные UIB в квоту. Нехватка UIB не является ошибкой.
func (s *Service) Allocate(ctx context.Context, id uuid.UUID, requested model.KindCounts) (*model.AllocationResult, error) {
	res, err := s.repo.AllocateToQuota(ctx, id, requested, s.now())
	if err != nil {
		return nil, err
	}

	for _, k := range model.Kinds {
		s.metrics.TokensAllocated(string(k), res.Allocated[k])
	}

	fields := []zap.Field{
		zap.String("quota_id", id.String()),
		zap.Int("allocated", res.Allocated.Total()),
		zap.Int("shortfall", res.Shortfall.Total()),
		zap.Bool("complete", res.Complete),
	}
	if res.Certificate != nil {
		s.metrics.CertificateIssued()
		fields = append(fields, zap.String("certificate", res.Certificate.Number))
	}
	s.logger.Info("quota allocation", fields...)

	return res, nil
}

// GetCertificate возвращает сертификат по публичному номеру.
func (s *Service) GetCertificate(ctx context.Context, number string) (*model.Certificate, error) {
	if _, _, err := allocation.ParseCertificateNumber(number); err != nil {
		return nil, err
	}
	return s.repo.GetCertificateByNumber(ctx, strings.ToUpper(strings.TrimSpace(number)))
}

// RefreshMaturity пересчитывает статус созревания квот с инвестором. Возвращает число изменённых квот.
func (s *Service) RefreshMaturity(ctx context.Context) (int, error) {
	quotas, err := s.repo.ListAssignedQuotas(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	updated := 0
	for _, q := range quotas {
		status := allocation.Maturity(q, now)
		if status == q.MaturityStatus {
			continue
		}
		if err := s.repo.UpdateMaturityStatus(ctx, q.ID, status); err != nil {
			s.logger.Error("update maturity status",
				zap.String("quota_id", q.ID.String()),
				zap.Error(err),
			)
			continue
		}
		updated++
	}

	s.logger.Info("maturity refreshed", zap.Int("quotas", len(quotas)), zap.Int("updated", updated))

	return updated, nil
}
