// Package handler содержит HTTP-обработчики административного API UIB.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ciclik/uib-ledger/internal/allocation"
	"github.com/ciclik/uib-ledger/internal/middleware"
	"github.com/ciclik/uib-ledger/internal/model"
	"github.com/ciclik/uib-ledger/internal/repository"
	"github.com/ciclik/uib-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AccrueAll(ctx context.Context) *model.AccrualReport
	PoolStats(ctx context.Context) (*model.PoolStats, error)
	RecordImpact(ctx context.Context, e model.RawImpactEvent) (*model.RawImpactEvent, bool, error)
	BackfillResidue(ctx context.Context) (*model.BackfillReport, error)
	BackfillEducation(ctx context.Context) (*model.BackfillReport, error)
	BackfillPackaging(ctx context.Context) (*model.BackfillReport, error)
	CreateQuota(ctx context.Context, q model.Quota) (*model.Quota, error)
	GetQuota(ctx context.Context, id uuid.UUID) (*model.Quota, error)
	Allocate(ctx context.Context, id uuid.UUID, requested model.KindCounts) (*model.AllocationResult, error)
	RefreshMaturity(ctx context.Context) (int, error)
	GetCertificate(ctx context.Context, number string) (*model.Certificate, error)
}

// Handler реализует HTTP-обработчики административного API UIB.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// SetMetricsHandler подключает обработчик /metrics.
func (h *Handler) SetMetricsHandler(m http.Handler) {
	h.metrics = m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит доменную ошибку в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidImpact),
		errors.Is(err, service.ErrInvalidQuota),
		errors.Is(err, model.ErrUnknownKind),
		errors.Is(err, allocation.ErrInvalidCertificateNumber):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrQuotaNotFound),
		errors.Is(err, repository.ErrCertificateNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrQuotaComplete),
		errors.Is(err, repository.ErrQuotaExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error(op+" error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// audit фиксирует изменяющее действие оператора.
func (h *Handler) audit(r *http.Request, action string, fields ...zap.Field) {
	operator, ok := middleware.GetOperatorFromContext(r.Context())
	if !ok {
		operator = "unknown"
	}
	h.logger.Info("operator action",
		append([]zap.Field{zap.String("operator", operator), zap.String("action", action)}, fields...)...,
	)
}

// Accrue запускает начисление по всем полосам. Ответ всегда 200, итог в поле success.
func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.AccrueAll(r.Context()))
}

type poolStatsResponse struct {
	Kinds map[model.ImpactKind]kindStats `json:"kinds"`
}

type kindStats struct {
	Unit      string          `json:"unit"`
	Available int             `json:"available"`
	Allocated int             `json:"allocated"`
	Carry     decimal.Decimal `json:"carry"`
}

// GetStats возвращает количество UIB по типам и статусам и остатки полос.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.PoolStats(r.Context())
	if err != nil {
		h.writeError(w, "pool stats", err)
		return
	}

	resp := poolStatsResponse{Kinds: make(map[model.ImpactKind]kindStats, len(model.Kinds))}
	for _, k := range model.Kinds {
		traits, _ := k.Traits()
		resp.Kinds[k] = kindStats{
			Unit:      traits.Unit,
			Available: stats.Tokens[k][model.TokenStatusAvailable],
			Allocated: stats.Tokens[k][model.TokenStatusAllocated],
			Carry:     stats.Carry[k],
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type impactRequest struct {
	Kind          string          `json:"kind"`
	RawValue      decimal.Decimal `json:"raw_value"`
	UserID        *uuid.UUID      `json:"user_id"`
	CooperativeID *uuid.UUID      `json:"cooperative_id"`
	DeliveryID    *uuid.UUID      `json:"delivery_id"`
	MissionID     *uuid.UUID      `json:"mission_id"`
	FiscalNoteID  *uuid.UUID      `json:"fiscal_note_id"`
	Submaterial   string          `json:"submaterial"`
	GTIN          string          `json:"gtin"`
	VideoID       string          `json:"video_id"`
	Description   string          `json:"description"`
	SourceRef     string          `json:"source_ref"`
	OccurredAt    *time.Time      `json:"occurred_at"`
}

type impactResponse struct {
	ID         uuid.UUID       `json:"id"`
	Kind       string          `json:"kind"`
	RawValue   decimal.Decimal `json:"raw_value"`
	SourceRef  string          `json:"source_ref,omitempty"`
	OccurredAt string          `json:"occurred_at"`
	Processed  bool            `json:"processed"`
	Duplicate  bool            `json:"duplicate"`
}

// RecordImpact добавляет событие в журнал сырого воздействия.
func (h *Handler) RecordImpact(w http.ResponseWriter, r *http.Request) {
	var req impactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	kind, err := model.ParseImpactKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	e := model.RawImpactEvent{
		Kind:          kind,
		RawValue:      req.RawValue,
		UserID:        req.UserID,
		CooperativeID: req.CooperativeID,
		DeliveryID:    req.DeliveryID,
		MissionID:     req.MissionID,
		FiscalNoteID:  req.FiscalNoteID,
		Submaterial:   req.Submaterial,
		GTIN:          req.GTIN,
		VideoID:       req.VideoID,
		Description:   req.Description,
		SourceRef:     req.SourceRef,
	}
	if req.OccurredAt != nil {
		e.OccurredAt = *req.OccurredAt
	}

	saved, duplicate, err := h.service.RecordImpact(r.Context(), e)
	if err != nil {
		h.writeError(w, "record impact", err)
		return
	}

	h.audit(r, "record impact",
		zap.String("impact_id", saved.ID.String()),
		zap.String("kind", string(saved.Kind)),
		zap.String("source_ref", saved.SourceRef),
		zap.Bool("duplicate", duplicate),
	)

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}

	writeJSON(w, status, impactResponse{
		ID:         saved.ID,
		Kind:       string(saved.Kind),
		RawValue:   saved.RawValue,
		SourceRef:  saved.SourceRef,
		OccurredAt: saved.OccurredAt.Format(time.RFC3339),
		Processed:  saved.Processed,
		Duplicate:  duplicate,
	})
}

// BackfillResidue запускает перенос истории сдач вторсырья.
func (h *Handler) BackfillResidue(w http.ResponseWriter, r *http.Request) {
	h.backfill(w, r, "backfill residue", h.service.BackfillResidue)
}

// BackfillEducation запускает перенос истории образовательных миссий.
func (h *Handler) BackfillEducation(w http.ResponseWriter, r *http.Request) {
	h.backfill(w, r, "backfill education", h.service.BackfillEducation)
}

// BackfillPackaging запускает перенос истории фискальных чеков.
func (h *Handler) BackfillPackaging(w http.ResponseWriter, r *http.Request) {
	h.backfill(w, r, "backfill packaging", h.service.BackfillPackaging)
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request, op string, run func(context.Context) (*model.BackfillReport, error)) {
	report, err := run(r.Context())
	if err != nil {
		h.writeError(w, op, err)
		return
	}

	h.audit(r, op,
		zap.Int("registered", report.Registered),
		zap.Int("errors", report.Errors),
	)
	writeJSON(w, http.StatusOK, report)
}

type quotaRequest struct {
	Number       string         `json:"number"`
	ProjectID    *uuid.UUID     `json:"project_id"`
	InvestorID   *uuid.UUID     `json:"investor_id"`
	MaturityDate *time.Time     `json:"maturity_date"`
	Required     map[string]int `json:"required"`
}

type quotaResponse struct {
	ID             uuid.UUID        `json:"id"`
	Number         string           `json:"number"`
	ProjectID      *uuid.UUID       `json:"project_id,omitempty"`
	InvestorID     *uuid.UUID       `json:"investor_id,omitempty"`
	Status         string           `json:"status"`
	MaturityStatus string           `json:"maturity_status,omitempty"`
	MaturityDate   string           `json:"maturity_date"`
	Required       model.KindCounts `json:"required"`
	Allocated      model.KindCounts `json:"allocated"`
	Progress       float64          `json:"progress"`
	CertificateID  *uuid.UUID       `json:"certificate_id,omitempty"`
}

func newQuotaResponse(q *model.Quota) quotaResponse {
	return quotaResponse{
		ID:             q.ID,
		Number:         q.Number,
		ProjectID:      q.ProjectID,
		InvestorID:     q.InvestorID,
		Status:         string(q.Status),
		MaturityStatus: string(q.MaturityStatus),
		MaturityDate:   q.MaturityDate.Format(time.RFC3339),
		Required:       q.Required.Clone(),
		Allocated:      q.Allocated.Clone(),
		Progress:       allocation.Progress(q.Required, q.Allocated),
		CertificateID:  q.CertificateID,
	}
}

func parseKindCounts(in map[string]int) (model.KindCounts, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(model.KindCounts, len(in))
	for name, n := range in {
		k, err := model.ParseImpactKind(name)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// CreateQuota создаёт инвестиционную квоту.
func (h *Handler) CreateQuota(w http.ResponseWriter, r *http.Request) {
	var req quotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	required, err := parseKindCounts(req.Required)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	q := model.Quota{
		Number:     req.Number,
		ProjectID:  req.ProjectID,
		InvestorID: req.InvestorID,
		Required:   required,
	}
	if req.MaturityDate != nil {
		q.MaturityDate = *req.MaturityDate
	}

	created, err := h.service.CreateQuota(r.Context(), q)
	if err != nil {
		h.writeError(w, "create quota", err)
		return
	}

	writeJSON(w, http.StatusCreated, newQuotaResponse(created))
}

func quotaIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// GetQuota возвращает прогресс квоты.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	id, ok := quotaIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	q, err := h.service.GetQuota(r.Context(), id)
	if err != nil {
		h.writeError(w, "get quota", err)
		return
	}

	writeJSON(w, http.StatusOK, newQuotaResponse(q))
}

type allocationResponse struct {
	*model.AllocationResult
	CertificateNumber string `json:"certificate_number,omitempty"`
}

// Allocate распределяет доступные UIB в квоту. Пустое тело запрашивает всю недостающую часть.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	id, ok := quotaIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req map[string]int
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	requested, err := parseKindCounts(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	res, err := h.service.Allocate(r.Context(), id, requested)
	if err != nil {
		h.writeError(w, "allocate", err)
		return
	}

	resp := allocationResponse{AllocationResult: res}
	if res.Certificate != nil {
		resp.CertificateNumber = res.Certificate.Number
	}

	h.audit(r, "allocate",
		zap.String("quota_id", id.String()),
		zap.Int("allocated", res.Allocated.Total()),
		zap.Bool("complete", res.Complete),
		zap.String("certificate", resp.CertificateNumber),
	)

	writeJSON(w, http.StatusOK, resp)
}

type maturityResponse struct {
	Updated int `json:"updated"`
}

// RefreshMaturity пересчитывает статусы созревания квот.
func (h *Handler) RefreshMaturity(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.RefreshMaturity(r.Context())
	if err != nil {
		h.writeError(w, "refresh maturity", err)
		return
	}
	writeJSON(w, http.StatusOK, maturityResponse{Updated: n})
}

type certificateResponse struct {
	Number         string                       `json:"number"`
	QuotaID        uuid.UUID                    `json:"quota_id"`
	ProjectID      *uuid.UUID                   `json:"project_id,omitempty"`
	Tokens         map[model.ImpactKind][]int64 `json:"tokens"`
	TotalTokens    int                          `json:"total_tokens"`
	ValidationHash string                       `json:"validation_hash"`
	IssuedAt       string                       `json:"issued_at"`
}

// GetCertificate возвращает сертификат по публичному номеру.
func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetCertificate(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, "get certificate", err)
		return
	}

	writeJSON(w, http.StatusOK, certificateResponse{
		Number:         c.Number,
		QuotaID:        c.QuotaID,
		ProjectID:      c.ProjectID,
		Tokens:         c.Tokens,
		TotalTokens:    c.TotalTokens,
		ValidationHash: c.ValidationHash,
		IssuedAt:       c.IssuedAt.Format(time.RFC3339),
	})
}
