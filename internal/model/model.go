// Package model содержит доменные сущности конвейера начисления UIB.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RawImpactEvent описывает одну запись журнала сырого воздействия.
type RawImpactEvent struct {
	ID            uuid.UUID
	Kind          ImpactKind
	RawValue      decimal.Decimal
	UserID        *uuid.UUID
	CooperativeID *uuid.UUID
	DeliveryID    *uuid.UUID
	MissionID     *uuid.UUID
	FiscalNoteID  *uuid.UUID
	Submaterial   string
	GTIN          string
	VideoID       string
	Description   string
	// SourceRef однозначно идентифицирует исходную бизнес-запись.
	SourceRef  string
	OccurredAt time.Time
	Processed  bool
	CreatedAt  time.Time
}

// CarryOverBalance хранит дробный остаток полосы начисления.
type CarryOverBalance struct {
	Kind      ImpactKind
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// TokenStatus описывает жизненный цикл UIB.
type TokenStatus string

const (
	TokenStatusAvailable TokenStatus = "available"
	TokenStatusAllocated TokenStatus = "allocated"
)

// UIBToken описывает одну дискретную единицу подтверждённого воздействия.
type UIBToken struct {
	SequenceNumber int64
	Kind           ImpactKind
	SourceEventIDs []uuid.UUID
	DedupeKey      string
	Status         TokenStatus
	QuotaID        *uuid.UUID
	CreatedAt      time.Time
	AllocatedAt    *time.Time
}

// QuotaStatus описывает статус финансирования квоты.
type QuotaStatus string

const (
	QuotaStatusOpen     QuotaStatus = "open"
	QuotaStatusComplete QuotaStatus = "complete"
)

// MaturityStatus описывает соответствие квоты графику созревания.
type MaturityStatus string

const (
	MaturityUnassigned MaturityStatus = ""
	MaturityOnTrack    MaturityStatus = "on_track"
	MaturityMaturing   MaturityStatus = "maturing"
	MaturityOverdue    MaturityStatus = "overdue"
)

// Quota описывает инвестиционную квоту, требующую фиксированный набор UIB.
type Quota struct {
	ID             uuid.UUID
	Number         string
	ProjectID      *uuid.UUID
	InvestorID     *uuid.UUID
	Required       KindCounts
	Allocated      KindCounts
	Status         QuotaStatus
	MaturityStatus MaturityStatus
	MaturityDate   time.Time
	AssignedAt     *time.Time
	CertificateID  *uuid.UUID
	CreatedAt      time.Time
}

// Certificate описывает выпущенный сертификат квоты.
type Certificate struct {
	ID             uuid.UUID
	Number         string
	QuotaID        uuid.UUID
	ProjectID      *uuid.UUID
	Tokens         map[ImpactKind][]int64
	TotalTokens    int
	ValidationHash string
	IssuedAt       time.Time
}

// LegacyRef указывает на запись устаревшей таблицы распределения.
type LegacyRef struct {
	Kind        ImpactKind
	DeliveryID  uuid.UUID
	Submaterial string
	UserID      uuid.UUID
	MissionID   uuid.UUID
	GTIN        string
}

// CollectedMaterial описывает материал завершённой сдачи вторсырья.
type CollectedMaterial struct {
	ID            uuid.UUID
	DeliveryID    uuid.UUID
	UserID        uuid.UUID
	CooperativeID *uuid.UUID
	MaterialType  string
	Submaterial   string
	WeightKg      decimal.Decimal
	ValidatedAt   *time.Time
	RegisteredAt  time.Time
}

// CompletedMission описывает завершённую пользователем образовательную миссию.
type CompletedMission struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	MissionID       uuid.UUID
	Title           string
	DurationMinutes *int
	VideoURL        string
	CompletedAt     time.Time
}

// FiscalNoteItem описывает позицию разобранного фискального чека.
type FiscalNoteItem struct {
	GTIN        string `json:"gtin"`
	Cataloged   bool   `json:"produto_cadastrado"`
	Name        string `json:"nome"`
	Description string `json:"descricao"`
}

// FiscalNote описывает фискальный чек с обогащёнными позициями.
type FiscalNote struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Items       []FiscalNoteItem
	SubmittedAt time.Time
	// Invalid отмечает чек с нечитаемым списком позиций.
	Invalid bool
}
