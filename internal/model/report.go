package model

import "github.com/shopspring/decimal"

// KindAccrual содержит итог начисления по одной полосе.
// Carry не заполняется, если полоса завершилась ошибкой.
type KindAccrual struct {
	Unit            string           `json:"unit"`
	ProcessedEvents int              `json:"processed_events"`
	TokensMinted    int              `json:"tokens_minted"`
	DuplicateTokens int              `json:"duplicate_tokens,omitempty"`
	Carry           *decimal.Decimal `json:"carry,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// AccrualReport содержит итог запуска начисления по всем полосам.
type AccrualReport struct {
	Success bool                       `json:"success"`
	Kinds   map[ImpactKind]KindAccrual `json:"results"`
	Totals  AccrualTotals              `json:"totals"`
}

// AccrualTotals содержит суммарные показатели запуска начисления.
type AccrualTotals struct {
	ProcessedEvents int `json:"processed_events"`
	TokensMinted    int `json:"tokens_minted"`
}

// BackfillReport содержит счётчики одного задания миграции истории.
type BackfillReport struct {
	Job              string `json:"job"`
	Scanned          int    `json:"scanned"`
	Registered       int    `json:"registered"`
	SkippedLegacy    int    `json:"skipped_legacy"`
	SkippedDuplicate int    `json:"skipped_duplicate"`
	Errors           int    `json:"errors"`
}

// AllocationResult содержит итог распределения UIB в квоту.
type AllocationResult struct {
	QuotaID     string       `json:"quota_id"`
	Allocated   KindCounts   `json:"allocated"`
	Totals      KindCounts   `json:"totals"`
	Required    KindCounts   `json:"required"`
	Shortfall   KindCounts   `json:"shortfall"`
	Complete    bool         `json:"complete"`
	Certificate *Certificate `json:"-"`
}

// PoolStats содержит состояние пула UIB.
type PoolStats struct {
	Tokens map[ImpactKind]map[TokenStatus]int
	Carry  map[ImpactKind]decimal.Decimal
}
