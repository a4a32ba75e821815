// Package accrual реализует перевод сырого воздействия в дискретные UIB с переносом дробного остатка.
package accrual

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ciclik/uib-ledger/internal/model"
)

var (
	// ErrCarryOutOfRange возвращается, если перенесённый остаток вне диапазона [0, 1).
	ErrCarryOutOfRange = errors.New("carry balance out of range")
	// ErrKindMismatch возвращается, если событие относится к другой полосе.
	ErrKindMismatch = errors.New("event kind does not match accrual kind")
	// ErrNonPositiveValue возвращается для события с неположительным сырым значением.
	ErrNonPositiveValue = errors.New("raw value must be positive")
)

var one = decimal.NewFromInt(1)

// TokenDraft описывает UIB, ещё не сохранённую в хранилище.
type TokenDraft struct {
	Kind           model.ImpactKind
	SourceEventIDs []uuid.UUID
	DedupeKey      string
}

// Result содержит итог одного прохода начисления.
type Result struct {
	Kind          model.ImpactKind
	PreviousCarry decimal.Decimal
	BatchTotal    decimal.Decimal
	NewCarry      decimal.Decimal
	Tokens        []TokenDraft
	Consumed      []uuid.UUID
}

// Minted возвращает количество выпущенных UIB.
func (r Result) Minted() int {
	return len(r.Tokens)
}

// Balanced проверяет сохранение величины: старый остаток и пакет равны выпуску и новому остатку.
func (r Result) Balanced() bool {
	in := r.PreviousCarry.Add(r.BatchTotal)
	out := decimal.NewFromInt(int64(len(r.Tokens))).Add(r.NewCarry)
	return in.Equal(out)
}

// Accrue проходит события в заданном порядке, закрывая UIB на каждой целой границе.
// Событие, пересекающее границу, целиком относится к UIB, которую оно завершает.
// Событие, завершающее сразу несколько UIB, указывается в каждой из них.
// События хвоста, не дошедшие до границы, учитываются только в новом остатке.
func Accrue(kind model.ImpactKind, carry decimal.Decimal, events []model.RawImpactEvent) (Result, error) {
	if !kind.Valid() {
		return Result{}, fmt.Errorf("%w: %q", model.ErrUnknownKind, kind)
	}
	if carry.IsNegative() || carry.GreaterThanOrEqual(one) {
		return Result{}, fmt.Errorf("%w: %s", ErrCarryOutOfRange, carry)
	}

	res := Result{
		Kind:          kind,
		PreviousCarry: carry,
		BatchTotal:    decimal.Zero,
		Consumed:      make([]uuid.UUID, 0, len(events)),
	}

	acc := carry
	boundary := one
	var pending []uuid.UUID

	for _, e := range events {
		if e.Kind != kind {
			return Result{}, fmt.Errorf("%w: event %s is %q", ErrKindMismatch, e.ID, e.Kind)
		}
		if !e.RawValue.IsPositive() {
			return Result{}, fmt.Errorf("%w: event %s has %s", ErrNonPositiveValue, e.ID, e.RawValue)
		}

		units := kind.TokenUnits(e.RawValue)
		res.BatchTotal = res.BatchTotal.Add(units)
		res.Consumed = append(res.Consumed, e.ID)
		pending = append(pending, e.ID)
		acc = acc.Add(units)

		ordinal := 0
		for acc.GreaterThanOrEqual(boundary) {
			ordinal++
			ids := pending
			if len(ids) == 0 {
				ids = []uuid.UUID{e.ID}
			}
			res.Tokens = append(res.Tokens, TokenDraft{
				Kind:           kind,
				SourceEventIDs: ids,
				DedupeKey:      DedupeKey(kind, ids, ordinal),
			})
			pending = nil
			boundary = boundary.Add(one)
		}
	}

	res.NewCarry = acc.Sub(boundary.Sub(one))

	if !res.Balanced() {
		return Result{}, fmt.Errorf("accrual for %s is not balanced: %s + %s != %d + %s",
			kind, res.PreviousCarry, res.BatchTotal, len(res.Tokens), res.NewCarry)
	}

	return res, nil
}

// DedupeKey строит стабильный идентификатор UIB по её происхождению.
func DedupeKey(kind model.ImpactKind, ids []uuid.UUID, ordinal int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	sum := sha256.Sum256([]byte(string(kind) + "|" + strings.Join(parts, ",") + "|" + strconv.Itoa(ordinal)))
	return hex.EncodeToString(sum[:])
}
