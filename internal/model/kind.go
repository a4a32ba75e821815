package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownKind возвращается для неизвестного типа воздействия.
var ErrUnknownKind = errors.New("unknown impact kind")

// ImpactKind определяет полосу начисления, к которой относится событие.
type ImpactKind string

const (
	KindResidue   ImpactKind = "residue"
	KindEducation ImpactKind = "education"
	KindProduct   ImpactKind = "product"
)

// Kinds перечисляет все полосы начисления в порядке обработки.
var Kinds = []ImpactKind{KindResidue, KindEducation, KindProduct}

// KindTraits содержит константы полосы начисления.
type KindTraits struct {
	// Unit задаёт единицу измерения сырого значения.
	Unit string
	// UnitsPerToken задаёт, сколько единиц сырого значения составляют одну UIB.
	UnitsPerToken decimal.Decimal
	// SourceLabel называет исходную бизнес-запись.
	SourceLabel string
}

var kindTraits = map[ImpactKind]KindTraits{
	KindResidue: {
		Unit:          "kg",
		UnitsPerToken: decimal.NewFromInt(1),
		SourceLabel:   "delivery",
	},
	KindEducation: {
		Unit:          "min",
		UnitsPerToken: decimal.NewFromInt(1),
		SourceLabel:   "mission",
	},
	KindProduct: {
		Unit:          "item",
		UnitsPerToken: decimal.NewFromInt(1),
		SourceLabel:   "fiscal_note",
	},
}

// ParseImpactKind разбирает строковое представление типа воздействия.
func ParseImpactKind(s string) (ImpactKind, error) {
	k := ImpactKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := kindTraits[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Valid сообщает, известен ли тип воздействия.
func (k ImpactKind) Valid() bool {
	_, ok := kindTraits[k]
	return ok
}

// Traits возвращает константы полосы начисления.
func (k ImpactKind) Traits() (KindTraits, bool) {
	s, ok := kindTraits[k]
	return s, ok
}

// TokenUnits переводит сырое значение в единицы UIB.
func (k ImpactKind) TokenUnits(raw decimal.Decimal) decimal.Decimal {
	s, ok := kindTraits[k]
	if !ok || s.UnitsPerToken.Equal(decimal.NewFromInt(1)) {
		return raw
	}
	return raw.Div(s.UnitsPerToken)
}

// KindCounts хранит количество UIB по типам воздействия.
type KindCounts map[ImpactKind]int

// Total возвращает суммарное количество по всем типам.
func (c KindCounts) Total() int {
	total := 0
	for _, k := range Kinds {
		total += c[k]
	}
	return total
}

// Clone возвращает копию, в которой присутствуют все типы.
func (c KindCounts) Clone() KindCounts {
	out := make(KindCounts, len(Kinds))
	for _, k := range Kinds {
		out[k] = c[k]
	}
	return out
}
