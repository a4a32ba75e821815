// Package allocation содержит чистую логику распределения UIB в квоты и выпуска сертификатов.
package allocation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ciclik/uib-ledger/internal/model"
)

// ErrInvalidCertificateNumber возвращается для номера сертификата в неверном формате.
var ErrInvalidCertificateNumber = errors.New("invalid certificate number")

// CertificatePrefix предшествует году в номере сертификата.
const CertificatePrefix = "CDV"

var certificateNumberRe = regexp.MustCompile(`^CDV-(\d{4})-(\d{6,})$`)

// Remaining возвращает, сколько UIB каждого типа ещё не хватает квоте.
func Remaining(required, allocated model.KindCounts) model.KindCounts {
	out := make(model.KindCounts, len(model.Kinds))
	for _, k := range model.Kinds {
		need := required[k] - allocated[k]
		if need < 0 {
			need = 0
		}
		out[k] = need
	}
	return out
}

// Plan ограничивает запрошенное количество оставшейся потребностью квоты.
// Пустой запрос означает «всё, что ещё нужно».
func Plan(required, allocated, requested model.KindCounts) model.KindCounts {
	need := Remaining(required, allocated)
	if len(requested) == 0 {
		return need
	}

	out := make(model.KindCounts, len(model.Kinds))
	for _, k := range model.Kinds {
		n := requested[k]
		if n < 0 {
			n = 0
		}
		if n > need[k] {
			n = need[k]
		}
		out[k] = n
	}
	return out
}

// IsComplete сообщает, покрыт ли требуемый набор по всем типам.
func IsComplete(required, allocated model.KindCounts) bool {
	for _, k := range model.Kinds {
		if allocated[k] < required[k] {
			return false
		}
	}
	return true
}

// Shortfall возвращает недостачу: сколько UIB было запрошено, но не нашлось в пуле.
func Shortfall(planned, granted model.KindCounts) model.KindCounts {
	out := make(model.KindCounts, len(model.Kinds))
	for _, k := range model.Kinds {
		d := planned[k] - granted[k]
		if d < 0 {
			d = 0
		}
		out[k] = d
	}
	return out
}

// Progress возвращает долю покрытия набора квоты в процентах.
func Progress(required, allocated model.KindCounts) float64 {
	total := required.Total()
	if total == 0 {
		return 100
	}

	covered := 0
	for _, k := range model.Kinds {
		n := allocated[k]
		if n > required[k] {
			n = required[k]
		}
		covered += n
	}
	return float64(covered) * 100 / float64(total)
}

// CertificateNumber форматирует номер сертификата вида CDV-2025-000001.
func CertificateNumber(year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%06d", CertificatePrefix, year, seq)
}

// ParseCertificateNumber разбирает номер сертификата на год и порядковый номер.
func ParseCertificateNumber(number string) (int, int64, error) {
	m := certificateNumberRe.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(number)))
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCertificateNumber, number)
	}

	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCertificateNumber, number)
	}
	seq, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || seq <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCertificateNumber, number)
	}

	return year, seq, nil
}

// NewValidationHash возвращает 32-символьный шестнадцатеричный код проверки сертификата.
func NewValidationHash() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Maturity вычисляет статус созревания квоты на момент now.
// Квота без инвестора статуса не имеет. Полностью покрытая квота всегда в графике.
// Просроченной считается квота без сертификата после даты созревания.
// Иначе квота в графике, пока доля покрытия не меньше доли прошедшего срока.
func Maturity(q model.Quota, now time.Time) model.MaturityStatus {
	if q.InvestorID == nil {
		return model.MaturityUnassigned
	}
	if q.Status == model.QuotaStatusComplete || IsComplete(q.Required, q.Allocated) {
		return model.MaturityOnTrack
	}
	if q.MaturityDate.IsZero() {
		return model.MaturityMaturing
	}
	if now.After(q.MaturityDate) {
		return model.MaturityOverdue
	}

	start := q.CreatedAt
	if q.AssignedAt != nil {
		start = *q.AssignedAt
	}

	span := q.MaturityDate.Sub(start)
	if span <= 0 {
		return model.MaturityMaturing
	}

	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}

	expected := float64(elapsed) / float64(span) * 100
	if Progress(q.Required, q.Allocated) >= expected {
		return model.MaturityOnTrack
	}
	return model.MaturityMaturing
}
