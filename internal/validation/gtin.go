// Package validation содержит функции валидации входных данных.
package validation

import (
	"regexp"
	"strings"
	"unicode"
)

// IsValidGTIN проверяет длину и контрольную цифру GTIN-8/12/13/14 по алгоритму GS1.
func IsValidGTIN(gtin string) bool {
	switch len(gtin) {
	case 8, 12, 13, 14:
	default:
		return false
	}

	sum := 0
	triple := true

	// Контрольная цифра последняя, веса 3 и 1 чередуются справа налево начиная с предпоследней.
	for i := len(gtin) - 2; i >= 0; i-- {
		ch := rune(gtin[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if triple {
			digit *= 3
		}
		sum += digit
		triple = !triple
	}

	check := rune(gtin[len(gtin)-1])
	if !unicode.IsDigit(check) {
		return false
	}

	return (10-sum%10)%10 == int(check-'0')
}

// NormalizeGTIN удаляет пробелы и дефисы из GTIN.
func NormalizeGTIN(gtin string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, gtin)
}

var youtubeIDRe = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/embed/)([^&\s?/#]+)`)

// YouTubeVideoID извлекает идентификатор ролика из ссылки YouTube.
func YouTubeVideoID(url string) string {
	m := youtubeIDRe.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}
