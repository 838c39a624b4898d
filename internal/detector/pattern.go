// Пакет detector — поиск дублирующихся секций курсов в выгрузке организационных единиц.
//
// Код секции имеет фиксированный формат YYYY-XX-DNN-XXXX-NPNN-SNN-XXX (29 символов).
// Две секции считаются дублями, если их коды различаются только хвостовым
// суффиксом (по умолчанию 4 символа) и хотя бы одна из них создана в пределах
// окна свежести.
package detector

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CodeLength — длина кода секции.
const CodeLength = 29

// DefaultSuffixLength — сколько символов отбрасывает Normalize по умолчанию.
const DefaultSuffixLength = 4

// codePattern — формат кода секции, якорь на всю строку.
var codePattern = regexp.MustCompile(`^\d{4}-[A-Z]{2}-D\d{2}-[A-Z]{4}-\dP\d{2}-S\d{2}-[A-Z]{3}$`)

// ErrInvalidDate — CreatedDate не распознан.
var ErrInvalidDate = errors.New("некорректная дата создания")

// dateLayouts — поддерживаемые форматы CreatedDate. Значения без зоны считаются UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// MatchesPattern проверяет, что code — корректный код секции.
// Пустая строка и строки другой длины не проходят.
func MatchesPattern(code string) bool {
	return len(code) == CodeLength && codePattern.MatchString(code)
}

// Normalize отбрасывает последние n символов кода. Строки длиной <= n дают "".
func Normalize(code string, n int) string {
	if n <= 0 {
		return code
	}
	if len(code) <= n {
		return ""
	}
	return code[:len(code)-n]
}

// ParseCreatedDate разбирает CreatedDate выгрузки и приводит к UTC.
func ParseCreatedDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: пустое значение", ErrInvalidDate)
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
}
