package identity

import (
	"regexp"
	"strings"
)

// Directory — справочник пользователей панели, по которому ресолвятся
// сырые идентификаторы из логов. Реализуется panel-клиентом.
type Directory interface {
	LookupShortID(shortID string) (string, bool)
	LookupEmail(email string) (string, bool)
	LookupNumericID(numericID string) (string, bool)
}

// matcher — одна стратегия сопоставления. Возвращает канонический
// идентификатор пользователя либо "не найдено", без исключений и
// побочных эффектов.
type matcher struct {
	name  string
	match func(hint string, dir Directory) (string, bool)
}

var (
	userPrefixPattern    = regexp.MustCompile(`^user[_-](\d+)$`)
	trailingDigitPattern = regexp.MustCompile(`(\d+)$`)
)

// Цепочка стратегий в порядке приоритета: точное совпадение короткого
// идентификатора, затем email, затем числовой ID внутри подсказки.
// Первая сработавшая стратегия останавливает перебор.
var matchers = []matcher{
	{
		name: "short_id",
		match: func(hint string, dir Directory) (string, bool) {
			return dir.LookupShortID(hint)
		},
	},
	{
		name: "email",
		match: func(hint string, dir Directory) (string, bool) {
			if !strings.Contains(hint, "@") {
				return "", false
			}
			return dir.LookupEmail(hint)
		},
	},
	{
		name: "numeric",
		match: func(hint string, dir Directory) (string, bool) {
			if m := userPrefixPattern.FindStringSubmatch(hint); m != nil {
				if userID, ok := dir.LookupNumericID(m[1]); ok {
					return userID, true
				}
			}
			if m := trailingDigitPattern.FindStringSubmatch(hint); m != nil {
				return dir.LookupNumericID(m[1])
			}
			return "", false
		},
	},
}

// Resolver ресолвит сырые подсказки идентичности в канонические UUID.
type Resolver struct {
	dir Directory
}

// NewResolver создает резолвер поверх справочника пользователей.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve возвращает канонический идентификатор пользователя для сырой
// подсказки из лога. ok=false означает, что событие сохраняется как
// неопознанное и в агрегацию не попадает.
func (r *Resolver) Resolve(rawHint string) (string, bool) {
	hint := Normalize(rawHint)
	if hint == "" {
		return "", false
	}
	for _, m := range matchers {
		if userID, ok := m.match(hint, r.dir); ok && userID != "" {
			return userID, true
		}
	}
	return "", false
}

// Normalize приводит идентификатор к каноническому виду для сравнения.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
