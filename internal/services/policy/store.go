package policy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ключи настроек детекции и блокировок.
const (
	KeyDetectionWindowMinutes  = "detection_window_minutes"
	KeyIPTolerance             = "ip_tolerance"
	KeyAutoBlockEnabled        = "auto_block_enabled"
	KeyFirstViolationAction    = "first_violation_action"
	KeyNotificationOnViolation = "notification_on_violation"
	KeyWhitelist               = "whitelist"
	KeyEscalationDurations     = "escalation_durations"
	KeyEscalationLookbackDays  = "escalation_lookback_days"
)

// Действия для первого нарушения.
const (
	FirstActionWarn    = "warn"
	FirstActionBlock1h = "block_1h"
)

type valueKind int

const (
	kindInt valueKind = iota
	kindBool
	kindEnum
	kindSet
	kindDurations
)

// definition описывает тип и значение по умолчанию для одного ключа.
// Значения хранятся строками, но парсятся строго по типу ключа —
// невалидное значение отклоняется при Update, а не при чтении.
type definition struct {
	kind     valueKind
	def      string
	enum     []string
	minValue int
}

var definitions = map[string]definition{
	KeyDetectionWindowMinutes:  {kind: kindInt, def: "5", minValue: 1},
	KeyIPTolerance:             {kind: kindInt, def: "1", minValue: 0},
	KeyAutoBlockEnabled:        {kind: kindBool, def: "true"},
	KeyFirstViolationAction:    {kind: kindEnum, def: FirstActionWarn, enum: []string{FirstActionWarn, FirstActionBlock1h}},
	KeyNotificationOnViolation: {kind: kindBool, def: "true"},
	KeyWhitelist:               {kind: kindSet, def: ""},
	KeyEscalationDurations:     {kind: kindDurations, def: "1h,6h,24h,168h"},
	KeyEscalationLookbackDays:  {kind: kindInt, def: "30", minValue: 1},
}

// Snapshot — неизменяемый срез настроек на момент чтения.
// Каждый цикл оценки берёт свежий снимок, чтобы не наблюдать
// наполовину применённое обновление.
type Snapshot struct {
	Version                 int64
	DetectionWindow         time.Duration
	IPTolerance             int
	AutoBlockEnabled        bool
	FirstViolationAction    string
	NotificationOnViolation bool
	Whitelist               map[string]bool
	EscalationDurations     []time.Duration
	EscalationLookback      time.Duration
	UpdatedBy               string
	UpdatedAt               time.Time
}

// Whitelisted сообщает, исключён ли пользователь из детекции.
func (s Snapshot) Whitelisted(userID string) bool {
	return s.Whitelist[strings.ToLower(strings.TrimSpace(userID))]
}

// Provider отдаёт снимок настроек. Выделен в интерфейс, чтобы
// компоненты пайплайна можно было тестировать без Redis.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

const settingsKey = "policy:settings"

// Служебные поля в том же хэше.
const (
	fieldVersion   = "_version"
	fieldUpdatedBy = "_updated_by"
	fieldUpdatedAt = "_updated_at"
)

// Store — единственный источник истины для настроек, поверх Redis.
type Store struct {
	client *redis.Client
}

// NewStore создает хранилище настроек.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Snapshot читает все настройки одним HGETALL и собирает типизированный срез.
// Отсутствующие ключи получают значения по умолчанию.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	values, err := s.client.HGetAll(ctx, settingsKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("ошибка чтения настроек: %w", err)
	}
	return buildSnapshot(values), nil
}

// Update валидирует и записывает одно значение, инкрементируя версию
// и фиксируя, кто и когда обновил.
func (s *Store) Update(ctx context.Context, key, value, actor string) error {
	key = strings.TrimSpace(key)
	if err := Validate(key, value); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, settingsKey, key, value)
	pipe.HSet(ctx, settingsKey, fieldUpdatedBy, actor)
	pipe.HSet(ctx, settingsKey, fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339))
	pipe.HIncrBy(ctx, settingsKey, fieldVersion, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ошибка записи настройки %s: %w", key, err)
	}
	return nil
}

// Keys возвращает список известных ключей настроек.
func Keys() []string {
	keys := make([]string, 0, len(definitions))
	for key := range definitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Validate проверяет значение по типу ключа, не записывая его.
func Validate(key, value string) error {
	def, ok := definitions[key]
	if !ok {
		return fmt.Errorf("неизвестный ключ настройки: %s", key)
	}

	value = strings.TrimSpace(value)
	switch def.kind {
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("ключ %s ожидает целое число, получено %q", key, value)
		}
		if n < def.minValue {
			return fmt.Errorf("ключ %s: значение %d меньше минимума %d", key, n, def.minValue)
		}
	case kindBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("ключ %s ожидает булево значение, получено %q", key, value)
		}
	case kindEnum:
		for _, allowed := range def.enum {
			if value == allowed {
				return nil
			}
		}
		return fmt.Errorf("ключ %s допускает значения %v, получено %q", key, def.enum, value)
	case kindSet:
		// Любой список идентификаторов через запятую валиден.
	case kindDurations:
		durations, err := parseDurations(value)
		if err != nil {
			return err
		}
		if len(durations) == 0 {
			return fmt.Errorf("ключ %s требует хотя бы одну длительность", key)
		}
	}
	return nil
}

func buildSnapshot(values map[string]string) Snapshot {
	snap := Snapshot{
		DetectionWindow:         time.Duration(intValue(values, KeyDetectionWindowMinutes)) * time.Minute,
		IPTolerance:             intValue(values, KeyIPTolerance),
		AutoBlockEnabled:        boolValue(values, KeyAutoBlockEnabled),
		FirstViolationAction:    stringValue(values, KeyFirstViolationAction),
		NotificationOnViolation: boolValue(values, KeyNotificationOnViolation),
		Whitelist:               setValue(values, KeyWhitelist),
		EscalationDurations:     durationsValue(values, KeyEscalationDurations),
		EscalationLookback:      time.Duration(intValue(values, KeyEscalationLookbackDays)) * 24 * time.Hour,
	}

	if raw, ok := values[fieldVersion]; ok {
		snap.Version, _ = strconv.ParseInt(raw, 10, 64)
	}
	snap.UpdatedBy = values[fieldUpdatedBy]
	if raw, ok := values[fieldUpdatedAt]; ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			snap.UpdatedAt = parsed
		}
	}
	return snap
}

func rawValue(values map[string]string, key string) string {
	if raw, ok := values[key]; ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	return definitions[key].def
}

func intValue(values map[string]string, key string) int {
	if n, err := strconv.Atoi(rawValue(values, key)); err == nil {
		return n
	}
	n, _ := strconv.Atoi(definitions[key].def)
	return n
}

func boolValue(values map[string]string, key string) bool {
	if b, err := strconv.ParseBool(rawValue(values, key)); err == nil {
		return b
	}
	b, _ := strconv.ParseBool(definitions[key].def)
	return b
}

func stringValue(values map[string]string, key string) string {
	return rawValue(values, key)
}

func setValue(values map[string]string, key string) map[string]bool {
	set := make(map[string]bool)
	for _, item := range strings.Split(rawValue(values, key), ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			set[item] = true
		}
	}
	return set
}

func durationsValue(values map[string]string, key string) []time.Duration {
	durations, err := parseDurations(rawValue(values, key))
	if err != nil || len(durations) == 0 {
		durations, _ = parseDurations(definitions[key].def)
	}
	return durations
}

func parseDurations(value string) ([]time.Duration, error) {
	var out []time.Duration
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		d, err := time.ParseDuration(item)
		if err != nil {
			return nil, fmt.Errorf("недопустимая длительность %q: %w", item, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("длительность должна быть положительной: %q", item)
		}
		out = append(out, d)
	}
	return out, nil
}
