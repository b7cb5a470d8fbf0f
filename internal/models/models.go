package models

import "time"

// Severity определяет степень превышения лимита устройств.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Enforceable сообщает, требует ли severity принудительных мер
// (LOW — только предупреждение, если политика не говорит иначе).
func (s Severity) Enforceable() bool {
	switch s {
	case SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank возвращает порядковый номер severity для сравнения.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ConnectionRecord — одна запись о подключении в батче от харвестера.
type ConnectionRecord struct {
	IdentityHint   string     `json:"identity_hint" binding:"required"`
	IPAddress      string     `json:"ip_address" binding:"required"`
	ConnectedAt    time.Time  `json:"connected_at" binding:"required"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	BytesSent      int64      `json:"bytes_sent,omitempty"`
	BytesReceived  int64      `json:"bytes_received,omitempty"`
}

// BatchReport — батч подключений от одной ноды.
type BatchReport struct {
	NodeID         string             `json:"node_id" binding:"required"`
	Timestamp      time.Time          `json:"timestamp" binding:"required"`
	IdempotencyKey string             `json:"idempotency_key" binding:"required"`
	Connections    []ConnectionRecord `json:"connections"`
}

// BatchResult — счётчики обработки батча, возвращаемые харвестеру.
type BatchResult struct {
	Accepted   int `json:"accepted"`
	Duplicate  int `json:"duplicate"`
	Unresolved int `json:"unresolved"`
	Rejected   int `json:"rejected"`
}

// ConnectionEvent — неизменяемое событие подключения после ресолва.
// UserID пустой, если личность не удалось определить: такие события
// сохраняются для аудита, но не участвуют в агрегации.
type ConnectionEvent struct {
	NodeID         string     `json:"node_id"`
	UserID         string     `json:"user_id,omitempty"`
	IPAddress      string     `json:"ip_address"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	RawHint        string     `json:"raw_hint"`
}

// Violation — зафиксированное нарушение лимита устройств.
// На пользователя существует не более одного открытого нарушения:
// повторная оценка обновляет его, новая запись создаётся только
// после резолва предыдущей.
type Violation struct {
	UserID      string     `json:"user_id"`
	Severity    Severity   `json:"severity"`
	DeviceLimit int        `json:"device_limit"`
	IPCount     int        `json:"ip_count"`
	IPs         []string   `json:"ips"`
	DetectedAt  time.Time  `json:"detected_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Происхождение блокировки.
const (
	BlockOriginAuto   = "automatic"
	BlockOriginManual = "manual"
)

// TemporaryBlock — временная блокировка пользователя.
// Инвариант: не более одной активной блокировки на пользователя,
// UnblockAt всегда строго позже BlockedAt.
type TemporaryBlock struct {
	UserID          string     `json:"user_id"`
	ViolationAt     time.Time  `json:"violation_at"`
	BlockedAt       time.Time  `json:"blocked_at"`
	UnblockAt       time.Time  `json:"unblock_at"`
	ActualUnblockAt *time.Time `json:"actual_unblock_at,omitempty"`
	Origin          string     `json:"origin"`
	Active          bool       `json:"active"`

	// PendingDisable выставляется, если вызов disable в панели не прошёл:
	// запись сохранена, внешнее состояние догоняется свипом.
	PendingDisable  bool `json:"pending_disable"`
	DisableAttempts int  `json:"disable_attempts"`
}

// Типы событий для нотификаций и fanout-публикации.
const (
	EventViolationWarning  = "violation_warning"
	EventViolationDetected = "violation_detected"
	EventUserBlocked       = "user_blocked"
	EventUserUnblocked     = "user_unblocked"
	EventPanelAPIFailure   = "panel_api_failure"
)

// AlertEvent — полезная нагрузка уведомления о событии пайплайна.
type AlertEvent struct {
	Type        string    `json:"type"`
	UserID      string    `json:"user_id"`
	Severity    Severity  `json:"severity,omitempty"`
	IPCount     int       `json:"ip_count,omitempty"`
	DeviceLimit int       `json:"device_limit,omitempty"`
	IPs         []string  `json:"ips,omitempty"`
	Duration    string    `json:"duration,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// UserPoolStats — сводка по окну IP пользователя для мониторинга.
type UserPoolStats struct {
	UserID  string   `json:"user_id"`
	IPCount int      `json:"ip_count"`
	Limit   int      `json:"limit"`
	IPs     []string `json:"ips"`
	Status  string   `json:"status"`
	Blocked bool     `json:"blocked"`
}
