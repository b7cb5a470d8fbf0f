package detector

import (
	"sort"
	"time"

	"remnaguard/internal/models"
	"remnaguard/internal/services/policy"
)

// Classify сопоставляет количество различных IP в окне с лимитом
// устройств пользователя. Функция детерминирована и монотонна по count:
//
//	count <= limit                    -> нарушения нет
//	limit < count <= limit+tolerance  -> LOW (зона предупреждения)
//	count >= limit+tolerance+1        -> MEDIUM
//	count >= 2*limit                  -> HIGH
//	count >= 3*limit                  -> CRITICAL
//
// При пересечении порогов побеждает старший.
func Classify(count, limit, tolerance int) models.Severity {
	if limit <= 0 || count <= limit {
		return models.SeverityNone
	}

	switch {
	case count >= 3*limit:
		return models.SeverityCritical
	case count >= 2*limit:
		return models.SeverityHigh
	case count >= limit+tolerance+1:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Result — итог оценки окна пользователя.
type Result struct {
	Severity    models.Severity
	IPCount     int
	DeviceLimit int
	IPs         []string
	Whitelisted bool
}

// Evaluate классифицирует снимок окна с учётом whitelist-а.
// Пользователи из whitelist-а не дают нарушений при любом количестве IP.
func Evaluate(userID string, ips []string, limit int, snap policy.Snapshot) Result {
	res := Result{
		IPCount:     len(ips),
		DeviceLimit: limit,
		IPs:         append([]string(nil), ips...),
	}
	sort.Strings(res.IPs)

	if snap.Whitelisted(userID) {
		res.Whitelisted = true
		return res
	}

	res.Severity = Classify(res.IPCount, limit, snap.IPTolerance)
	return res
}

// MergeViolation обновляет открытое нарушение свежим снимком окна либо
// создаёт новое. Пока нарушение не зарезолвлено, новая запись не
// заводится — обновляются счётчик, список IP и severity.
func MergeViolation(open *models.Violation, userID string, res Result, now time.Time) models.Violation {
	if open != nil && !open.Resolved {
		updated := *open
		updated.IPCount = res.IPCount
		updated.IPs = res.IPs
		updated.DeviceLimit = res.DeviceLimit
		updated.UpdatedAt = now
		if res.Severity.Rank() > updated.Severity.Rank() {
			updated.Severity = res.Severity
		}
		return updated
	}

	return models.Violation{
		UserID:      userID,
		Severity:    res.Severity,
		DeviceLimit: res.DeviceLimit,
		IPCount:     res.IPCount,
		IPs:         res.IPs,
		DetectedAt:  now,
		UpdatedAt:   now,
	}
}
