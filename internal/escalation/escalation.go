package escalation

import (
	"time"

	"remnaguard/internal/models"
	"remnaguard/internal/services/policy"
)

// Action — выбранная мера воздействия.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionBlock
)

// Decision — решение трекера эскалации по одному нарушению.
type Decision struct {
	Action   Action
	Duration time.Duration
}

// NextDuration выбирает длительность блокировки по числу прежних мер:
// первая блокировка — первый элемент таблицы, дальше по порядку,
// за пределами таблицы — последний элемент.
func NextDuration(priorEnforcements int, table []time.Duration) time.Duration {
	if len(table) == 0 {
		return time.Hour
	}
	if priorEnforcements >= len(table) {
		return table[len(table)-1]
	}
	if priorEnforcements < 0 {
		priorEnforcements = 0
	}
	return table[priorEnforcements]
}

// Decide выбирает меру для нарушения заданной severity с учётом числа
// прежних принудительных мер (предупреждения не считаются) и политики.
//
//   - LOW — только предупреждение, пока политика не помечает первое
//     нарушение как блокируемое (first_violation_action=block_1h);
//   - MEDIUM и выше — блокировка, если автоблокировки включены,
//     иначе предупреждение оператору.
func Decide(severity models.Severity, priorEnforcements int, snap policy.Snapshot) Decision {
	switch {
	case severity == models.SeverityNone:
		return Decision{Action: ActionNone}

	case severity == models.SeverityLow:
		if snap.FirstViolationAction == policy.FirstActionBlock1h && snap.AutoBlockEnabled {
			return Decision{
				Action:   ActionBlock,
				Duration: NextDuration(priorEnforcements, snap.EscalationDurations),
			}
		}
		return Decision{Action: ActionWarn}

	default: // MEDIUM, HIGH, CRITICAL
		if !snap.AutoBlockEnabled {
			return Decision{Action: ActionWarn}
		}
		return Decision{
			Action:   ActionBlock,
			Duration: NextDuration(priorEnforcements, snap.EscalationDurations),
		}
	}
}
