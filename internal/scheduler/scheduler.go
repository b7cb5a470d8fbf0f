package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"remnaguard/internal/metrics"
	"remnaguard/internal/models"
	"remnaguard/internal/services/alerter"
	"remnaguard/internal/services/panel"
	"remnaguard/internal/services/publisher"
	"remnaguard/internal/services/storage"
)

// Config — параметры принудительных мер и фонового свипа.
type Config struct {
	SweepInterval     time.Duration
	UnblockClaimTTL   time.Duration
	DisableAlertAfter int
}

// Scheduler создает блокировки и фоновым свипом догоняет внешнее
// состояние: повторяет неудавшиеся disable и снимает истёкшие блокировки.
type Scheduler struct {
	cfg      Config
	blocks   storage.BlockStore
	viols    storage.ViolationStore
	escal    storage.EscalationStore
	panel    panel.ManagementAPI
	notifier alerter.Notifier
	events   publisher.EventPublisher
	metrics  *metrics.Metrics
}

// New создает новый Scheduler.
func New(
	cfg Config,
	blocks storage.BlockStore,
	viols storage.ViolationStore,
	escal storage.EscalationStore,
	panelAPI panel.ManagementAPI,
	notifier alerter.Notifier,
	events publisher.EventPublisher,
	m *metrics.Metrics,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		blocks:   blocks,
		viols:    viols,
		escal:    escal,
		panel:    panelAPI,
		notifier: notifier,
		events:   events,
		metrics:  m,
	}
}

// Enforce применяет блокировку к нарушению. Блокировка создаётся атомарно:
// при уже существующей активной блокировке по этому же нарушению вызов —
// no-op, по новому нарушению — срок продлевается (только вперёд).
// Решение о блокировке фиксируется в Redis до вызова внешнего API:
// если панель недоступна, блокировка остаётся с флагом pending_disable
// и свип доведёт её до конца.
func (s *Scheduler) Enforce(ctx context.Context, v models.Violation, duration time.Duration) error {
	now := time.Now().UTC()
	// Хранилище держит времена с точностью до секунды
	violAt := v.DetectedAt.Truncate(time.Second)

	active, err := s.blocks.ActiveBlock(ctx, v.UserID)
	if err != nil {
		return err
	}
	if active != nil {
		// Нарушение, породившее активную блокировку, уже наказано.
		if !active.ViolationAt.Before(violAt) {
			return nil
		}
		extended, err := s.blocks.ExtendBlock(ctx, v.UserID, now.Add(duration))
		if err != nil {
			return err
		}
		if extended {
			log.Printf("Блокировка пользователя %s продлена до %s (повторное нарушение)",
				v.UserID, now.Add(duration).Format(time.RFC3339))
			s.metrics.BlocksExtended.Inc()
			if err := s.escal.RecordEnforcement(ctx, v.UserID, now); err != nil {
				log.Printf("Не удалось записать эскалацию для %s: %v", v.UserID, err)
			}
		}
		return nil
	}

	block := models.TemporaryBlock{
		UserID:      v.UserID,
		ViolationAt: violAt,
		BlockedAt:   now,
		UnblockAt:   now.Add(duration),
		Origin:      models.BlockOriginAuto,
		Active:      true,
	}

	created, err := s.blocks.CreateBlock(ctx, block)
	if err != nil {
		return err
	}
	if !created {
		// Параллельный воркер успел раньше.
		return nil
	}

	s.metrics.BlocksCreated.Inc()
	s.metrics.ActiveBlocks.Inc()
	if err := s.escal.RecordEnforcement(ctx, v.UserID, now); err != nil {
		log.Printf("Не удалось записать эскалацию для %s: %v", v.UserID, err)
	}

	log.Printf("Пользователь %s заблокирован на %s (severity %s, %d IP при лимите %d)",
		v.UserID, duration, v.Severity, v.IPCount, v.DeviceLimit)

	reason := fmt.Sprintf("device limit exceeded: %d IPs, limit %d", v.IPCount, v.DeviceLimit)
	if err := s.panel.Disable(ctx, v.UserID, reason); err != nil {
		log.Printf("Не удалось отключить пользователя %s на панели: %v. Блокировка помечена как pending.",
			v.UserID, err)
		s.metrics.PanelAPIFailures.Inc()
		if serr := s.blocks.SetPendingDisable(ctx, v.UserID, true, 1); serr != nil {
			log.Printf("Не удалось пометить pending disable для %s: %v", v.UserID, serr)
		}
	}

	s.emit(models.AlertEvent{
		Type:        models.EventUserBlocked,
		UserID:      v.UserID,
		Severity:    v.Severity,
		IPCount:     v.IPCount,
		DeviceLimit: v.DeviceLimit,
		IPs:         v.IPs,
		Duration:    duration.String(),
		Reason:      reason,
		At:          now,
	})
	return nil
}

// Run запускает фоновый свип до завершения контекста.
func (s *Scheduler) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("Свип блокировок запущен с интервалом %s", s.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			log.Println("Свип блокировок остановлен.")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.retryPendingDisables(ctx)
	s.processDueUnblocks(ctx)
}

// retryPendingDisables повторяет незавершённые вызовы disable. После
// порогового числа неудач оператор уведомляется ровно один раз.
func (s *Scheduler) retryPendingDisables(ctx context.Context) {
	users, err := s.blocks.PendingDisableUsers(ctx)
	if err != nil {
		log.Printf("Ошибка выборки pending disable: %v", err)
		return
	}

	for _, userID := range users {
		block, err := s.blocks.ActiveBlock(ctx, userID)
		if err != nil {
			log.Printf("Ошибка чтения блокировки %s: %v", userID, err)
			continue
		}
		if block == nil || !block.PendingDisable {
			continue
		}

		attempt := block.DisableAttempts + 1
		reason := "device limit exceeded"
		if err := s.panel.Disable(ctx, userID, reason); err != nil {
			s.metrics.PanelAPIFailures.Inc()
			log.Printf("Повторный disable для %s не удался (попытка %d): %v", userID, attempt, err)
			if serr := s.blocks.SetPendingDisable(ctx, userID, true, attempt); serr != nil {
				log.Printf("Не удалось обновить pending disable для %s: %v", userID, serr)
			}
			if attempt >= s.cfg.DisableAlertAfter {
				first, merr := s.blocks.MarkFailureAlerted(ctx, userID)
				if merr != nil {
					log.Printf("Не удалось пометить уведомление для %s: %v", userID, merr)
				} else if first {
					s.emit(models.AlertEvent{
						Type:   models.EventPanelAPIFailure,
						UserID: userID,
						Reason: fmt.Sprintf("disable не прошёл после %d попыток", attempt),
						At:     time.Now().UTC(),
					})
				}
			}
			continue
		}

		log.Printf("Отложенный disable для %s выполнен с попытки %d", userID, attempt)
		if err := s.blocks.SetPendingDisable(ctx, userID, false, attempt); err != nil {
			log.Printf("Не удалось снять pending disable для %s: %v", userID, err)
		}
	}
}

// processDueUnblocks снимает истёкшие блокировки. Захват через SETNX
// гарантирует, что параллельные свипы не включат пользователя дважды.
func (s *Scheduler) processDueUnblocks(ctx context.Context) {
	now := time.Now().UTC()
	users, err := s.blocks.DueUnblockUsers(ctx, now)
	if err != nil {
		log.Printf("Ошибка выборки истёкших блокировок: %v", err)
		return
	}

	for _, userID := range users {
		claimed, err := s.blocks.ClaimDueUnblock(ctx, userID, s.cfg.UnblockClaimTTL)
		if err != nil {
			log.Printf("Ошибка захвата разблокировки %s: %v", userID, err)
			continue
		}
		if !claimed {
			continue
		}

		block, err := s.blocks.ActiveBlock(ctx, userID)
		if err != nil {
			log.Printf("Ошибка чтения блокировки %s: %v", userID, err)
			s.releaseClaim(ctx, userID)
			continue
		}
		if block == nil {
			// Блокировку уже сняли (например, вручную).
			s.releaseClaim(ctx, userID)
			continue
		}

		if err := s.panel.Enable(ctx, userID); err != nil {
			// Включение не прошло: захват освобождаем, следующий цикл повторит.
			s.metrics.PanelAPIFailures.Inc()
			log.Printf("Не удалось включить пользователя %s на панели: %v", userID, err)
			s.releaseClaim(ctx, userID)
			continue
		}

		if err := s.blocks.FinalizeUnblock(ctx, userID, now); err != nil {
			log.Printf("Ошибка завершения разблокировки %s: %v", userID, err)
			continue
		}
		if _, err := s.viols.ResolveViolation(ctx, userID, "auto_unblock", now); err != nil {
			log.Printf("Ошибка резолва нарушения %s: %v", userID, err)
		}

		s.metrics.SweepUnblocks.Inc()
		s.metrics.ActiveBlocks.Dec()
		log.Printf("Пользователь %s разблокирован по истечении срока", userID)

		s.emit(models.AlertEvent{
			Type:   models.EventUserUnblocked,
			UserID: userID,
			Reason: "block expired",
			At:     now,
		})
	}
}

func (s *Scheduler) releaseClaim(ctx context.Context, userID string) {
	if err := s.blocks.ReleaseClaim(ctx, userID); err != nil {
		log.Printf("Не удалось освободить захват для %s: %v", userID, err)
	}
}

// emit рассылает событие вебхуком и в очередь. Доставка не критична
// для пайплайна, ошибки только логируются.
func (s *Scheduler) emit(event models.AlertEvent) {
	if s.notifier != nil {
		if err := s.notifier.SendAlert(event); err != nil {
			log.Printf("Не удалось отправить вебхук %s для %s: %v", event.Type, event.UserID, err)
		}
	}
	if s.events != nil {
		if err := s.events.PublishEvent(event); err != nil {
			log.Printf("Не удалось опубликовать событие %s для %s: %v", event.Type, event.UserID, err)
		}
	}
}
