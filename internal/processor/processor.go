package processor

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"remnaguard/internal/detector"
	"remnaguard/internal/escalation"
	"remnaguard/internal/metrics"
	"remnaguard/internal/models"
	"remnaguard/internal/services/alerter"
	"remnaguard/internal/services/panel"
	"remnaguard/internal/services/policy"
	"remnaguard/internal/services/publisher"
	"remnaguard/internal/services/storage"
)

// Enforcer применяет блокировку к нарушению. Реализуется планировщиком.
type Enforcer interface {
	Enforce(ctx context.Context, v models.Violation, duration time.Duration) error
}

// Processor оценивает окна пользователей в пуле воркеров.
// Пользователь всегда попадает на один и тот же воркер (шардирование
// по хэшу идентификатора), поэтому оценки одного пользователя
// выполняются строго последовательно и без гонок.
type Processor struct {
	windows  storage.WindowStore
	viols    storage.ViolationStore
	escal    storage.EscalationStore
	policy   policy.Provider
	limits   panel.LimitProvider
	sched    Enforcer
	notifier alerter.Notifier
	events   publisher.EventPublisher
	metrics  *metrics.Metrics

	shards  []chan string
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// New создает процессор с пулом из poolSize воркеров.
func New(
	poolSize, bufferSize int,
	windows storage.WindowStore,
	viols storage.ViolationStore,
	escal storage.EscalationStore,
	policyProvider policy.Provider,
	limits panel.LimitProvider,
	sched Enforcer,
	notifier alerter.Notifier,
	events publisher.EventPublisher,
	m *metrics.Metrics,
) *Processor {
	if poolSize <= 0 {
		poolSize = 1
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}

	shards := make([]chan string, poolSize)
	for i := range shards {
		shards[i] = make(chan string, bufferSize)
	}

	return &Processor{
		windows:  windows,
		viols:    viols,
		escal:    escal,
		policy:   policyProvider,
		limits:   limits,
		sched:    sched,
		notifier: notifier,
		events:   events,
		metrics:  m,
		shards:   shards,
	}
}

// Start запускает воркеры пула.
func (p *Processor) Start(ctx context.Context) {
	for i, ch := range p.shards {
		p.wg.Add(1)
		go p.worker(ctx, i, ch)
	}
	log.Printf("Пул оценки запущен: %d воркеров", len(p.shards))
}

// Stop закрывает очереди и дожидается завершения воркеров.
func (p *Processor) Stop() {
	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		for _, ch := range p.shards {
			close(ch)
		}
	}
	p.closeMu.Unlock()
	p.wg.Wait()
	log.Println("Пул оценки остановлен.")
}

// EnqueueUser ставит пользователя в очередь на переоценку окна.
// При переполненной очереди задача отбрасывается: следующий батч
// этого пользователя всё равно приведёт к оценке.
func (p *Processor) EnqueueUser(userID string) {
	if userID == "" {
		return
	}

	// Отправка в закрытый канал возможна при завершении сервиса,
	// паника здесь не считается ошибкой.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Очередь оценки закрыта, пользователь %s пропущен", userID)
		}
	}()

	shard := p.shards[shardIndex(userID, len(p.shards))]
	select {
	case shard <- userID:
		p.metrics.EvalQueueLen.Inc()
	default:
		log.Printf("Очередь оценки переполнена, пользователь %s пропущен", userID)
	}
}

func shardIndex(userID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(shards))
}

func (p *Processor) worker(ctx context.Context, id int, ch <-chan string) {
	defer p.wg.Done()
	for userID := range ch {
		p.metrics.EvalQueueLen.Dec()
		if err := p.Evaluate(ctx, userID); err != nil {
			log.Printf("Воркер %d: ошибка оценки пользователя %s: %v", id, userID, err)
		}
	}
}

// Evaluate выполняет один цикл оценки: свежий снимок политики,
// окно IP, классификация, обновление нарушения и выбор меры.
func (p *Processor) Evaluate(ctx context.Context, userID string) error {
	snap, err := p.policy.Snapshot(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	ips, err := p.windows.WindowIPs(ctx, userID, snap.DetectionWindow, now)
	if err != nil {
		return err
	}

	limit, _ := p.limits.DeviceLimit(userID)
	res := detector.Evaluate(userID, ips, limit, snap)
	if res.Whitelisted || res.Severity == models.SeverityNone {
		return nil
	}

	open, err := p.viols.OpenViolation(ctx, userID)
	if err != nil {
		return err
	}

	isNew := open == nil || open.Resolved
	v := detector.MergeViolation(open, userID, res, now)
	if err := p.viols.SaveOpenViolation(ctx, v); err != nil {
		return err
	}
	if isNew {
		p.metrics.ViolationsDetected.WithLabelValues(string(v.Severity)).Inc()
		log.Printf("Нарушение лимита у %s: %d IP при лимите %d, severity %s",
			userID, v.IPCount, v.DeviceLimit, v.Severity)
	}

	prior, err := p.escal.CountEnforcements(ctx, userID, now.Add(-snap.EscalationLookback))
	if err != nil {
		return err
	}

	decision := escalation.Decide(v.Severity, prior, snap)
	switch decision.Action {
	case escalation.ActionBlock:
		return p.sched.Enforce(ctx, v, decision.Duration)

	case escalation.ActionWarn:
		// Предупреждение отправляется один раз на открытое нарушение.
		if isNew && snap.NotificationOnViolation {
			p.emitWarning(v, now)
		}
	}
	return nil
}

func (p *Processor) emitWarning(v models.Violation, now time.Time) {
	event := models.AlertEvent{
		Type:        models.EventViolationWarning,
		UserID:      v.UserID,
		Severity:    v.Severity,
		IPCount:     v.IPCount,
		DeviceLimit: v.DeviceLimit,
		IPs:         v.IPs,
		At:          now,
	}
	if p.notifier != nil {
		if err := p.notifier.SendAlert(event); err != nil {
			log.Printf("Не удалось отправить предупреждение для %s: %v", v.UserID, err)
		}
	}
	if p.events != nil {
		if err := p.events.PublishEvent(event); err != nil {
			log.Printf("Не удалось опубликовать предупреждение для %s: %v", v.UserID, err)
		}
	}
}
