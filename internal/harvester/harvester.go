package harvester

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"remnaguard/internal/config"
	"remnaguard/internal/models"
)

// Harvester — агент ноды: читает access.log, собирает записи
// о подключениях и отправляет их коллектору батчами.
type Harvester struct {
	cfg    *config.HarvesterConfig
	tailer *Tailer
	sender *Sender

	buffer []models.ConnectionRecord
	// Дедупликация (подсказка, IP) в пределах одного батча:
	// пятьдесят строк одного подключения дают одну запись.
	seen map[[2]string]struct{}

	skippedLines  int64
	droppedEvents int64
}

// New создает харвестер.
func New(cfg *config.HarvesterConfig) *Harvester {
	return &Harvester{
		cfg:    cfg,
		tailer: NewTailer(cfg.LogPath, cfg.StateFilePath),
		sender: NewSender(cfg.CollectorURL, cfg.AgentToken, cfg.SendTimeout, cfg.SendMaxRetries, cfg.SendRetryBase),
		seen:   make(map[[2]string]struct{}),
	}
}

// Run крутит циклы чтения и отправки до завершения контекста.
// Перед выходом добирает хвост лога и сбрасывает остаток буфера.
func (h *Harvester) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	poll := time.NewTicker(h.cfg.PollInterval)
	defer poll.Stop()
	flush := time.NewTicker(h.cfg.FlushInterval)
	defer flush.Stop()

	log.Printf("Харвестер запущен: нода %s, лог %s", h.cfg.NodeID, h.cfg.LogPath)
	for {
		select {
		case <-ctx.Done():
			h.poll()
			h.flush(context.Background())
			log.Println("Харвестер остановлен.")
			return
		case <-poll.C:
			h.poll()
			if len(h.buffer) >= h.cfg.BatchSizeCap {
				h.flush(ctx)
			}
		case <-flush.C:
			h.flush(ctx)
		}
	}
}

// poll читает новые строки лога и складывает распарсенные записи в буфер.
func (h *Harvester) poll() {
	lines, err := h.tailer.ReadNewLines()
	if err != nil {
		log.Printf("Ошибка чтения лога: %v", err)
		return
	}

	for _, line := range lines {
		rec, ok := ParseLine(line)
		if !ok {
			h.skippedLines++
			continue
		}
		key := [2]string{rec.IdentityHint, rec.IPAddress}
		if _, dup := h.seen[key]; dup {
			continue
		}
		h.seen[key] = struct{}{}
		h.buffer = append(h.buffer, rec)
	}
}

// flush отправляет накопленный буфер одним батчем. Неудача после всех
// ретраев роняет батч, но не агент: потерянные записи считаются.
func (h *Harvester) flush(ctx context.Context) {
	if len(h.buffer) == 0 {
		return
	}

	report := models.BatchReport{
		NodeID:         h.cfg.NodeID,
		Timestamp:      time.Now().UTC(),
		IdempotencyKey: newIdempotencyKey(),
		Connections:    h.buffer,
	}

	count := len(h.buffer)
	h.buffer = nil
	h.seen = make(map[[2]string]struct{})

	result, err := h.sender.Send(ctx, report)
	if err != nil {
		h.droppedEvents += int64(count)
		log.Printf("Батч из %d записей потерян: %v (всего потеряно: %d)", count, err, h.droppedEvents)
		return
	}

	log.Printf("Батч доставлен: accepted=%d duplicate=%d unresolved=%d rejected=%d (пропущено строк: %d)",
		result.Accepted, result.Duplicate, result.Unresolved, result.Rejected, h.skippedLines)
}

func newIdempotencyKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// Fallback на время: ключ обязан быть, уникальность достаточная
		return hex.EncodeToString([]byte(time.Now().String()))[:32]
	}
	return hex.EncodeToString(buf)
}
