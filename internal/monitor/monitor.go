package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"remnaguard/internal/detector"
	"remnaguard/internal/models"
	"remnaguard/internal/services/panel"
	"remnaguard/internal/services/policy"
	"remnaguard/internal/services/storage"
)

// PoolMonitor выполняет периодический мониторинг окон IP пользователей.
type PoolMonitor struct {
	windows  storage.WindowStore
	blocks   storage.BlockStore
	limits   panel.LimitProvider
	policy   policy.Provider
	interval time.Duration
}

// NewPoolMonitor создает новый экземпляр PoolMonitor.
func NewPoolMonitor(
	windows storage.WindowStore,
	blocks storage.BlockStore,
	limits panel.LimitProvider,
	policyProvider policy.Provider,
	interval time.Duration,
) *PoolMonitor {
	return &PoolMonitor{
		windows:  windows,
		blocks:   blocks,
		limits:   limits,
		policy:   policyProvider,
		interval: interval,
	}
}

// Run запускает цикл мониторинга до завершения контекста.
func (m *PoolMonitor) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	log.Printf("Мониторинг окон IP запущен с интервалом %v", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performMonitoring(context.Background())
		case <-ctx.Done():
			log.Println("Остановка мониторинга окон IP.")
			return
		}
	}
}

func (m *PoolMonitor) performMonitoring(ctx context.Context) {
	snap, err := m.policy.Snapshot(ctx)
	if err != nil {
		log.Printf("Ошибка мониторинга (snapshot политики): %v", err)
		return
	}

	users, err := m.windows.ListWindowUsers(ctx)
	if err != nil {
		log.Printf("Ошибка мониторинга (список пользователей): %v", err)
		return
	}

	now := time.Now().Format("2006-01-02 15:04:05")
	if len(users) == 0 {
		fmt.Printf("[%s] === IP WINDOWS MONITORING === НЕТ АКТИВНЫХ ПОЛЬЗОВАТЕЛЕЙ\n", now)
		return
	}

	fmt.Printf("\n[%s] === IP WINDOWS MONITORING START ===\n", now)
	defer fmt.Printf("[%s] === IP WINDOWS MONITORING END ===\n\n", time.Now().Format("2006-01-02 15:04:05"))

	var allStats []models.UserPoolStats
	for _, userID := range users {
		stats, err := m.buildUserStats(ctx, userID, snap)
		if err != nil {
			log.Printf("Ошибка при сборе статистики для %s: %v", userID, err)
			continue
		}
		if stats != nil {
			allStats = append(allStats, *stats)
		}
	}

	sort.Slice(allStats, func(i, j int) bool {
		return allStats[i].IPCount > allStats[j].IPCount
	})

	m.printSummary(allStats)
	m.printTopUsers(allStats)
	m.printOverLimitUsers(allStats)
}

func (m *PoolMonitor) buildUserStats(ctx context.Context, userID string, snap policy.Snapshot) (*models.UserPoolStats, error) {
	ips, err := m.windows.WindowIPs(ctx, userID, snap.DetectionWindow, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, nil
	}

	limit, _ := m.limits.DeviceLimit(userID)
	status := "NORMAL"
	switch detector.Classify(len(ips), limit, snap.IPTolerance) {
	case models.SeverityNone:
		if float64(len(ips)) >= float64(limit)*0.8 {
			status = "NEAR_LIMIT"
		}
	case models.SeverityLow:
		status = "WARNING_BAND"
	default:
		status = "OVER_LIMIT"
	}

	block, err := m.blocks.ActiveBlock(ctx, userID)
	if err != nil {
		return nil, err
	}

	sorted := append([]string(nil), ips...)
	sort.Strings(sorted)

	return &models.UserPoolStats{
		UserID:  userID,
		IPCount: len(ips),
		Limit:   limit,
		IPs:     sorted,
		Status:  status,
		Blocked: block != nil,
	}, nil
}

func (m *PoolMonitor) printSummary(stats []models.UserPoolStats) {
	var nearLimit, overLimit, blocked int
	for _, s := range stats {
		switch s.Status {
		case "NEAR_LIMIT", "WARNING_BAND":
			nearLimit++
		case "OVER_LIMIT":
			overLimit++
		}
		if s.Blocked {
			blocked++
		}
	}
	fmt.Println("📊 ОБЩАЯ СТАТИСТИКА:")
	fmt.Printf("   👥 Всего активных пользователей: %d\n", len(stats))
	fmt.Printf("   ⚠️  Близко к лимиту: %d\n", nearLimit)
	fmt.Printf("   🚨 Превышение лимита: %d\n", overLimit)
	fmt.Printf("   ⛔ Заблокировано: %d\n", blocked)
}

func (m *PoolMonitor) printTopUsers(stats []models.UserPoolStats) {
	fmt.Println("\n📈 ТОП ПОЛЬЗОВАТЕЛИ ПО КОЛИЧЕСТВУ IP:")
	limit := 10
	if len(stats) < limit {
		limit = len(stats)
	}
	for i := 0; i < limit; i++ {
		user := stats[i]
		fmt.Printf("   %2d. %s %s%s\n", i+1, statusEmoji(user.Status), user.UserID, blockedMarker(user))
		fmt.Printf("       IP: %d/%d | IPs: %s\n", user.IPCount, user.Limit, strings.Join(user.IPs, ", "))
	}
}

func (m *PoolMonitor) printOverLimitUsers(stats []models.UserPoolStats) {
	var overLimit []models.UserPoolStats
	for _, user := range stats {
		if user.Status == "OVER_LIMIT" {
			overLimit = append(overLimit, user)
		}
	}
	if len(overLimit) > 0 {
		fmt.Println("\n🚨 ПОЛЬЗОВАТЕЛИ С ПРЕВЫШЕНИЕМ ЛИМИТА:")
		for _, user := range overLimit {
			fmt.Printf("   • %s%s\n", user.UserID, blockedMarker(user))
			fmt.Printf("     IP: %d/%d | IPs: %s\n", user.IPCount, user.Limit, strings.Join(user.IPs, ", "))
		}
	}
}

func statusEmoji(status string) string {
	switch status {
	case "NORMAL":
		return "✅"
	case "NEAR_LIMIT", "WARNING_BAND":
		return "⚠️"
	case "OVER_LIMIT":
		return "🚨"
	default:
		return "❓"
	}
}

func blockedMarker(user models.UserPoolStats) string {
	if user.Blocked {
		return " [BLOCKED]"
	}
	return ""
}
