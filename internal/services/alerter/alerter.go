package alerter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"remnaguard/internal/models"
)

// Notifier определяет интерфейс для отправки уведомлений оператору.
// Вызовы fire-and-forget: пайплайн не ждёт и не ретраит доставку.
type Notifier interface {
	SendAlert(event models.AlertEvent) error
}

// WebhookAlerter реализует Notifier для отправки вебхуков.
type WebhookAlerter struct {
	client *http.Client
	url    string
}

// NewWebhookAlerter создает новый экземпляр WebhookAlerter.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		client: &http.Client{Timeout: 15 * time.Second},
		url:    url,
	}
}

// SendAlert отправляет уведомление на заданный URL.
func (a *WebhookAlerter) SendAlert(event models.AlertEvent) error {
	if a.url == "" {
		log.Println("ALERT_WEBHOOK_URL не задан, вебхук не отправляется")
		return nil
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	resp, err := a.client.Post(a.url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("сетевая ошибка при отправке вебхука: %w", err)
	}
	defer resp.Body.Close()

	log.Printf("Вебхук-уведомление %s для %s отправлено. Статус ответа: %d",
		event.Type, event.UserID, resp.StatusCode)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("сервер вебхука ответил ошибкой: %s", resp.Status)
	}
	return nil
}
