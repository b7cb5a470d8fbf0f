package harvester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"remnaguard/internal/models"
)

// Sender доставляет батчи коллектору с ретраями.
type Sender struct {
	client     *http.Client
	url        string
	token      string
	maxRetries int
	retryBase  time.Duration
}

// NewSender создает отправителя батчей.
func NewSender(collectorURL, token string, timeout time.Duration, maxRetries int, retryBase time.Duration) *Sender {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Sender{
		client:     &http.Client{Timeout: timeout},
		url:        strings.TrimRight(collectorURL, "/") + "/api/v1/connections/batch",
		token:      token,
		maxRetries: maxRetries,
		retryBase:  retryBase,
	}
}

// Send доставляет один батч. Экспоненциальный backoff с джиттером,
// после исчерпания попыток возвращает ошибку — батч отбрасывается
// вызывающей стороной и учитывается в счётчике потерь.
func (s *Sender) Send(ctx context.Context, report models.BatchReport) (models.BatchResult, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return models.BatchResult{}, fmt.Errorf("ошибка сериализации батча: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		result, err := s.post(ctx, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			return models.BatchResult{}, err
		}
		if attempt == s.maxRetries {
			break
		}

		delay := s.retryBase * time.Duration(1<<(attempt-1))
		delay += time.Duration(rand.Int63n(int64(s.retryBase)))
		log.Printf("Отправка батча не удалась (попытка %d/%d): %v. Повтор через %v...",
			attempt, s.maxRetries, err, delay)

		select {
		case <-ctx.Done():
			return models.BatchResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return models.BatchResult{}, fmt.Errorf("батч не доставлен после %d попыток: %w", s.maxRetries, lastErr)
}

// permanentError — ответ коллектора, который ретраить бессмысленно
// (невалидный батч, отозванный токен).
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("коллектор отклонил батч со статусом %d", e.status)
}

func retryable(err error) bool {
	_, permanent := err.(*permanentError)
	return !permanent
}

func (s *Sender) post(ctx context.Context, payload []byte) (models.BatchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return models.BatchResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return models.BatchResult{}, fmt.Errorf("сетевая ошибка: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var result models.BatchResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return models.BatchResult{}, fmt.Errorf("ошибка разбора ответа коллектора: %w", err)
		}
		return result, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return models.BatchResult{}, &permanentError{status: resp.StatusCode}
	default:
		return models.BatchResult{}, fmt.Errorf("коллектор вернул статус %d", resp.StatusCode)
	}
}
