package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ManagementAPI — узкий контракт управления аккаунтами на панели.
// Детекция использует только отключение и включение пользователя.
type ManagementAPI interface {
	Disable(ctx context.Context, userID, reason string) error
	Enable(ctx context.Context, userID string) error
}

// LimitProvider возвращает лимит устройств пользователя из кэша панели.
type LimitProvider interface {
	DeviceLimit(userID string) (int, bool)
}

// Stats — состояние кэша справочника пользователей.
type Stats struct {
	Loaded    bool      `json:"loaded"`
	Users     int       `json:"users"`
	LastLoad  time.Time `json:"last_load,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type panelUser struct {
	UUID            string `json:"uuid"`
	ShortUUID       string `json:"shortUuid"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	NumericID       int64  `json:"id"`
	HWIDDeviceLimit int    `json:"hwidDeviceLimit"`
}

const (
	panelHTTPTimeout   = 35 * time.Second
	panelUsersPageSize = 200
	panelReqRetries    = 3
)

// Client загружает справочник пользователей из панели, кэширует его
// в памяти и выполняет disable/enable через API панели.
type Client struct {
	baseURL        string
	token          string
	reloadInterval time.Duration
	httpClient     *http.Client

	reloadMu sync.Mutex
	mu       sync.RWMutex
	byShort  map[string]string
	byEmail  map[string]string
	byNumber map[string]string
	limits   map[string]int
	stats    Stats

	defaultLimit int
}

// NewClient создает клиента панели.
func NewClient(baseURL, token string, reloadInterval time.Duration, defaultLimit int) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if reloadInterval <= 0 {
		reloadInterval = 5 * time.Minute
	}
	if defaultLimit <= 0 {
		defaultLimit = 3
	}

	return &Client{
		baseURL:        baseURL,
		token:          strings.TrimSpace(token),
		reloadInterval: reloadInterval,
		httpClient:     &http.Client{Timeout: panelHTTPTimeout},
		byShort:        make(map[string]string),
		byEmail:        make(map[string]string),
		byNumber:       make(map[string]string),
		limits:         make(map[string]int),
		defaultLimit:   defaultLimit,
	}
}

// Enabled сообщает, что клиент имеет достаточно настроек для работы.
func (c *Client) Enabled() bool {
	return c.baseURL != "" && c.token != ""
}

// Run периодически обновляет справочник пользователей до завершения контекста.
func (c *Client) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	if !c.Enabled() {
		log.Println("Panel client отключен: PANEL_URL/PANEL_TOKEN не заданы")
		return
	}

	c.reload(ctx)

	ticker := time.NewTicker(c.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reload(ctx)
		}
	}
}

// Stats возвращает состояние кэша справочника.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// --- identity.Directory ---

// LookupShortID ищет пользователя по короткому идентификатору или username.
func (c *Client) LookupShortID(shortID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uuid, ok := c.byShort[shortID]
	return uuid, ok
}

// LookupEmail ищет пользователя по email.
func (c *Client) LookupEmail(email string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uuid, ok := c.byEmail[email]
	return uuid, ok
}

// LookupNumericID ищет пользователя по числовому идентификатору панели.
func (c *Client) LookupNumericID(numericID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uuid, ok := c.byNumber[numericID]
	return uuid, ok
}

// DeviceLimit возвращает лимит устройств пользователя. Если панель не
// отдала лимит, действует лимит по умолчанию.
func (c *Client) DeviceLimit(userID string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit, ok := c.limits[userID]; ok && limit > 0 {
		return limit, true
	}
	return c.defaultLimit, false
}

// --- ManagementAPI ---

// Disable отключает аккаунт пользователя на панели.
func (c *Client) Disable(ctx context.Context, userID, reason string) error {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	return c.postAction(ctx, fmt.Sprintf("%s/api/users/%s/actions/disable", c.baseURL, userID), payload)
}

// Enable включает аккаунт пользователя на панели.
func (c *Client) Enable(ctx context.Context, userID string) error {
	return c.postAction(ctx, fmt.Sprintf("%s/api/users/%s/actions/enable", c.baseURL, userID), nil)
}

func (c *Client) postAction(ctx context.Context, url string, payload []byte) error {
	if !c.Enabled() {
		return fmt.Errorf("panel client не настроен")
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("сетевая ошибка panel API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("panel API вернул статус %d", resp.StatusCode)
	}
	return nil
}

// --- загрузка справочника ---

func (c *Client) reload(ctx context.Context) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	byShort := make(map[string]string)
	byEmail := make(map[string]string)
	byNumber := make(map[string]string)
	limits := make(map[string]int)

	start := 0
	total := 0
	for {
		users, err := c.fetchUsersPage(ctx, start, panelUsersPageSize)
		if err != nil {
			c.mu.Lock()
			c.stats.LastError = err.Error()
			c.mu.Unlock()
			log.Printf("Не удалось обновить справочник пользователей из панели: %v", err)
			return
		}
		if len(users) == 0 {
			break
		}

		for _, u := range users {
			uuid := normalize(u.UUID)
			if uuid == "" {
				continue
			}
			total++
			if short := normalize(u.ShortUUID); short != "" {
				byShort[short] = uuid
			}
			if username := normalize(u.Username); username != "" {
				byShort[username] = uuid
			}
			if email := normalize(u.Email); email != "" && strings.Contains(email, "@") {
				byEmail[email] = uuid
			}
			if u.NumericID > 0 {
				byNumber[strconv.FormatInt(u.NumericID, 10)] = uuid
			}
			if u.HWIDDeviceLimit > 0 {
				limits[uuid] = u.HWIDDeviceLimit
			}
		}

		if len(users) < panelUsersPageSize {
			break
		}
		start += panelUsersPageSize
	}

	c.mu.Lock()
	c.byShort = byShort
	c.byEmail = byEmail
	c.byNumber = byNumber
	c.limits = limits
	c.stats = Stats{Loaded: true, Users: total, LastLoad: time.Now()}
	c.mu.Unlock()

	log.Printf("Справочник пользователей из панели обновлен: %d записей", total)
}

func (c *Client) fetchUsersPage(ctx context.Context, start, size int) ([]panelUser, error) {
	url := fmt.Sprintf("%s/api/users?start=%d&size=%d", c.baseURL, start, size)
	var lastErr error

	for attempt := 1; attempt <= panelReqRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if !isRetryableError(err) || attempt == panelReqRetries || !waitRetry(ctx, attempt) {
				break
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("panel API временно недоступен, статус %d", resp.StatusCode)
			resp.Body.Close()
			if attempt == panelReqRetries || !waitRetry(ctx, attempt) {
				break
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("panel API вернул статус %d", resp.StatusCode)
		}

		users, err := decodeUsersResponse(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		return users, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("не удалось загрузить страницу пользователей")
	}
	return nil, lastErr
}

// decodeUsersResponse понимает оба формата панели:
// {"response":{"users":[...]}} и прямой массив пользователей.
func decodeUsersResponse(body io.Reader) ([]panelUser, error) {
	rawBody, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Response json.RawMessage `json:"response"`
	}
	candidate := json.RawMessage(rawBody)
	if err := json.Unmarshal(rawBody, &payload); err == nil && len(payload.Response) > 0 {
		candidate = payload.Response
	}

	var wrapped struct {
		Users []panelUser `json:"users"`
	}
	if err := json.Unmarshal(candidate, &wrapped); err == nil && wrapped.Users != nil {
		return wrapped.Users, nil
	}

	var direct []panelUser
	if err := json.Unmarshal(candidate, &direct); err == nil {
		return direct, nil
	}

	return nil, fmt.Errorf("неожиданный формат ответа panel API")
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "tempor") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}

func waitRetry(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(time.Duration(attempt) * time.Second)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
