package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remnaguard/internal/config"
	"remnaguard/internal/detector"
	"remnaguard/internal/metrics"
	"remnaguard/internal/models"
	"remnaguard/internal/services/identity"
	"remnaguard/internal/services/panel"
	"remnaguard/internal/services/policy"
	"remnaguard/internal/services/storage"
)

// pinger — проверка живости внешнего соединения для /health.
type pinger interface {
	Ping() error
}

// ctxPinger — то же для хранилищ, где проверка принимает контекст.
type ctxPinger interface {
	Ping(ctx context.Context) error
}

// policyAdmin — операции настроек, нужные HTTP-слою.
type policyAdmin interface {
	Snapshot(ctx context.Context) (policy.Snapshot, error)
	Update(ctx context.Context, key, value, actor string) error
}

// evaluator ставит пользователей в очередь на переоценку окна.
type evaluator interface {
	EnqueueUser(userID string)
}

// Server — HTTP API коллектора: приём батчей от харвестеров,
// административные операции и наблюдаемость.
type Server struct {
	router   *gin.Engine
	cfg      *config.CollectorConfig
	events   storage.EventStore
	windows  storage.WindowStore
	blocks   storage.BlockStore
	viols    storage.ViolationStore
	tokens   storage.TokenStore
	policy   policyAdmin
	resolver *identity.Resolver
	limits   panel.LimitProvider
	panelAPI panel.ManagementAPI
	eval     evaluator
	redis    ctxPinger
	queue    pinger
	metrics  *metrics.Metrics

	wsHub     *wsHub
	startedAt time.Time
}

// Deps — зависимости HTTP-слоя.
type Deps struct {
	Events   storage.EventStore
	Windows  storage.WindowStore
	Blocks   storage.BlockStore
	Viols    storage.ViolationStore
	Tokens   storage.TokenStore
	Policy   policyAdmin
	Resolver *identity.Resolver
	Limits   panel.LimitProvider
	PanelAPI panel.ManagementAPI
	Eval     evaluator
	Redis    ctxPinger
	Queue    pinger
	Metrics  *metrics.Metrics
}

// NewServer создает HTTP-сервер коллектора и регистрирует маршруты.
func NewServer(cfg *config.CollectorConfig, d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	s := &Server{
		router:    router,
		cfg:       cfg,
		events:    d.Events,
		windows:   d.Windows,
		blocks:    d.Blocks,
		viols:     d.Viols,
		tokens:    d.Tokens,
		policy:    d.Policy,
		resolver:  d.Resolver,
		limits:    d.Limits,
		panelAPI:  d.PanelAPI,
		eval:      d.Eval,
		redis:     d.Redis,
		queue:     d.Queue,
		metrics:   d.Metrics,
		wsHub:     newWsHub(),
		startedAt: time.Now(),
	}

	s.setupRoutes()
	return s
}

// StartHub запускает рассылку WebSocket-уведомлений.
func (s *Server) StartHub(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// NotifyChanged сигнализирует подключённым клиентам об изменении состояния.
func (s *Server) NotifyChanged() {
	s.wsHub.Notify()
}

func (s *Server) setupRoutes() {
	s.router.POST("/api/v1/connections/batch", s.handleConnectionsBatch)
	s.router.GET("/health", s.handleHealthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	admin := s.router.Group("/api/v1")
	admin.Use(s.adminAuthMiddleware())
	admin.POST("/nodes/:node_id/token", s.handleProvisionNodeToken)
	admin.DELETE("/nodes/:node_id/token", s.handleRevokeNodeToken)
	admin.GET("/policy", s.handlePolicyGet)
	admin.PUT("/policy", s.handlePolicyUpdate)
	admin.GET("/users/:id/status", s.handleUserStatus)
	admin.POST("/actions/unblock", s.handleManualUnblock)
	admin.GET("/ws", s.handleWebSocket)
}

// Run запускает HTTP-сервер (блокирующий вызов).
func (s *Server) Run() error {
	return s.router.Run(":" + s.cfg.Port)
}

// adminAuthMiddleware пускает только запросы с валидным админ-ключом.
// Без настроенного ключа административные эндпоинты отключены целиком.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(s.cfg.AdminAPIKey) == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin API disabled"})
			return
		}
		if c.GetHeader("X-API-Key") != s.cfg.AdminAPIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.GetHeader("X-API-Key")); token != "" {
		return token
	}
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

// handleConnectionsBatch принимает батч подключений от харвестера ноды.
// Токен агента сверяется с хэшем, закреплённым за нодой из тела запроса:
// неизвестная нода или отозванный токен отклоняют весь батч без записи.
func (s *Server) handleConnectionsBatch(c *gin.Context) {
	var report models.BatchReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	token := bearerToken(c)
	valid, err := s.tokens.VerifyNodeToken(ctx, report.NodeID, token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token verification failed"})
		return
	}
	if token == "" || !valid {
		s.metrics.BatchesRejected.Inc()
		log.Printf("Батч от ноды %s отклонён: невалидный токен агента", report.NodeID)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":  "unauthorized",
			"result": models.BatchResult{Rejected: len(report.Connections)},
		})
		return
	}

	seen, err := s.events.SeenBatch(ctx, report.NodeID, report.IdempotencyKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency check failed"})
		return
	}
	if seen {
		s.metrics.BatchesDuplicate.Inc()
		c.JSON(http.StatusOK, models.BatchResult{Duplicate: len(report.Connections)})
		return
	}

	var result models.BatchResult
	affected := make(map[string]struct{})

	for _, rec := range report.Connections {
		userID, resolved := s.resolver.Resolve(rec.IdentityHint)

		event := models.ConnectionEvent{
			NodeID:         report.NodeID,
			UserID:         userID,
			IPAddress:      rec.IPAddress,
			ConnectedAt:    rec.ConnectedAt.UTC(),
			DisconnectedAt: rec.DisconnectedAt,
			RawHint:        rec.IdentityHint,
		}

		created, err := s.events.PersistEvent(ctx, event)
		if err != nil {
			log.Printf("Ошибка записи события %s/%s: %v", report.NodeID, rec.IdentityHint, err)
			continue
		}
		if !created {
			result.Duplicate++
			s.metrics.EventsDuplicate.Inc()
			continue
		}
		if !resolved {
			result.Unresolved++
			s.metrics.EventsUnresolved.Inc()
			continue
		}

		if err := s.windows.TouchIP(ctx, userID, rec.IPAddress, event.ConnectedAt); err != nil {
			log.Printf("Ошибка обновления окна для %s: %v", userID, err)
		}
		result.Accepted++
		s.metrics.EventsAccepted.Inc()
		affected[userID] = struct{}{}
	}

	for userID := range affected {
		s.eval.EnqueueUser(userID)
	}
	if result.Accepted > 0 {
		s.wsHub.Notify()
	}

	c.JSON(http.StatusOK, result)
}

// handleProvisionNodeToken выпускает новый токен агента для ноды.
// Токен генерируется на сервере и возвращается ровно один раз,
// в Redis остаётся только bcrypt-хэш.
func (s *Server) handleProvisionNodeToken(c *gin.Context) {
	nodeID := strings.TrimSpace(c.Param("node_id"))
	if nodeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node_id is required"})
		return
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	token := hex.EncodeToString(buf)

	if err := s.tokens.SetNodeToken(c.Request.Context(), nodeID, token); err != nil {
		log.Printf("Ошибка сохранения токена ноды %s: %v", nodeID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token store failed"})
		return
	}

	log.Printf("Выпущен новый токен агента для ноды %s", nodeID)
	c.JSON(http.StatusOK, gin.H{"node_id": nodeID, "token": token})
}

// handleRevokeNodeToken отзывает токен агента: следующие батчи ноды
// будут отклоняться с 401 до выпуска нового токена.
func (s *Server) handleRevokeNodeToken(c *gin.Context) {
	nodeID := strings.TrimSpace(c.Param("node_id"))
	if nodeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node_id is required"})
		return
	}

	if err := s.tokens.RevokeNodeToken(c.Request.Context(), nodeID); err != nil {
		log.Printf("Ошибка отзыва токена ноды %s: %v", nodeID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token revoke failed"})
		return
	}

	log.Printf("Токен агента ноды %s отозван", nodeID)
	c.JSON(http.StatusOK, gin.H{"node_id": nodeID, "revoked": true})
}

func (s *Server) handlePolicyGet(c *gin.Context) {
	snap, err := s.policy.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	whitelist := make([]string, 0, len(snap.Whitelist))
	for user := range snap.Whitelist {
		whitelist = append(whitelist, user)
	}
	durations := make([]string, 0, len(snap.EscalationDurations))
	for _, d := range snap.EscalationDurations {
		durations = append(durations, d.String())
	}

	c.JSON(http.StatusOK, gin.H{
		"version":                   snap.Version,
		"updated_by":                snap.UpdatedBy,
		"updated_at":                snap.UpdatedAt,
		"detection_window_minutes":  int(snap.DetectionWindow.Minutes()),
		"ip_tolerance":              snap.IPTolerance,
		"auto_block_enabled":        snap.AutoBlockEnabled,
		"first_violation_action":    snap.FirstViolationAction,
		"notification_on_violation": snap.NotificationOnViolation,
		"whitelist":                 whitelist,
		"escalation_durations":      durations,
		"escalation_lookback_days":  int(snap.EscalationLookback.Hours() / 24),
		"known_keys":                policy.Keys(),
	})
}

// handlePolicyUpdate валидирует и применяет одно значение настройки.
// Невалидное значение отклоняется целиком, действующее не меняется.
func (s *Server) handlePolicyUpdate(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := strings.TrimSpace(c.GetHeader("X-Actor"))
	if actor == "" {
		actor = "admin"
	}

	if err := s.policy.Update(c.Request.Context(), req.Key, req.Value, actor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Printf("Настройка %s обновлена (%s)", req.Key, actor)
	s.wsHub.Notify()
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "updated_by": actor})
}

// handleUserStatus возвращает сводку по пользователю: окно IP,
// лимит, открытое нарушение и активная блокировка.
func (s *Server) handleUserStatus(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("id"))
	ctx := c.Request.Context()

	snap, err := s.policy.Snapshot(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ips, err := s.windows.WindowIPs(ctx, userID, snap.DetectionWindow, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	limit, _ := s.limits.DeviceLimit(userID)
	block, err := s.blocks.ActiveBlock(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	violation, err := s.viols.OpenViolation(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := "ok"
	if sev := detector.Classify(len(ips), limit, snap.IPTolerance); sev != models.SeverityNone {
		status = string(sev)
	}

	c.JSON(http.StatusOK, gin.H{
		"pool": models.UserPoolStats{
			UserID:  userID,
			IPCount: len(ips),
			Limit:   limit,
			IPs:     ips,
			Status:  status,
			Blocked: block != nil,
		},
		"violation": violation,
		"block":     block,
	})
}

// handleManualUnblock снимает блокировку вручную, не дожидаясь свипа.
func (s *Server) handleManualUnblock(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	block, err := s.blocks.ActiveBlock(ctx, req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if block == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active block"})
		return
	}

	if err := s.panelAPI.Enable(ctx, req.UserID); err != nil {
		s.metrics.PanelAPIFailures.Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": "panel enable failed: " + err.Error()})
		return
	}

	now := time.Now().UTC()
	if err := s.blocks.FinalizeUnblock(ctx, req.UserID, now); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.viols.ResolveViolation(ctx, req.UserID, "manual", now); err != nil {
		log.Printf("Ошибка резолва нарушения %s: %v", req.UserID, err)
	}

	s.metrics.ActiveBlocks.Dec()
	log.Printf("Пользователь %s разблокирован вручную", req.UserID)
	s.wsHub.Notify()
	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID, "unblocked_at": now})
}

func (s *Server) handleHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	uptime := time.Since(s.startedAt)
	response := gin.H{
		"redis_connection":    "ok",
		"rabbitmq_connection": "ok",
		"uptime_seconds":      int64(uptime.Seconds()),
		"started_at":          s.startedAt.UTC().Format(time.RFC3339),
	}

	if err := s.redis.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		response["redis_connection"] = "failed"
	}

	if s.queue != nil {
		if err := s.queue.Ping(); err != nil {
			status = http.StatusServiceUnavailable
			response["rabbitmq_connection"] = "failed"
		}
	}

	if status == http.StatusOK {
		response["status"] = "ok"
	} else {
		response["status"] = "error"
	}

	c.JSON(status, response)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WS: ошибка апгрейда: %v", err)
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 8),
	}
	s.wsHub.register(client)
	// Сразу шлём refresh, чтобы клиент загрузил данные при подключении
	client.send <- wsRefreshMsg
	go client.writePump()
	client.readPump() // блокирует до закрытия соединения
}
