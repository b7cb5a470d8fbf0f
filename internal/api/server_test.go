package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remnaguard/internal/config"
	"remnaguard/internal/metrics"
	"remnaguard/internal/models"
	"remnaguard/internal/services/identity"
	"remnaguard/internal/services/policy"
)

// --- фейки ---

type fakeEvents struct {
	batches map[string]bool
	events  []models.ConnectionEvent
	dedup   map[string]bool
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{batches: make(map[string]bool), dedup: make(map[string]bool)}
}

func (f *fakeEvents) SeenBatch(_ context.Context, nodeID, key string) (bool, error) {
	full := nodeID + ":" + key
	if f.batches[full] {
		return true, nil
	}
	f.batches[full] = true
	return false, nil
}

func (f *fakeEvents) PersistEvent(_ context.Context, event models.ConnectionEvent) (bool, error) {
	key := event.NodeID + event.RawHint + event.IPAddress + event.ConnectedAt.String()
	if f.dedup[key] {
		return false, nil
	}
	f.dedup[key] = true
	f.events = append(f.events, event)
	return true, nil
}

type fakeWindows struct {
	touched map[string][]string
}

func (f *fakeWindows) TouchIP(_ context.Context, userID, ip string, _ time.Time) error {
	f.touched[userID] = append(f.touched[userID], ip)
	return nil
}

func (f *fakeWindows) WindowIPs(_ context.Context, userID string, _ time.Duration, _ time.Time) ([]string, error) {
	return f.touched[userID], nil
}

func (f *fakeWindows) ListWindowUsers(_ context.Context) ([]string, error) {
	var users []string
	for u := range f.touched {
		users = append(users, u)
	}
	return users, nil
}

type fakeBlocks struct {
	blocks map[string]*models.TemporaryBlock
}

func (f *fakeBlocks) ActiveBlock(_ context.Context, userID string) (*models.TemporaryBlock, error) {
	return f.blocks[userID], nil
}
func (f *fakeBlocks) CreateBlock(_ context.Context, b models.TemporaryBlock) (bool, error) {
	f.blocks[b.UserID] = &b
	return true, nil
}
func (f *fakeBlocks) ExtendBlock(_ context.Context, _ string, _ time.Time) (bool, error) {
	return false, nil
}
func (f *fakeBlocks) SetPendingDisable(_ context.Context, _ string, _ bool, _ int) error { return nil }
func (f *fakeBlocks) MarkFailureAlerted(_ context.Context, _ string) (bool, error)      { return false, nil }
func (f *fakeBlocks) PendingDisableUsers(_ context.Context) ([]string, error)           { return nil, nil }
func (f *fakeBlocks) DueUnblockUsers(_ context.Context, _ time.Time) ([]string, error)  { return nil, nil }
func (f *fakeBlocks) ClaimDueUnblock(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeBlocks) ReleaseClaim(_ context.Context, _ string) error { return nil }
func (f *fakeBlocks) FinalizeUnblock(_ context.Context, userID string, _ time.Time) error {
	delete(f.blocks, userID)
	return nil
}

type fakeViols struct {
	resolved []string
}

func (f *fakeViols) OpenViolation(_ context.Context, _ string) (*models.Violation, error) {
	return nil, nil
}
func (f *fakeViols) SaveOpenViolation(_ context.Context, _ models.Violation) error { return nil }
func (f *fakeViols) ResolveViolation(_ context.Context, userID, resolver string, _ time.Time) (bool, error) {
	f.resolved = append(f.resolved, userID+":"+resolver)
	return true, nil
}

type fakeTokens struct {
	tokens map[string]string
}

func (f *fakeTokens) SetNodeToken(_ context.Context, nodeID, token string) error {
	f.tokens[nodeID] = token
	return nil
}
func (f *fakeTokens) VerifyNodeToken(_ context.Context, nodeID, token string) (bool, error) {
	stored, ok := f.tokens[nodeID]
	return ok && token != "" && stored == token, nil
}
func (f *fakeTokens) RevokeNodeToken(_ context.Context, nodeID string) error {
	delete(f.tokens, nodeID)
	return nil
}

type fakePolicy struct {
	snap    policy.Snapshot
	updates []string
}

func (f *fakePolicy) Snapshot(_ context.Context) (policy.Snapshot, error) { return f.snap, nil }
func (f *fakePolicy) Update(_ context.Context, key, value, actor string) error {
	if err := policy.Validate(key, value); err != nil {
		return err
	}
	f.updates = append(f.updates, key+"="+value+" by "+actor)
	return nil
}

type fakeDirectory struct{}

func (fakeDirectory) LookupShortID(s string) (string, bool) {
	if s == "abc123" {
		return "uuid-1", true
	}
	return "", false
}
func (fakeDirectory) LookupEmail(s string) (string, bool)   { return "", false }
func (fakeDirectory) LookupNumericID(string) (string, bool) { return "", false }

type fakeLimits struct{}

func (fakeLimits) DeviceLimit(string) (int, bool) { return 3, true }

type fakeManagement struct {
	enabled []string
}

func (f *fakeManagement) Disable(_ context.Context, _, _ string) error { return nil }
func (f *fakeManagement) Enable(_ context.Context, userID string) error {
	f.enabled = append(f.enabled, userID)
	return nil
}

type fakeEval struct {
	enqueued []string
}

func (f *fakeEval) EnqueueUser(userID string) { f.enqueued = append(f.enqueued, userID) }

type okPinger struct{}

func (okPinger) Ping() error { return nil }

type okCtxPinger struct{}

func (okCtxPinger) Ping(_ context.Context) error { return nil }

// --- инфраструктура ---

type apiFixture struct {
	server  *Server
	events  *fakeEvents
	windows *fakeWindows
	blocks  *fakeBlocks
	viols   *fakeViols
	tokens  *fakeTokens
	policy  *fakePolicy
	panel   *fakeManagement
	eval    *fakeEval
}

func newAPIFixture() *apiFixture {
	f := &apiFixture{
		events:  newFakeEvents(),
		windows: &fakeWindows{touched: make(map[string][]string)},
		blocks:  &fakeBlocks{blocks: make(map[string]*models.TemporaryBlock)},
		viols:   &fakeViols{},
		tokens:  &fakeTokens{tokens: map[string]string{"node-1": "good-token"}},
		policy: &fakePolicy{snap: policy.Snapshot{
			DetectionWindow: 5 * time.Minute,
			IPTolerance:     1,
			Whitelist:       map[string]bool{},
		}},
		panel: &fakeManagement{},
		eval:  &fakeEval{},
	}

	cfg := &config.CollectorConfig{Port: "0", AdminAPIKey: "admin-key"}
	f.server = NewServer(cfg, Deps{
		Events:   f.events,
		Windows:  f.windows,
		Blocks:   f.blocks,
		Viols:    f.viols,
		Tokens:   f.tokens,
		Policy:   f.policy,
		Resolver: identity.NewResolver(fakeDirectory{}),
		Limits:   fakeLimits{},
		PanelAPI: f.panel,
		Eval:     f.eval,
		Redis:    okCtxPinger{},
		Queue:    okPinger{},
		Metrics:  metrics.New(),
	})
	return f
}

func (f *apiFixture) post(t *testing.T, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	return w
}

func sampleBatch(key string) models.BatchReport {
	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	return models.BatchReport{
		NodeID:         "node-1",
		Timestamp:      ts,
		IdempotencyKey: key,
		Connections: []models.ConnectionRecord{
			{IdentityHint: "abc123", IPAddress: "1.1.1.1", ConnectedAt: ts},
			{IdentityHint: "abc123", IPAddress: "2.2.2.2", ConnectedAt: ts},
			{IdentityHint: "stranger", IPAddress: "3.3.3.3", ConnectedAt: ts},
		},
	}
}

// --- тесты ---

func TestBatchAccepted(t *testing.T) {
	f := newAPIFixture()
	w := f.post(t, "/api/v1/connections/batch", "good-token", sampleBatch("k1"))

	if w.Code != http.StatusOK {
		t.Fatalf("статус %d, тело %s", w.Code, w.Body.String())
	}

	var result models.BatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Accepted != 2 || result.Unresolved != 1 || result.Duplicate != 0 {
		t.Fatalf("счётчики: %+v", result)
	}
	if len(f.windows.touched["uuid-1"]) != 2 {
		t.Errorf("окно uuid-1 должно получить 2 IP: %v", f.windows.touched["uuid-1"])
	}
	if len(f.eval.enqueued) != 1 || f.eval.enqueued[0] != "uuid-1" {
		t.Errorf("на оценку должен попасть uuid-1: %v", f.eval.enqueued)
	}
	// Неопознанное событие сохранено для аудита, но без владельца
	found := false
	for _, e := range f.events.events {
		if e.RawHint == "stranger" && e.UserID == "" {
			found = true
		}
	}
	if !found {
		t.Error("неопознанное событие должно сохраниться с пустым user_id")
	}
}

// Отозванный или неверный токен агента отклоняет весь батч без записи.
func TestBatchRejectedOnBadCredential(t *testing.T) {
	f := newAPIFixture()

	for _, token := range []string{"", "wrong", "good-token-but-revoked"} {
		w := f.post(t, "/api/v1/connections/batch", token, sampleBatch("k-"+token))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("токен %q: статус %d, want 401", token, w.Code)
		}
	}

	// Нода с отозванным токеном
	f.tokens.RevokeNodeToken(context.Background(), "node-1")
	w := f.post(t, "/api/v1/connections/batch", "good-token", sampleBatch("k-revoked"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("отозванный токен: статус %d, want 401", w.Code)
	}

	if len(f.events.events) != 0 {
		t.Errorf("ни одно событие не должно сохраниться: %d", len(f.events.events))
	}
	if len(f.eval.enqueued) != 0 {
		t.Error("ничего не должно попасть на оценку")
	}
}

// Повторная доставка с тем же ключом идемпотентности считается
// дубликатом целиком.
func TestBatchIdempotency(t *testing.T) {
	f := newAPIFixture()

	first := f.post(t, "/api/v1/connections/batch", "good-token", sampleBatch("same-key"))
	if first.Code != http.StatusOK {
		t.Fatalf("первый батч: статус %d", first.Code)
	}

	second := f.post(t, "/api/v1/connections/batch", "good-token", sampleBatch("same-key"))
	if second.Code != http.StatusOK {
		t.Fatalf("повторный батч: статус %d", second.Code)
	}

	var result models.BatchResult
	if err := json.Unmarshal(second.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Accepted != 0 || result.Duplicate != 3 {
		t.Fatalf("повтор должен быть весь дубликатом: %+v", result)
	}
	if len(f.events.events) != 3 {
		t.Errorf("события не должны задвоиться: %d", len(f.events.events))
	}
}

func TestProvisionTokenRequiresAdminKey(t *testing.T) {
	f := newAPIFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/nodes/node-2/token", nil)
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("без ключа: статус %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/nodes/node-2/token", nil)
	req.Header.Set("X-API-Key", "admin-key")
	w = httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("с ключом: статус %d, тело %s", w.Code, w.Body.String())
	}

	var resp struct {
		NodeID string `json:"node_id"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.NodeID != "node-2" || len(resp.Token) != 64 {
		t.Fatalf("ответ провижена: %+v", resp)
	}
	if f.tokens.tokens["node-2"] != resp.Token {
		t.Error("токен должен сохраниться для ноды")
	}
}

func TestPolicyUpdateValidation(t *testing.T) {
	f := newAPIFixture()

	body, _ := json.Marshal(map[string]string{"key": "ip_tolerance", "value": "-5"})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/policy", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "admin-key")
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("невалидное значение: статус %d, want 400", w.Code)
	}
	if len(f.policy.updates) != 0 {
		t.Error("невалидное значение не должно применяться")
	}

	body, _ = json.Marshal(map[string]string{"key": "ip_tolerance", "value": "2"})
	req = httptest.NewRequest(http.MethodPut, "/api/v1/policy", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "admin-key")
	req.Header.Set("X-Actor", "ops")
	w = httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("валидное значение: статус %d, тело %s", w.Code, w.Body.String())
	}
	if len(f.policy.updates) != 1 || f.policy.updates[0] != "ip_tolerance=2 by ops" {
		t.Errorf("обновления: %v", f.policy.updates)
	}
}

func TestManualUnblock(t *testing.T) {
	f := newAPIFixture()
	now := time.Now().UTC()
	f.blocks.blocks["uuid-1"] = &models.TemporaryBlock{
		UserID:    "uuid-1",
		BlockedAt: now.Add(-time.Hour),
		UnblockAt: now.Add(time.Hour),
		Origin:    models.BlockOriginAuto,
		Active:    true,
	}

	body, _ := json.Marshal(map[string]string{"user_id": "uuid-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/actions/unblock", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "admin-key")
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("статус %d, тело %s", w.Code, w.Body.String())
	}
	if len(f.panel.enabled) != 1 || f.panel.enabled[0] != "uuid-1" {
		t.Errorf("панель должна включить uuid-1: %v", f.panel.enabled)
	}
	if _, ok := f.blocks.blocks["uuid-1"]; ok {
		t.Error("блокировка должна быть снята")
	}
	if len(f.viols.resolved) != 1 || f.viols.resolved[0] != "uuid-1:manual" {
		t.Errorf("нарушение должно резолвиться вручную: %v", f.viols.resolved)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newAPIFixture()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("статус %d, тело %s", w.Code, w.Body.String())
	}
}
