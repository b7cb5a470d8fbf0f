package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"remnaguard/internal/metrics"
	"remnaguard/internal/models"
)

// --- фейки хранилищ и внешних сервисов ---

type fakeBlocks struct {
	blocks  map[string]*models.TemporaryBlock
	claims  map[string]bool
	pending map[string]bool
	alerted map[string]bool
}

func newFakeBlocks() *fakeBlocks {
	return &fakeBlocks{
		blocks:  make(map[string]*models.TemporaryBlock),
		claims:  make(map[string]bool),
		pending: make(map[string]bool),
		alerted: make(map[string]bool),
	}
}

func (f *fakeBlocks) ActiveBlock(_ context.Context, userID string) (*models.TemporaryBlock, error) {
	if b, ok := f.blocks[userID]; ok {
		copied := *b
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeBlocks) CreateBlock(_ context.Context, b models.TemporaryBlock) (bool, error) {
	if _, ok := f.blocks[b.UserID]; ok {
		return false, nil
	}
	f.blocks[b.UserID] = &b
	if b.PendingDisable {
		f.pending[b.UserID] = true
	}
	return true, nil
}

func (f *fakeBlocks) ExtendBlock(_ context.Context, userID string, until time.Time) (bool, error) {
	b, ok := f.blocks[userID]
	if !ok {
		return false, nil
	}
	if until.After(b.UnblockAt) {
		b.UnblockAt = until
	}
	return true, nil
}

func (f *fakeBlocks) SetPendingDisable(_ context.Context, userID string, pending bool, attempts int) error {
	if b, ok := f.blocks[userID]; ok {
		b.PendingDisable = pending
		b.DisableAttempts = attempts
	}
	if pending {
		f.pending[userID] = true
	} else {
		delete(f.pending, userID)
	}
	return nil
}

func (f *fakeBlocks) MarkFailureAlerted(_ context.Context, userID string) (bool, error) {
	if f.alerted[userID] {
		return false, nil
	}
	f.alerted[userID] = true
	return true, nil
}

func (f *fakeBlocks) PendingDisableUsers(_ context.Context) ([]string, error) {
	var users []string
	for u := range f.pending {
		users = append(users, u)
	}
	return users, nil
}

func (f *fakeBlocks) DueUnblockUsers(_ context.Context, now time.Time) ([]string, error) {
	var users []string
	for u, b := range f.blocks {
		if !b.UnblockAt.After(now) {
			users = append(users, u)
		}
	}
	return users, nil
}

func (f *fakeBlocks) ClaimDueUnblock(_ context.Context, userID string, _ time.Duration) (bool, error) {
	if f.claims[userID] {
		return false, nil
	}
	f.claims[userID] = true
	return true, nil
}

func (f *fakeBlocks) ReleaseClaim(_ context.Context, userID string) error {
	delete(f.claims, userID)
	return nil
}

func (f *fakeBlocks) FinalizeUnblock(_ context.Context, userID string, _ time.Time) error {
	delete(f.blocks, userID)
	delete(f.pending, userID)
	delete(f.claims, userID)
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

type fakeEscal struct {
	records []string
}

func (f *fakeEscal) RecordEnforcement(_ context.Context, userID string, _ time.Time) error {
	f.records = append(f.records, userID)
	return nil
}

func (f *fakeEscal) CountEnforcements(_ context.Context, userID string, _ time.Time) (int, error) {
	n := 0
	for _, u := range f.records {
		if u == userID {
			n++
		}
	}
	return n, nil
}

type fakePanel struct {
	disableErr  error
	enableErr   error
	disabled    []string
	enabled     []string
	enableCalls int
}

func (f *fakePanel) Disable(_ context.Context, userID, _ string) error {
	if f.disableErr != nil {
		return f.disableErr
	}
	f.disabled = append(f.disabled, userID)
	return nil
}

func (f *fakePanel) Enable(_ context.Context, userID string) error {
	f.enableCalls++
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enabled = append(f.enabled, userID)
	return nil
}

type fakeNotifier struct {
	events []models.AlertEvent
}

func (f *fakeNotifier) SendAlert(event models.AlertEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) countType(eventType string) int {
	n := 0
	for _, e := range f.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// --- инфраструктура тестов ---

type fixture struct {
	sched    *Scheduler
	blocks   *fakeBlocks
	viols    *fakeViols
	escal    *fakeEscal
	panel    *fakePanel
	notifier *fakeNotifier
}

func newFixture() *fixture {
	f := &fixture{
		blocks:   newFakeBlocks(),
		viols:    &fakeViols{},
		escal:    &fakeEscal{},
		panel:    &fakePanel{},
		notifier: &fakeNotifier{},
	}
	f.sched = New(
		Config{SweepInterval: time.Minute, UnblockClaimTTL: 5 * time.Minute, DisableAlertAfter: 3},
		f.blocks, f.viols, f.escal, f.panel, f.notifier, nil, metrics.New(),
	)
	return f
}

func violation(userID string, detectedAt time.Time) models.Violation {
	return models.Violation{
		UserID:      userID,
		Severity:    models.SeverityMedium,
		DeviceLimit: 3,
		IPCount:     5,
		IPs:         []string{"1.1.1.1", "2.2.2.2"},
		DetectedAt:  detectedAt,
		UpdatedAt:   detectedAt,
	}
}

// --- тесты ---

func TestEnforceCreatesSingleBlock(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v := violation("u1", time.Now().UTC().Add(-time.Minute))

	if err := f.sched.Enforce(ctx, v, time.Hour); err != nil {
		t.Fatal(err)
	}

	block := f.blocks.blocks["u1"]
	if block == nil {
		t.Fatal("блокировка должна быть создана")
	}
	if !block.UnblockAt.After(block.BlockedAt) {
		t.Error("unblock_at должен быть позже blocked_at")
	}
	if len(f.panel.disabled) != 1 || f.panel.disabled[0] != "u1" {
		t.Errorf("панель должна отключить u1: %v", f.panel.disabled)
	}
	if len(f.escal.records) != 1 {
		t.Errorf("одна принудительная мера, записано %d", len(f.escal.records))
	}
	if f.notifier.countType(models.EventUserBlocked) != 1 {
		t.Error("должно уйти одно уведомление user_blocked")
	}
}

// Повторная оценка того же открытого нарушения не плодит блокировки
// и не накручивает счётчик эскалации.
func TestEnforceSameViolationIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	v := violation("u1", time.Now().UTC().Add(-time.Minute))

	if err := f.sched.Enforce(ctx, v, time.Hour); err != nil {
		t.Fatal(err)
	}
	firstUnblock := f.blocks.blocks["u1"].UnblockAt

	if err := f.sched.Enforce(ctx, v, time.Hour); err != nil {
		t.Fatal(err)
	}

	if len(f.escal.records) != 1 {
		t.Errorf("повторный вызов не должен добавлять меру, записано %d", len(f.escal.records))
	}
	if !f.blocks.blocks["u1"].UnblockAt.Equal(firstUnblock) {
		t.Error("срок блокировки не должен меняться")
	}
	if f.notifier.countType(models.EventUserBlocked) != 1 {
		t.Error("уведомление user_blocked должно уйти один раз")
	}
}

// Новое нарушение во время действующей блокировки продлевает срок.
func TestEnforceNewViolationExtends(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := f.sched.Enforce(ctx, violation("u1", now.Add(-time.Hour)), time.Hour); err != nil {
		t.Fatal(err)
	}
	firstUnblock := f.blocks.blocks["u1"].UnblockAt

	if err := f.sched.Enforce(ctx, violation("u1", now), 6*time.Hour); err != nil {
		t.Fatal(err)
	}

	if !f.blocks.blocks["u1"].UnblockAt.After(firstUnblock) {
		t.Error("новое нарушение должно продлить блокировку")
	}
	if len(f.escal.records) != 2 {
		t.Errorf("продление по новому нарушению — отдельная мера, записано %d", len(f.escal.records))
	}
}

// Недоступность панели не отменяет блокировку: запись остаётся
// с флагом pending_disable и добивается свипом.
func TestEnforcePanelFailureKeepsBlock(t *testing.T) {
	f := newFixture()
	f.panel.disableErr = errors.New("panel down")
	ctx := context.Background()

	if err := f.sched.Enforce(ctx, violation("u1", time.Now().UTC()), time.Hour); err != nil {
		t.Fatal(err)
	}

	block := f.blocks.blocks["u1"]
	if block == nil {
		t.Fatal("блокировка должна существовать несмотря на сбой панели")
	}
	if !block.PendingDisable {
		t.Error("блокировка должна быть помечена pending_disable")
	}

	// Панель ожила: свип доводит disable до конца
	f.panel.disableErr = nil
	f.sched.retryPendingDisables(ctx)

	if f.blocks.blocks["u1"].PendingDisable {
		t.Error("после успешного ретрая pending_disable должен сняться")
	}
	if len(f.panel.disabled) != 1 {
		t.Errorf("disable должен пройти один раз, прошло %d", len(f.panel.disabled))
	}
}

// После порога неудач оператор уведомляется ровно один раз.
func TestPendingDisableAlertsOnce(t *testing.T) {
	f := newFixture()
	f.panel.disableErr = errors.New("panel down")
	ctx := context.Background()

	if err := f.sched.Enforce(ctx, violation("u1", time.Now().UTC()), time.Hour); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 6; i++ {
		f.sched.retryPendingDisables(ctx)
	}

	if got := f.notifier.countType(models.EventPanelAPIFailure); got != 1 {
		t.Fatalf("уведомление о сбое панели должно уйти один раз, ушло %d", got)
	}
}

// Два прохода свипа по одной истёкшей блокировке включают
// пользователя ровно один раз.
func TestSweepClaimsUnblockOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now().UTC()

	f.blocks.blocks["u1"] = &models.TemporaryBlock{
		UserID:    "u1",
		BlockedAt: now.Add(-2 * time.Hour),
		UnblockAt: now.Add(-time.Minute),
		Origin:    models.BlockOriginAuto,
		Active:    true,
	}

	f.sched.processDueUnblocks(ctx)
	f.sched.processDueUnblocks(ctx)

	if len(f.panel.enabled) != 1 {
		t.Fatalf("enable должен пройти один раз, прошло %d", len(f.panel.enabled))
	}
	if _, ok := f.blocks.blocks["u1"]; ok {
		t.Error("блокировка должна быть снята")
	}
	if len(f.viols.resolved) != 1 || f.viols.resolved[0] != "u1:auto_unblock" {
		t.Errorf("нарушение должно резолвиться auto_unblock: %v", f.viols.resolved)
	}
	if f.notifier.countType(models.EventUserUnblocked) != 1 {
		t.Error("должно уйти одно уведомление user_unblocked")
	}
}

// Сбой enable освобождает захват: следующий цикл повторяет попытку.
func TestSweepRetriesAfterEnableFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := time.Now().UTC()

	f.blocks.blocks["u1"] = &models.TemporaryBlock{
		UserID:    "u1",
		BlockedAt: now.Add(-2 * time.Hour),
		UnblockAt: now.Add(-time.Minute),
		Origin:    models.BlockOriginAuto,
		Active:    true,
	}

	f.panel.enableErr = errors.New("panel down")
	f.sched.processDueUnblocks(ctx)

	if _, ok := f.blocks.blocks["u1"]; !ok {
		t.Fatal("при сбое enable блокировка должна остаться")
	}

	f.panel.enableErr = nil
	f.sched.processDueUnblocks(ctx)

	if _, ok := f.blocks.blocks["u1"]; ok {
		t.Error("после успешного enable блокировка должна сняться")
	}
	if f.panel.enableCalls != 2 {
		t.Errorf("enable должен вызываться дважды, вызвано %d", f.panel.enableCalls)
	}
}
