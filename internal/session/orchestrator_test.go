package session_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toolcrib-dev/toolcrib/internal/config"
	"github.com/toolcrib-dev/toolcrib/internal/db"
	"github.com/toolcrib-dev/toolcrib/internal/model"
	"github.com/toolcrib-dev/toolcrib/internal/outbox"
	"github.com/toolcrib-dev/toolcrib/internal/session"
	"github.com/toolcrib-dev/toolcrib/internal/testutil"
)

const adminChat = "admin-chat"

type sentMessage struct {
	ChatID  string
	Text    string
	Buttons [][]session.Button
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeMessenger) Send(_ context.Context, chatID, text string, buttons [][]session.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, Buttons: buttons})
	return nil
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, _, _ string, _ bool) error {
	return nil
}

func (f *fakeMessenger) snapshot() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []model.Incident
}

func (f *fakeMailer) SendIncident(_ context.Context, inc model.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, inc)
	return nil
}

type harness struct {
	orch   *session.Orchestrator
	store  *db.Store
	msg    *fakeMessenger
	mailer *fakeMailer
	ctx    context.Context
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	store, ctx := testutil.NewStore(t)

	cfg := config.DefaultConfig()
	cfg.AdminChatID = adminChat
	cfg.MasterUID = "MASTER-UID"
	if mutate != nil {
		mutate(&cfg)
	}

	msg := &fakeMessenger{}
	mailer := &fakeMailer{}
	orch := session.New(cfg, store, outbox.New(), msg, mailer)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{orch: orch, store: store, msg: msg, mailer: mailer, ctx: ctx}
}

func (h *harness) verify(t *testing.T, uid string) session.VerifyResult {
	t.Helper()
	res, err := h.orch.Verify(h.ctx, uid)
	if err != nil {
		t.Fatalf("verify %s: %v", uid, err)
	}
	return res
}

func (h *harness) state(t *testing.T) session.State {
	t.Helper()
	st, err := h.orch.State(h.ctx)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	return st
}

func (h *harness) requireState(t *testing.T, want session.State) {
	t.Helper()
	if got := h.state(t); got != want {
		t.Fatalf("expected state %s, got %s", want, got)
	}
}

func (h *harness) waitState(t *testing.T, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.state(t) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", want, h.state(t))
}

func (h *harness) photo(t *testing.T, chatID string, tray int, detected []string) {
	t.Helper()
	if err := h.orch.SubmitPhotoAnalysis(h.ctx, chatID, tray, detected, false); err != nil {
		t.Fatalf("submit photo: %v", err)
	}
}

func (h *harness) device(t *testing.T, name string) string {
	t.Helper()
	status, err := h.orch.ReportDeviceEvent(h.ctx, name)
	if err != nil {
		t.Fatalf("device event %s: %v", name, err)
	}
	return status
}

func (h *harness) button(t *testing.T, chatID, data string) {
	t.Helper()
	if err := h.orch.HandleButton(h.ctx, chatID, "cb-1", data); err != nil {
		t.Fatalf("button %s: %v", data, err)
	}
}

func (h *harness) poll(t *testing.T) (model.Command, bool) {
	t.Helper()
	cmd, ok, err := h.orch.PollCommand(h.ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return cmd, ok
}

func (h *harness) requireCommand(t *testing.T, verb string, tray int) {
	t.Helper()
	cmd, ok := h.poll(t)
	if !ok {
		t.Fatalf("expected command %s tray %d, outbox empty", verb, tray)
	}
	if cmd.Verb != verb || cmd.Tray != tray {
		t.Fatalf("expected %s tray %d, got %+v", verb, tray, cmd)
	}
}

func (h *harness) requireNoCommand(t *testing.T) {
	t.Helper()
	if cmd, ok := h.poll(t); ok {
		t.Fatalf("expected empty outbox, got %+v", cmd)
	}
}

func (h *harness) incidents(t *testing.T) []model.Incident {
	t.Helper()
	incidents, err := h.store.ListIncidents(h.ctx, 50)
	if err != nil {
		t.Fatalf("list incidents: %v", err)
	}
	return incidents
}

func (h *harness) incidentsOfKind(t *testing.T, kind model.IncidentKind) []model.Incident {
	t.Helper()
	var out []model.Incident
	for _, inc := range h.incidents(t) {
		if inc.Kind == kind {
			out = append(out, inc)
		}
	}
	return out
}

func TestAuthenticateUnknownCredential(t *testing.T) {
	h := newHarness(t, nil)
	res := h.verify(t, "nobody")
	if res.Status != model.StatusAccessDenied || res.Reason != model.ReasonUnknownCredential {
		t.Fatalf("expected unknown-credential denial, got %+v", res)
	}
	h.requireState(t, session.StateIdle)
}

func TestAuthenticateUnlinkedUserDenied(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"k6"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "")

	res := h.verify(t, "uid-1")
	if res.Status != model.StatusAccessDenied || res.Reason != model.ReasonNoChatLink {
		t.Fatalf("expected no-chat-link denial, got %+v", res)
	}
	h.requireState(t, session.StateIdle)
	h.requireNoCommand(t)
}

func TestSessionExclusivity(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"k6"})
	testutil.SeedTray(t, h.store, h.ctx, 2, []string{"p1"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")
	testutil.SeedUser(t, h.store, h.ctx, "uid-2", "Bruno", []int{2}, "chat-2")

	if res := h.verify(t, "uid-1"); res.Status != model.StatusAccessGranted {
		t.Fatalf("expected first scan granted, got %+v", res)
	}
	res := h.verify(t, "uid-2")
	if res.Status != model.StatusAccessDenied || res.Reason != model.ReasonSessionActive {
		t.Fatalf("expected session-active denial, got %+v", res)
	}
	// The holder re-scanning does not stack a second session either.
	res = h.verify(t, "uid-1")
	if res.Status != model.StatusAccessDenied || res.Reason != model.ReasonSessionActive {
		t.Fatalf("expected session-active denial for holder re-scan, got %+v", res)
	}
}

// The end-to-end single-tray scenario: grant, clean check-in, close sensor,
// failed check-out, declared incident, manual lock, final close confirmation.
func TestSingleTrayLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"k6", "k7"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	if res := h.verify(t, "uid-1"); res.Status != model.StatusAccessGranted {
		t.Fatalf("expected access granted, got %+v", res)
	}
	h.requireState(t, session.StateAwaitingInitialPhoto)
	h.requireCommand(t, model.CommandOpen, 1)
	h.requireNoCommand(t)

	h.photo(t, "chat-1", 1, []string{"k6", "k7"})
	h.requireState(t, session.StateInUse)

	if status := h.device(t, model.EventCloseStarted1); status != model.EventStatusReceived {
		t.Fatalf("expected event_received, got %s", status)
	}
	h.requireState(t, session.StateAwaitingCheckoutFinal)

	h.photo(t, "chat-1", 1, []string{"k6"})
	h.requireState(t, session.StateAuditFailed)

	h.button(t, "chat-1", "declare_incident_1")
	h.requireState(t, session.StateAwaitingManualLock)
	declared := h.incidentsOfKind(t, model.IncidentLostOrDamaged)
	if len(declared) != 1 {
		t.Fatalf("expected one declared incident, got %d", len(declared))
	}
	if len(declared[0].Items) != 1 || declared[0].Items[0] != "k7" {
		t.Fatalf("expected incident items {k7}, got %v", declared[0].Items)
	}
	if declared[0].UserName != "Ana" || declared[0].Tray != 1 {
		t.Fatalf("expected incident attributed to Ana on tray 1, got %+v", declared[0])
	}

	h.button(t, "chat-1", "lock_now")
	h.requireState(t, session.StateLocking)
	h.requireCommand(t, model.CommandCloseAll, 0)

	if status := h.device(t, model.EventFinalCloseDone); status != model.EventStatusReceived {
		t.Fatalf("expected event_received, got %s", status)
	}
	h.requireState(t, session.StateIdle)

	// The cabinet is free again.
	if res := h.verify(t, "uid-1"); res.Status != model.StatusAccessGranted {
		t.Fatalf("expected re-authentication after lock, got %+v", res)
	}
}

func TestCheckinDiscrepancyBlamesPreviousHolder(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"a", "b"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	h.verify(t, "uid-1")
	h.photo(t, "chat-1", 1, []string{"a", "c"})
	h.requireState(t, session.StateInUse)

	incidents := h.incidentsOfKind(t, model.IncidentMissingAtCheckin)
	if len(incidents) != 1 {
		t.Fatalf("expected one check-in incident, got %d", len(incidents))
	}
	if incidents[0].UserName != model.PreviousHolder {
		t.Fatalf("check-in loss must not blame the current user, got %+v", incidents[0])
	}
	if len(incidents[0].Items) != 1 || incidents[0].Items[0] != "b" {
		t.Fatalf("expected items {b}, got %v", incidents[0].Items)
	}

	// The detected set, not the baseline, is the check-out target.
	h.device(t, model.EventCloseStarted1)
	h.photo(t, "chat-1", 1, []string{"a", "c"})
	h.requireState(t, session.StateAwaitingManualLock)
}

func TestCheckinTimeoutEscalatesAndContinues(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.CheckinGrace = 20 * time.Millisecond
	})
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"k6"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	h.verify(t, "uid-1")
	h.waitState(t, session.StateInUse)

	missed := h.incidentsOfKind(t, model.IncidentMissedCheckinPhoto)
	if len(missed) != 1 {
		t.Fatalf("expected one missed-photo incident, got %d", len(missed))
	}
	if missed[0].UserName != "Ana" || len(missed[0].Items) != 0 {
		t.Fatalf("expected empty-item incident attributed to Ana, got %+v", missed[0])
	}

	// A late photo is a no-op: the incident stays recorded exactly once.
	h.photo(t, "chat-1", 1, []string{"k6"})
	h.requireState(t, session.StateInUse)
	if got := len(h.incidentsOfKind(t, model.IncidentMissedCheckinPhoto)); got != 1 {
		t.Fatalf("expected exactly one missed-photo incident, got %d", got)
	}
}

func TestCheckinPhotoCancelsTimer(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.CheckinGrace = 50 * time.Millisecond
	})
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"k6"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	h.verify(t, "uid-1")
	h.photo(t, "chat-1", 1, []string{"k6"})
	h.requireState(t, session.StateInUse)

	time.Sleep(120 * time.Millisecond)
	if got := len(h.incidentsOfKind(t, model.IncidentMissedCheckinPhoto)); got != 0 {
		t.Fatalf("timer fired despite photo, %d incidents", got)
	}
}

func TestMultiTrayFlowAndRetryRestoresExactTray(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"k6"})
	testutil.SeedTray(t, h.store, h.ctx, 2, []string{"p1", "p2"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1, 2}, "chat-1")

	h.verify(t, "uid-1")
	h.requireState(t, session.StateAwaitingCheckinPhoto1)
	h.requireCommand(t, model.CommandOpen, 1)
	h.requireCommand(t, model.CommandOpen, 2)

	h.photo(t, "chat-1", 1, []string{"k6"})
	h.requireState(t, session.StateAwaitingCheckinPhoto2)
	h.photo(t, "chat-1", 2, []string{"p1", "p2"})
	h.requireState(t, session.StateInUse)

	h.device(t, model.EventCloseStarted1)
	h.requireState(t, session.StateAwaitingCheckoutPhoto1)

	h.photo(t, "chat-1", 1, []string{"k6"})
	h.requireState(t, session.StateAwaitingCheckoutPhoto2)

	h.photo(t, "chat-1", 2, []string{"p1"})
	h.requireState(t, session.StateAuditFailed)

	// Retry for tray 2 must restore tray 2's wait, not tray 1's and not the
	// single-tray final wait.
	h.button(t, "chat-1", "retry_photo_2")
	h.requireState(t, session.StateAwaitingCheckoutPhoto2)

	h.photo(t, "chat-1", 2, []string{"p1", "p2"})
	h.requireState(t, session.StateAwaitingManualLock)
}

func TestDeclareIncidentOnFirstTrayAdvancesToSecond(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"k6"})
	testutil.SeedTray(t, h.store, h.ctx, 2, []string{"p1"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1, 2}, "chat-1")

	h.verify(t, "uid-1")
	h.photo(t, "chat-1", 1, []string{"k6"})
	h.photo(t, "chat-1", 2, []string{"p1"})
	h.device(t, model.EventCloseStarted1)

	h.photo(t, "chat-1", 1, nil)
	h.requireState(t, session.StateAuditFailed)

	h.button(t, "chat-1", "declare_incident_1")
	h.requireState(t, session.StateAwaitingCheckoutPhoto2)
}

func TestCheckoutExtraItemsFoldIntoBaseline(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"a"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	h.verify(t, "uid-1")
	h.photo(t, "chat-1", 1, []string{"a"})
	h.device(t, model.EventCloseStarted1)

	// Returned an item that was not part of this session's as-found set:
	// extra-only audits count as clean and enrich the baseline.
	h.photo(t, "chat-1", 1, []string{"a", "b"})
	h.requireState(t, session.StateAwaitingManualLock)

	inv, err := h.store.GetTrayInventory(h.ctx, 1)
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if len(inv) != 2 || inv[0] != "a" || inv[1] != "b" {
		t.Fatalf("expected baseline {a,b}, got %v", inv)
	}
}

func TestDetectionFailureSurfacesAsDiscrepancy(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"a"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	h.verify(t, "uid-1")
	h.photo(t, "chat-1", 1, []string{"a"})
	h.device(t, model.EventCloseStarted1)

	if err := h.orch.SubmitPhotoAnalysis(h.ctx, "chat-1", 1, nil, true); err != nil {
		t.Fatalf("submit failed analysis: %v", err)
	}
	h.requireState(t, session.StateAuditFailed)
}

func TestUnexpectedEventsAreNoOps(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"a"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	if status := h.device(t, model.EventCloseStarted1); status != model.EventStatusNoSession {
		t.Fatalf("expected no_active_session, got %s", status)
	}

	h.verify(t, "uid-1")
	// Close sensor while still awaiting the check-in photo: ignored.
	h.device(t, model.EventCloseStarted1)
	h.requireState(t, session.StateAwaitingInitialPhoto)

	// Final-close confirmation outside Locking: ignored.
	h.device(t, model.EventFinalCloseDone)
	h.requireState(t, session.StateAwaitingInitialPhoto)

	// lock_now from a stranger: ignored.
	h.button(t, "someone-else", "lock_now")
	h.requireState(t, session.StateAwaitingInitialPhoto)
}

func TestPhotoFromStrangerRejected(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"a"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	h.verify(t, "uid-1")
	route, err := h.orch.RoutePhoto(h.ctx, "stranger-chat")
	if err != nil {
		t.Fatalf("route photo: %v", err)
	}
	if route.Accepted {
		t.Fatalf("stranger photo must not be accepted: %+v", route)
	}

	route, err = h.orch.RoutePhoto(h.ctx, "chat-1")
	if err != nil {
		t.Fatalf("route photo: %v", err)
	}
	if !route.Accepted || route.Tray != 1 {
		t.Fatalf("expected tray-1 route for owner, got %+v", route)
	}

	// Analysis attributed to the stranger is dropped even if the tray matches.
	if err := h.orch.SubmitPhotoAnalysis(h.ctx, "stranger-chat", 1, []string{"a"}, false); err != nil {
		t.Fatalf("submit photo: %v", err)
	}
	h.requireState(t, session.StateAwaitingInitialPhoto)
}

func TestAuditDecisionRestrictedToOwner(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"a"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	h.verify(t, "uid-1")
	h.photo(t, "chat-1", 1, []string{"a"})
	h.device(t, model.EventCloseStarted1)
	h.photo(t, "chat-1", 1, nil)
	h.requireState(t, session.StateAuditFailed)

	h.button(t, "stranger-chat", "declare_incident_1")
	h.requireState(t, session.StateAuditFailed)
	if got := len(h.incidentsOfKind(t, model.IncidentLostOrDamaged)); got != 0 {
		t.Fatalf("stranger declared an incident: %d", got)
	}

	h.button(t, "chat-1", "retry_photo_1")
	h.requireState(t, session.StateAwaitingCheckoutFinal)
}

func TestDeclaredIncidentSendsEmail(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 1, []string{"a"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-1", "Ana", []int{1}, "chat-1")

	h.verify(t, "uid-1")
	h.photo(t, "chat-1", 1, []string{"a"})
	h.device(t, model.EventCloseStarted1)
	h.photo(t, "chat-1", 1, nil)
	h.button(t, "chat-1", "declare_incident_1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mailer.mu.Lock()
		n := len(h.mailer.sent)
		h.mailer.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("incident email never sent")
}

func TestOwnerGreetingMentionsTray(t *testing.T) {
	h := newHarness(t, nil)
	testutil.SeedTray(t, h.store, h.ctx, 2, []string{"p1"})
	testutil.SeedUser(t, h.store, h.ctx, "uid-2", "Bruno", []int{2}, "chat-2")

	h.verify(t, "uid-2")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range h.msg.snapshot() {
			if m.ChatID == "chat-2" && strings.Contains(m.Text, "tray 2") {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("greeting never sent, messages: %+v", h.msg.snapshot())
}
