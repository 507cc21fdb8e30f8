// Package session implements the cabinet's session orchestrator: a single
// goroutine that owns the Session, the command outbox, and the tray
// baselines, consuming authentication, sensor, photo, timer, and messaging
// events one at a time in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/toolcrib-dev/toolcrib/internal/config"
	"github.com/toolcrib-dev/toolcrib/internal/db"
	"github.com/toolcrib-dev/toolcrib/internal/model"
	"github.com/toolcrib-dev/toolcrib/internal/outbox"
	"github.com/toolcrib-dev/toolcrib/internal/reconcile"
	"github.com/toolcrib-dev/toolcrib/internal/timer"
)

const (
	inboxDepth  = 128
	sendTimeout = 15 * time.Second
)

// Button is an inline keyboard button offered to a chat user.
type Button struct {
	Label string
	Data  string
}

// Messenger delivers outbound chat messages. Calls are made off the
// orchestrator goroutine and may be slow.
type Messenger interface {
	Send(ctx context.Context, chatID, text string, buttons [][]Button) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
}

// Mailer delivers the out-of-band incident notification email.
type Mailer interface {
	SendIncident(ctx context.Context, inc model.Incident) error
}

type Orchestrator struct {
	cfg    config.Config
	store  *db.Store
	box    *outbox.Outbox
	timers *timer.Service
	msg    Messenger
	mailer Mailer

	inbox chan envelope

	// Everything below is touched only from the Run goroutine.
	sess     *Session
	admin    map[string]*adminFlow
	trayOpen map[int]bool
}

func New(cfg config.Config, store *db.Store, box *outbox.Outbox, msg Messenger, mailer Mailer) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		box:      box,
		msg:      msg,
		mailer:   mailer,
		inbox:    make(chan envelope, inboxDepth),
		admin:    make(map[string]*adminFlow),
		trayOpen: make(map[int]bool),
	}
	o.timers = timer.NewService(func(to timer.Timeout) {
		o.inbox <- envelope{ev: evTimeout(to)}
	})
	return o
}

// Run consumes the event inbox until ctx is cancelled. It is the only
// goroutine allowed to read or mutate session, outbox, and baseline state.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			o.timers.CancelAll()
			return ctx.Err()
		case env := <-o.inbox:
			o.dispatch(ctx, env)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, env envelope) {
	var out any
	switch ev := env.ev.(type) {
	case evVerify:
		out = o.handleVerify(ctx, ev)
	case evDevice:
		out = o.handleDevice(ev)
	case evPoll:
		cmd, ok := o.box.Pop()
		out = pollResult{cmd: cmd, ok: ok}
	case evState:
		out = o.currentState()
	case evPhotoRoute:
		out = o.handlePhotoRoute(ev)
	case evPhotoAnalyzed:
		o.handlePhotoAnalyzed(ctx, ev)
	case evTimeout:
		o.handleTimeout(ctx, ev)
	case evButton:
		o.handleButton(ctx, ev)
	case evText:
		o.handleText(ctx, ev)
	case evStart:
		o.handleStart(ev)
	default:
		o.logf("dropping unknown event %T", env.ev)
	}
	if env.reply != nil {
		env.reply <- out
	}
}

func (o *Orchestrator) ask(ctx context.Context, ev any) (any, error) {
	reply := make(chan any, 1)
	select {
	case o.inbox <- envelope{ev: ev, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) post(ctx context.Context, ev any) error {
	select {
	case o.inbox <- envelope{ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) currentState() State {
	if o.sess == nil {
		return StateIdle
	}
	return o.sess.State
}

// ---- credential verification ----

func (o *Orchestrator) handleVerify(ctx context.Context, ev evVerify) VerifyResult {
	uid := strings.TrimSpace(ev.UID)
	if uid == "" {
		return denied(model.ReasonUnknownCredential)
	}

	// A pending admin scan claims the credential before anything else.
	if flow := o.adminFlowState(); flow != nil {
		switch flow.stage {
		case adminAwaitLinkScan:
			return o.finishAutoLink(ctx, flow, uid)
		case adminAwaitCardScan:
			return o.finishRegistration(ctx, flow, uid)
		}
	}

	// The master credential opens the admin menu regardless of session state.
	if o.cfg.MasterUID != "" && uid == o.cfg.MasterUID {
		o.logf("master credential scanned")
		o.sendAdminMenu()
		return VerifyResult{Status: model.StatusMasterMode}
	}

	return o.authenticate(ctx, uid)
}

func (o *Orchestrator) authenticate(ctx context.Context, uid string) VerifyResult {
	user, err := o.store.GetUserByUID(ctx, uid)
	if errors.Is(err, db.ErrNotFound) {
		o.logf("access denied: unknown credential %s", uid)
		return denied(model.ReasonUnknownCredential)
	}
	if err != nil {
		logErr("lookup credential", err)
		return denied(model.ReasonUnknownCredential)
	}
	if o.sess != nil {
		o.logf("access denied for %s: session held by %s", user.Name, o.sess.UserName)
		return denied(model.ReasonSessionActive)
	}
	if !user.Linked() {
		o.send(o.cfg.AdminChatID, fmt.Sprintf("Alert: user %q tried to open a tray but has no linked Telegram account.", user.Name))
		return denied(model.ReasonNoChatLink)
	}
	if len(user.Permissions) == 0 {
		o.logf("access denied: %s has no tray permissions", user.Name)
		return denied("")
	}

	// Snapshot the baselines now; they are never re-read mid-session.
	expected := make(map[int][]string, len(user.Permissions))
	for _, tray := range user.Permissions {
		inv, err := o.store.GetTrayInventory(ctx, tray)
		if err != nil {
			logErr(fmt.Sprintf("load baseline for tray %d", tray), err)
		}
		expected[tray] = inv
	}

	sess := &Session{
		Token:           uuid.New(),
		UserName:        user.Name,
		UID:             uid,
		ChatID:          user.ChatID,
		ExpectedCheckin: expected,
		AsFound:         make(map[int][]string),
		StartedAt:       time.Now().UTC(),
	}

	if user.CanOpen(model.Tray1) && user.CanOpen(model.Tray2) {
		sess.State = StateAwaitingCheckinPhoto1
		sess.MultiTray = true
		o.sess = sess
		o.box.Push(
			model.Command{Verb: model.CommandOpen, Tray: model.Tray1},
			model.Command{Verb: model.CommandOpen, Tray: model.Tray2},
		)
		o.logf("session granted to %s (both trays)", user.Name)
		o.send(sess.ChatID, fmt.Sprintf("Hi %s. Opening both trays. Send the 'before' photo for tray 1.", user.Name))
		return VerifyResult{Status: model.StatusAccessGranted}
	}

	tray := user.Permissions[0]
	sess.State = StateAwaitingInitialPhoto
	sess.ActiveTray = tray
	o.sess = sess
	o.box.Push(model.Command{Verb: model.CommandOpen, Tray: tray})
	o.timers.Schedule(tray, sess.Token, o.cfg.CheckinGrace)
	o.logf("session granted to %s (tray %d)", user.Name, tray)
	o.send(sess.ChatID, fmt.Sprintf("Hi %s. Opening tray %d. You have %s to send the 'before' photo.", user.Name, tray, o.cfg.CheckinGrace))
	return VerifyResult{Status: model.StatusAccessGranted}
}

func denied(reason string) VerifyResult {
	return VerifyResult{Status: model.StatusAccessDenied, Reason: reason}
}

// ---- controller sensor events ----

func (o *Orchestrator) handleDevice(ev evDevice) string {
	if o.sess == nil {
		return model.EventStatusNoSession
	}
	switch ev.Name {
	case model.EventFinalCloseDone:
		if o.sess.State != StateLocking {
			o.logf("ignoring %s in state %s", ev.Name, o.sess.State)
			return model.EventStatusReceived
		}
		o.send(o.sess.ChatID, "Trays closed and locked. Session complete, thank you.")
		o.logf("final close confirmed, session reset to idle")
		o.resetSession()
	case model.EventCloseStarted1, model.EventCloseStarted2:
		o.handleCloseStarted(ev.Name)
	default:
		o.logf("ignoring unknown device event %q", ev.Name)
	}
	return model.EventStatusReceived
}

func (o *Orchestrator) handleCloseStarted(name string) {
	if o.sess.State != StateInUse {
		o.logf("ignoring %s in state %s", name, o.sess.State)
		return
	}
	tray := model.Tray1
	if name == model.EventCloseStarted2 {
		tray = model.Tray2
	}
	if o.sess.MultiTray {
		o.setState(StateAwaitingCheckoutPhoto1)
		o.send(o.sess.ChatID, "Tray close detected. Send the 'after' photo for tray 1.")
		return
	}
	if tray != o.sess.ActiveTray {
		o.logf("ignoring close event for tray %d; session owns tray %d", tray, o.sess.ActiveTray)
		return
	}
	o.setState(StateAwaitingCheckoutFinal)
	o.send(o.sess.ChatID, fmt.Sprintf("Close of tray %d detected. Send the 'after' photo.", tray))
}

// ---- audit photos ----

func (o *Orchestrator) handlePhotoRoute(ev evPhotoRoute) PhotoRoute {
	if o.sess == nil || o.sess.ChatID != ev.ChatID {
		return PhotoRoute{Reply: "You have no active audit session right now."}
	}
	tray, ok := o.sess.trayAwaitingPhoto()
	if !ok {
		return PhotoRoute{Reply: "I am not expecting a photo right now."}
	}
	return PhotoRoute{
		Tray:     tray,
		Accepted: true,
		Reply:    fmt.Sprintf("Photo for tray %d received. Analyzing...", tray),
	}
}

func (o *Orchestrator) handlePhotoAnalyzed(ctx context.Context, ev evPhotoAnalyzed) {
	if o.sess == nil || o.sess.ChatID != ev.ChatID {
		o.logf("dropping photo analysis for tray %d: no matching session", ev.Tray)
		return
	}
	tray, ok := o.sess.trayAwaitingPhoto()
	if !ok || tray != ev.Tray {
		o.send(ev.ChatID, fmt.Sprintf("The photo for tray %d is no longer expected.", ev.Tray))
		return
	}
	if ev.Failed {
		o.send(ev.ChatID, "Warning: the photo could not be analyzed; it counts as showing no items.")
	}
	switch {
	case o.sess.inCheckin():
		o.applyCheckin(ctx, tray, ev.Detected)
	case o.sess.inCheckout():
		o.applyCheckout(ctx, tray, ev.Detected)
	}
}

func (o *Orchestrator) applyCheckin(ctx context.Context, tray int, detected []string) {
	o.timers.Cancel(tray)

	res := reconcile.Compare(o.sess.ExpectedCheckin[tray], detected)
	if res.Clean() {
		o.send(o.sess.ChatID, fmt.Sprintf("Tray %d check-in OK: the inventory matches.", tray))
	} else {
		msg := fmt.Sprintf("Attention (tray %d): initial inventory discrepancy.", tray)
		if len(res.Missing) > 0 {
			msg += fmt.Sprintf("\nAlready missing: %s.", strings.Join(res.Missing, ", "))
			// Predates this session; the current user is not penalized.
			o.recordIncident(ctx, model.Incident{
				IncidentID: uuid.NewString(),
				Kind:       model.IncidentMissingAtCheckin,
				Tray:       tray,
				Items:      res.Missing,
				UserName:   model.PreviousHolder,
			})
		}
		if len(res.Extra) > 0 {
			msg += fmt.Sprintf("\nUnexpected items found: %s.", strings.Join(res.Extra, ", "))
		}
		msg += "\nThe administrator has been notified. Your session starts from the inventory on the photo."
		o.send(o.sess.ChatID, msg)
		o.send(o.cfg.AdminChatID, fmt.Sprintf("Check-in alert (user %s):\n%s", o.sess.UserName, msg))
	}

	// The detected set is the ground truth this session is audited against
	// at check-out, discrepancies or not.
	o.sess.AsFound[tray] = append([]string(nil), detected...)

	switch o.sess.State {
	case StateAwaitingInitialPhoto:
		o.setState(StateInUse)
	case StateAwaitingCheckinPhoto1:
		o.setState(StateAwaitingCheckinPhoto2)
		o.send(o.sess.ChatID, "Now send the 'before' photo for tray 2.")
	case StateAwaitingCheckinPhoto2:
		o.setState(StateInUse)
		o.send(o.sess.ChatID, "Check-in complete for both trays.")
	}
}

func (o *Orchestrator) applyCheckout(ctx context.Context, tray int, detected []string) {
	res := reconcile.Compare(o.sess.AsFound[tray], detected)

	if len(res.Extra) > 0 {
		// Items that were missing earlier are back; fold them into the
		// baseline for future sessions.
		o.send(o.sess.ChatID, fmt.Sprintf("Thanks for returning missing items: %s.", strings.Join(res.Extra, ", ")))
		if err := o.store.AddTrayItems(ctx, tray, res.Extra); err != nil {
			logErr(fmt.Sprintf("update tray %d baseline", tray), err)
		}
	}

	if len(res.Missing) > 0 {
		o.sess.MissingItems = res.Missing
		o.sess.FailedTray = tray
		o.setState(StateAuditFailed)
		o.send(o.sess.ChatID,
			fmt.Sprintf("Alert: discrepancy on tray %d. Missing: %s.", tray, strings.Join(res.Missing, ", ")),
			[]Button{{Label: "Send new photo", Data: fmt.Sprintf("retry_photo_%d", tray)}},
			[]Button{{Label: "Declare incident", Data: fmt.Sprintf("declare_incident_%d", tray)}},
		)
		return
	}

	o.advanceCheckout(tray)
}

func (o *Orchestrator) advanceCheckout(tray int) {
	if o.sess.MultiTray && tray == model.Tray1 {
		o.setState(StateAwaitingCheckoutPhoto2)
		o.send(o.sess.ChatID, "Tray 1 audit done. Now send the 'after' photo for tray 2.")
		return
	}
	o.setState(StateAwaitingManualLock)
	o.send(o.sess.ChatID,
		"Final audit done. Push the trays shut, then confirm to lock.",
		[]Button{{Label: "Confirm and lock", Data: "lock_now"}},
	)
}

// ---- escalation timeout ----

func (o *Orchestrator) handleTimeout(ctx context.Context, ev evTimeout) {
	if o.sess == nil || o.sess.Token != ev.Token {
		return // stale timer from a superseded session
	}
	if o.sess.State != StateAwaitingInitialPhoto || o.sess.ActiveTray != ev.Tray {
		return
	}
	o.logf("check-in photo timeout for tray %d", ev.Tray)
	o.recordIncident(ctx, model.Incident{
		IncidentID:    uuid.NewString(),
		Kind:          model.IncidentMissedCheckinPhoto,
		Tray:          ev.Tray,
		UserName:      o.sess.UserName,
		CredentialUID: o.sess.UID,
	})
	// Continue rather than block: the cabinet must not deadlock on a
	// missing photo.
	o.setState(StateInUse)
	o.send(o.sess.ChatID, fmt.Sprintf("Alert: no initial photo for tray %d within %s. The session is flagged for review and continues.", ev.Tray, o.cfg.CheckinGrace))
}

// ---- buttons ----

func (o *Orchestrator) handleButton(ctx context.Context, ev evButton) {
	if o.sess != nil && o.sess.State == StateAuditFailed &&
		(strings.HasPrefix(ev.Data, "retry_photo_") || strings.HasPrefix(ev.Data, "declare_incident_")) {
		o.handleAuditDecision(ctx, ev)
		return
	}
	if ev.Data == "lock_now" {
		o.handleLockNow(ev)
		return
	}
	if o.cfg.AdminChatID == "" || ev.ChatID != o.cfg.AdminChatID {
		return
	}
	o.handleAdminButton(ctx, ev)
}

func (o *Orchestrator) handleAuditDecision(ctx context.Context, ev evButton) {
	if ev.ChatID != o.sess.ChatID {
		o.answerCallback(ev.CallbackID, "Only the session owner can take this decision.", true)
		return
	}
	tray := trailingTray(ev.Data)
	if tray != o.sess.FailedTray {
		o.answerCallback(ev.CallbackID, "This decision is no longer valid.", true)
		return
	}
	if strings.HasPrefix(ev.Data, "retry_photo_") {
		o.restoreCheckoutWait(tray)
		o.send(o.sess.ChatID, fmt.Sprintf("Understood. Send the new photo for tray %d.", tray))
		return
	}
	o.declareIncident(ctx, tray)
}

// restoreCheckoutWait puts the session back into the waiting state for
// exactly the tray whose audit failed; a tray-2 retry must not fall back to
// tray 1's wait.
func (o *Orchestrator) restoreCheckoutWait(tray int) {
	switch {
	case !o.sess.MultiTray:
		o.setState(StateAwaitingCheckoutFinal)
	case tray == model.Tray1:
		o.setState(StateAwaitingCheckoutPhoto1)
	default:
		o.setState(StateAwaitingCheckoutPhoto2)
	}
	o.sess.MissingItems = nil
	o.sess.FailedTray = 0
}

func (o *Orchestrator) declareIncident(ctx context.Context, tray int) {
	missing := o.sess.MissingItems
	inc := model.Incident{
		IncidentID:    uuid.NewString(),
		Kind:          model.IncidentLostOrDamaged,
		Tray:          tray,
		Items:         missing,
		UserName:      o.sess.UserName,
		CredentialUID: o.sess.UID,
		ReportedAt:    time.Now().UTC(),
	}
	o.recordIncident(ctx, inc)
	o.mail(inc)
	o.send(o.cfg.AdminChatID, fmt.Sprintf("Incident recorded (tray %d): %s. Responsible: %s.", tray, strings.Join(missing, ", "), o.sess.UserName))
	o.send(o.sess.ChatID, fmt.Sprintf("Incident recorded for: %s. You can now finish closing.", strings.Join(missing, ", ")))
	o.sess.MissingItems = nil
	o.sess.FailedTray = 0
	o.advanceCheckout(tray)
}

func (o *Orchestrator) handleLockNow(ev evButton) {
	if o.sess == nil || o.sess.State != StateAwaitingManualLock || ev.ChatID != o.sess.ChatID {
		o.answerCallback(ev.CallbackID, "This action is no longer valid.", true)
		return
	}
	o.box.Push(model.Command{Verb: model.CommandCloseAll})
	o.setState(StateLocking)
	o.send(o.sess.ChatID, "Lock command sent. Waiting for the cabinet to confirm...")
}

// ---- helpers ----

func (o *Orchestrator) setState(next State) {
	o.logf("state %s -> %s", o.sess.State, next)
	o.sess.State = next
}

func (o *Orchestrator) resetSession() {
	o.timers.CancelAll()
	o.sess = nil
}

// recordIncident appends the incident, retrying off the orchestrator
// goroutine if the store is unavailable: incident records must never be lost
// silently.
func (o *Orchestrator) recordIncident(ctx context.Context, inc model.Incident) {
	err := o.store.InsertIncident(ctx, inc)
	if err == nil || errors.Is(err, db.ErrDuplicate) {
		return
	}
	logErr("persist incident (will retry)", err)
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		backoff := retry.WithMaxRetries(6, retry.NewExponential(time.Second))
		err := retry.Do(rctx, backoff, func(rctx context.Context) error {
			if err := o.store.InsertIncident(rctx, inc); err != nil && !errors.Is(err, db.ErrDuplicate) {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			logErr("persist incident", err)
		}
	}()
}

func (o *Orchestrator) send(chatID, text string, buttons ...[]Button) {
	if o.msg == nil || chatID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := o.msg.Send(ctx, chatID, text, buttons); err != nil {
			logErr("send message", err)
		}
	}()
}

func (o *Orchestrator) answerCallback(callbackID, text string, alert bool) {
	if o.msg == nil || callbackID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := o.msg.AnswerCallback(ctx, callbackID, text, alert); err != nil {
			logErr("answer callback", err)
		}
	}()
}

func (o *Orchestrator) mail(inc model.Incident) {
	if o.mailer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := o.mailer.SendIncident(ctx, inc); err != nil {
			logErr("send incident email", err)
		}
	}()
}

func trailingTray(data string) int {
	idx := strings.LastIndex(data, "_")
	if idx < 0 || idx == len(data)-1 {
		return 0
	}
	tray, err := strconv.Atoi(data[idx+1:])
	if err != nil {
		return 0
	}
	return tray
}

func (o *Orchestrator) logf(format string, args ...any) {
	log.Printf("session: "+format, args...)
}

func logErr(scope string, err error) {
	log.Printf("session: %s: %v", scope, err)
}
