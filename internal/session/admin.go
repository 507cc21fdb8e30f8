package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/toolcrib-dev/toolcrib/internal/db"
	"github.com/toolcrib-dev/toolcrib/internal/model"
)

// The admin workflows (user registration, account linking, maintenance tray
// control) form a small state machine per administrator chat, independent of
// the Session machine but fed from the same event inbox. A credential scan is
// claimed by a pending admin stage before normal authentication is attempted.

type adminStage int

const (
	adminIdle adminStage = iota
	// Registration: name -> permissions -> card scan.
	adminAwaitName
	adminAwaitPermissions
	adminAwaitCardScan
	// Auto link: pick user -> user sends /start -> confirming card scan.
	adminSelectLinkUser
	adminAwaitUserStart
	adminAwaitLinkScan
	// Manual link: pick user -> admin sends the chat id.
	adminSelectManualUser
	adminAwaitManualChatID
)

type adminFlow struct {
	stage         adminStage
	newUserName   string
	permissions   []int
	linkUser      *model.User
	linkingChatID string
}

// adminFlowState returns the configured administrator's pending flow, if any.
func (o *Orchestrator) adminFlowState() *adminFlow {
	if o.cfg.AdminChatID == "" {
		return nil
	}
	return o.admin[o.cfg.AdminChatID]
}

func (o *Orchestrator) sendAdminMenu() {
	if o.cfg.AdminChatID == "" {
		return
	}
	o.send(o.cfg.AdminChatID, "Admin mode active. Choose an option:",
		[]Button{{Label: "Add user", Data: "add_user"}},
		[]Button{{Label: "Link user (auto)", Data: "link_user"}},
		[]Button{{Label: "Link chat id manually", Data: "link_user_manual"}},
		[]Button{{Label: "Toggle tray 1", Data: "toggle_tray_1"}},
		[]Button{{Label: "Toggle tray 2", Data: "toggle_tray_2"}},
		[]Button{{Label: "Exit admin mode", Data: "cancel_admin"}},
	)
}

func (o *Orchestrator) handleAdminButton(ctx context.Context, ev evButton) {
	flow := o.admin[ev.ChatID]
	switch {
	case ev.Data == "add_user":
		o.admin[ev.ChatID] = &adminFlow{stage: adminAwaitName}
		o.send(ev.ChatID, "Understood. Send the new user's full name.")
	case ev.Data == "link_user":
		o.startLinkSelection(ctx, ev.ChatID, false)
	case ev.Data == "link_user_manual":
		o.startLinkSelection(ctx, ev.ChatID, true)
	case strings.HasPrefix(ev.Data, "toggle_tray_"):
		o.toggleTray(ev)
	case ev.Data == "cancel_admin":
		delete(o.admin, ev.ChatID)
		o.send(ev.ChatID, "Admin mode closed.")
	case strings.HasPrefix(ev.Data, "manual_link_"):
		if flow != nil && flow.stage == adminSelectManualUser {
			o.pickLinkUser(ctx, flow, strings.TrimPrefix(ev.Data, "manual_link_"), true)
		}
	case strings.HasPrefix(ev.Data, "link_"):
		if flow != nil && flow.stage == adminSelectLinkUser {
			o.pickLinkUser(ctx, flow, strings.TrimPrefix(ev.Data, "link_"), false)
		}
	case strings.HasPrefix(ev.Data, "perm_"):
		if flow != nil && flow.stage == adminAwaitPermissions {
			o.pickPermissions(flow, ev)
		}
	default:
		o.logf("ignoring admin button %q", ev.Data)
	}
}

func (o *Orchestrator) handleText(ctx context.Context, ev evText) {
	flow := o.admin[ev.ChatID]
	if flow == nil {
		return
	}
	switch flow.stage {
	case adminAwaitName:
		name := strings.TrimSpace(ev.Text)
		if name == "" {
			o.send(ev.ChatID, "Please send a non-empty name.")
			return
		}
		flow.newUserName = name
		flow.stage = adminAwaitPermissions
		o.send(ev.ChatID, fmt.Sprintf("Name saved: %q. Now choose the permissions:", name),
			[]Button{{Label: "Tray 1", Data: "perm_1"}},
			[]Button{{Label: "Tray 2", Data: "perm_2"}},
			[]Button{{Label: "Both trays", Data: "perm_both"}},
		)
	case adminAwaitManualChatID:
		o.finishManualLink(ctx, flow, strings.TrimSpace(ev.Text))
	}
}

func (o *Orchestrator) handleStart(ev evStart) {
	if flow := o.adminFlowState(); flow != nil && flow.stage == adminAwaitUserStart && flow.linkUser != nil {
		flow.linkingChatID = ev.ChatID
		flow.stage = adminAwaitLinkScan
		o.send(ev.ChatID, "Thanks. Your account is ready to be linked; the administrator will finish the process.")
		o.send(o.cfg.AdminChatID, fmt.Sprintf("User %q started the link. To confirm, scan %s's card on the reader.", flow.linkUser.Name, flow.linkUser.Name))
		return
	}
	o.send(ev.ChatID, fmt.Sprintf("Hello, I am the tool crib bot. Your chat id is: %s", ev.ChatID))
}

func (o *Orchestrator) startLinkSelection(ctx context.Context, chatID string, manual bool) {
	users, err := o.store.ListUnlinkedUsers(ctx)
	if err != nil {
		logErr("list unlinked users", err)
		o.send(chatID, "Could not load the user list, try again.")
		return
	}
	if len(users) == 0 {
		o.send(chatID, "No users pending linking.")
		return
	}
	prefix, stage, title := "link_", adminSelectLinkUser, "Auto link: choose the user:"
	if manual {
		prefix, stage, title = "manual_link_", adminSelectManualUser, "Manual link: choose the user:"
	}
	buttons := make([][]Button, 0, len(users))
	for _, user := range users {
		buttons = append(buttons, []Button{{Label: user.Name, Data: prefix + user.CredentialUID}})
	}
	o.admin[chatID] = &adminFlow{stage: stage}
	o.send(chatID, title, buttons...)
}

func (o *Orchestrator) pickLinkUser(ctx context.Context, flow *adminFlow, uid string, manual bool) {
	user, err := o.store.GetUserByUID(ctx, uid)
	if err != nil {
		logErr("load user to link", err)
		o.send(o.cfg.AdminChatID, "Could not load that user, try again.")
		return
	}
	flow.linkUser = &user
	if manual {
		flow.stage = adminAwaitManualChatID
		o.send(o.cfg.AdminChatID, fmt.Sprintf("User %q selected. Now send the numeric chat id.", user.Name))
		return
	}
	flow.stage = adminAwaitUserStart
	o.send(o.cfg.AdminChatID, fmt.Sprintf("Tell %q to open a chat with the bot and send /start.", user.Name))
}

func (o *Orchestrator) pickPermissions(flow *adminFlow, ev evButton) {
	switch ev.Data {
	case "perm_1":
		flow.permissions = []int{model.Tray1}
	case "perm_2":
		flow.permissions = []int{model.Tray2}
	case "perm_both":
		flow.permissions = []int{model.Tray1, model.Tray2}
	default:
		return
	}
	flow.stage = adminAwaitCardScan
	o.send(ev.ChatID, "Permissions saved. Now scan the new user's card on the reader to finish.")
}

func (o *Orchestrator) finishManualLink(ctx context.Context, flow *adminFlow, raw string) {
	delete(o.admin, o.cfg.AdminChatID)
	if flow.linkUser == nil || !isDigits(raw) {
		o.send(o.cfg.AdminChatID, "Invalid input: send only the numeric chat id. Process cancelled.")
		return
	}
	if err := o.store.LinkChatID(ctx, flow.linkUser.CredentialUID, raw); err != nil {
		logErr("manual link", err)
		o.send(o.cfg.AdminChatID, "Linking failed, try again.")
		return
	}
	o.logf("user %s manually linked to chat %s", flow.linkUser.CredentialUID, raw)
	o.send(o.cfg.AdminChatID, fmt.Sprintf("Done. %q is now linked to chat id %s.", flow.linkUser.Name, raw))
	o.send(raw, "Your account has been linked to the tool crib by an administrator.")
}

func (o *Orchestrator) finishAutoLink(ctx context.Context, flow *adminFlow, uid string) VerifyResult {
	delete(o.admin, o.cfg.AdminChatID)
	if flow.linkUser == nil || uid != flow.linkUser.CredentialUID || flow.linkingChatID == "" {
		o.send(o.cfg.AdminChatID, "Wrong card. The linking process has been cancelled.")
		return VerifyResult{Status: model.StatusLinkingFailed}
	}
	if err := o.store.LinkChatID(ctx, uid, flow.linkingChatID); err != nil {
		logErr("auto link", err)
		o.send(o.cfg.AdminChatID, "Linking failed, try again.")
		return VerifyResult{Status: model.StatusLinkingFailed}
	}
	o.logf("user %s linked to chat %s", uid, flow.linkingChatID)
	o.send(o.cfg.AdminChatID, fmt.Sprintf("Confirmed. %q's account is now linked.", flow.linkUser.Name))
	o.send(flow.linkingChatID, "Your account has been linked successfully.")
	return VerifyResult{Status: model.StatusLinkingComplete}
}

func (o *Orchestrator) finishRegistration(ctx context.Context, flow *adminFlow, uid string) VerifyResult {
	delete(o.admin, o.cfg.AdminChatID)
	user := model.User{
		CredentialUID: uid,
		Name:          flow.newUserName,
		Permissions:   flow.permissions,
	}
	err := o.store.InsertUser(ctx, user)
	switch {
	case errors.Is(err, db.ErrDuplicate):
		o.send(o.cfg.AdminChatID, fmt.Sprintf("Error: the card %s is already registered.", uid))
	case err != nil:
		logErr("register user", err)
		o.send(o.cfg.AdminChatID, "Registration failed, try again.")
	default:
		o.logf("registered user %q with credential %s", flow.newUserName, uid)
		o.send(o.cfg.AdminChatID, fmt.Sprintf("Done. User %q registered with card %s.", flow.newUserName, uid))
	}
	return VerifyResult{Status: model.StatusRegistrationComplete}
}

// toggleTray is the admin maintenance override: open or close a tray outside
// any session. It only enqueues commands; session state is untouched.
func (o *Orchestrator) toggleTray(ev evButton) {
	tray := trailingTray(ev.Data)
	if tray != model.Tray1 && tray != model.Tray2 {
		return
	}
	if o.trayOpen[tray] {
		o.box.Push(model.Command{Verb: model.CommandClose, Tray: tray})
		o.trayOpen[tray] = false
		o.answerCallback(ev.CallbackID, fmt.Sprintf("Command sent: close tray %d", tray), false)
		return
	}
	o.box.Push(model.Command{Verb: model.CommandOpen, Tray: tray})
	o.trayOpen[tray] = true
	o.answerCallback(ev.CallbackID, fmt.Sprintf("Command sent: open tray %d", tray), false)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
