package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/toolcrib-dev/toolcrib/internal/model"
)

// State is the session machine position. The cabinet is a single exclusively
// owned resource: at most one non-idle Session exists at any time.
type State int

const (
	StateIdle State = iota
	StateAwaitingInitialPhoto
	StateAwaitingCheckinPhoto1
	StateAwaitingCheckinPhoto2
	StateInUse
	StateAwaitingCheckoutPhoto1
	StateAwaitingCheckoutPhoto2
	StateAwaitingCheckoutFinal
	StateAuditFailed
	StateAwaitingManualLock
	StateLocking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInitialPhoto:
		return "awaiting_initial_photo"
	case StateAwaitingCheckinPhoto1:
		return "awaiting_checkin_photo_1"
	case StateAwaitingCheckinPhoto2:
		return "awaiting_checkin_photo_2"
	case StateInUse:
		return "in_use"
	case StateAwaitingCheckoutPhoto1:
		return "awaiting_checkout_photo_1"
	case StateAwaitingCheckoutPhoto2:
		return "awaiting_checkout_photo_2"
	case StateAwaitingCheckoutFinal:
		return "awaiting_checkout_final"
	case StateAuditFailed:
		return "audit_failed"
	case StateAwaitingManualLock:
		return "awaiting_manual_lock"
	case StateLocking:
		return "locking"
	default:
		return "unknown"
	}
}

// Session is the singleton record of who currently holds cabinet access and
// what has been audited so far. Owned exclusively by the orchestrator
// goroutine.
type Session struct {
	State      State
	Token      uuid.UUID
	UserName   string
	UID        string
	ChatID     string
	MultiTray  bool
	ActiveTray int

	// ExpectedCheckin is the tray baseline snapshotted at authentication;
	// the check-in comparison target.
	ExpectedCheckin map[int][]string
	// AsFound is the detected set captured at check-in; the check-out
	// comparison target for this session.
	AsFound map[int][]string

	// Retained while in StateAuditFailed.
	MissingItems []string
	FailedTray   int

	StartedAt time.Time
}

// trayAwaitingPhoto maps the current state to the tray whose audit photo is
// pending, if any.
func (s *Session) trayAwaitingPhoto() (int, bool) {
	switch s.State {
	case StateAwaitingInitialPhoto, StateAwaitingCheckoutFinal:
		return s.ActiveTray, true
	case StateAwaitingCheckinPhoto1, StateAwaitingCheckoutPhoto1:
		return model.Tray1, true
	case StateAwaitingCheckinPhoto2, StateAwaitingCheckoutPhoto2:
		return model.Tray2, true
	default:
		return 0, false
	}
}

func (s *Session) inCheckin() bool {
	switch s.State {
	case StateAwaitingInitialPhoto, StateAwaitingCheckinPhoto1, StateAwaitingCheckinPhoto2:
		return true
	default:
		return false
	}
}

func (s *Session) inCheckout() bool {
	switch s.State {
	case StateAwaitingCheckoutPhoto1, StateAwaitingCheckoutPhoto2, StateAwaitingCheckoutFinal:
		return true
	default:
		return false
	}
}
