package model

import "time"

// Tray ids are fixed by the cabinet hardware: two independently lockable
// trays driven by one controller.
const (
	Tray1 = 1
	Tray2 = 2
)

// Actuator command verbs. The strings are the controller firmware contract.
const (
	CommandOpen     = "open"
	CommandClose    = "close"
	CommandCloseAll = "close_all"
)

// Command is one pending actuator instruction. Tray is zero for close_all.
type Command struct {
	Verb string `json:"command"`
	Tray int    `json:"tray,omitempty"`
}

// Sensor events reported by the controller firmware.
const (
	EventCloseStarted1  = "inicio_cierre_1"
	EventCloseStarted2  = "inicio_cierre_2"
	EventFinalCloseDone = "cierre_exitoso_final"
)

// Statuses returned for reported sensor events.
const (
	EventStatusReceived  = "event_received"
	EventStatusNoSession = "no_active_session"
)

// Verification statuses returned to the controller after a credential scan.
const (
	StatusAccessGranted        = "acceso_concedido"
	StatusAccessDenied         = "acceso_denegado"
	StatusMasterMode           = "master_mode"
	StatusLinkingComplete      = "linking_complete"
	StatusLinkingFailed        = "linking_failed"
	StatusRegistrationComplete = "registration_complete"
)

// Denial reasons attached to acceso_denegado responses.
const (
	ReasonUnknownCredential = "unknown_credential"
	ReasonNoChatLink        = "no_telegram_link"
	ReasonSessionActive     = "session_active"
)

// User is an authorized credential holder. ChatID is empty until an
// administrator links the user's messaging account.
type User struct {
	CredentialUID string
	Name          string
	Permissions   []int
	ChatID        string
	CreatedAt     time.Time
}

func (u User) Linked() bool { return u.ChatID != "" }

// CanOpen reports whether the user is authorized for the given tray.
func (u User) CanOpen(tray int) bool {
	for _, p := range u.Permissions {
		if p == tray {
			return true
		}
	}
	return false
}

type IncidentKind string

const (
	// IncidentMissingAtCheckin: items absent from the check-in photo
	// relative to the tray baseline. Attributed to the previous holder,
	// never the user opening the session.
	IncidentMissingAtCheckin IncidentKind = "missing_at_checkin"
	// IncidentMissedCheckinPhoto: no check-in photo arrived within the
	// grace period. Carries no item list.
	IncidentMissedCheckinPhoto IncidentKind = "missed_checkin_photo"
	// IncidentLostOrDamaged: the session owner declared items missing at
	// check-out instead of retrying the photo.
	IncidentLostOrDamaged IncidentKind = "lost_or_damaged"
)

// Incident is an append-only audit record.
type Incident struct {
	IncidentID    string
	Kind          IncidentKind
	Tray          int
	Items         []string
	UserName      string
	CredentialUID string
	ReportedAt    time.Time
}

// Attribution used for discrepancies that predate the current session.
const PreviousHolder = "previous-holder/unknown"

// Error codes for the HTTP error envelope.
const (
	ErrRefBadRequest = "bad_request"
	ErrRefInvalid    = "invalid"
	ErrRefInternal   = "internal"
)
