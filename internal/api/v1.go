package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// VerifyRequest is a credential scan reported by the cabinet controller.
type VerifyRequest struct {
	UID string `json:"uid"`
}

type VerifyResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
}

// EventRequest is a sensor event reported by the cabinet controller.
type EventRequest struct {
	Event string `json:"event"`
}

type EventResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type IncidentResponse struct {
	IncidentID    string   `json:"incident_id"`
	Kind          string   `json:"kind"`
	Tray          int      `json:"tray"`
	Items         []string `json:"items"`
	UserName      string   `json:"user_name"`
	CredentialUID string   `json:"credential_uid,omitempty"`
	ReportedAt    string   `json:"reported_at"`
}

type IncidentsEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Incidents     []IncidentResponse `json:"incidents"`
}
