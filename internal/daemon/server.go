// Package daemon exposes the controller-facing HTTP API: credential
// verification, sensor event ingestion, command polling, and the incident
// log. The controller is the only intended client; everything is plain JSON
// over a small fixed surface.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/toolcrib-dev/toolcrib/internal/api"
	"github.com/toolcrib-dev/toolcrib/internal/config"
	"github.com/toolcrib-dev/toolcrib/internal/db"
	"github.com/toolcrib-dev/toolcrib/internal/model"
	"github.com/toolcrib-dev/toolcrib/internal/session"
)

const defaultIncidentLimit = 50

type Server struct {
	cfg      config.Config
	orch     *session.Orchestrator
	store    *db.Store
	httpSrv  *http.Server
	listener net.Listener

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, orch *session.Orchestrator) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:   cfg,
		orch:  orch,
		store: store,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/verify", s.verifyHandler)
	mux.HandleFunc("/v1/report_event", s.eventHandler)
	mux.HandleFunc("/v1/poll_command", s.pollHandler)
	mux.HandleFunc("/v1/incidents", s.incidentsHandler)
	return s
}

// Handler returns the route table, for tests that drive the server through
// httptest instead of a real listener.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	state, err := s.orch.State(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrRefInternal, "session state unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		SessionState:  state.String(),
	})
}

func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.UID) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefBadRequest, "uid is required")
		return
	}
	res, err := s.orch.Verify(r.Context(), req.UID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrRefInternal, "verification unavailable")
		return
	}
	// Denials are normal protocol outcomes, not HTTP errors: the controller
	// branches on the status field.
	s.writeJSON(w, http.StatusOK, api.VerifyResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        res.Status,
		Reason:        res.Reason,
	})
}

func (s *Server) eventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Event) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefBadRequest, "event is required")
		return
	}
	status, err := s.orch.ReportDeviceEvent(r.Context(), req.Event)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrRefInternal, "event processing unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, api.EventResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        status,
	})
}

// pollHandler hands out at most one pending actuator command per call. The
// empty object tells the controller there is nothing to do.
func (s *Server) pollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	cmd, ok, err := s.orch.PollCommand(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrRefInternal, "command queue unavailable")
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) incidentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := defaultIncidentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	incidents, err := s.store.ListIncidents(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrRefInternal, "incident log unavailable")
		return
	}
	items := make([]api.IncidentResponse, 0, len(incidents))
	for _, inc := range incidents {
		items = append(items, api.IncidentResponse{
			IncidentID:    inc.IncidentID,
			Kind:          string(inc.Kind),
			Tray:          inc.Tray,
			Items:         inc.Items,
			UserName:      inc.UserName,
			CredentialUID: inc.CredentialUID,
			ReportedAt:    inc.ReportedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, api.IncidentsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Incidents:     items,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}
