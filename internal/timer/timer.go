// Package timer provides cancellable per-tray escalation timers for the
// check-in photo grace period. Cancellation is best-effort: a timer that
// fires after being logically superseded carries a session token the
// orchestrator uses to detect staleness.
package timer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Timeout struct {
	Tray  int
	Token uuid.UUID
}

type Service struct {
	mu      sync.Mutex
	pending map[int]*time.Timer
	fire    func(Timeout)
}

func NewService(fire func(Timeout)) *Service {
	return &Service{
		pending: make(map[int]*time.Timer),
		fire:    fire,
	}
}

// Schedule arms the escalation timer for a tray. At most one timer is
// outstanding per tray; scheduling again replaces the previous one.
func (s *Service) Schedule(tray int, token uuid.UUID, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.pending[tray]; ok {
		prev.Stop()
	}
	s.pending[tray] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, tray)
		s.mu.Unlock()
		s.fire(Timeout{Tray: tray, Token: token})
	})
}

func (s *Service) Cancel(tray int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[tray]; ok {
		t.Stop()
		delete(s.pending, tray)
	}
}

func (s *Service) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tray, t := range s.pending {
		t.Stop()
		delete(s.pending, tray)
	}
}
