package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kevin07696/payment-bridge/internal/domain"
	"github.com/kevin07696/payment-bridge/internal/services/bridge"
	"github.com/kevin07696/payment-bridge/pkg/observability"
)

var errOutboxClosed = errors.New("session outbox closed")

// Session is one loaded bridge: a machine and the outbox its browser reads
type Session struct {
	ID        uuid.UUID
	Machine   *bridge.Machine
	Outbox    *Outbox
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the session ends; terminal calls run under it
func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) stop() {
	s.Machine.Stop()
	s.cancel()
	s.Outbox.Close()
}

// Registry holds live sessions and reaps them after their TTL
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}
}

// Add registers a session built around machine. parent is the context the
// session's work derives from.
func (r *Registry) Add(parent context.Context, id uuid.UUID, machine *bridge.Machine, outbox *Outbox) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:        id,
		Machine:   machine,
		Outbox:    outbox,
		CreatedAt: r.now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	observability.SetActiveSessions(count)
	return s
}

// Get looks up a live session
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound.WithDetail("session_id", id.String())
	}
	return s, nil
}

// Remove stops and forgets a session
func (r *Registry) Remove(id uuid.UUID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return domain.ErrSessionNotFound.WithDetail("session_id", id.String())
	}
	s.stop()
	observability.SetActiveSessions(count)
	return nil
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reap stops sessions older than the TTL and returns how many it removed
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.CreatedAt.Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Info("Reaping expired session",
			zap.String("session_id", s.ID.String()),
			zap.String("state", s.Machine.State().String()),
		)
		s.stop()
	}

	if len(expired) > 0 {
		observability.RecordSessionsReaped(len(expired))
		observability.SetActiveSessions(count)
	}
	return len(expired)
}

// Shutdown stops every session, cancelling pending closing steps
func (r *Registry) Shutdown(_ context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[uuid.UUID]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	observability.SetActiveSessions(0)

	r.logger.Info("Sessions stopped", zap.Int("count", len(sessions)))
	return nil
}
