package generation

import (
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/meshforge/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session pairs a session id with its orchestrator.
type Session struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	Orchestrator *Orchestrator `json:"-"`
}

// Factory builds the orchestrator for a new session.
type Factory func(sessionID string) *Orchestrator

// Registry holds the in-memory sessions of this process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	factory  Factory
	max      int
	metrics  Metrics
	logger   *zap.Logger
	onCreate []func(*Session)
	closed   bool
}

// NewRegistry creates a registry bounded to max sessions (0 = unbounded).
func NewRegistry(factory Factory, max int, metrics Metrics, logger *zap.Logger) *Registry {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		factory:  factory,
		max:      max,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "session_registry")),
	}
}

// OnCreate registers a hook run for every new session
func (r *Registry) OnCreate(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreate = append(r.onCreate, fn)
}

// Create allocates a new session. It fails with SERVICE_UNAVAILABLE when the
// registry is full or closed.
func (r *Registry) Create() (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, types.NewError(types.ErrServiceUnavailable, "session registry is shutting down")
	}
	if r.max > 0 && len(r.sessions) >= r.max {
		r.mu.Unlock()
		return nil, types.Errorf(types.ErrServiceUnavailable, "session limit reached (%d)", r.max).
			WithRetryable(true)
	}
	id := uuid.NewString()
	s := &Session{ID: id, CreatedAt: time.Now().UTC(), Orchestrator: r.factory(id)}
	r.sessions[id] = s
	n := len(r.sessions)
	hooks := slices.Clone(r.onCreate)
	r.mu.Unlock()

	r.metrics.SetSessionsActive(n)
	r.logger.Info("session created", zap.String("session_id", id))
	for _, h := range hooks {
		h(s)
	}
	return s, nil
}

// Get returns the session with id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Delete cancels and removes the session. It returns false if it was unknown.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Orchestrator.Close()
	r.metrics.SetSessionsActive(n)
	r.logger.Info("session deleted", zap.String("session_id", id))
	return true
}

// List returns all sessions ordered by creation time
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close cancels every session and rejects further Create calls.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Orchestrator.Close()
		}()
	}
	wg.Wait()
	r.metrics.SetSessionsActive(0)
}
