// Package registry owns the set of live sessions. It is the only shared
// mutable state in the gateway; everything is guarded by one mutex and no
// I/O ever happens under it. Capacity is enforced with slot reservations
// so concurrent creates at the cap cannot both succeed while container
// creation still runs outside the lock.
package registry

import (
	"context"
	"sync"
	"time"

	"execgate/internal/errs"
)

// Session is the registry record for a live container.
type Session struct {
	ID            string
	ContainerID   string
	CreatedAt     time.Time
	HostPort      int
	WorkspacePath string
	EnvSnapshot   []string
	// IdleTimeout overrides the configured idle timeout when positive.
	IdleTimeout time.Duration

	// lastUsedAt is guarded by the owning registry's mutex.
	lastUsedAt time.Time

	// gate serializes executes; pending counts the holder plus waiters.
	gate    chan struct{}
	pending int32

	// cancel aborts the in-flight execute on forced close.
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	closing  bool
}

// View is an immutable snapshot of a session's public state.
type View struct {
	ID          string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	HostPort    int
	IdleTimeout time.Duration
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	reserved int
	max      int
	now      func() time.Time
}

func New(maxSessions int) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		max:      maxSessions,
		now:      time.Now,
	}
}

// Reserve claims a capacity slot ahead of container creation. The caller
// must either Insert a session or Release the slot.
func (r *Registry) Reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions)+r.reserved >= r.max {
		return errs.Newf(errs.CodeCapacityExhausted, "maximum number of sessions reached (%d)", r.max)
	}
	r.reserved++
	return nil
}

// Release returns a reserved slot after a failed creation.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved > 0 {
		r.reserved--
	}
}

// Insert converts a reservation into a live record.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved > 0 {
		r.reserved--
	}
	s.gate = make(chan struct{}, 1)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	s.lastUsedAt = s.CreatedAt
	r.sessions[s.ID] = s
}

// Get returns the live record for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errs.Newf(errs.CodeSessionNotFound, "session %s not found", id)
	}
	return s, nil
}

// Touch bumps the session's last-use time. Unknown ids are ignored: the
// session may have been closed between an operation and its touch.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		now := r.now()
		if now.After(s.lastUsedAt) {
			s.lastUsedAt = now
		}
	}
}

// LastUsed returns the session's last-use time.
func (r *Registry) LastUsed(id string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return time.Time{}, errs.Newf(errs.CodeSessionNotFound, "session %s not found", id)
	}
	return s.lastUsedAt, nil
}

// Remove deletes the record, returning it so the caller can drive
// container teardown. Removing an absent id fails with session_not_found.
func (r *Registry) Remove(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errs.Newf(errs.CodeSessionNotFound, "session %s not found", id)
	}
	delete(r.sessions, id)
	return s, nil
}

// Snapshot returns a point-in-time view of every live session. It is not
// linearized against concurrent creates and closes.
func (r *Registry) Snapshot() []View {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]View, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, View{
			ID:          s.ID,
			CreatedAt:   s.CreatedAt,
			LastUsedAt:  s.lastUsedAt,
			HostPort:    s.HostPort,
			IdleTimeout: s.IdleTimeout,
		})
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// AcquireExec takes the session's execute slot. One caller holds the slot
// and at most one more waits; further callers are rejected immediately
// with session_busy.
func (s *Session) AcquireExec(ctx context.Context) error {
	s.cancelMu.Lock()
	if s.pending >= 2 {
		s.cancelMu.Unlock()
		return errs.Newf(errs.CodeSessionBusy, "session %s is executing", s.ID)
	}
	s.pending++
	s.cancelMu.Unlock()

	select {
	case s.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		s.cancelMu.Lock()
		s.pending--
		s.cancelMu.Unlock()
		return ctx.Err()
	}
}

// ReleaseExec frees the execute slot.
func (s *Session) ReleaseExec() {
	<-s.gate
	s.cancelMu.Lock()
	s.pending--
	s.cancelMu.Unlock()
}

// SetCancel registers the in-flight execute's cancel function. It fails
// with session_closing when a forced close already began.
func (s *Session) SetCancel(cancel context.CancelFunc) error {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.closing {
		return errs.Newf(errs.CodeSessionClosing, "session %s is closing", s.ID)
	}
	s.cancel = cancel
	return nil
}

// ClearCancel removes the registered cancel function.
func (s *Session) ClearCancel() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancel = nil
}

// BeginClose marks the session closing and cancels any in-flight execute.
func (s *Session) BeginClose() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.closing = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Closing reports whether a forced close has begun.
func (s *Session) Closing() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.closing
}
