package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sqlrelay/sqlrelay/wire"
)

// Registry is the server-side authority over sessions: it maps session ids
// to their state, mediates every lease and return of a physical connection,
// and cascade-releases everything a session owns when it ends.
type Registry struct {
	cfg     Config
	pool    *Pool
	handles *handleManager
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	prepared map[string]string // XA branch id -> owning session id

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry wires a registry over an open pool. When the config sets a
// session idle timeout, a janitor goroutine expires abandoned sessions.
func NewRegistry(cfg Config, pool *Pool, log *slog.Logger) *Registry {
	r := &Registry{
		cfg:      cfg,
		pool:     pool,
		handles:  newHandleManager(),
		log:      log,
		sessions: make(map[string]*session),
		prepared: make(map[string]string),
		stop:     make(chan struct{}),
	}
	if cfg.SessionIdleTimeout > 0 {
		go r.janitor()
	}
	return r
}

// connect creates a new logical session. No physical connection is leased
// yet; that happens lazily on the first call that needs one.
func (r *Registry) connect() *session {
	s := &session{
		id:         uuid.NewString(),
		reg:        r,
		createdAt:  time.Now(),
		autoCommit: true,
		isolation:  r.pool.DefaultIsolation(),
	}
	s.touch()
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	r.log.Debug("session opened", "session", s.id)
	return s
}

func (r *Registry) get(id string) (*session, error) {
	if id == "" {
		return nil, wire.NewProtocolError("missing session id")
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, wire.NewLifecycleError("unknown session %q", id)
	}
	return s, nil
}

// closeSession tears down a session: all its handles (cursors before
// statements), any open transaction, then the pin, before the id disappears.
func (r *Registry) closeSession(id string) error {
	s, err := r.get(id)
	if err != nil {
		// Closing an unknown session is treated as already closed.
		if wire.IsLifecycle(err) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	terr := s.teardown()
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.log.Debug("session closed", "session", id)
	return terr
}

// Cancel delivers an out-of-band cancel to the call currently executing on
// the session. It deliberately does not take the session's call lock.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return s.cancelInFlight()
}

// SessionCount reports the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// recordPrepared registers a prepared XA branch for recover listings.
func (r *Registry) recordPrepared(xid string, s *session) {
	r.mu.Lock()
	r.prepared[xid] = s.id
	r.mu.Unlock()
}

// forgetBranch drops a prepared-branch record. Reports whether it existed.
func (r *Registry) forgetBranch(xid string) bool {
	r.mu.Lock()
	_, ok := r.prepared[xid]
	delete(r.prepared, xid)
	r.mu.Unlock()
	return ok
}

// preparedBranches lists branch ids that prepared but have not terminated.
func (r *Registry) preparedBranches() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	xids := make([]string, 0, len(r.prepared))
	for xid := range r.prepared {
		xids = append(xids, xid)
	}
	return xids
}

func (r *Registry) janitor() {
	idle := time.Duration(r.cfg.SessionIdleTimeout)
	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-idle).UnixNano()
		r.mu.Lock()
		var expired []string
		for id, s := range r.sessions {
			if s.lastUsed.Load() < cutoff {
				expired = append(expired, id)
			}
		}
		r.mu.Unlock()
		for _, id := range expired {
			r.log.Info("expiring idle session", "session", id)
			if err := r.closeSession(id); err != nil {
				r.log.Warn("expire session", "session", id, "error", err)
			}
		}
	}
}

// Close tears down every session and stops the janitor. The pool itself is
// owned by the caller.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		if err := r.closeSession(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
