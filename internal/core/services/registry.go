package services

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/clock"
)

// SessionEntry is one registered session together with everything that must
// die with it. Cleanups are registered as the session's collaborators are
// wired and run in reverse order on teardown, before the peer connection is
// closed.
type SessionEntry struct {
	Session *domain.Session
	PC      ports.PeerConnection

	mu       sync.Mutex
	cleanups []func()
	tornDown bool
}

// OnTeardown registers a cleanup to run when the entry is torn down. If the
// entry is already torn down the cleanup runs immediately.
func (e *SessionEntry) OnTeardown(f func()) {
	e.mu.Lock()
	if e.tornDown {
		e.mu.Unlock()
		f()
		return
	}
	e.cleanups = append(e.cleanups, f)
	e.mu.Unlock()
}

func (e *SessionEntry) teardown() {
	e.mu.Lock()
	if e.tornDown {
		e.mu.Unlock()
		return
	}
	e.tornDown = true
	cleanups := e.cleanups
	e.cleanups = nil
	e.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	if e.PC != nil {
		_ = e.PC.Close()
	}
}

// SessionRegistry owns every live session keyed by remote peer id. All
// creation, lookup and destruction go through it so that teardown is
// auditable: after Teardown returns, no timers, buffered candidates or
// health records for that remote remain.
type SessionRegistry struct {
	mu      sync.RWMutex
	entries map[domain.PeerID]*SessionEntry
	clk     clock.Clock
	log     *zap.SugaredLogger
}

func NewSessionRegistry(clk clock.Clock, log *zap.SugaredLogger) *SessionRegistry {
	return &SessionRegistry{
		entries: make(map[domain.PeerID]*SessionEntry),
		clk:     clk,
		log:     log,
	}
}

// Create registers a new session for remoteID with the given fixed role.
// Returns ErrSessionExists if one is already registered.
func (r *SessionRegistry) Create(remoteID domain.PeerID, role domain.Role, pc ports.PeerConnection) (*SessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[remoteID]; ok {
		return nil, domain.ErrSessionExists
	}

	entry := &SessionEntry{
		Session: &domain.Session{
			ID:               domain.SessionID(uuid.NewString()),
			RemoteID:         remoteID,
			Role:             role,
			NegotiationState: domain.NegotiationIdle,
			Phase:            domain.PhaseConnecting,
			CreatedAt:        r.clk.Now(),
		},
		PC: pc,
	}
	r.entries[remoteID] = entry

	r.log.Infow("session created",
		"remote_id", remoteID,
		"session_id", entry.Session.ID,
		"role", role,
	)
	return entry, nil
}

// Get returns the entry for remoteID, or ErrSessionNotFound.
func (r *SessionRegistry) Get(remoteID domain.PeerID) (*SessionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[remoteID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return entry, nil
}

// Registered reports whether remoteID currently has a live session. Stale
// timer callbacks use this to no-op instead of acting on a dead session.
func (r *SessionRegistry) Registered(remoteID domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[remoteID]
	return ok
}

// Teardown unregisters the session and runs its cleanups: timers cancelled,
// tracks stopped, ICE buffer cleared, then the peer connection closed.
func (r *SessionRegistry) Teardown(remoteID domain.PeerID) error {
	r.mu.Lock()
	entry, ok := r.entries[remoteID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	delete(r.entries, remoteID)
	r.mu.Unlock()

	entry.teardown()
	r.log.Infow("session torn down", "remote_id", remoteID, "session_id", entry.Session.ID)
	return nil
}

// TeardownAll destroys every registered session.
func (r *SessionRegistry) TeardownAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[domain.PeerID]*SessionEntry)
	r.mu.Unlock()

	for remoteID, entry := range entries {
		entry.teardown()
		r.log.Infow("session torn down", "remote_id", remoteID, "session_id", entry.Session.ID)
	}
}

// RemoteIDs lists the remotes with a live session.
func (r *SessionRegistry) RemoteIDs() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.PeerID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
