package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lmtoolsbridge/broker/internal/registry"
)

// Registry is the subset of *registry.Registry the session manager
// needs, kept as an interface so tests can substitute a fake, mirroring
// the teacher's CachingCaller/AuthInjector seams.
type Registry interface {
	MatchCwd(cwd string) (*registry.InstanceRecord, bool)
	Contains(instanceID, cwd string) bool
}

// HealthChecker probes a target's /mcp/health endpoint.
type HealthChecker interface {
	CheckHealth(ctx context.Context, host string, port int) bool
}

// Manager owns the map of live Sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	clock    func() time.Time

	registry Registry
	health   HealthChecker
	resolve  singleflight.Group

	matchRetryWindow time.Duration
}

// New creates a Manager. matchRetryWindow bounds the handshake's
// registry-match retry (~5s per SPEC_FULL.md §5's target-resolve
// timeout).
func New(reg Registry, health HealthChecker, sessionTTL, matchRetryWindow time.Duration) *Manager {
	return &Manager{
		sessions:         make(map[string]*Session),
		ttl:              sessionTTL,
		clock:            time.Now,
		registry:         reg,
		health:           health,
		matchRetryWindow: matchRetryWindow,
	}
}

// Create mints a brand-new session for an `initialize` call.
func (m *Manager) Create() *Session {
	now := m.clock()
	s := &Session{ID: uuid.NewString(), LastSeen: now}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s.clone()
}

// Get returns a snapshot of the session for id, if live.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || m.expiredLocked(s) {
		return nil, false
	}
	return s.clone(), true
}

// RecoverOrCreate implements the handshake recovery path: a client
// calling the handshake tool with no Mcp-Session-Id header, or with one
// naming a session this broker does not hold. suppliedID is that
// header's value ("" when absent).
//
// If suppliedID is empty, or already maps to a live session, a fresh
// id is minted instead of reusing it — a live session under that id
// belongs to some other connection, and reusing it would let a new
// caller hijack it (SPEC_FULL.md §9's collision-avoidance decision on
// the source's unchecked recovery path). Only when suppliedID is
// genuinely unmapped (e.g. a broker restart wiped in-memory state) is
// it honored as-is.
func (m *Manager) RecoverOrCreate(suppliedID string) *Session {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if suppliedID != "" {
		if existing, ok := m.sessions[suppliedID]; !ok || m.expiredLocked(existing) {
			s := &Session{ID: suppliedID, LastSeen: now}
			m.sessions[suppliedID] = s
			return s.clone()
		}
	}

	s := &Session{ID: uuid.NewString(), LastSeen: now}
	m.sessions[s.ID] = s
	return s.clone()
}

// SetCapabilities records parsed capabilities for a session.
func (m *Manager) SetCapabilities(id string, caps Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Caps = caps
	}
}

// Touch refreshes a session's lastSeen, extending its TTL.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastSeen = m.clock()
	}
}

// Close removes a session (DELETE /mcp).
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// List returns a snapshot of all non-expired sessions, used by the
// status endpoint (SPEC_FULL.md §6: "now, instance list, session
// list, roots policy, uptime").
func (m *Manager) List() []*Session {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if now.Sub(s.LastSeen) > m.ttl {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}

// Prune drops sessions past TTL.
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen) > m.ttl {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) expiredLocked(s *Session) bool {
	return m.clock().Sub(s.LastSeen) > m.ttl
}

// SetClock overrides the time source. Test-only.
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

var errNoMatchYet = errors.New("no match yet")

// Handshake runs steps 1-6 of SPEC_FULL.md §4.4 (everything short of
// Discovery, which the HTTP layer invokes separately against the
// committed target). Concurrent handshakes for the same session and
// cwd collapse onto one in-flight resolve via singleflight.
func (m *Manager) Handshake(ctx context.Context, sessionID, cwd string) (*Target, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || m.expiredLocked(s) {
		m.mu.Unlock()
		return nil, ErrWorkspaceNotSet
	}
	s.ResolveCwd = cwd
	s.WorkspaceSetExplicitly = true
	s.WorkspaceMatched = false
	s.CurrentTarget = nil
	m.mu.Unlock()

	v, err, _ := m.resolve.Do(sessionID+"|"+cwd, func() (any, error) {
		op := func() (*registry.InstanceRecord, error) {
			rec, ok := m.registry.MatchCwd(cwd)
			if !ok {
				return nil, errNoMatchYet
			}
			return rec, nil
		}
		return backoff.Retry(ctx, op,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(m.matchRetryWindow),
		)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrManagerUnreachable
		}
		return nil, ErrNoMatch
	}
	match := v.(*registry.InstanceRecord)

	if !m.registry.Contains(match.InstanceID, cwd) {
		return nil, ErrNoMatch
	}

	if m.health == nil || !m.health.CheckHealth(ctx, match.Host, match.Port) {
		m.mu.Lock()
		if s2, ok := m.sessions[sessionID]; ok {
			s2.OfflineSince = m.clock()
		}
		m.mu.Unlock()
		return nil, ErrMCPOffline
	}

	target := &Target{
		InstanceID: match.InstanceID,
		Host:       match.Host,
		Port:       match.Port,
		Folders:    append([]string(nil), match.WorkspaceFolders...),
		File:       match.WorkspaceFile,
	}

	m.mu.Lock()
	if s2, ok := m.sessions[sessionID]; ok {
		s2.CurrentTarget = target
		s2.WorkspaceMatched = true
		s2.OfflineSince = time.Time{}
	}
	m.mu.Unlock()

	return target, nil
}

// MarkOffline tears down a session's current target after a forwarding
// failure confirms it unreachable (SPEC_FULL.md §4.5 retry policy).
func (m *Manager) MarkOffline(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	s.CurrentTarget = nil
	s.WorkspaceMatched = false
	s.OfflineSince = m.clock()
}

// Rebind swaps a session's current target after a successful
// re-resolve retry against a different instance.
func (m *Manager) Rebind(sessionID string, t *Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	s.CurrentTarget = t
	s.WorkspaceMatched = true
	s.OfflineSince = time.Time{}
}

// StartRoots transitions a session Idle->Pending, recording a new
// pending roots/list request. Returns false if a request is already
// pending (single-flight).
func (m *Manager) StartRoots(sessionID, id string, reason RootsReason, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Pending != nil {
		return false
	}
	s.Pending = &PendingRoots{ID: id, At: at, Reason: reason}
	return true
}

// ResolveRoots transitions Pending->Idle for a matching response id,
// recording the sync result. Returns false if no pending request
// matches id (including: none pending).
func (m *Manager) ResolveRoots(sessionID, id string, result RootsSyncResult) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Pending == nil || s.Pending.ID != id {
		return false
	}
	if result.Reason == "" {
		result.Reason = s.Pending.Reason
	}
	s.Pending = nil
	s.LastRoots = &result
	return true
}

// ExpireRoots prunes timed-out pending roots/list requests across all
// sessions. Returns the number expired.
func (m *Manager) ExpireRoots(now time.Time, timeout time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Pending != nil && now.Sub(s.Pending.At) > timeout {
			s.LastRoots = &RootsSyncResult{
				At:     now,
				Reason: s.Pending.Reason,
				Err:    "roots/list response timeout",
			}
			s.Pending = nil
			n++
		}
	}
	return n
}
