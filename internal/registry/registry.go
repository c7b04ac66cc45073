// Package registry tracks live editor-hosted MCP tool servers by
// heartbeat, matches client working directories against their open
// workspace folders, and drives the broker's idle-shutdown decision.
//
// Grounded on internal/downstream/manager.go's single-mutex,
// map-keyed-by-key manager shape and internal/gateway/session.go's
// path-boundary-aware ancestor matching (RevittCo-mcplexer).
package registry

import (
	"sort"
	"sync"
	"time"
)

// ReservationClearer lets the Registry clear a port allocator's pending
// reservation for an instance atomically with the heartbeat that
// confirms it. Implemented by *portalloc.Allocator.
type ReservationClearer interface {
	ClearForInstance(instanceID string)
}

// Registry is the subsystem-owned, mutex-guarded set of live
// InstanceRecords.
type Registry struct {
	mu    sync.Mutex
	byID  map[string]*InstanceRecord
	ttl   time.Duration
	clock func() time.Time

	clearer ReservationClearer

	lastNonEmptyAt time.Time
}

// New creates a Registry with the given liveness TTL. clearer may be nil
// if no port allocator is wired (e.g. in isolated tests).
func New(ttl time.Duration, clearer ReservationClearer) *Registry {
	return &Registry{
		byID:           make(map[string]*InstanceRecord),
		ttl:            ttl,
		clock:          time.Now,
		clearer:        clearer,
		lastNonEmptyAt: time.Now(),
	}
}

// Upsert refreshes lastSeen for rec.InstanceID, preserving startedAt
// across refreshes, recomputing normalized folder/file forms, and
// clearing any matching port reservation. Returns the committed record.
func (r *Registry) Upsert(rec InstanceRecord) *InstanceRecord {
	now := r.clock()
	rec.LastSeen = now

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[rec.InstanceID]; ok {
		rec.StartedAt = existing.StartedAt
	} else if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}

	rec.recomputeNormalized()
	committed := rec.clone()
	r.byID[rec.InstanceID] = committed
	r.touchNonEmptyLocked(now)

	if r.clearer != nil {
		r.clearer.ClearForInstance(rec.InstanceID)
	}

	return committed.clone()
}

// Remove deletes rec by instanceId (explicit /bye departure).
func (r *Registry) Remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, instanceID)
}

// Get returns a snapshot of the record for instanceID, if live.
func (r *Registry) Get(instanceID string) (*InstanceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[instanceID]
	if !ok || r.expiredLocked(rec) {
		return nil, false
	}
	return rec.clone(), true
}

// Live returns a snapshot of all non-expired records, ordered by
// instanceId for deterministic iteration in callers like /list.
func (r *Registry) Live() []*InstanceRecord {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*InstanceRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		if now.Sub(rec.LastSeen) > r.ttl {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// matchScore classifies how well cwd (already normalized) fits rec.
func matchScore(rec *InstanceRecord, normCwd string) int {
	if rec.normFile != "" && rec.normFile == normCwd {
		return 3
	}
	for _, f := range rec.normFolders {
		if f == normCwd {
			return 2
		}
	}
	for _, f := range rec.normFolders {
		if isPathAncestor(f, normCwd) {
			return 1
		}
	}
	return 0
}

// MatchCwd returns the best-fit live instance for cwd, or (nil, false)
// if none match. Ties are broken by largest lastSeen. Deterministic for
// a fixed registry snapshot and input.
func (r *Registry) MatchCwd(cwd string) (*InstanceRecord, bool) {
	normCwd := normalizePath(cwd)
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *InstanceRecord
	bestScore := 0
	for _, rec := range r.byID {
		if now.Sub(rec.LastSeen) > r.ttl {
			continue
		}
		score := matchScore(rec, normCwd)
		if score == 0 {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && rec.LastSeen.After(best.LastSeen)) {
			best = rec
			bestScore = score
		}
	}
	if best == nil {
		return nil, false
	}
	return best.clone(), true
}

// Contains reports whether cwd lies inside instanceID's folders, or
// equals its workspaceFile. Used by the handshake's post-match
// containment check (spec.md §4.4 step 4).
func (r *Registry) Contains(instanceID, cwd string) bool {
	normCwd := normalizePath(cwd)
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[instanceID]
	if !ok {
		return false
	}
	return matchScore(rec, normCwd) > 0
}

// PortInUse reports whether port is bound by a live instance. Implements
// portalloc.LiveChecker, letting the allocator avoid handing out a port
// a heartbeating editor already holds.
func (r *Registry) PortInUse(port int) bool {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.byID {
		if now.Sub(rec.LastSeen) > r.ttl {
			continue
		}
		if rec.Port == port {
			return true
		}
	}
	return false
}

// Count returns the number of tracked records, live or not yet pruned.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Prune drops records past TTL. Returns the number removed.
func (r *Registry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.byID {
		if now.Sub(rec.LastSeen) > r.ttl {
			delete(r.byID, id)
			removed++
		}
	}
	r.touchNonEmptyLocked(now)
	return removed
}

func (r *Registry) expiredLocked(rec *InstanceRecord) bool {
	return r.clock().Sub(rec.LastSeen) > r.ttl
}

// touchNonEmptyLocked updates lastNonEmptyAt whenever the registry is
// non-empty. Must be called with r.mu held.
func (r *Registry) touchNonEmptyLocked(now time.Time) {
	if len(r.byID) > 0 {
		r.lastNonEmptyAt = now
	}
}

// LastNonEmptyAt returns the last time the registry held at least one
// record. Combined with the port allocator's reservation count by the
// caller to drive idle shutdown (spec.md §4.1). cmd/broker's
// idleShutdownLoop keeps its own timestamp instead of reading this one.
func (r *Registry) LastNonEmptyAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastNonEmptyAt
}

// SetClock overrides the time source. Test-only.
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}
