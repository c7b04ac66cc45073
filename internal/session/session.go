// Package session issues and tracks MCP session state: session ids,
// parsed client capabilities, the workspace handshake state machine,
// and the gating policy that keeps a non-matched session confined to
// bootstrap calls.
//
// Grounded on internal/gateway/session.go's sessionManager (workspace
// chain resolution, isPathAncestor-based matching) and
// internal/approval/manager.go's pending-correlator shape, adapted
// here for target resolution rather than human approval
// (RevittCo-mcplexer).
package session

import (
	"errors"
	"time"
)

// Broker-specific handshake/forwarding errors. The HTTP layer maps
// these to JSON-RPC error codes -32003..-32006 (SPEC_FULL.md §6).
var (
	ErrNoMatch            = errors.New("no editor workspace matches this path")
	ErrManagerUnreachable = errors.New("no target resolvable")
	ErrWorkspaceNotSet    = errors.New("workspace handshake has not been performed")
	ErrMCPOffline         = errors.New("matched editor instance is unreachable")
)

// RootsReason names why a roots/list request was dispatched.
type RootsReason string

const (
	RootsReasonInitialized  RootsReason = "initialized"
	RootsReasonListChanged  RootsReason = "list_changed"
)

// Target is an immutable snapshot of the InstanceRecord a session is
// currently bound to.
type Target struct {
	InstanceID string
	Host       string
	Port       int
	Folders    []string
	File       string
}

// PendingRoots records an in-flight server-to-client roots/list
// request for a session.
type PendingRoots struct {
	ID     string
	At     time.Time
	Reason RootsReason
}

// RootsSyncResult is the outcome of the most recently completed
// roots/list round-trip for a session.
type RootsSyncResult struct {
	At      time.Time
	Reason  RootsReason
	Count   int
	Preview []string // at most 5 "name -> uri" entries
	Err     string
}

// Session is one MCP client connection's state. All fields are
// mutated only under the owning Manager's mutex; callers outside the
// session package only ever see snapshots via Manager methods.
type Session struct {
	ID string

	ResolveCwd             string
	WorkspaceSetExplicitly bool
	WorkspaceMatched       bool
	CurrentTarget          *Target
	OfflineSince           time.Time // zero when online

	Caps Capabilities

	Pending    *PendingRoots // nil when Idle
	LastRoots  *RootsSyncResult

	LastSeen time.Time
}

// clone returns a deep-enough copy safe to hand to a caller outside
// the manager's lock.
func (s *Session) clone() *Session {
	cp := *s
	if s.CurrentTarget != nil {
		t := *s.CurrentTarget
		t.Folders = append([]string(nil), s.CurrentTarget.Folders...)
		cp.CurrentTarget = &t
	}
	if s.Pending != nil {
		p := *s.Pending
		cp.Pending = &p
	}
	if s.LastRoots != nil {
		lr := *s.LastRoots
		lr.Preview = append([]string(nil), s.LastRoots.Preview...)
		cp.LastRoots = &lr
	}
	return &cp
}

// IsMatched reports whether the session may reach non-bootstrap
// methods right now.
func (s *Session) IsMatched() bool {
	return s.WorkspaceMatched && s.CurrentTarget != nil
}

// bootstrapMethods and bootstrapURIs are allowed for any session,
// matched or not (SPEC_FULL.md §4.4 gating rules).
var bootstrapMethods = map[string]bool{
	"initialize":   true,
	"ping":         true,
	"resources/list": true,
	"tools/list":   true,
}

const (
	URIHandshake = "lm-tools-bridge://handshake"
	URICallTool  = "lm-tools-bridge://callTool"

	HandshakeToolName = "lmToolsBridge.requestWorkspaceMCPServer"
	CallToolToolName  = "lmToolsBridge.callTool"
)

var bootstrapURIs = map[string]bool{
	URIHandshake: true,
	URICallTool:  true,
}

// Gate decides whether method may proceed for a session in its current
// state. arg is the resource URI for resources/read or the tool name
// for tools/call; it is ignored for every other method. ok=true means
// proceed; otherwise err names which gating error applies.
func Gate(s *Session, method, arg string) (ok bool, err error) {
	if s.IsMatched() {
		return true, nil
	}
	if method == "resources/read" && bootstrapURIs[arg] {
		return true, nil
	}
	if bootstrapMethods[method] {
		return true, nil
	}
	if method == "tools/call" {
		if arg == HandshakeToolName {
			return true, nil
		}
		if !s.WorkspaceSetExplicitly {
			return false, ErrWorkspaceNotSet
		}
		return false, ErrNoMatch
	}
	if !s.WorkspaceSetExplicitly {
		return false, ErrWorkspaceNotSet
	}
	return false, ErrNoMatch
}
