// Package roots implements the broker's server-initiated roots/list
// request: dispatching it over an open SSE response to a client that
// advertised roots support, and correlating the client's eventual
// POST /mcp reply back to the waiting session.
//
// Grounded on internal/approval/manager.go's pending-request
// correlator (id -> channel/state, single outstanding entry, timeout
// pruning) — adapted here from human approval decisions to a
// server-to-client RPC round trip (RevittCo-mcplexer).
package roots

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/lmtoolsbridge/broker/internal/session"
)

// Sessions is the subset of *session.Manager the dispatcher needs.
type Sessions interface {
	StartRoots(sessionID, id string, reason session.RootsReason, at time.Time) bool
	ResolveRoots(sessionID, id string, result session.RootsSyncResult) bool
}

// maxPreview bounds the preview list recorded on a sync result
// (SPEC_FULL.md §3: "preview list (≤5 entries)").
const maxPreview = 5

// DispatchResult names the outcome of a dispatch attempt.
type DispatchResult string

const (
	DispatchSent        DispatchResult = "sent"
	DispatchSkipNoSSE   DispatchResult = "skip_no_sse"
	DispatchSkipPending DispatchResult = "skip_already_pending"
)

// Dispatch attempts to send a server-initiated roots/list request to
// sessionID over an SSE stream. acceptsSSE reflects whether the
// pending HTTP response negotiated text/event-stream — a
// server-initiated request cannot reach a client whose response has
// already closed as a plain JSON body.
func Dispatch(sessions Sessions, w io.Writer, flush func(), sessionID string, reason session.RootsReason, acceptsSSE bool, now time.Time) (DispatchResult, error) {
	if !acceptsSSE {
		return DispatchSkipNoSSE, nil
	}

	id := uuid.NewString()
	if !sessions.StartRoots(sessionID, id, reason, now) {
		return DispatchSkipPending, nil
	}

	frame := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "roots/list",
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return "", err
	}
	if flush != nil {
		flush()
	}
	return DispatchSent, nil
}

// Root is one entry of a client's roots/list reply.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// Resolve handles a client's POST /mcp reply whose id matches a
// pending roots/list request: either {roots:[...]} or a JSON-RPC
// error. Returns false if id did not match anything pending.
func Resolve(sessions Sessions, sessionID, id string, roots []Root, rpcErr string, now time.Time) bool {
	result := session.RootsSyncResult{At: now}
	if rpcErr != "" {
		result.Err = rpcErr
	} else {
		result.Count = len(roots)
		n := len(roots)
		if n > maxPreview {
			n = maxPreview
		}
		for _, r := range roots[:n] {
			label := r.Name
			if label == "" {
				label = r.URI
			}
			result.Preview = append(result.Preview, fmt.Sprintf("%s -> %s", label, r.URI))
		}
	}
	return sessions.ResolveRoots(sessionID, id, result)
}
