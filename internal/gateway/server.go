// Package gateway implements the broker's public MCP endpoint: JSON-RPC
// dispatch, session binding via the Mcp-Session-Id header, bootstrap
// resources/tools for unmatched sessions, and the status/health/log
// data endpoints.
//
// Grounded on internal/api/router.go's http.ServeMux-per-resource
// shape and internal/api/middleware.go's statusWriter/Flusher
// delegation pattern (RevittCo-mcplexer).
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmtoolsbridge/broker/internal/discovery"
	"github.com/lmtoolsbridge/broker/internal/forward"
	"github.com/lmtoolsbridge/broker/internal/logbuf"
	"github.com/lmtoolsbridge/broker/internal/registry"
	"github.com/lmtoolsbridge/broker/internal/session"
)

const sessionHeader = "Mcp-Session-Id"

// Sessions is the subset of *session.Manager the gateway needs.
type Sessions interface {
	Create() *session.Session
	Get(id string) (*session.Session, bool)
	List() []*session.Session
	RecoverOrCreate(suppliedID string) *session.Session
	SetCapabilities(id string, caps session.Capabilities)
	Touch(id string)
	Close(id string)
	Handshake(ctx context.Context, sessionID, cwd string) (*session.Target, error)
	StartRoots(sessionID, id string, reason session.RootsReason, at time.Time) bool
	ResolveRoots(sessionID, id string, result session.RootsSyncResult) bool
	MarkOffline(sessionID string)
	Rebind(sessionID string, t *session.Target)
}

// RegistrySnapshot is the subset of *registry.Registry the status
// endpoint needs.
type RegistrySnapshot interface {
	Live() []*registry.InstanceRecord
}

// Server wires the MCP HTTP surface to the broker's subsystems.
type Server struct {
	Sessions   Sessions
	Forwarder  *forward.Forwarder
	Discovery  *discovery.Aggregator
	Registry   RegistrySnapshot
	LogBuf     *logbuf.Buffer
	HTTPClient *http.Client

	Version   string
	StartedAt time.Time
	Clock     func() time.Time
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Router builds the public MCP http.Handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", s.handlePost)
	mux.HandleFunc("DELETE /mcp", s.handleDelete)
	mux.HandleFunc("GET /mcp/health", s.handleHealth)
	mux.HandleFunc("GET /mcp/status", s.handleStatus)
	mux.HandleFunc("GET /mcp/log", s.handleLog)
	return recoverMiddleware(mux)
}

// recoverMiddleware converts a panic inside any handler into an HTTP 500
// carrying a -32603 JSON-RPC internal error instead of crashing the broker
// (SPEC_FULL.md §7). Grounded on internal/api/middleware.go's
// middleware-chain shape; this is the one link the teacher's chain
// doesn't need because none of its handlers hold an open SSE loop the
// way a long-lived forward does.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("gateway: panic recovered", "panic", rec, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, Response{JSONRPC: "2.0", Error: toRPCError(errInternal(nil))})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := readLimitedBody(r)
	if err != nil {
		writeRPCError(w, nil, errParse(err))
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeRPCError(w, nil, errParse(err))
		return
	}

	headerID := r.Header.Get(sessionHeader)

	var sess *session.Session
	switch {
	case env.Method == "initialize":
		sess = s.Sessions.Create()
	case headerID != "":
		if found, ok := s.Sessions.Get(headerID); ok {
			sess = found
		}
	}

	if sess == nil {
		if env.Method == "tools/call" && isHandshakeCall(env.Params) {
			sess = s.Sessions.RecoverOrCreate(headerID)
		} else {
			writeRPCError(w, env.ID, errUnknownSession())
			return
		}
	} else {
		s.Sessions.Touch(sess.ID)
	}

	w.Header().Set(sessionHeader, sess.ID)

	accept := r.Header.Get("Accept")
	sw := &sseAwareWriter{
		ResponseWriter: w,
		acceptHeader:   accept,
		acceptsSSE:     strings.Contains(accept, "text/event-stream"),
	}

	result := s.dispatch(r.Context(), sw, sess, &env, body)
	if result.forwarded {
		return
	}
	if env.IsResponse() || env.ID == nil {
		// A client reply to a server-initiated request, or a
		// notification: neither gets a JSON-RPC response of its own.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if result.err != nil {
		writeRPCError(sw, env.ID, result.err)
		return
	}
	writeRPCResult(sw, env.ID, result.result)
}

func isHandshakeCall(params json.RawMessage) bool {
	var p CallToolRequest
	_ = json.Unmarshal(params, &p)
	return p.Name == handshakeToolName
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id != "" {
		s.Sessions.Close(id)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLog(w http.ResponseWriter, _ *http.Request) {
	var lines []string
	if s.LogBuf != nil {
		lines = s.LogBuf.Tail()
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeRPCError(w, id, errInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, err error) {
	rpcErr := toRPCError(err)
	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

// readLimitedBody caps the request body the same way
// internal/api/middleware.go's requestBodyLimitMiddleware does, so a
// malformed or hostile client can't exhaust broker memory on one
// request.
const maxRequestBodyBytes = int64(1 << 20)

func readLimitedBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
}

// sseAwareWriter carries the client's Accept header and whether it
// accepts text/event-stream, so roots/list dispatch (triggered
// mid-handler, from a notification) knows whether a server-initiated
// request can reach the client. Grounded on
// internal/api/middleware.go's statusWriter Flusher-delegation.
type sseAwareWriter struct {
	http.ResponseWriter
	acceptHeader string
	acceptsSSE   bool
}

func (w *sseAwareWriter) flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *sseAwareWriter) Flush() { w.flush() }
