package gateway

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lmtoolsbridge/broker/internal/discovery"
	"github.com/lmtoolsbridge/broker/internal/forward"
	"github.com/lmtoolsbridge/broker/internal/logbuf"
	"github.com/lmtoolsbridge/broker/internal/registry"
	"github.com/lmtoolsbridge/broker/internal/session"
)

// newBackend starts a fake editor-hosted MCP server: it answers
// /mcp/health and a handful of JSON-RPC methods so the gateway's
// forwarder/discovery/aggregation paths have something real to call,
// mirroring the real-components style of control/server_test.go rather
// than mocking the broker's own subsystems.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /mcp/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /mcp", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)

		var result any
		switch req.Method {
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{{"name": "findSymbol"}}}
		case "resources/list":
			result = map[string]any{"resources": []map[string]any{{"uri": "file:///backend/res"}}}
		case "resources/templates/list":
			result = map[string]any{"resourceTemplates": []map[string]any{}}
		case "tools/call":
			result = CallToolResult{Content: []ToolContent{{Type: "text", Text: "ok"}}}
		default:
			result = map[string]any{}
		}
		raw, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: raw})
	})
	return httptest.NewServer(mux)
}

func backendHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

// testServer wires a real registry/session manager/forwarder/discovery
// stack against a single backend instance at /work/alpha.
func testServer(t *testing.T) (*Server, *registry.Registry, *httptest.Server) {
	t.Helper()
	backend := newBackend(t)
	t.Cleanup(backend.Close)
	host, port := backendHostPort(t, backend)

	reg := registry.New(time.Minute, nil)
	reg.Upsert(registry.InstanceRecord{
		InstanceID:       "inst-1",
		Host:             host,
		Port:             port,
		WorkspaceFolders: []string{"/work/alpha"},
		LastSeen:         time.Now(),
		StartedAt:        time.Now(),
	})

	health := forward.NewHealthCheck(2 * time.Second)
	sessions := session.New(reg, health, 10*time.Minute, 2*time.Second)
	forwarder := forward.New(sessions, reg, health)
	aggregator := discovery.New()

	srv := &Server{
		Sessions:  sessions,
		Forwarder: forwarder,
		Discovery: aggregator,
		Registry:  reg,
		LogBuf:    logbuf.New(10, ""),
		Version:   "test",
		StartedAt: time.Now(),
	}
	return srv, reg, backend
}

func postMCP(t *testing.T, h http.Handler, sessionID string, body any) (*httptest.ResponseRecorder, string) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, rec.Header().Get(sessionHeader)
}

func TestInitializeMintsSession(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	rec, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": "2024-11-05", "capabilities": map[string]any{}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if sessID == "" {
		t.Fatal("expected Mcp-Session-Id header on initialize response")
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestUnmatchedSessionGatedFromForwardedCall(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	_, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})

	rec, _ := postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": "someBridgedTool", "arguments": map[string]any{}},
	})
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeWorkspaceNotSet {
		t.Fatalf("expected ERROR_WORKSPACE_NOT_SET, got %+v", resp.Error)
	}
}

func TestHandshakeMatchesAndDiscovers(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	_, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})

	rec, _ := postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{
			"name":      handshakeToolName,
			"arguments": map[string]any{"cwd": "/work/alpha/sub"},
		},
	})
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(result.Content))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["matched"] != true {
		t.Fatalf("expected matched=true, got %+v", payload)
	}
	if payload["instanceId"] != "inst-1" {
		t.Fatalf("expected instanceId=inst-1, got %+v", payload)
	}
}

func TestHandshakeRecoversWithoutSessionHeader(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	rec, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{
			"name":      handshakeToolName,
			"arguments": map[string]any{"cwd": "/work/alpha"},
		},
	})
	if sessID == "" {
		t.Fatal("expected a recovered session id")
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestToolsListMergesSyntheticAndBackend(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	_, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": handshakeToolName, "arguments": map[string]any{"cwd": "/work/alpha"}},
	})

	rec, _ := postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "tools/list", "params": map[string]any{},
	})
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var result struct {
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range result.Tools {
		names[tool["name"].(string)] = true
	}
	if !names[handshakeToolName] || !names[callToolToolName] {
		t.Fatalf("expected synthetic tools present, got %+v", result.Tools)
	}
	if !names["findSymbol"] {
		t.Fatalf("expected backend tool merged in, got %+v", result.Tools)
	}
}

func TestResourcesReadBootstrapURIWorksUnmatched(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	_, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})

	rec, _ := postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "resources/read",
		"params": map[string]any{"uri": uriHandshake},
	})
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error reading bootstrap resource: %+v", resp.Error)
	}
	var result ReadResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0].URI != uriHandshake {
		t.Fatalf("unexpected contents: %+v", result.Contents)
	}
}

func TestDirectCallRejectsRecursiveSyntheticTool(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	_, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": handshakeToolName, "arguments": map[string]any{"cwd": "/work/alpha"}},
	})

	rec, _ := postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "tools/call",
		"params": map[string]any{
			"name":      callToolToolName,
			"arguments": map[string]any{"name": callToolToolName, "arguments": map[string]any{}},
		},
	})
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid-params rejection of recursive call, got %+v", resp.Error)
	}
}

func TestDirectCallForwardsToBackend(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	_, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})
	postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": handshakeToolName, "arguments": map[string]any{"cwd": "/work/alpha"}},
	})

	rec, _ := postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "tools/call",
		"params": map[string]any{
			"name":      callToolToolName,
			"arguments": map[string]any{"name": "findSymbol", "arguments": map[string]any{"query": "Foo"}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestRootsReplyGetsNoContentResponse(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	_, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})

	// A method-less message (a client's reply to a server-initiated
	// roots/list request) must never get a JSON-RPC envelope back, even
	// though it carries a non-nil id.
	rec, _ := postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": "abc-123",
		"result":  map[string]any{"roots": []map[string]any{{"uri": "file:///work/alpha", "name": "alpha"}}},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a roots/list reply, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestRootsReplyResolvesWithJSONStringID round-trips a server-initiated
// roots/list dispatch and the client's reply through the real HTTP
// bodies dispatch/handlePost parse, rather than calling the roots
// package's Dispatch/Resolve directly — the id correlation only breaks
// once it crosses a real json.RawMessage id, which a string(env.ID)
// conversion (instead of unmarshaling) would leave quoted.
func TestRootsReplyResolvesWithJSONStringID(t *testing.T) {
	backend := newBackend(t)
	t.Cleanup(backend.Close)
	host, port := backendHostPort(t, backend)

	reg := registry.New(time.Minute, nil)
	reg.Upsert(registry.InstanceRecord{
		InstanceID:       "inst-1",
		Host:             host,
		Port:             port,
		WorkspaceFolders: []string{"/work/alpha"},
		LastSeen:         time.Now(),
		StartedAt:        time.Now(),
	})

	health := forward.NewHealthCheck(2 * time.Second)
	sessions := session.New(reg, health, 10*time.Minute, 2*time.Second)
	forwarder := forward.New(sessions, reg, health)
	aggregator := discovery.New()

	srv := &Server{
		Sessions:  sessions,
		Forwarder: forwarder,
		Discovery: aggregator,
		Registry:  reg,
		LogBuf:    logbuf.New(10, ""),
		Version:   "test",
		StartedAt: time.Now(),
	}
	h := srv.Router()

	_, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"capabilities": map[string]any{"roots": map[string]any{"listChanged": true}}},
	})
	postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": handshakeToolName, "arguments": map[string]any{"cwd": "/work/alpha"}},
	})

	// notifications/initialized over an SSE-negotiated response triggers
	// the server-initiated roots/list dispatch (SPEC_FULL.md §4.7).
	notifyBody, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "method": "notifications/initialized",
	})
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(notifyBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(sessionHeader, sessID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var frame struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	sse := rec.Body.String()
	payload := strings.TrimPrefix(strings.TrimSpace(sse), "data:")
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &frame); err != nil {
		t.Fatalf("unmarshal dispatched roots/list frame from %q: %v", sse, err)
	}
	if frame.Method != "roots/list" || frame.ID == "" {
		t.Fatalf("expected a dispatched roots/list request, got %+v", frame)
	}

	// The client's reply carries frame.ID back as a genuine JSON string,
	// not the bare id roots.Dispatch minted it from.
	postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": frame.ID,
		"result": map[string]any{"roots": []map[string]any{{"uri": "file:///work/alpha", "name": "alpha"}}},
	})

	sess, ok := sessions.Get(sessID)
	if !ok {
		t.Fatalf("session %s missing after roots reply", sessID)
	}
	if sess.Pending != nil {
		t.Fatalf("expected no pending roots request after a matching reply, got %+v", sess.Pending)
	}
	if sess.LastRoots == nil || sess.LastRoots.Err != "" || sess.LastRoots.Count != 1 {
		t.Fatalf("expected a resolved roots sync with count=1, got %+v", sess.LastRoots)
	}
}

func TestHealthAndLogEndpoints(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/log", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("log status = %d", rec.Code)
	}
}

func TestDeleteClosesSession(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Router()

	_, sessID := postMCP(t, h, "", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{},
	})

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(sessionHeader, sessID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec2, _ := postMCP(t, h, sessID, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "ping", "params": map[string]any{},
	})
	var resp Response
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an error after the session was closed")
	}
}
