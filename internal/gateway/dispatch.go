package gateway

import (
	"context"
	"encoding/json"

	"github.com/lmtoolsbridge/broker/internal/discovery"
	"github.com/lmtoolsbridge/broker/internal/forward"
	"github.com/lmtoolsbridge/broker/internal/roots"
	"github.com/lmtoolsbridge/broker/internal/session"
)

// Envelope is the parsed shape of a single incoming POST /mcp body.
// Method is empty for a client's reply to a server-initiated request
// (a roots/list response correlated by ID) — the one case spec.md
// calls out where an "RpcMessage" isn't itself a request.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (e *Envelope) IsResponse() bool { return e.Method == "" }

// dispatchResult is what a method handler produces: either a JSON-RPC
// result to serialize, or a forwarded-response signal meaning the
// handler has already written directly to the ResponseWriter (a
// streamed forward) and the outer loop must send nothing further.
type dispatchResult struct {
	result    any
	err       error
	forwarded bool
}

// dispatch handles a single parsed JSON-RPC message for sess, writing
// any streamed proxy bytes directly to w. It never writes the final
// JSON-RPC envelope itself for request/response calls — that's the
// caller's job, after wrapping the returned result/err.
func (s *Server) dispatch(ctx context.Context, w *sseAwareWriter, sess *session.Session, env *Envelope, raw []byte) dispatchResult {
	if env.IsResponse() {
		return s.handleRootsReply(sess, env)
	}

	method := env.Method

	// Notifications carry no reply and aren't subject to the
	// workspace-match gate: a client sends notifications/initialized
	// right after initialize, before any handshake call could have
	// matched it to a workspace (spec.md §4.7's roots/list dispatch
	// scenario runs on exactly this unmatched notification). Whether a
	// roots/list request actually gets dispatched is decided inside
	// onRootsTrigger, based on the session's advertised capabilities.
	switch method {
	case "notifications/initialized":
		s.onRootsTrigger(w, sess, session.RootsReasonInitialized)
		return dispatchResult{}
	case "notifications/roots/list_changed":
		s.onRootsTrigger(w, sess, session.RootsReasonListChanged)
		return dispatchResult{}
	}

	gateArg := ""
	switch method {
	case "resources/read":
		var p ReadResourceParams
		_ = json.Unmarshal(env.Params, &p)
		gateArg = p.URI
	case "tools/call":
		var p CallToolRequest
		_ = json.Unmarshal(env.Params, &p)
		gateArg = p.Name
	}
	if ok, gateErr := session.Gate(sess, method, gateArg); !ok {
		return dispatchResult{err: mapSessionError(gateErr)}
	}

	switch method {
	case "initialize":
		return s.handleInitialize(sess, env)
	case "ping":
		return dispatchResult{result: map[string]any{}}
	case "resources/list":
		return s.handleResourcesList(ctx, sess)
	case "resources/templates/list":
		return s.handleTemplatesList(ctx, sess)
	case "tools/list":
		return s.handleToolsList(ctx, sess)
	case "resources/read":
		return s.handleResourcesRead(ctx, sess, gateArg)
	case "tools/call":
		return s.handleToolsCall(ctx, w, sess, env, raw, gateArg)
	default:
		return dispatchResult{err: errMethodNotFound(method)}
	}
}

func mapSessionError(err error) error {
	switch err {
	case session.ErrWorkspaceNotSet:
		return errWorkspaceNotSet()
	case session.ErrNoMatch:
		return errNoMatch(nil)
	case session.ErrManagerUnreachable:
		return errManagerUnreachable(nil)
	case session.ErrMCPOffline:
		return errMCPOffline(nil)
	default:
		return errInternal(err)
	}
}

func (s *Server) handleInitialize(sess *session.Session, env *Envelope) dispatchResult {
	var params InitializeParams
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return dispatchResult{err: errInvalidParams("malformed initialize params", err)}
		}
	}
	caps := session.ParseCapabilities(params.Capabilities)
	s.Sessions.SetCapabilities(sess.ID, caps)

	return dispatchResult{result: InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: ServerCapability{
			Tools:     &ToolCapability{ListChanged: false},
			Resources: &ResourceCapability{ListChanged: false},
		},
		ServerInfo: ServerInfo{Name: "lmtoolsbridge", Version: s.Version},
	}}
}

const protocolVersion = "2024-11-05"

// onRootsTrigger dispatches a server-initiated roots/list request over
// w if sess supports roots and w accepts SSE; failures are recorded as
// skips, never surfaced to the client (these are notifications, which
// have no response to fail).
func (s *Server) onRootsTrigger(w *sseAwareWriter, sess *session.Session, reason session.RootsReason) {
	if !sess.Caps.SupportsRoots {
		return
	}
	if reason == session.RootsReasonListChanged && !sess.Caps.SupportsRootsListChanged {
		return
	}
	if w.acceptsSSE {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	_, _ = roots.Dispatch(s.Sessions, w, w.flush, sess.ID, reason, w.acceptsSSE, s.now())
}

func (s *Server) handleRootsReply(sess *session.Session, env *Envelope) dispatchResult {
	id := rpcIDString(env.ID)
	var parsedRoots []roots.Root
	var rpcErrMsg string
	if env.Error != nil {
		rpcErrMsg = env.Error.Message
	} else {
		var result struct {
			Roots []roots.Root `json:"roots"`
		}
		_ = json.Unmarshal(env.Result, &result)
		parsedRoots = result.Roots
	}
	roots.Resolve(s.Sessions, sess.ID, id, parsedRoots, rpcErrMsg, s.now())
	return dispatchResult{}
}

// rpcIDString extracts a JSON-RPC id's correlation string. roots.Dispatch
// always mints its pending id with uuid.NewString(), so a client's reply
// carries it back as a JSON string; unmarshaling (rather than comparing
// raw env.ID bytes) strips the surrounding quotes JSON string encoding
// adds, which would otherwise never match the bare id session.StartRoots
// stored.
func rpcIDString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (s *Server) handleResourcesList(ctx context.Context, sess *session.Session) dispatchResult {
	backend := []map[string]any{}
	if sess.IsMatched() {
		raw, err := s.callBackend(ctx, sess, "resources/list", map[string]any{})
		if err == nil {
			var parsed struct {
				Resources []map[string]any `json:"resources"`
			}
			_ = json.Unmarshal(raw, &parsed)
			backend = parsed.Resources
		}
	}
	synthetic := toMaps(syntheticResources)
	merged := forward.MergeByKey(synthetic, backend, "uri")
	return dispatchResult{result: map[string]any{"resources": merged}}
}

func (s *Server) handleTemplatesList(ctx context.Context, sess *session.Session) dispatchResult {
	backend := []map[string]any{}
	if sess.IsMatched() {
		raw, err := s.callBackend(ctx, sess, "resources/templates/list", map[string]any{})
		if err == nil {
			var parsed struct {
				ResourceTemplates []map[string]any `json:"resourceTemplates"`
			}
			_ = json.Unmarshal(raw, &parsed)
			backend = parsed.ResourceTemplates
		}
	}
	synthetic := toMaps(staticResourceTemplates)
	merged := forward.MergeByKey(synthetic, backend, "uriTemplate")
	return dispatchResult{result: map[string]any{"resourceTemplates": merged}}
}

func (s *Server) handleToolsList(ctx context.Context, sess *session.Session) dispatchResult {
	backend := []map[string]any{}
	if sess.IsMatched() {
		raw, err := s.callBackend(ctx, sess, "tools/list", map[string]any{})
		if err == nil {
			var parsed struct {
				Tools []map[string]any `json:"tools"`
			}
			_ = json.Unmarshal(raw, &parsed)
			backend = parsed.Tools
		}
	}
	synthetic := toMaps(syntheticTools)
	merged := forward.MergeByKey(synthetic, backend, "name")
	return dispatchResult{result: map[string]any{"tools": merged}}
}

func (s *Server) handleResourcesRead(ctx context.Context, sess *session.Session, uri string) dispatchResult {
	switch uri {
	case uriHandshake:
		targetDesc := ""
		if sess.IsMatched() {
			targetDesc = sess.CurrentTarget.InstanceID
		}
		return dispatchResult{result: ReadResourceResult{Contents: []ResourceContent{{
			URI: uriHandshake, MimeType: "text/plain",
			Text: handshakeResourceText(sess.IsMatched(), targetDesc),
		}}}}
	case uriCallTool:
		return dispatchResult{result: ReadResourceResult{Contents: []ResourceContent{{
			URI: uriCallTool, MimeType: "text/plain", Text: callToolResourceText,
		}}}}
	}

	if !sess.IsMatched() {
		return dispatchResult{err: errWorkspaceNotSet()}
	}
	raw, err := s.callBackend(ctx, sess, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return dispatchResult{err: mapForwardError(err)}
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return dispatchResult{err: errInternal(err)}
	}
	return dispatchResult{result: result}
}

func (s *Server) handleToolsCall(ctx context.Context, w *sseAwareWriter, sess *session.Session, env *Envelope, raw []byte, toolName string) dispatchResult {
	if toolName == handshakeToolName {
		return s.handleHandshakeCall(ctx, sess, env)
	}
	if toolName == callToolToolName {
		return s.handleDirectCall(ctx, w, sess, env)
	}
	return s.forwardBody(ctx, w, sess, raw)
}

func (s *Server) handleHandshakeCall(ctx context.Context, sess *session.Session, env *Envelope) dispatchResult {
	var outer CallToolRequest
	if err := json.Unmarshal(env.Params, &outer); err != nil {
		return dispatchResult{err: errInvalidParams("malformed tools/call params", err)}
	}
	var params HandshakeParams
	if raw, err := json.Marshal(outer.Arguments); err == nil {
		_ = json.Unmarshal(raw, &params)
	}
	if params.Cwd == "" {
		return dispatchResult{err: errInvalidParams("cwd is required", nil)}
	}

	target, err := s.Sessions.Handshake(ctx, sess.ID, params.Cwd)
	if err != nil {
		return dispatchResult{err: mapSessionError(err)}
	}

	caller := &httpCaller{client: s.HTTPClient, host: target.Host, port: target.Port}
	disc := s.Discovery.Discover(ctx, caller)

	return dispatchResult{result: CallToolResult{Content: []ToolContent{{
		Type: "text",
		Text: mustJSON(map[string]any{
			"matched":    true,
			"instanceId": target.InstanceID,
			"discovery":  disc,
		}),
	}}}}
}

func (s *Server) handleDirectCall(ctx context.Context, w *sseAwareWriter, sess *session.Session, env *Envelope) dispatchResult {
	var outer CallToolRequest
	if err := json.Unmarshal(env.Params, &outer); err != nil {
		return dispatchResult{err: errInvalidParams("malformed tools/call params", err)}
	}
	var inner DirectCallParams
	if raw, err := json.Marshal(outer.Arguments); err == nil {
		_ = json.Unmarshal(raw, &inner)
	}
	if inner.Name == handshakeToolName || inner.Name == callToolToolName {
		return dispatchResult{err: errInvalidParams("recursive invocation of a synthetic tool is rejected", nil)}
	}
	if !sess.IsMatched() {
		return dispatchResult{err: errWorkspaceNotSet()}
	}

	innerEnv := &Envelope{
		JSONRPC: "2.0", ID: env.ID, Method: "tools/call",
		Params: mustJSONRaw(CallToolRequest{Name: inner.Name, Arguments: inner.Arguments}),
	}
	body, err := json.Marshal(innerEnv)
	if err != nil {
		return dispatchResult{err: errInternal(err)}
	}
	return s.forwardBody(ctx, w, sess, body)
}

// forwardBody streams body verbatim to sess's matched target, writing
// the backend's response directly to w. body is normally the original
// request bytes, unmodified, so the backend sees exactly what the
// client sent (spec.md §4.5's "sends the message verbatim").
func (s *Server) forwardBody(ctx context.Context, w *sseAwareWriter, sess *session.Session, body []byte) dispatchResult {
	if !sess.IsMatched() {
		return dispatchResult{err: errWorkspaceNotSet()}
	}
	if err := s.Forwarder.Forward(ctx, w, w.acceptHeader, sess, body); err != nil {
		return dispatchResult{err: mapForwardError(err)}
	}
	return dispatchResult{forwarded: true}
}

// callBackend performs a single non-streaming JSON-RPC call against
// sess's matched target, used for resources/list-style aggregation
// calls that never touch the client connection directly.
func (s *Server) callBackend(ctx context.Context, sess *session.Session, method string, params any) (json.RawMessage, error) {
	target := sess.CurrentTarget
	caller := &httpCaller{client: s.HTTPClient, host: target.Host, port: target.Port}
	return caller.Call(ctx, method, params)
}

func mapForwardError(err error) error {
	switch err {
	case forward.ErrMCPOffline:
		return errMCPOffline(err)
	case forward.ErrManagerUnreachable:
		return errManagerUnreachable(err)
	default:
		return errInternal(err)
	}
}

// discoveryCaller documents that *httpCaller implements discovery.Caller.
var _ discovery.Caller = (*httpCaller)(nil)

func toMaps[T any](items []T) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func mustJSONRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
