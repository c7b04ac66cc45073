package gateway

import "errors"

// ErrorKind classifies a BrokerError into one of the five buckets
// SPEC_FULL.md §7 names. The kind itself isn't sent over the wire — only
// Code is — but it lets callers branch with errors.As without string
// matching on messages, mirroring the clean separation
// internal/routing/engine.go keeps between ErrNoRoute/ErrDenied and the
// HTTP status mapRouteError assigns them (RevittCo-mcplexer).
type ErrorKind string

const (
	KindInvalidInput  ErrorKind = "invalid_input"
	KindNotFound      ErrorKind = "not_found"
	KindPrecondition  ErrorKind = "precondition_failed"
	KindUnavailable   ErrorKind = "unavailable"
	KindInternal      ErrorKind = "internal"
)

// BrokerError is the closed error type every handler in this package
// returns instead of a bare error, so the JSON-RPC boundary has exactly
// one place (toRPCError) that decides wire codes.
type BrokerError struct {
	Kind    ErrorKind
	Code    int
	Message string
	Cause   error
}

func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *BrokerError) Unwrap() error { return e.Cause }

func newBrokerError(kind ErrorKind, code int, msg string, cause error) *BrokerError {
	return &BrokerError{Kind: kind, Code: code, Message: msg, Cause: cause}
}

func errParse(cause error) *BrokerError {
	return newBrokerError(KindInvalidInput, CodeParseError, "failed to parse JSON-RPC message", cause)
}

func errInvalidRequest(msg string) *BrokerError {
	return newBrokerError(KindInvalidInput, CodeInvalidRequest, msg, nil)
}

func errInvalidParams(msg string, cause error) *BrokerError {
	return newBrokerError(KindInvalidInput, CodeInvalidParams, msg, cause)
}

func errMethodNotFound(method string) *BrokerError {
	return newBrokerError(KindInvalidInput, CodeMethodNotFound, "method not found: "+method, nil)
}

func errNoMatch(cause error) *BrokerError {
	return newBrokerError(KindNotFound, CodeNoMatch, "no editor workspace matches this path", cause)
}

func errUnknownSession() *BrokerError {
	return newBrokerError(KindNotFound, CodeInvalidRequest, "unknown or expired Mcp-Session-Id", nil)
}

func errWorkspaceNotSet() *BrokerError {
	return newBrokerError(KindPrecondition, CodeWorkspaceNotSet, "workspace handshake has not been performed", nil)
}

func errManagerUnreachable(cause error) *BrokerError {
	return newBrokerError(KindUnavailable, CodeManagerUnreachable, "no target resolvable", cause)
}

func errMCPOffline(cause error) *BrokerError {
	return newBrokerError(KindUnavailable, CodeMCPOffline, "matched editor instance is unreachable", cause)
}

func errInternal(cause error) *BrokerError {
	return newBrokerError(KindInternal, CodeInternalError, "internal error", cause)
}

// toRPCError maps any error into a wire RPCError. A *BrokerError is
// mapped directly by its Code; anything else (an unexpected backend
// failure not wrapped in a BrokerError) is folded into Internal.
// recoverMiddleware sends the same -32603 code for a recovered panic,
// with HTTP status 500.
func toRPCError(err error) *RPCError {
	var be *BrokerError
	if errors.As(err, &be) {
		return &RPCError{Code: be.Code, Message: be.Message}
	}
	return &RPCError{Code: CodeInternalError, Message: err.Error()}
}
