package control

import "time"

// The control plane's eight endpoints are modeled as explicit request
// and response structs rather than ad hoc map[string]any decoding, per
// SPEC_FULL.md §3 — each endpoint gets its own named shape instead of a
// single duck-typed envelope.

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	InstanceID       string   `json:"instanceId"`
	PID              int      `json:"pid"`
	Host             string   `json:"host"`
	Port             int      `json:"port"`
	WorkspaceFolders []string `json:"workspaceFolders"`
	WorkspaceFile    string   `json:"workspaceFile,omitempty"`
}

// ByeRequest is the body of POST /bye.
type ByeRequest struct {
	InstanceID string `json:"instanceId"`
}

// AllocateRequest is the body of POST /allocate.
type AllocateRequest struct {
	InstanceID    string `json:"instanceId"`
	PreferredPort int    `json:"preferredPort"`
	MinPort       int    `json:"minPort,omitempty"`
}

// AllocateResponse is the body of a successful POST /allocate reply.
type AllocateResponse struct {
	Port int `json:"port"`
}

// ResolveRequest is the body of POST /resolve.
type ResolveRequest struct {
	Cwd string `json:"cwd"`
}

// ResolveResponse is the body of a POST /resolve reply. Matched is
// false, with every other field zero, when no live instance matches.
type ResolveResponse struct {
	Matched          bool     `json:"matched"`
	InstanceID       string   `json:"instanceId,omitempty"`
	Host             string   `json:"host,omitempty"`
	Port             int      `json:"port,omitempty"`
	WorkspaceFolders []string `json:"workspaceFolders,omitempty"`
	WorkspaceFile    string   `json:"workspaceFile,omitempty"`
}

// InstanceView is one entry of GET /list's snapshot.
type InstanceView struct {
	InstanceID       string    `json:"instanceId"`
	PID              int       `json:"pid"`
	Host             string    `json:"host"`
	Port             int       `json:"port"`
	WorkspaceFolders []string  `json:"workspaceFolders"`
	WorkspaceFile    string    `json:"workspaceFile,omitempty"`
	LastSeen         time.Time `json:"lastSeen"`
	StartedAt        time.Time `json:"startedAt"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version string    `json:"version"`
	PID     int       `json:"pid"`
	Now     time.Time `json:"now"`
}

// ShutdownRequest is the body of POST /shutdown.
type ShutdownRequest struct {
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion string `json:"expectedVersion,omitempty"`
}

// ShutdownResponse is the body of a POST /shutdown reply, successful or
// rejected (version_mismatch).
type ShutdownResponse struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Version string `json:"version,omitempty"`
}

// errorResponse is the standard error body for any control endpoint.
type errorResponse struct {
	Error string `json:"error"`
}
