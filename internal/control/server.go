// Package control implements the broker's local-only control plane: a
// second HTTP listener, bound to a loopback port derived from a stable
// hash of the OS username, that editor extensions use to register
// (heartbeat/bye), reserve ports (allocate), resolve a workspace to an
// instance (resolve), and inspect or shut down the broker.
//
// Grounded on internal/downstream/manager.go's single-mutex manager
// shape for Registry/Allocator wiring, and internal/api/router.go's
// http.ServeMux + small-struct-per-resource handler style
// (RevittCo-mcplexer).
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lmtoolsbridge/broker/internal/registry"
)

// Registry is the subset of *registry.Registry the control plane needs.
type Registry interface {
	Upsert(rec registry.InstanceRecord) *registry.InstanceRecord
	Remove(instanceID string)
	Get(instanceID string) (*registry.InstanceRecord, bool)
	Live() []*registry.InstanceRecord
	MatchCwd(cwd string) (*registry.InstanceRecord, bool)
}

// Allocator is the subset of *portalloc.Allocator the control plane
// needs.
type Allocator interface {
	Allocate(instanceID string, preferredPort, minPort int) (int, error)
}

// Server implements the eight control-plane endpoints of SPEC_FULL.md
// §4.3.
type Server struct {
	Registry  Registry
	Allocator Allocator
	Version   string
	StartedAt time.Time

	// RequestShutdown is invoked, asynchronously, once a successful
	// /shutdown response has been written and flushed. It is the
	// caller's job to close both listeners and exit the process.
	RequestShutdown func(reason string)
}

// Router builds the control-plane http.Handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /list", s.handleList)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /bye", s.handleBye)
	mux.HandleFunc("POST /allocate", s.handleAllocate)
	mux.HandleFunc("POST /resolve", s.handleResolve)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("control: failed to encode response", "error", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Version: s.Version,
		PID:     os.Getpid(),
		Now:     time.Now(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	recs := s.Registry.Live()
	out := make([]InstanceView, 0, len(recs))
	for _, r := range recs {
		out = append(out, InstanceView{
			InstanceID:       r.InstanceID,
			PID:              r.PID,
			Host:             r.Host,
			Port:             r.Port,
			WorkspaceFolders: r.WorkspaceFolders,
			WorkspaceFile:    r.WorkspaceFile,
			LastSeen:         r.LastSeen,
			StartedAt:        r.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed heartbeat body")
		return
	}
	if req.InstanceID == "" || req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "instanceId and a valid port are required")
		return
	}
	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}
	rec := s.Registry.Upsert(registry.InstanceRecord{
		InstanceID:       req.InstanceID,
		PID:              req.PID,
		Host:             host,
		Port:             req.Port,
		WorkspaceFolders: req.WorkspaceFolders,
		WorkspaceFile:    req.WorkspaceFile,
	})
	writeJSON(w, http.StatusOK, InstanceView{
		InstanceID:       rec.InstanceID,
		PID:              rec.PID,
		Host:             rec.Host,
		Port:             rec.Port,
		WorkspaceFolders: rec.WorkspaceFolders,
		WorkspaceFile:    rec.WorkspaceFile,
		LastSeen:         rec.LastSeen,
		StartedAt:        rec.StartedAt,
	})
}

func (s *Server) handleBye(w http.ResponseWriter, r *http.Request) {
	var req ByeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed bye body")
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}
	s.Registry.Remove(req.InstanceID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed allocate body")
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}

	// Idempotent: an instance already heartbeating with a live port
	// gets that port back rather than a fresh allocation (spec.md §4.2).
	if rec, ok := s.Registry.Get(req.InstanceID); ok && rec.Port > 0 {
		writeJSON(w, http.StatusOK, AllocateResponse{Port: rec.Port})
		return
	}

	port, err := s.Allocator.Allocate(req.InstanceID, req.PreferredPort, req.MinPort)
	if err != nil {
		writeError(w, http.StatusConflict, "PORT_EXHAUSTED")
		return
	}
	writeJSON(w, http.StatusOK, AllocateResponse{Port: port})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed resolve body")
		return
	}
	if req.Cwd == "" {
		writeError(w, http.StatusBadRequest, "cwd is required")
		return
	}
	rec, ok := s.Registry.MatchCwd(req.Cwd)
	if !ok {
		writeJSON(w, http.StatusOK, ResolveResponse{Matched: false})
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{
		Matched:          true,
		InstanceID:       rec.InstanceID,
		Host:             rec.Host,
		Port:             rec.Port,
		WorkspaceFolders: rec.WorkspaceFolders,
		WorkspaceFile:    rec.WorkspaceFile,
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req ShutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed shutdown body")
		return
	}
	if req.ExpectedVersion != "" && req.ExpectedVersion != s.Version {
		writeJSON(w, http.StatusConflict, ShutdownResponse{
			OK:      false,
			Reason:  "version_mismatch",
			Version: s.Version,
		})
		return
	}

	writeJSON(w, http.StatusOK, ShutdownResponse{OK: true})

	if s.RequestShutdown != nil {
		reason := req.Reason
		go s.RequestShutdown(reason)
	}
}
