// Package forward routes JSON-RPC/SSE traffic from the public /mcp
// endpoint to the editor instance a session is bound to, streaming
// backend responses back byte-for-byte and retrying once against a
// freshly re-resolved target on transport failure.
//
// Grounded on internal/downstream/http_instance.go's doRPC (request
// construction, session-id header capture, Content-Type branching
// between JSON and SSE) and internal/api/middleware.go's
// Flusher-aware statusWriter (RevittCo-mcplexer), adapted from
// single-result extraction to verbatim passthrough.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lmtoolsbridge/broker/internal/registry"
	"github.com/lmtoolsbridge/broker/internal/session"
)

// Sentinel errors mirroring session's broker-specific error kinds; the
// HTTP layer maps these to JSON-RPC codes.
var (
	ErrMCPOffline         = session.ErrMCPOffline
	ErrManagerUnreachable = session.ErrManagerUnreachable
)

// Sessions is the subset of *session.Manager the forwarder needs to
// observe and update target binding after a retry.
type Sessions interface {
	Get(sessionID string) (*session.Session, bool)
	MarkOffline(sessionID string)
	Rebind(sessionID string, t *session.Target)
}

// Resolver re-resolves a session's cwd against the live registry, used
// only on the single retry path.
type Resolver interface {
	MatchCwd(cwd string) (*registry.InstanceRecord, bool)
}

// HealthChecker probes a target's /mcp/health.
type HealthChecker interface {
	CheckHealth(ctx context.Context, host string, port int) bool
}

// Forwarder proxies JSON-RPC requests to a session's bound target.
type Forwarder struct {
	Client   *http.Client
	Sessions Sessions
	Resolver Resolver
	Health   HealthChecker
}

// New builds a Forwarder whose client has no overall timeout, so a
// long-lived SSE stream is not cut off; each forwarded request is
// bounded by the request's own context instead.
func New(sessions Sessions, resolver Resolver, health HealthChecker) *Forwarder {
	return &Forwarder{
		Client:   &http.Client{Timeout: 0},
		Sessions: sessions,
		Resolver: resolver,
		Health:   health,
	}
}

// Forward sends body to sess's current target's /mcp endpoint and
// streams the backend response to w byte-for-byte, preserving all
// response headers and the client's Accept negotiation. On transport
// failure it health-checks the target, then re-resolves and retries
// exactly once against a different target if one is found.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, acceptHeader string, sess *session.Session, body []byte) error {
	target := sess.CurrentTarget
	if target == nil {
		return ErrMCPOffline
	}

	if err := f.attempt(ctx, w, acceptHeader, target, body); err == nil {
		return nil
	}

	healthy := f.Health != nil && f.Health.CheckHealth(ctx, target.Host, target.Port)
	if !healthy {
		f.Sessions.MarkOffline(sess.ID)
		return ErrMCPOffline
	}

	if f.Resolver == nil {
		return ErrManagerUnreachable
	}
	rec, ok := f.Resolver.MatchCwd(sess.ResolveCwd)
	if !ok || rec.InstanceID == target.InstanceID {
		return ErrManagerUnreachable
	}

	newTarget := &session.Target{
		InstanceID: rec.InstanceID,
		Host:       rec.Host,
		Port:       rec.Port,
		Folders:    append([]string(nil), rec.WorkspaceFolders...),
		File:       rec.WorkspaceFile,
	}
	if err := f.attempt(ctx, w, acceptHeader, newTarget, body); err != nil {
		return ErrManagerUnreachable
	}
	f.Sessions.Rebind(sess.ID, newTarget)
	return nil
}

func (f *Forwarder) attempt(ctx context.Context, w http.ResponseWriter, acceptHeader string, target *session.Target, body []byte) error {
	url := fmt.Sprintf("http://%s:%d/mcp", target.Host, target.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if acceptHeader != "" {
		req.Header.Set("Accept", acceptHeader)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}

// HealthCheck performs a short loopback GET /mcp/health against
// host:port, implementing session.HealthChecker and forward.HealthChecker.
type HealthCheck struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHealthCheck builds a HealthCheck with the given per-call timeout
// (SPEC_FULL.md §5: health check budget ~1.2s).
func NewHealthCheck(timeout time.Duration) *HealthCheck {
	return &HealthCheck{Client: &http.Client{Timeout: timeout}, Timeout: timeout}
}

func (h *HealthCheck) CheckHealth(ctx context.Context, host string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/mcp/health", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
