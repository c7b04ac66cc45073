package registry

import (
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// InstanceRecord describes one live editor-hosted tool server, keyed by
// InstanceID. Host and Port are loopback-only; WorkspaceFolders is the
// ordered list of absolute paths the editor has open.
type InstanceRecord struct {
	InstanceID       string
	PID              int
	Host             string
	Port             int
	WorkspaceFolders []string
	WorkspaceFile    string // "" when absent
	LastSeen         time.Time
	StartedAt        time.Time

	// normFolders and normFile are case-folded, separator-normalized
	// copies of WorkspaceFolders/WorkspaceFile, computed once on upsert
	// so matchCwd never re-normalizes on the hot path.
	normFolders []string
	normFile    string
}

// caseInsensitiveFS reports whether the host filesystem is conventionally
// case-insensitive. The broker only ever binds loopback on the local
// machine, so runtime.GOOS is an adequate proxy for the filesystem it runs
// on.
func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// normalizePath cleans a path and, on case-insensitive filesystems,
// lower-cases it for comparison purposes. The returned value is for
// matching only; it must never be surfaced back to a caller in place of
// the original path.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	p = filepath.ToSlash(p)
	p = strings.TrimRight(p, "/")
	if caseInsensitiveFS() {
		p = strings.ToLower(p)
	}
	return p
}

// recomputeNormalized refreshes the derived matching fields. Called once
// per upsert so matchCwd reads precomputed data.
func (r *InstanceRecord) recomputeNormalized() {
	r.normFolders = make([]string, len(r.WorkspaceFolders))
	for i, f := range r.WorkspaceFolders {
		r.normFolders[i] = normalizePath(f)
	}
	r.normFile = normalizePath(r.WorkspaceFile)
}

// clone returns a deep-enough copy safe to hand out as an immutable
// snapshot (slices are copied so a caller can't mutate registry state).
func (r *InstanceRecord) clone() *InstanceRecord {
	cp := *r
	cp.WorkspaceFolders = append([]string(nil), r.WorkspaceFolders...)
	cp.normFolders = append([]string(nil), r.normFolders...)
	return &cp
}

// isPathAncestor reports whether ancestor is a path-boundary-aware
// ancestor of (or equal to) path. Both arguments must already be
// normalized. Never a prefix-substring match: "/users/m" does not match
// "/users/max".
func isPathAncestor(ancestor, path string) bool {
	if ancestor == "" {
		return false
	}
	if ancestor == path {
		return true
	}
	return strings.HasPrefix(path, ancestor+"/")
}
