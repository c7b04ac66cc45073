package gateway

import (
	"html/template"
	"net/http"
	"strings"
	"time"
)

// instanceSnapshot is one entry of the status page's instance list.
type instanceSnapshot struct {
	InstanceID       string    `json:"instanceId"`
	Host             string    `json:"host"`
	Port             int       `json:"port"`
	WorkspaceFolders []string  `json:"workspaceFolders"`
	WorkspaceFile    string    `json:"workspaceFile,omitempty"`
	LastSeen         time.Time `json:"lastSeen"`
}

// sessionSnapshot is one entry of the status page's session list.
type sessionSnapshot struct {
	ID               string `json:"id"`
	WorkspaceMatched bool   `json:"workspaceMatched"`
	TargetInstanceID string `json:"targetInstanceId,omitempty"`
	SupportsRoots    bool   `json:"supportsRoots"`
}

// statusSnapshot is the full body of GET /mcp/status (SPEC_FULL.md §6:
// "version, now, instance list, session list, roots policy, uptime").
type statusSnapshot struct {
	Version     string             `json:"version"`
	Now         time.Time          `json:"now"`
	UptimeSec   float64            `json:"uptimeSeconds"`
	Instances   []instanceSnapshot `json:"instances"`
	Sessions    []sessionSnapshot  `json:"sessions"`
	RootsPolicy string             `json:"rootsPolicy"`
}

func (s *Server) buildSnapshot() statusSnapshot {
	now := s.now()

	var instances []instanceSnapshot
	if s.Registry != nil {
		for _, rec := range s.Registry.Live() {
			instances = append(instances, instanceSnapshot{
				InstanceID:       rec.InstanceID,
				Host:             rec.Host,
				Port:             rec.Port,
				WorkspaceFolders: rec.WorkspaceFolders,
				WorkspaceFile:    rec.WorkspaceFile,
				LastSeen:         rec.LastSeen,
			})
		}
	}

	var sessions []sessionSnapshot
	for _, sess := range s.Sessions.List() {
		entry := sessionSnapshot{
			ID:               sess.ID,
			WorkspaceMatched: sess.IsMatched(),
			SupportsRoots:    sess.Caps.SupportsRoots,
		}
		if sess.CurrentTarget != nil {
			entry.TargetInstanceID = sess.CurrentTarget.InstanceID
		}
		sessions = append(sessions, entry)
	}

	return statusSnapshot{
		Version:     s.Version,
		Now:         now,
		UptimeSec:   now.Sub(s.StartedAt).Seconds(),
		Instances:   instances,
		Sessions:    sessions,
		RootsPolicy: "dispatch roots/list on initialized or list_changed when the client advertises support",
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.buildSnapshot()

	wantsHTML := r.URL.Query().Get("format") == "html" ||
		strings.Contains(r.Header.Get("Accept"), "text/html")
	if wantsHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := statusTemplate.Execute(w, snap); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// statusTemplate renders a self-contained HTML status page: inline
// style, no external assets, no JS framework — the data-endpoint
// analogue of the teacher's dashboard (generalizing
// internal/api/dashboard_handler.go's JSON-to-UI shape into a
// same-process html/template render instead of a built SPA).
var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>lmtoolsbridge status</title>
<style>
body { font: 14px/1.4 -apple-system, sans-serif; margin: 2rem; color: #1a1a1a; }
h1 { font-size: 1.2rem; }
table { border-collapse: collapse; margin-bottom: 1.5rem; width: 100%; }
th, td { text-align: left; padding: 0.3rem 0.6rem; border-bottom: 1px solid #ddd; }
th { color: #555; font-weight: 600; }
.ok { color: #0a7a2a; }
.bad { color: #a01818; }
</style>
</head>
<body>
<h1>lmtoolsbridge {{.Version}}</h1>
<p>now {{.Now.Format "2006-01-02T15:04:05Z07:00"}} &middot; uptime {{printf "%.0f" .UptimeSec}}s</p>

<h2>Editor instances ({{len .Instances}})</h2>
<table>
<tr><th>instance</th><th>host:port</th><th>workspace</th><th>last seen</th></tr>
{{range .Instances}}
<tr>
<td>{{.InstanceID}}</td>
<td>{{.Host}}:{{.Port}}</td>
<td>{{if .WorkspaceFile}}{{.WorkspaceFile}}{{else}}{{range .WorkspaceFolders}}{{.}} {{end}}{{end}}</td>
<td>{{.LastSeen.Format "15:04:05"}}</td>
</tr>
{{end}}
</table>

<h2>Sessions ({{len .Sessions}})</h2>
<table>
<tr><th>session</th><th>matched</th><th>target</th><th>roots</th></tr>
{{range .Sessions}}
<tr>
<td>{{.ID}}</td>
<td class="{{if .WorkspaceMatched}}ok{{else}}bad{{end}}">{{.WorkspaceMatched}}</td>
<td>{{.TargetInstanceID}}</td>
<td>{{.SupportsRoots}}</td>
</tr>
{{end}}
</table>

<p>{{.RootsPolicy}}</p>
</body>
</html>
`))
