// Package discovery aggregates a matched editor instance's tool list
// and per-tool schemas into the payload returned from a successful
// handshake.
//
// Grounded on internal/downstream/manager.go's ListAllTools, which
// fans a JSON-RPC call out across instances via
// golang.org/x/sync/errgroup with a result-mutex; here the fan-out is
// per-tool schema fetches against a single instance instead of
// per-instance tool lists (RevittCo-mcplexer).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// IssueLevel classifies an Issue's severity.
type IssueLevel string

const (
	IssueLevelError   IssueLevel = "error"
	IssueLevelWarning IssueLevel = "warning"
)

// IssueCategory names which discovery step produced an issue.
type IssueCategory string

const (
	IssueCategoryToolsList IssueCategory = "tools/list"
	IssueCategorySchema    IssueCategory = "schema"
)

// Issue is a single structured discovery problem.
type Issue struct {
	Level    IssueLevel    `json:"level"`
	Category IssueCategory `json:"category"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	ToolName string        `json:"toolName,omitempty"`
	Details  string        `json:"details,omitempty"`
}

// Tool is a backend tool as returned by its tools/list entry, merged
// with an optional parsed input schema.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ResourceTemplate is a static lm-tools:// template description.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Result is the full discovery payload attached to a handshake
// response (SPEC_FULL.md §4.6).
type Result struct {
	CallTool          Tool               `json:"callTool"`
	BridgedTools      []Tool             `json:"bridgedTools"`
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	Partial           bool               `json:"partial"`
	Issues            []Issue            `json:"issues"`
}

// syntheticToolNames are excluded from a backend's tools/list output —
// the broker's own synthetic tools never get schema-fetched or
// double-listed.
var syntheticToolNames = map[string]bool{
	"lmToolsBridge.requestWorkspaceMCPServer": true,
	"lmToolsBridge.callTool":                  true,
}

var staticResourceTemplates = []ResourceTemplate{
	{URITemplate: "lm-tools://tool/{name}", Name: "tool", Description: "Full definition of a bridged tool."},
	{URITemplate: "lm-tools://schema/{name}", Name: "schema", Description: "Input schema of a bridged tool."},
}

var callToolDef = Tool{
	Name:        "lmToolsBridge.callTool",
	Description: "Invoke a bridged tool by name against the matched editor instance.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":      map[string]any{"type": "string"},
			"arguments": map[string]any{"type": "object"},
		},
		"required": []any{"name"},
	},
}

// Caller performs a single JSON-RPC call against the matched instance.
// Implemented by the gateway's HTTP client over /mcp.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Aggregator fetches tools/list and per-tool schemas from a target.
type Aggregator struct {
	Client *http.Client
}

func New() *Aggregator {
	return &Aggregator{Client: &http.Client{}}
}

type rpcToolsListResult struct {
	Tools []rawTool `json:"tools"`
}

type rawTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Discover runs the full aggregation against caller, a JSON-RPC client
// already bound to the matched instance.
func (a *Aggregator) Discover(ctx context.Context, caller Caller) Result {
	result := Result{
		CallTool:          callToolDef,
		ResourceTemplates: staticResourceTemplates,
	}

	raw, err := caller.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		result.Partial = true
		result.Issues = append(result.Issues, Issue{
			Level:    IssueLevelError,
			Category: IssueCategoryToolsList,
			Code:     "TOOLS_LIST_FAILED",
			Message:  "failed to fetch tools/list from matched instance",
			Details:  err.Error(),
		})
		return result
	}

	var parsed rpcToolsListResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		result.Partial = true
		result.Issues = append(result.Issues, Issue{
			Level:    IssueLevelError,
			Category: IssueCategoryToolsList,
			Code:     "TOOLS_LIST_UNPARSEABLE",
			Message:  "tools/list response was not valid JSON-RPC",
			Details:  err.Error(),
		})
		return result
	}

	var (
		mu    sync.Mutex
		tools []Tool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range parsed.Tools {
		if syntheticToolNames[rt.Name] {
			continue
		}
		rt := rt
		g.Go(func() error {
			tool := Tool{Name: rt.Name, Description: rt.Description}
			schema, issue := fetchSchema(gctx, caller, rt.Name)

			mu.Lock()
			defer mu.Unlock()
			if schema != nil {
				tool.InputSchema = schema
			}
			if issue != nil {
				result.Issues = append(result.Issues, *issue)
			}
			tools = append(tools, tool)
			return nil
		})
	}
	// errgroup.Wait's error is always nil here: fetchSchema never
	// returns an error to the group, only an advisory Issue.
	_ = g.Wait()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	result.BridgedTools = tools
	return result
}

// fetchSchema reads lm-tools://schema/{name} as a resource. A missing
// or unparseable schema is a warning, not fatal (SPEC_FULL.md §4.6).
func fetchSchema(ctx context.Context, caller Caller, name string) (map[string]any, *Issue) {
	uri := fmt.Sprintf("lm-tools://schema/%s", name)
	raw, err := caller.Call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, &Issue{
			Level:    IssueLevelWarning,
			Category: IssueCategorySchema,
			Code:     "SCHEMA_FETCH_FAILED",
			Message:  "failed to fetch schema resource",
			ToolName: name,
			Details:  err.Error(),
		}
	}

	var envelope struct {
		Contents []struct {
			Text string `json:"text"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Contents) == 0 {
		return nil, &Issue{
			Level:    IssueLevelWarning,
			Category: IssueCategorySchema,
			Code:     "SCHEMA_EMPTY",
			Message:  "schema resource returned no content",
			ToolName: name,
		}
	}

	var schema map[string]any
	if err := json.Unmarshal([]byte(envelope.Contents[0].Text), &schema); err != nil {
		return nil, &Issue{
			Level:    IssueLevelWarning,
			Category: IssueCategorySchema,
			Code:     "SCHEMA_UNPARSEABLE",
			Message:  "schema resource content was not valid JSON",
			ToolName: name,
			Details:  err.Error(),
		}
	}
	return schema, nil
}
