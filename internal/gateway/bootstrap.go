package gateway

import (
	"fmt"

	"github.com/lmtoolsbridge/broker/internal/session"
)

// Synthetic tool/resource names and bootstrap URIs, re-exported from
// internal/session so HTTP handlers never have to import both packages
// just to compare a string.
const (
	handshakeToolName = session.HandshakeToolName
	callToolToolName  = session.CallToolToolName
	uriHandshake      = session.URIHandshake
	uriCallTool       = session.URICallTool
)

var handshakeToolDef = Tool{
	Name:        handshakeToolName,
	Description: "Bind this session to the editor instance whose open workspace contains the given directory.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cwd": map[string]any{
				"type":        "string",
				"description": "Absolute path the calling client is operating in.",
			},
		},
		"required": []any{"cwd"},
	},
}

var callToolDef = Tool{
	Name:        callToolToolName,
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

var syntheticTools = []Tool{handshakeToolDef, callToolDef}

var syntheticResources = []Resource{
	{URI: uriHandshake, Name: "lmToolsBridge handshake", Description: "Human-readable instructions and JSON status snapshot for binding this session to a workspace.", MimeType: "text/plain"},
	{URI: uriCallTool, Name: "lmToolsBridge callTool", Description: "Description and example of the direct-call shortcut.", MimeType: "text/plain"},
}

// handshakeResourceText renders the lm-tools-bridge://handshake
// resource body: instructions followed by a JSON status snapshot of
// the requesting session.
func handshakeResourceText(matched bool, targetDesc string) string {
	status := "not yet bound to a workspace"
	if matched {
		status = fmt.Sprintf("bound to %s", targetDesc)
	}
	return fmt.Sprintf(
		"Call %s with {\"cwd\": \"<absolute path>\"} to bind this session to the editor "+
			"instance whose open workspace contains that path. Once bound, call %s to "+
			"invoke any bridged tool.\n\nStatus: %s\n",
		handshakeToolName, callToolToolName, status,
	)
}

const callToolResourceText = `lmToolsBridge.callTool invokes a tool exposed by the matched editor
instance without needing the broker to re-declare every bridged tool's
own MCP entry point.

Example:

  {"name": "lmToolsBridge.callTool", "arguments": {"name": "findSymbol", "arguments": {"query": "Foo"}}}

Recursively invoking lmToolsBridge.callTool or
lmToolsBridge.requestWorkspaceMCPServer through this shortcut is rejected.
`

var staticResourceTemplates = []ResourceTemplate{
	{URITemplate: "lm-tools://tool/{name}", Name: "tool", Description: "Full definition of a bridged tool."},
	{URITemplate: "lm-tools://schema/{name}", Name: "schema", Description: "Input schema of a bridged tool."},
}
