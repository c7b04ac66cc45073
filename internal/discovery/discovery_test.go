package discovery

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeCaller struct {
	toolsListErr error
	toolsListRaw json.RawMessage
	schemas      map[string]json.RawMessage
	schemaErr    map[string]error
}

func (f *fakeCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	switch method {
	case "tools/list":
		if f.toolsListErr != nil {
			return nil, f.toolsListErr
		}
		return f.toolsListRaw, nil
	case "resources/read":
		p := params.(map[string]any)
		uri := p["uri"].(string)
		name := uri[len("lm-tools://schema/"):]
		if err, ok := f.schemaErr[name]; ok {
			return nil, err
		}
		return f.schemas[name], nil
	}
	return nil, nil
}

func wrapSchema(schemaJSON string) json.RawMessage {
	env := map[string]any{
		"contents": []map[string]any{{"text": schemaJSON}},
	}
	b, _ := json.Marshal(env)
	return b
}

func TestDiscoverMergesSchemas(t *testing.T) {
	caller := &fakeCaller{
		toolsListRaw: json.RawMessage(`{"tools":[{"name":"search_files","description":"find files"},{"name":"zeta_tool"}]}`),
		schemas: map[string]json.RawMessage{
			"search_files": wrapSchema(`{"type":"object"}`),
			"zeta_tool":    wrapSchema(`{"type":"object"}`),
		},
		schemaErr: map[string]error{},
	}

	result := New().Discover(context.Background(), caller)

	if result.Partial {
		t.Fatalf("expected non-partial result")
	}
	if len(result.BridgedTools) != 2 {
		t.Fatalf("expected 2 bridged tools, got %d", len(result.BridgedTools))
	}
	if result.BridgedTools[0].Name != "search_files" {
		t.Fatalf("expected alphabetized order, got %s first", result.BridgedTools[0].Name)
	}
	if result.BridgedTools[0].InputSchema == nil {
		t.Fatalf("expected schema attached")
	}
}

func TestDiscoverExcludesSyntheticTools(t *testing.T) {
	caller := &fakeCaller{
		toolsListRaw: json.RawMessage(`{"tools":[{"name":"lmToolsBridge.callTool"},{"name":"real_tool"}]}`),
		schemas:      map[string]json.RawMessage{"real_tool": wrapSchema(`{}`)},
	}
	result := New().Discover(context.Background(), caller)
	for _, tool := range result.BridgedTools {
		if tool.Name == "lmToolsBridge.callTool" {
			t.Fatalf("synthetic tool leaked into bridgedTools")
		}
	}
}

func TestDiscoverToolsListFailureIsPartial(t *testing.T) {
	caller := &fakeCaller{toolsListErr: errUnreachable{}}
	result := New().Discover(context.Background(), caller)
	if !result.Partial {
		t.Fatalf("expected partial=true on tools/list failure")
	}
	if len(result.Issues) != 1 || result.Issues[0].Level != IssueLevelError {
		t.Fatalf("expected one error-level issue, got %+v", result.Issues)
	}
}

func TestDiscoverSchemaFailureIsWarningNotFatal(t *testing.T) {
	caller := &fakeCaller{
		toolsListRaw: json.RawMessage(`{"tools":[{"name":"flaky_tool"}]}`),
		schemaErr:    map[string]error{"flaky_tool": errUnreachable{}},
		schemas:      map[string]json.RawMessage{},
	}
	result := New().Discover(context.Background(), caller)
	if result.Partial {
		t.Fatalf("a schema failure alone must not set partial=true")
	}
	if len(result.BridgedTools) != 1 || result.BridgedTools[0].InputSchema != nil {
		t.Fatalf("expected tool present without a schema")
	}
	if len(result.Issues) != 1 || result.Issues[0].Level != IssueLevelWarning {
		t.Fatalf("expected one warning-level issue, got %+v", result.Issues)
	}
}

type errUnreachable struct{}

func (errUnreachable) Error() string { return "unreachable" }
