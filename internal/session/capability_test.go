package session

import "testing"

func TestParseCapabilitiesRoots(t *testing.T) {
	raw := map[string]any{
		"roots": map[string]any{
			"listChanged": true,
		},
		"sampling": map[string]any{},
	}
	caps := ParseCapabilities(raw)

	if !caps.SupportsRoots {
		t.Fatalf("expected SupportsRoots true")
	}
	if !caps.SupportsRootsListChanged {
		t.Fatalf("expected SupportsRootsListChanged true")
	}
	if !caps.Flags["sampling"] {
		t.Fatalf("expected sampling flagged as present object")
	}
	if !caps.Subkeys["roots"]["listChanged"] {
		t.Fatalf("expected roots.listChanged recorded as a subkey")
	}
}

func TestParseCapabilitiesMissingRoots(t *testing.T) {
	caps := ParseCapabilities(map[string]any{})
	if caps.SupportsRoots || caps.SupportsRootsListChanged {
		t.Fatalf("expected no roots support when capabilities object is empty")
	}
}

func TestParseCapabilitiesNonObjectValue(t *testing.T) {
	caps := ParseCapabilities(map[string]any{"experimental": true})
	if caps.Flags["experimental"] {
		t.Fatalf("expected a non-object capability value to be flagged false")
	}
}
