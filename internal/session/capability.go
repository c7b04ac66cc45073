package session

// Capabilities is the parsed form of initialize.params.capabilities.
// Dynamic JSON ("look for these keys") is re-expressed as explicit
// flag/subkey maps rather than re-walked ad hoc at each call site —
// grounded on the tagged-variant approach the broker uses throughout
// for the source's duck-typed payloads (see SPEC_FULL.md §9).
type Capabilities struct {
	// Flags records, for each top-level capability name present in the
	// request, whether it was given as a JSON object (true) or some
	// other type (false, e.g. a bare boolean or array).
	Flags map[string]bool

	// Subkeys records, for each top-level capability that was an
	// object, which of its own keys were present.
	Subkeys map[string]map[string]bool

	SupportsRoots            bool
	SupportsRootsListChanged bool
}

// ParseCapabilities reads the raw capabilities object from an
// initialize request into a Capabilities record. A nil or non-object
// input yields an empty, all-false Capabilities.
func ParseCapabilities(raw map[string]any) Capabilities {
	caps := Capabilities{
		Flags:   make(map[string]bool),
		Subkeys: make(map[string]map[string]bool),
	}
	for name, v := range raw {
		obj, isObj := v.(map[string]any)
		caps.Flags[name] = isObj
		if !isObj {
			continue
		}
		sub := make(map[string]bool, len(obj))
		for k := range obj {
			sub[k] = true
		}
		caps.Subkeys[name] = sub
	}

	rootsObj, ok := raw["roots"].(map[string]any)
	caps.SupportsRoots = ok
	if ok {
		if lc, ok := rootsObj["listChanged"].(bool); ok {
			caps.SupportsRootsListChanged = lc
		}
	}
	return caps
}
