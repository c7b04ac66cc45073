package forward

// MergeByKey merges broker-synthetic entries with backend-provided
// entries, de-duplicated by the string value each entry holds under the
// caller-named key, with synthetic entries taking precedence on
// conflict. Used for resources/list (keyed by "uri"),
// resources/templates/list (keyed by "uriTemplate") and tools/list
// (keyed by "name") per SPEC_FULL.md §4.5.
//
// Entries are plain JSON-decoded maps so this package stays free of a
// dependency on the gateway's protocol types; it only ever sees the
// shapes it needs to merge.
func MergeByKey(synthetic, backend []map[string]any, key string) []map[string]any {
	seen := make(map[string]bool, len(synthetic))
	out := make([]map[string]any, 0, len(synthetic)+len(backend))

	for _, e := range synthetic {
		k, _ := e[key].(string)
		seen[k] = true
		out = append(out, e)
	}
	for _, e := range backend {
		k, _ := e[key].(string)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, e)
	}
	return out
}
