package board

import (
	"encoding/json"
	"html"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// textKeys are the record fields whose string values carry user-visible text.
var textKeys = map[string]bool{
	"text":  true,
	"title": true,
	"name":  true,
	"label": true,
}

// presenceTypes are record types that only describe who is looking where.
var presenceTypes = map[string]bool{
	"instance":            true,
	"instance_page_state": true,
	"instance_presence":   true,
	"camera":              true,
	"pointer":             true,
}

var strictPolicy = bluemonday.StrictPolicy()

// ExtractText returns the user-visible text of a whiteboard document, one
// fragment per line, in record-id order. It understands tldraw snapshots
// ({"store": {...}} or {"document": {"store": {...}}}), record arrays
// ({"records": [...]}) and excalidraw scenes ({"elements": [...]}); anything
// else is walked generically. Markup is stripped.
func ExtractText(data json.RawMessage) string {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return ""
	}

	var parts []string
	for _, rec := range records(root) {
		if m, ok := rec.(map[string]any); ok {
			if tn, _ := m["typeName"].(string); presenceTypes[tn] {
				continue
			}
		}
		collect(rec, &parts)
	}
	return strings.Join(parts, "\n")
}

func records(root any) []any {
	obj, ok := root.(map[string]any)
	if !ok {
		return []any{root}
	}
	if doc, ok := obj["document"].(map[string]any); ok {
		if _, has := doc["store"]; has {
			obj = doc
		}
	}
	if store, ok := obj["store"].(map[string]any); ok {
		ids := sortedKeys(store)
		out := make([]any, 0, len(ids))
		for _, id := range ids {
			out = append(out, store[id])
		}
		return out
	}
	for _, key := range []string{"records", "elements"} {
		if arr, ok := obj[key].([]any); ok {
			out := append([]any(nil), arr...)
			sort.SliceStable(out, func(i, j int) bool { return recordID(out[i]) < recordID(out[j]) })
			return out
		}
	}
	return []any{root}
}

func recordID(v any) string {
	if m, ok := v.(map[string]any); ok {
		id, _ := m["id"].(string)
		return id
	}
	return ""
}

func collect(v any, parts *[]string) {
	switch t := v.(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			if s, ok := t[k].(string); ok {
				if textKeys[k] {
					if clean := sanitize(s); clean != "" {
						*parts = append(*parts, clean)
					}
				}
				continue
			}
			collect(t[k], parts)
		}
	case []any:
		for _, item := range t {
			collect(item, parts)
		}
	}
}

func sanitize(s string) string {
	return strings.TrimSpace(html.UnescapeString(strictPolicy.Sanitize(s)))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
