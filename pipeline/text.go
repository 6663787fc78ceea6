package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/airweave-ai/sync-engine/entity"
)

// headerExclusions are payload fields which never belong in the textual
// representation: identity and placement metadata rather than content.
var headerExclusions = map[string]bool{
	"entity_id":   true,
	"breadcrumbs": true,
	"url":         true,
	"local_path":  true,
}

// BuildText renders the entity's embeddable text: a metadata header of
// the entity's scalar fields in sorted key order, a blank line, then
// the body. Entities without a body still get the header, so every
// entity has at least a metadata-only representation. The rendering is
// deterministic: identical entities always produce identical text.
func BuildText(e entity.Entity, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "type: %s\n", e.Tag())

	var fields, err = entity.PayloadFields(e)
	if err == nil {
		var keys = make([]string, 0, len(fields))
		for k := range fields {
			if !headerExclusions[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		for _, k := range keys {
			if v, ok := scalar(fields[k]); ok && v != "" {
				fmt.Fprintf(&b, "%s: %s\n", k, v)
			}
		}
	}

	if body = strings.TrimSpace(body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	return b.String()
}

// scalar renders a field value when it's a flat printable type. Nested
// objects and arrays stay out of the header.
func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return fmt.Sprint(t), true
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing decimal so representations stay stable.
		if t == float64(int64(t)) {
			return fmt.Sprint(int64(t)), true
		}
		return fmt.Sprint(t), true
	case nil:
		return "", false
	default:
		return "", false
	}
}
