package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Describe renders the tool list for a system prompt: one entry per tool
// with its Action Input keys.
func Describe(descriptors []Descriptor) string {
	var b strings.Builder
	for i, d := range descriptors {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s: %s", d.Name, d.Description)
		if keys := describeParams(d.Parameters); keys != "" {
			fmt.Fprintf(&b, "\n  Action Input keys: %s", keys)
		}
	}
	return b.String()
}

func describeParams(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []string:
		for _, k := range req {
			required[k] = true
		}
	case []any:
		for _, k := range req {
			if s, ok := k.(string); ok {
				required[s] = true
			}
		}
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		typ := "any"
		if p, ok := props[k].(map[string]any); ok {
			if t, ok := p["type"].(string); ok {
				typ = t
			}
		}
		part := k + " (" + typ
		if required[k] {
			part += ", required"
		}
		parts = append(parts, part+")")
	}
	return strings.Join(parts, ", ")
}
