// Package tools holds the capability registry the agent loop invokes by name.
package tools

import (
	"context"
)

// Tool is a single capability. Parameters is the JSON schema of the
// mapping Invoke accepts; the registry validates against it before
// Invoke is ever called.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// Func adapts a plain function to the Tool interface.
type Func struct {
	ToolName string
	Desc     string
	Schema   map[string]any
	Fn       func(ctx context.Context, params map[string]any) (any, error)
}

func (f Func) Name() string               { return f.ToolName }
func (f Func) Description() string        { return f.Desc }
func (f Func) Parameters() map[string]any { return f.Schema }

func (f Func) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return f.Fn(ctx, params)
}

// Descriptor is the public description of a registered tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// String returns the value of a string parameter, or def when absent.
func String(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}
