package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"go-redteam/pkg/models"
)

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps lower-case tool names to tools with compiled parameter
// schemas. It is safe for concurrent use by independent loops.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]registered{}}
}

// Register adds a tool. Names must be lower-case identifiers and unique.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	schema, err := compileSchema(name, t.Parameters())
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = registered{tool: t, schema: schema}
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List describes every registered tool, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, Descriptor{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			Parameters:  reg.tool.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke resolves name case-insensitively, validates params against the
// tool's schema and runs it. Failures never escape as errors or panics;
// they are reported through the result's ErrorKind.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (res models.ToolResult) {
	key := strings.ToLower(strings.TrimSpace(name))
	res.Tool = key

	r.mu.RLock()
	reg, ok := r.tools[key]
	r.mu.RUnlock()
	if !ok {
		res.ErrorKind = models.UnknownTool
		res.Message = fmt.Sprintf("unknown tool %q. Available tools: %s", name, strings.Join(r.Names(), ", "))
		return res
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := reg.schema.Validate(params); err != nil {
		res.ErrorKind = models.InvalidParams
		res.Message = fmt.Sprintf("invalid parameters for %s: %v", key, err)
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			res = models.ToolResult{
				Tool:      key,
				ErrorKind: models.ExecutionError,
				Message:   fmt.Sprintf("%s panicked: %v", key, p),
			}
		}
	}()

	out, err := reg.tool.Invoke(ctx, params)
	if err != nil {
		res.ErrorKind = models.ExecutionError
		res.Message = err.Error()
		return res
	}
	res.Success = true
	res.Payload = out
	return res
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
