package models

import (
	"encoding/json"
	"fmt"
)

type ToolErrorKind string

const (
	UnknownTool    ToolErrorKind = "unknown_tool"
	InvalidParams  ToolErrorKind = "invalid_params"
	ExecutionError ToolErrorKind = "execution_error"
)

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Tool      string        `json:"tool"`
	Success   bool          `json:"success"`
	Payload   any           `json:"payload,omitempty"`
	ErrorKind ToolErrorKind `json:"error_kind,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// ModelAttributable reports whether the failure was caused by a malformed
// request from the model rather than by the tool itself.
func (r ToolResult) ModelAttributable() bool {
	return !r.Success && (r.ErrorKind == UnknownTool || r.ErrorKind == InvalidParams)
}

// Text renders the result as observation text for the model.
func (r ToolResult) Text() string {
	if !r.Success {
		return fmt.Sprintf("Error (%s): %s", r.ErrorKind, r.Message)
	}
	switch p := r.Payload.(type) {
	case nil:
		return "(no output)"
	case string:
		return p
	case []byte:
		return string(p)
	case fmt.Stringer:
		return p.String()
	default:
		b, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(b)
	}
}

// Clone copies the result. JSON-like payloads are copied deeply.
func (r ToolResult) Clone() ToolResult {
	r.Payload = cloneValue(r.Payload)
	return r
}
