package models

// ParsedAction is the single action extracted from one model response.
// Final marks the terminal answer action, in which case Name and Params are
// empty and Answer carries the result.
type ParsedAction struct {
	Thought string         `json:"thought"`
	Name    string         `json:"name,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Final   bool           `json:"final,omitempty"`
	Answer  string         `json:"answer,omitempty"`
}

// Constraints bound a single generation request.
type Constraints struct {
	StopSequences []string `json:"stop_sequences"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
}

// Clone returns a copy that shares no maps or slices with a.
func (a ParsedAction) Clone() ParsedAction {
	if a.Params != nil {
		a.Params = cloneValue(a.Params).(map[string]any)
	}
	return a
}

// cloneValue deep-copies decoded JSON values. Other values are returned
// as is.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
