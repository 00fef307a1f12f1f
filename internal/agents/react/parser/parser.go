// Package parser reduces raw model text to a single ReAct action.
//
// Only the first Thought/Action/Action Input block is honored. Anything
// after a second Thought or an Observation line is discarded before the
// search starts.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"go-redteam/pkg/data"
	"go-redteam/pkg/models"
	"go-redteam/pkg/prompts"
)

type Reason string

const (
	MissingThought  Reason = "missing_thought"
	MissingAction   Reason = "missing_action"
	MissingParams   Reason = "missing_params"
	MalformedParams Reason = "malformed_params"
)

// DefaultFinalThought is recorded when a final answer comes without a thought.
const DefaultFinalThought = "I have determined the answer."

// Failure describes why a response could not be reduced to an action.
type Failure struct {
	Reason Reason
	Detail string
	Hint   string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Reason, f.Detail)
}

func fail(reason Reason, detail, hint string) *Failure {
	return &Failure{Reason: reason, Detail: detail, Hint: hint}
}

// Parse extracts the first action from raw. Malformed input is reported as a
// Failure, never as a panic.
func Parse(raw string) (models.ParsedAction, *Failure) {
	text := Truncate(raw)

	thought, hasThought := find(text, prompts.ThoughtMarker, 0)
	action, hasAction := find(text, prompts.ActionMarker, 0)
	if hasThought && hasAction && action.start < thought.start {
		action, hasAction = find(text, prompts.ActionMarker, thought.end)
	}

	if final, ok := find(text, prompts.FinalAnswerMarker, 0); ok && (!hasAction || final.start < action.start) {
		return finalAnswer(text, thought, hasThought, final)
	}

	if !hasThought {
		return models.ParsedAction{}, fail(MissingThought,
			"response has no "+prompts.ThoughtMarker+" line",
			"Start your response with "+prompts.ThoughtMarker+" followed by your reasoning.")
	}
	if !hasAction {
		return models.ParsedAction{}, fail(MissingAction,
			"response has no "+prompts.ActionMarker+" line after the thought",
			"After your thought, name exactly one tool on an "+prompts.ActionMarker+" line.")
	}

	act := models.ParsedAction{Thought: strings.TrimSpace(text[thought.end:action.start])}
	if act.Thought == "" {
		return models.ParsedAction{}, fail(MissingThought,
			"thought is empty",
			"Explain your reasoning after "+prompts.ThoughtMarker+" before choosing an action.")
	}

	act.Name = actionName(text[action.end:lineEnd(text, action.end)])
	if act.Name == "" {
		return models.ParsedAction{}, fail(MissingAction,
			"action name is empty",
			"Write the tool name on the same line as "+prompts.ActionMarker)
	}

	input, ok := find(text, prompts.ActionInputMarker, action.end)
	if !ok {
		return models.ParsedAction{}, fail(MissingParams,
			"response has no "+prompts.ActionInputMarker+" line after the action",
			"Follow the action with "+prompts.ActionInputMarker+" and a JSON object, {} if the tool takes no parameters.")
	}

	obj, err := data.FirstObject(text[input.end:])
	if err != nil {
		return models.ParsedAction{}, fail(MalformedParams,
			fmt.Sprintf("action input: %v", err),
			prompts.ActionInputMarker+" must be a single JSON object such as {\"key\": \"value\"}.")
	}
	if err := json.Unmarshal([]byte(obj), &act.Params); err != nil {
		return models.ParsedAction{}, fail(MalformedParams,
			fmt.Sprintf("action input is not valid JSON: %v", err),
			"Use double quotes for keys and string values and escape special characters.")
	}
	if act.Params == nil {
		act.Params = map[string]any{}
	}
	return act, nil
}

func finalAnswer(text string, thought span, hasThought bool, final span) (models.ParsedAction, *Failure) {
	act := models.ParsedAction{Final: true, Thought: DefaultFinalThought}
	if hasThought && thought.start < final.start {
		if t := strings.TrimSpace(text[thought.end:final.start]); t != "" {
			act.Thought = t
		}
	}
	end := len(text)
	for _, marker := range []string{prompts.ActionMarker, prompts.ActionInputMarker, prompts.ThoughtMarker} {
		if next, ok := find(text, marker, final.end); ok && next.start < end {
			end = next.start
		}
	}
	act.Answer = strings.TrimSpace(text[final.end:end])
	if act.Answer == "" {
		return models.ParsedAction{}, fail(MissingParams,
			"final answer is empty",
			"Write the complete answer after "+prompts.FinalAnswerMarker)
	}
	return act, nil
}

// Truncate cuts raw at the second Thought line or the first Observation
// line, whichever comes first.
func Truncate(raw string) string {
	cut := len(raw)
	if first, ok := find(raw, prompts.ThoughtMarker, 0); ok {
		if second, ok := find(raw, prompts.ThoughtMarker, first.end); ok {
			cut = second.start
		}
	}
	if obs, ok := find(raw, prompts.ObservationMarker, 0); ok && obs.start < cut {
		cut = obs.start
	}
	return raw[:cut]
}

// span is the byte range of a marker in the text. start is the beginning
// of the marker's line.
type span struct {
	start, end int
}

// find locates the first line at or after from that begins with marker,
// ignoring case and leading whitespace.
func find(text, marker string, from int) (span, bool) {
	for pos := lineStart(text, from); pos < len(text); {
		end := lineEnd(text, pos)
		line := text[pos:end]
		trimmed := strings.TrimLeft(line, " \t*")
		if len(trimmed) >= len(marker) && strings.EqualFold(trimmed[:len(marker)], marker) {
			return span{start: pos, end: pos + (len(line) - len(trimmed)) + len(marker)}, true
		}
		pos = end + 1
	}
	return span{}, false
}

// lineStart returns from if it begins a line, or the start of the next line.
func lineStart(text string, from int) int {
	if from <= 0 {
		return 0
	}
	if from > len(text) {
		return len(text)
	}
	if text[from-1] == '\n' {
		return from
	}
	if i := strings.IndexByte(text[from:], '\n'); i >= 0 {
		return from + i + 1
	}
	return len(text)
}

func lineEnd(text string, from int) int {
	if i := strings.IndexByte(text[from:], '\n'); i >= 0 {
		return from + i
	}
	return len(text)
}

func actionName(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), "`*[]\"' "))
}
