package models

import (
	"time"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleTool   Role = "tool"
)

type TurnKind string

const (
	KindSystemPrompt TurnKind = "system_prompt"
	KindObjective    TurnKind = "objective"
	KindThought      TurnKind = "thought"
	KindAction       TurnKind = "action"
	KindFinalAnswer  TurnKind = "final_answer"
	KindRawResponse  TurnKind = "raw_response"
	KindFeedback     TurnKind = "feedback"
	KindObservation  TurnKind = "observation"
)

// Turn is one entry of a conversation transcript. Index is assigned by the
// transcript on append, Step by the loop that produced the turn.
type Turn struct {
	Index   int           `json:"index"`
	Step    int           `json:"step"`
	Role    Role          `json:"role"`
	Kind    TurnKind      `json:"kind"`
	Content string        `json:"content,omitempty"`
	Action  *ParsedAction `json:"action,omitempty"`
	Result  *ToolResult   `json:"result,omitempty"`
	Time    time.Time     `json:"time"`
}

// Message is a rendered transcript entry as sent to a model backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Clone returns a copy of the turn that shares no pointers with t.
func (t Turn) Clone() Turn {
	if t.Action != nil {
		a := t.Action.Clone()
		t.Action = &a
	}
	if t.Result != nil {
		r := t.Result.Clone()
		t.Result = &r
	}
	return t
}
