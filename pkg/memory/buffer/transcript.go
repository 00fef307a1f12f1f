package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-redteam/pkg/models"
	"go-redteam/pkg/prompts"
)

var ErrOutOfOrder = errors.New("turn step precedes the last recorded step")

// Transcript is the append-only conversation history of one task.
// It is owned by a single loop and is not safe for concurrent use.
type Transcript struct {
	turns []models.Turn
	now   func() time.Time
}

func New() *Transcript {
	return &Transcript{now: time.Now}
}

// Append records a turn. Index and Time are assigned here; Step must not
// be lower than the step of the previous turn.
func (t *Transcript) Append(turn models.Turn) (models.Turn, error) {
	if n := len(t.turns); n > 0 && turn.Step < t.turns[n-1].Step {
		return models.Turn{}, fmt.Errorf("append step %d after %d: %w", turn.Step, t.turns[n-1].Step, ErrOutOfOrder)
	}
	turn = turn.Clone()
	turn.Index = len(t.turns)
	if turn.Time.IsZero() {
		turn.Time = t.now()
	}
	t.turns = append(t.turns, turn)
	return turn, nil
}

// Reset clears the history. Only called when a new task starts.
func (t *Transcript) Reset() {
	t.turns = nil
}

func (t *Transcript) Len() int {
	return len(t.turns)
}

// Turns returns a deep copy of the recorded turns.
func (t *Transcript) Turns() []models.Turn {
	out := make([]models.Turn, len(t.turns))
	for i, turn := range t.turns {
		out[i] = turn.Clone()
	}
	return out
}

// Render produces the ordered message history for the next generation
// request. Agent turns of the same step are merged into one message so the
// model sees its own reasoning exactly in the marker format it must emit.
func (t *Transcript) Render() []models.Message {
	var out []models.Message
	lastAgentStep := -1
	for _, turn := range t.turns {
		content := renderTurn(turn)
		if turn.Role == models.RoleAgent && lastAgentStep == turn.Step && len(out) > 0 && out[len(out)-1].Role == models.RoleAgent {
			out[len(out)-1].Content += "\n" + content
			continue
		}
		if turn.Role == models.RoleAgent {
			lastAgentStep = turn.Step
		}
		out = append(out, models.Message{Role: turn.Role, Content: content})
	}
	return out
}

func renderTurn(turn models.Turn) string {
	switch turn.Kind {
	case models.KindObjective:
		return prompts.Objective(turn.Content)
	case models.KindThought:
		return prompts.ThoughtMarker + " " + turn.Content
	case models.KindAction:
		if turn.Action == nil {
			return turn.Content
		}
		return prompts.ActionMarker + " " + turn.Action.Name + "\n" + prompts.ActionInputMarker + " " + encodeParams(turn.Action.Params)
	case models.KindFinalAnswer:
		return prompts.FinalAnswerMarker + " " + turn.Content
	case models.KindObservation:
		text := turn.Content
		if turn.Result != nil {
			text = turn.Result.Text()
		}
		return prompts.Observation(text)
	default:
		return turn.Content
	}
}

func encodeParams(params map[string]any) string {
	if params == nil {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return strings.TrimSpace(string(b))
}
