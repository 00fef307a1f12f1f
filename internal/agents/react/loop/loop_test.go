package loop

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-redteam/pkg/events"
	"go-redteam/pkg/models"
	"go-redteam/pkg/prompts"
	"go-redteam/pkg/tools"
)

type scriptedBackend struct {
	responses []string
	errs      []error
	calls     int
	histories [][]models.Message
	got       []models.Constraints
}

func (b *scriptedBackend) Generate(_ context.Context, history []models.Message, c models.Constraints) (string, error) {
	b.calls++
	b.histories = append(b.histories, history)
	b.got = append(b.got, c)
	i := b.calls - 1
	if i < len(b.errs) && b.errs[i] != nil {
		return "", b.errs[i]
	}
	if len(b.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	if i >= len(b.responses) {
		return b.responses[len(b.responses)-1], nil
	}
	return b.responses[i], nil
}

type recorder struct {
	events []events.Event
}

func (r *recorder) Publish(e events.Event) { r.events = append(r.events, e) }

func (r *recorder) kinds() []events.Kind {
	out := make([]events.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func newRegistry(t *testing.T, calls *[]string) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Func{
		ToolName: "base64_decode",
		Desc:     "decode",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"encoded_string": map[string]any{"type": "string"}},
			"required":   []string{"encoded_string"},
		},
		Fn: func(_ context.Context, p map[string]any) (any, error) {
			*calls = append(*calls, p["encoded_string"].(string))
			if p["encoded_string"] == "bad" {
				return nil, errors.New("illegal base64 data")
			}
			return "decoded:" + p["encoded_string"].(string), nil
		},
	}))
	return r
}

func action(input string) string {
	return fmt.Sprintf("Thought: decode %s\nAction: base64_decode\nAction Input: {\"encoded_string\": %q}", input, input)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 2}
	return cfg
}

func newLoop(b Backend, inv Invoker, cfg Config, rec *recorder) *Loop {
	return New(b, inv, cfg, WithLogger(zerolog.Nop()), WithPublisher(rec), WithTaskID("t1"))
}

func TestLoop_FinalAnswer(t *testing.T) {
	var calls []string
	b := &scriptedBackend{responses: []string{
		action("aGVsbG8="),
		"Thought: it says hello\nFinal Answer: hello",
	}}
	rec := &recorder{}
	l := newLoop(b, newRegistry(t, &calls), testConfig(), rec)

	out, err := l.Run(context.Background(), "decode aGVsbG8=", "system")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Status: models.Solved, Answer: "hello", Iterations: 2, Steps: 1}, out)
	assert.Equal(t, models.Done, l.State())
	assert.Equal(t, []string{"aGVsbG8="}, calls)
	assert.Equal(t, []events.Kind{
		events.KindThought, events.KindActionRequest, events.KindObservation,
		events.KindThought, events.KindLoopDone,
	}, rec.kinds())

	for _, c := range b.got {
		assert.Equal(t, prompts.StopSequences(), c.StopSequences)
		assert.Equal(t, 512, c.MaxTokens)
	}

	second := b.histories[1]
	last := second[len(second)-1]
	assert.Equal(t, models.RoleTool, last.Role)
	assert.Contains(t, last.Content, "Observation: decoded:aGVsbG8=")

	assert.False(t, l.Step(context.Background()), "done is terminal")
	assert.Equal(t, 2, b.calls)
}

func TestLoop_TranscriptGrowsThreePerCycle(t *testing.T) {
	var calls []string
	b := &scriptedBackend{responses: []string{action("a"), action("b"), action("c"), action("d")}}
	cfg := testConfig()
	cfg.MaxSteps = 4
	l := newLoop(b, newRegistry(t, &calls), cfg, &recorder{})

	require.NoError(t, l.Start("obj", "sys"))
	for n := 1; l.Step(context.Background()); n++ {
		assert.Equal(t, 2+3*n, len(l.Turns()))
	}

	turns := l.Turns()
	require.Len(t, turns, 2+3*4)
	for i := 1; i < len(turns); i++ {
		assert.Equal(t, i, turns[i].Index)
		assert.GreaterOrEqual(t, turns[i].Step, turns[i-1].Step)
	}
	cycle := turns[2:5]
	assert.Equal(t, []models.TurnKind{models.KindThought, models.KindAction, models.KindObservation},
		[]models.TurnKind{cycle[0].Kind, cycle[1].Kind, cycle[2].Kind})
	assert.Equal(t, 1, cycle[0].Step)
	assert.Equal(t, cycle[0].Step, cycle[2].Step)
}

func TestLoop_StepLimit(t *testing.T) {
	var calls []string
	b := &scriptedBackend{responses: []string{action("a"), action("b"), action("c"), action("d"), action("e")}}
	cfg := testConfig()
	cfg.MaxSteps = 3
	l := newLoop(b, newRegistry(t, &calls), cfg, &recorder{})

	out, err := l.Run(context.Background(), "obj", "")
	require.NoError(t, err)
	assert.Equal(t, models.StepLimit, out.Status)
	assert.Equal(t, 3, b.calls)
	assert.Equal(t, 3, out.Iterations)
}

func TestLoop_StepLimitWithoutValidActions(t *testing.T) {
	var calls []string
	b := &scriptedBackend{responses: []string{"nonsense", action("a"), "nonsense", action("b"), "nonsense"}}
	cfg := testConfig()
	cfg.MaxSteps = 5
	l := newLoop(b, newRegistry(t, &calls), cfg, &recorder{})

	out, _ := l.Run(context.Background(), "obj", "")
	assert.Equal(t, models.StepLimit, out.Status)
	assert.Equal(t, 5, b.calls)
	assert.Equal(t, 2, out.Steps)
}

func TestLoop_ConsecutiveParseFailures(t *testing.T) {
	var calls []string
	b := &scriptedBackend{responses: []string{"I will just guess", "Thought: hmm", "Thought: x\nAction: base64_decode"}}
	rec := &recorder{}
	l := newLoop(b, newRegistry(t, &calls), testConfig(), rec)

	out, err := l.Run(context.Background(), "obj", "sys")
	require.NoError(t, err)
	assert.Equal(t, models.Unresolved, out.Status)
	assert.Equal(t, 3, b.calls, "no fourth generation request")
	assert.Empty(t, calls)
	assert.Equal(t, []events.Kind{
		events.KindParseError, events.KindParseError, events.KindParseError, events.KindLoopDone,
	}, rec.kinds())
	assert.Equal(t, "missing_params", rec.events[2].Data["reason"])

	turns := l.Turns()
	require.Len(t, turns, 2+2*3)
	assert.Equal(t, models.KindRawResponse, turns[2].Kind)
	assert.Equal(t, "I will just guess", turns[2].Content)
	assert.Equal(t, models.KindFeedback, turns[3].Kind)
	assert.Contains(t, turns[3].Content, "Error (missing_thought)")
	assert.Contains(t, turns[3].Content, "You MUST respond with:")

	second := b.histories[1]
	assert.Equal(t, models.RoleUser, second[len(second)-1].Role)
}

func TestLoop_SuccessForgivesFailures(t *testing.T) {
	var calls []string
	b := &scriptedBackend{responses: []string{
		"junk", "junk", action("a"), "junk", "junk", "Final Answer: done",
	}}
	l := newLoop(b, newRegistry(t, &calls), testConfig(), &recorder{})

	out, err := l.Run(context.Background(), "obj", "")
	require.NoError(t, err)
	assert.Equal(t, models.Solved, out.Status)
	assert.Equal(t, 6, b.calls)
}

func TestLoop_ToolFailures(t *testing.T) {
	var calls []string
	b := &scriptedBackend{responses: []string{
		"Thought: try\nAction: Base64_Decode\nAction Input: {\"encoded_string\": \"bad\"}",
		"Thought: try shell\nAction: shell\nAction Input: {\"cmd\": \"ls\"}",
		"Thought: wrong key\nAction: base64_decode\nAction Input: {\"data\": \"x\"}",
		"Thought: wrong key again\nAction: base64_decode\nAction Input: {\"data\": \"y\"}",
	}}
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 3
	l := newLoop(b, newRegistry(t, &calls), cfg, &recorder{})

	out, err := l.Run(context.Background(), "obj", "")
	require.NoError(t, err)
	assert.Equal(t, models.Unresolved, out.Status)
	assert.Equal(t, 4, b.calls, "execution error does not count toward the ceiling")
	assert.Equal(t, []string{"bad"}, calls, "only the valid request reached the tool")
	assert.Equal(t, 1, out.Steps)

	var observations []string
	for _, turn := range l.Turns() {
		if turn.Kind == models.KindObservation {
			observations = append(observations, turn.Content)
		}
	}
	require.Len(t, observations, 4)
	assert.Contains(t, observations[0], "Error (execution_error): illegal base64 data")
	assert.Contains(t, observations[1], "Error (unknown_tool)")
	assert.Contains(t, observations[2], "Error (invalid_params)")
}

func TestLoop_ThoughtRecordedBeforeExecution(t *testing.T) {
	b := &scriptedBackend{responses: []string{action("x")}}
	var seen []models.Turn
	var l *Loop
	inv := invokerFunc(func(ctx context.Context, name string, params map[string]any) models.ToolResult {
		seen = l.Turns()
		return models.ToolResult{Tool: name, Success: true, Payload: "ok"}
	})
	cfg := testConfig()
	cfg.MaxSteps = 1
	l = newLoop(b, inv, cfg, &recorder{})

	_, err := l.Run(context.Background(), "obj", "")
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, models.KindThought, seen[1].Kind)
	assert.Equal(t, "decode x", seen[1].Content)
	assert.Equal(t, models.KindAction, seen[2].Kind)
	assert.Equal(t, "base64_decode", seen[2].Content)
}

func TestLoop_ToolCannotRewriteRecordedAction(t *testing.T) {
	b := &scriptedBackend{responses: []string{action("aGk=")}}
	inv := invokerFunc(func(ctx context.Context, name string, params map[string]any) models.ToolResult {
		params["encoded_string"] = "rewritten"
		return models.ToolResult{Tool: name, Success: true, Payload: "ok"}
	})
	cfg := testConfig()
	cfg.MaxSteps = 1
	rec := &recorder{}
	l := newLoop(b, inv, cfg, rec)

	_, err := l.Run(context.Background(), "obj", "")
	require.NoError(t, err)
	turns := l.Turns()
	require.Len(t, turns, 4)
	for _, turn := range turns[1:3] {
		require.NotNil(t, turn.Action)
		assert.Equal(t, "aGk=", turn.Action.Params["encoded_string"])
	}
	assert.NotSame(t, turns[1].Action, turns[2].Action)

	turns[2].Action.Params["encoded_string"] = "changed"
	assert.Equal(t, "aGk=", l.Turns()[2].Action.Params["encoded_string"])
	assert.Equal(t, "aGk=", rec.events[1].Data["params"].(map[string]any)["encoded_string"])
}

type invokerFunc func(ctx context.Context, name string, params map[string]any) models.ToolResult

func (f invokerFunc) List() []tools.Descriptor { return nil }
func (f invokerFunc) Invoke(ctx context.Context, name string, params map[string]any) models.ToolResult {
	return f(ctx, name, params)
}

func TestLoop_LoopDetection(t *testing.T) {
	var calls []string
	b := &scriptedBackend{responses: []string{action("same")}}
	l := newLoop(b, newRegistry(t, &calls), testConfig(), &recorder{})

	out, err := l.Run(context.Background(), "obj", "")
	require.NoError(t, err)
	assert.Equal(t, models.LoopDetected, out.Status)
	assert.Equal(t, 3, b.calls)
	assert.Len(t, calls, 3)

	cfg := testConfig()
	cfg.LoopDetectionWindow = 0
	cfg.MaxSteps = 5
	b = &scriptedBackend{responses: []string{action("same")}}
	out, _ = newLoop(b, newRegistry(t, &calls), cfg, &recorder{}).Run(context.Background(), "obj", "")
	assert.Equal(t, models.StepLimit, out.Status)
}

func TestLoop_BackendRetry(t *testing.T) {
	var calls []string
	b := &scriptedBackend{
		responses: []string{"", "Final Answer: 42"},
		errs:      []error{errors.New("503 unavailable")},
	}
	rec := &recorder{}
	l := newLoop(b, newRegistry(t, &calls), testConfig(), rec)

	out, err := l.Run(context.Background(), "obj", "")
	require.NoError(t, err)
	assert.Equal(t, models.Solved, out.Status)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, events.KindBackendRetry, rec.events[0].Kind)
}

func TestLoop_BackendError(t *testing.T) {
	var calls []string
	cause := errors.New("401 unauthorized")
	b := &scriptedBackend{errs: []error{cause, cause, cause}}
	l := newLoop(b, newRegistry(t, &calls), testConfig(), &recorder{})

	out, err := l.Run(context.Background(), "obj", "")
	require.Error(t, err)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 2, be.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, models.BackendError, out.Status)
	assert.Equal(t, 2, b.calls)
}

func TestLoop_Cancelled(t *testing.T) {
	var calls []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &scriptedBackend{responses: []string{action("a")}}
	l := newLoop(b, newRegistry(t, &calls), testConfig(), &recorder{})

	out, err := l.Run(ctx, "obj", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.Cancelled, out.Status)
	assert.Zero(t, b.calls)
}

func TestLoop_PanickingSubscriber(t *testing.T) {
	var calls []string
	b := &scriptedBackend{responses: []string{"Final Answer: 42"}}
	pub := events.PublisherFunc(func(events.Event) { panic("display broke") })
	l := New(b, newRegistry(t, &calls), testConfig(), WithLogger(zerolog.Nop()), WithPublisher(pub))

	out, err := l.Run(context.Background(), "obj", "")
	require.NoError(t, err)
	assert.Equal(t, models.Solved, out.Status)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 350*time.Millisecond, p.Delay(3))
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Zero(t, RetryPolicy{}.Delay(3))
}
