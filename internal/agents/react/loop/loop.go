// Package loop runs the ReAct cycle for one task: ask the model for the
// next step, reduce the reply to a single action, execute it and feed the
// observation back until the task is done.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go-redteam/internal/agents/react/parser"
	"go-redteam/pkg/events"
	"go-redteam/pkg/logger"
	"go-redteam/pkg/memory/buffer"
	"go-redteam/pkg/models"
	"go-redteam/pkg/prompts"
	"go-redteam/pkg/tools"
)

// Backend generates the next model response from the rendered history.
type Backend interface {
	Generate(ctx context.Context, history []models.Message, c models.Constraints) (string, error)
}

// Invoker is the tool registry as seen by the loop.
type Invoker interface {
	List() []tools.Descriptor
	Invoke(ctx context.Context, name string, params map[string]any) models.ToolResult
}

type Config struct {
	// MaxSteps bounds the number of generation requests.
	MaxSteps int
	// MaxConsecutiveFailures ends the task after this many model errors
	// in a row: rejected responses, unknown tools or invalid parameters.
	MaxConsecutiveFailures int
	// LoopDetectionWindow ends the task when this many consecutive
	// actions are identical. Zero disables detection.
	LoopDetectionWindow int
	Constraints         models.Constraints
	Retry               RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		MaxSteps:               10,
		MaxConsecutiveFailures: 3,
		LoopDetectionWindow:    3,
		Constraints: models.Constraints{
			StopSequences: prompts.StopSequences(),
			MaxTokens:     512,
			Temperature:   0.3,
		},
		Retry: DefaultRetryPolicy(),
	}
}

// Outcome summarizes a finished loop.
type Outcome struct {
	Status     models.Status `json:"status"`
	Answer     string        `json:"answer,omitempty"`
	Error      string        `json:"error,omitempty"`
	Iterations int           `json:"iterations"`
	Steps      int           `json:"steps"`
}

type Option func(*Loop)

func WithLogger(l zerolog.Logger) Option {
	return func(lp *Loop) { lp.log = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(lp *Loop) { lp.pub = p }
}

// WithTaskID tags published events with the task id.
func WithTaskID(id string) Option {
	return func(lp *Loop) { lp.task = id }
}

// Loop owns the transcript and state of a single task. It is not safe for
// concurrent use; run independent tasks on independent loops.
type Loop struct {
	cfg     Config
	backend Backend
	tools   Invoker
	pub     events.Publisher
	log     zerolog.Logger
	task    string
	sleep   func(context.Context, time.Duration) error

	transcript *buffer.Transcript
	started    bool
	state      models.State
	status     models.Status
	iterations int
	steps      int
	failures   int
	answer     string
	err        error
	recent     []string
}

func New(backend Backend, invoker Invoker, cfg Config, opts ...Option) *Loop {
	if len(cfg.Constraints.StopSequences) == 0 {
		cfg.Constraints.StopSequences = prompts.StopSequences()
	}
	if cfg.MaxConsecutiveFailures < 1 {
		cfg.MaxConsecutiveFailures = 1
	}
	l := &Loop{
		cfg:        cfg,
		backend:    backend,
		tools:      invoker,
		log:        log.Logger,
		sleep:      sleepContext,
		transcript: buffer.New(),
		state:      models.AwaitingModel,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start resets the loop for a new task and records the system prompt and
// objective.
func (l *Loop) Start(objective, systemPrompt string) error {
	l.transcript.Reset()
	l.started = true
	l.state = models.AwaitingModel
	l.status = models.Running
	l.iterations, l.steps, l.failures = 0, 0, 0
	l.answer, l.err, l.recent = "", nil, nil

	if systemPrompt != "" {
		if err := l.record(models.Turn{Role: models.RoleSystem, Kind: models.KindSystemPrompt, Content: systemPrompt}); err != nil {
			return err
		}
	}
	return l.record(models.Turn{Role: models.RoleUser, Kind: models.KindObjective, Content: objective})
}

// Run starts the task and steps it until done. The returned error is set
// when the loop ended on a backend failure or cancellation.
func (l *Loop) Run(ctx context.Context, objective, systemPrompt string) (Outcome, error) {
	if err := l.Start(objective, systemPrompt); err != nil {
		return Outcome{}, fmt.Errorf("start: %w", err)
	}
	for l.Step(ctx) {
	}
	if l.status == models.BackendError || l.status == models.Cancelled {
		return l.Outcome(), l.err
	}
	return l.Outcome(), nil
}

// Step runs one generation cycle and reports whether the loop can
// continue. At most one tool is invoked per call. Step on a finished loop
// is a no-op.
func (l *Loop) Step(ctx context.Context) bool {
	if l.state == models.Done {
		return false
	}
	if !l.started {
		l.finish(models.Unresolved, errors.New("step before start"))
		return false
	}
	if err := ctx.Err(); err != nil {
		l.finish(models.Cancelled, err)
		return false
	}
	if l.iterations >= l.cfg.MaxSteps {
		l.finish(models.StepLimit, nil)
		return false
	}

	l.iterations++
	l.state = models.AwaitingModel
	raw, err := l.generate(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			l.finish(models.Cancelled, err)
		} else {
			l.finish(models.BackendError, err)
		}
		return false
	}

	l.state = models.Parsing
	act, failure := parser.Parse(raw)
	switch {
	case failure != nil:
		l.rejectResponse(raw, failure)
	case act.Final:
		l.record(models.Turn{Role: models.RoleAgent, Kind: models.KindThought, Content: act.Thought, Action: actionRef(act)})
		l.emit(events.KindThought, map[string]any{"thought": act.Thought})
		l.record(models.Turn{Role: models.RoleAgent, Kind: models.KindFinalAnswer, Content: act.Answer, Action: actionRef(act)})
		l.answer = act.Answer
		l.finish(models.Solved, nil)
	default:
		l.execute(ctx, act)
	}

	if l.state != models.Done && l.iterations >= l.cfg.MaxSteps {
		l.finish(models.StepLimit, nil)
	}
	if l.state == models.Done {
		return false
	}
	l.state = models.AwaitingModel
	return true
}

func (l *Loop) generate(ctx context.Context) (string, error) {
	history := l.transcript.Render()
	attempts := l.cfg.Retry.attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := l.cfg.Retry.Delay(attempt - 1)
			l.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Msg("retrying generation")
			l.emit(events.KindBackendRetry, map[string]any{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			})
			if err := l.sleep(ctx, delay); err != nil {
				return "", &BackendError{Attempts: attempt - 1, Err: err}
			}
		}
		raw, err := l.backend.Generate(ctx, history, l.cfg.Constraints)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", &BackendError{Attempts: attempt, Err: ctx.Err()}
		}
	}
	return "", &BackendError{Attempts: attempts, Err: lastErr}
}

// rejectResponse keeps the rejected text in the transcript and tells the
// model what was wrong with it.
func (l *Loop) rejectResponse(raw string, f *parser.Failure) {
	l.state = models.ErrorRecovery
	l.failures++
	l.log.Debug().Int(logger.StepField, l.iterations).Str("reason", string(f.Reason)).Msg("rejected model response")

	l.record(models.Turn{Role: models.RoleAgent, Kind: models.KindRawResponse, Content: raw})
	l.record(models.Turn{
		Role:    models.RoleUser,
		Kind:    models.KindFeedback,
		Content: prompts.CorrectiveFeedback(string(f.Reason), f.Detail, f.Hint),
	})
	l.emit(events.KindParseError, map[string]any{
		"reason":               string(f.Reason),
		"detail":               f.Detail,
		"consecutive_failures": l.failures,
	})
	l.checkCeiling()
}

func (l *Loop) execute(ctx context.Context, act models.ParsedAction) {
	l.record(models.Turn{Role: models.RoleAgent, Kind: models.KindThought, Content: act.Thought, Action: actionRef(act)})
	l.emit(events.KindThought, map[string]any{"thought": act.Thought})
	l.record(models.Turn{Role: models.RoleAgent, Kind: models.KindAction, Content: act.Name, Action: actionRef(act)})
	l.emit(events.KindActionRequest, map[string]any{"tool": act.Name, "params": act.Clone().Params})

	l.state = models.Executing
	res := l.tools.Invoke(ctx, act.Name, act.Clone().Params)
	l.log.Debug().Int(logger.StepField, l.iterations).Str(logger.ToolField, act.Name).Bool("success", res.Success).Msg("tool returned")

	l.record(models.Turn{Role: models.RoleTool, Kind: models.KindObservation, Content: res.Text(), Result: &res})
	l.emit(events.KindObservation, map[string]any{
		"tool":       res.Tool,
		"success":    res.Success,
		"error_kind": string(res.ErrorKind),
		"text":       res.Text(),
	})

	if res.ModelAttributable() {
		l.state = models.ErrorRecovery
		l.failures++
		l.checkCeiling()
		return
	}
	l.failures = 0
	l.steps++
	if l.repeating(act) {
		l.finish(models.LoopDetected, fmt.Errorf("action %s repeated %d times with the same input", act.Name, l.cfg.LoopDetectionWindow))
	}
}

func (l *Loop) checkCeiling() {
	if l.failures >= l.cfg.MaxConsecutiveFailures {
		l.finish(models.Unresolved, fmt.Errorf("no valid action after %d consecutive attempts", l.failures))
	}
}

// repeating records act and reports whether the last window actions were
// identical.
func (l *Loop) repeating(act models.ParsedAction) bool {
	n := l.cfg.LoopDetectionWindow
	if n < 2 {
		return false
	}
	params, _ := json.Marshal(act.Params)
	key := act.Name + " " + string(params)
	l.recent = append(l.recent, key)
	if len(l.recent) > n {
		l.recent = l.recent[len(l.recent)-n:]
	}
	if len(l.recent) < n {
		return false
	}
	for _, k := range l.recent {
		if k != key {
			return false
		}
	}
	return true
}

func (l *Loop) finish(status models.Status, err error) {
	l.state = models.Done
	l.status = status
	l.err = err
	ev := l.log.Info()
	if err != nil {
		ev = l.log.Warn().Err(err)
	}
	ev.Str(logger.StatusField, string(status)).Int("iterations", l.iterations).Int("steps", l.steps).Msg("loop done")

	data := map[string]any{
		"status":     string(status),
		"steps":      l.steps,
		"iterations": l.iterations,
	}
	if l.answer != "" {
		data["answer"] = l.answer
	}
	if err != nil {
		data["error"] = err.Error()
	}
	l.emit(events.KindLoopDone, data)
}

// actionRef gives each recorded turn its own copy of the action.
func actionRef(act models.ParsedAction) *models.ParsedAction {
	c := act.Clone()
	return &c
}

func (l *Loop) record(turn models.Turn) error {
	turn.Step = l.iterations
	if _, err := l.transcript.Append(turn); err != nil {
		l.log.Error().Err(err).Msg("record turn")
		return err
	}
	return nil
}

// emit publishes an event. A failing subscriber never reaches the loop.
func (l *Loop) emit(kind events.Kind, data map[string]any) {
	if l.pub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Str("event", string(kind)).Msg("event subscriber panicked")
		}
	}()
	l.pub.Publish(events.Event{
		Timestamp: time.Now(),
		Task:      l.task,
		Step:      l.iterations,
		Kind:      kind,
		Data:      data,
	})
}

func (l *Loop) State() models.State   { return l.state }
func (l *Loop) Status() models.Status { return l.status }
func (l *Loop) Iterations() int       { return l.iterations }
func (l *Loop) Steps() int            { return l.steps }
func (l *Loop) Err() error            { return l.err }
func (l *Loop) Answer() string        { return l.answer }

// Turns returns a copy of the transcript.
func (l *Loop) Turns() []models.Turn { return l.transcript.Turns() }

func (l *Loop) Outcome() Outcome {
	o := Outcome{
		Status:     l.status,
		Answer:     l.answer,
		Iterations: l.iterations,
		Steps:      l.steps,
	}
	if l.err != nil {
		o.Error = l.err.Error()
	}
	return o
}
