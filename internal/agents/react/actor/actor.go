// Package actor runs agent loops inside protoactor actors, one actor per
// task. Each loop cycle is a separate mailbox message so status queries
// and cancellation are served between cycles.
package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go-redteam/internal/agents/react/loop"
	"go-redteam/pkg/events"
	"go-redteam/pkg/logger"
	"go-redteam/pkg/messages"
	"go-redteam/pkg/models"
	"go-redteam/pkg/prompts"
	"go-redteam/pkg/tools"
)

// Recorder persists finished tasks.
type Recorder interface {
	Save(ctx context.Context, st models.TaskStatus) error
}

// Deps are shared by every task actor.
type Deps struct {
	Backend loop.Backend
	Tools   loop.Invoker
	Config  loop.Config
	// StepTimeout bounds a single cycle. Zero means no limit.
	StepTimeout time.Duration
	Publisher   events.Publisher
	Recorder    Recorder
}

type Task struct {
	deps   Deps
	id     uuid.UUID
	loop   *loop.Loop
	status models.TaskStatus
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// Producer returns a protoactor producer creating task actors over deps.
func Producer(deps Deps) actor.Producer {
	return func() actor.Actor {
		return &Task{deps: deps, id: uuid.Nil, log: log.Logger}
	}
}

func (agent *Task) Receive(ac actor.Context) {
	l := agent.log.With().Fields(map[string]interface{}{logger.ActorIDField: ac.Self().GetId(), logger.AgentNameField: "react"}).Logger()
	switch msg := ac.Message().(type) {
	case *actor.Started:
		l.Debug().Msg("starting actor")
	case *actor.Stopping:
		l.Debug().Msg("stopping actor")
		if agent.cancel != nil {
			agent.cancel()
		}
	case *actor.Stopped:
		l.Debug().Msg("stopped actor")
	case *actor.Restarting:
		l.Debug().Msg("restarting actor")
	case messages.NewObjective:
		if agent.loop != nil {
			l.Warn().Str(logger.TaskField, agent.id.String()).Msg("task already started, ignoring objective")
			return
		}
		if err := agent.start(msg); err != nil {
			l.Error().Err(err).Str(logger.TaskField, msg.RequestID.String()).Msg("unable to start task")
			agent.fail(err)
			return
		}
		l.Info().Str(logger.TaskField, agent.id.String()).Str(logger.ModeField, agent.status.Mode).Msg("task started")
		ac.Send(ac.Self(), messages.NextStep{})
	case messages.NextStep:
		if agent.loop == nil || agent.status.State == models.Done {
			return
		}
		if agent.step() {
			ac.Send(ac.Self(), messages.NextStep{})
			return
		}
		agent.finish()
	case messages.GetStatus:
		ac.Respond(agent.snapshot(msg.WithTurns))
	case messages.Cancel:
		if agent.cancel != nil {
			agent.cancel()
		}
		l.Info().Str(logger.TaskField, agent.id.String()).Msg("cancel requested")
		ac.Respond(agent.snapshot(false))
	default:
		l.Warn().Str(logger.TaskField, agent.id.String()).Msgf("unknown message: %v", msg)
	}
}

func (agent *Task) start(msg messages.NewObjective) error {
	agent.id = msg.RequestID
	agent.log = logger.ForTask(agent.id.String())
	agent.status = models.TaskStatus{
		ID:        agent.id.String(),
		Objective: msg.Objective,
		Mode:      msg.Mode,
		State:     models.AwaitingModel,
		StartedAt: time.Now(),
	}

	mode, ok := prompts.LookupMode(msg.Mode)
	if !ok {
		return fmt.Errorf("unknown mode %q", msg.Mode)
	}
	agent.status.Mode = mode.Name
	system, err := mode.SystemPrompt(tools.Describe(agent.deps.Tools.List()))
	if err != nil {
		return fmt.Errorf("system prompt: %w", err)
	}

	agent.ctx, agent.cancel = context.WithCancel(context.Background())
	agent.loop = loop.New(agent.deps.Backend, agent.deps.Tools, agent.deps.Config,
		loop.WithTaskID(agent.status.ID),
		loop.WithPublisher(agent.deps.Publisher),
		loop.WithLogger(agent.log),
	)
	return agent.loop.Start(msg.Objective, system)
}

func (agent *Task) step() bool {
	ctx, cancel := agent.ctx, context.CancelFunc(func() {})
	if agent.deps.StepTimeout > 0 {
		ctx, cancel = context.WithTimeout(agent.ctx, agent.deps.StepTimeout)
	}
	defer cancel()
	more := agent.loop.Step(ctx)
	agent.sync()
	return more
}

func (agent *Task) sync() {
	agent.status.State = agent.loop.State()
	agent.status.Status = agent.loop.Status()
	agent.status.Answer = agent.loop.Answer()
	agent.status.Iterations = agent.loop.Iterations()
	agent.status.Steps = agent.loop.Steps()
	if err := agent.loop.Err(); err != nil {
		agent.status.Error = err.Error()
	}
}

// fail ends a task that could not start.
func (agent *Task) fail(err error) {
	agent.status.State = models.Done
	agent.status.Status = models.Unresolved
	agent.status.Error = err.Error()
	agent.finish()
}

func (agent *Task) finish() {
	now := time.Now()
	agent.status.EndedAt = &now
	if agent.cancel != nil {
		agent.cancel()
	}
	agent.log.Info().Str(logger.StatusField, string(agent.status.Status)).Msg("task finished")

	if agent.deps.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := agent.deps.Recorder.Save(ctx, agent.snapshot(true)); err != nil {
		agent.log.Error().Err(err).Msg("unable to save session")
	}
}

func (agent *Task) snapshot(withTurns bool) models.TaskStatus {
	st := agent.status
	if withTurns && agent.loop != nil {
		st.Turns = agent.loop.Turns()
	}
	return st
}
