// Package events carries agent loop lifecycle events to display, logging
// and streaming subscribers. Subscribers observe the loop; they never
// influence it.
package events

import (
	"time"

	"github.com/rs/zerolog"

	"go-redteam/pkg/logger"
)

type Kind string

const (
	// KindThought carries the model's reasoning for the current step.
	// Data: thought.
	KindThought Kind = "thought"
	// KindActionRequest is published before a tool runs.
	// Data: tool, params.
	KindActionRequest Kind = "action_request"
	// KindObservation is published after a tool returns.
	// Data: tool, success, error_kind, text.
	KindObservation Kind = "observation"
	// KindParseError is published when a response is rejected.
	// Data: reason, detail, consecutive_failures.
	KindParseError Kind = "parse_error"
	// KindBackendRetry is published before a failed generation is retried.
	// Data: attempt, delay_ms, error.
	KindBackendRetry Kind = "backend_retry"
	// KindLoopDone is published once when a loop reaches its terminal state.
	// Data: status, answer, error, steps, iterations.
	KindLoopDone Kind = "loop_done"
)

type Event struct {
	Timestamp time.Time      `json:"ts"`
	Task      string         `json:"task"`
	Step      int            `json:"step"`
	Kind      Kind           `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher receives events. Implementations must not block for long.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

type fanout []Publisher

// Fanout returns a Publisher that forwards to every non-nil publisher.
func Fanout(pubs ...Publisher) Publisher {
	out := make(fanout, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (f fanout) Publish(e Event) {
	for _, p := range f {
		p.Publish(e)
	}
}

// LogSubscriber writes every event to log. Loop completion and parse
// errors are logged at info, everything else at debug.
func LogSubscriber(log zerolog.Logger) Publisher {
	return PublisherFunc(func(e Event) {
		lvl := zerolog.DebugLevel
		if e.Kind == KindLoopDone || e.Kind == KindParseError || e.Kind == KindBackendRetry {
			lvl = zerolog.InfoLevel
		}
		log.WithLevel(lvl).
			Str(logger.TaskField, e.Task).
			Int(logger.StepField, e.Step).
			Str("event", string(e.Kind)).
			Fields(e.Data).
			Msg("loop event")
	})
}
