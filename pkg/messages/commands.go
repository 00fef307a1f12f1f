package messages

import (
	"github.com/google/uuid"
)

// NewObjective starts a task on a freshly spawned task actor.
type NewObjective struct {
	RequestID uuid.UUID
	Objective string
	Mode      string
}

// NextStep asks a task actor to run one more loop cycle. Task actors send
// it to themselves so that other messages interleave between cycles.
type NextStep struct{}

// GetStatus is answered with a models.TaskStatus.
type GetStatus struct {
	WithTurns bool
}

// Cancel stops a running task before its next cycle. It is answered with
// a models.TaskStatus.
type Cancel struct{}
