package models

import (
	"time"
)

// TaskStatus is the externally visible snapshot of one agent task.
type TaskStatus struct {
	ID         string     `json:"id"`
	Objective  string     `json:"objective"`
	Mode       string     `json:"mode"`
	State      State      `json:"state"`
	Status     Status     `json:"status,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	Error      string     `json:"error,omitempty"`
	Iterations int        `json:"iterations"`
	Steps      int        `json:"steps"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Turns      []Turn     `json:"turns,omitempty"`
}
