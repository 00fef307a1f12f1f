package models

// State is the position of an agent loop in its cycle.
type State string

const (
	AwaitingModel State = "awaiting_model"
	Parsing       State = "parsing"
	Executing     State = "executing"
	ErrorRecovery State = "error_recovery"
	Done          State = "done" // terminal
)

// Status is how a finished loop ended. Empty while the loop is running.
type Status string

const (
	Running      Status = ""
	Solved       Status = "solved"
	Unresolved   Status = "unresolved" // consecutive-failure ceiling reached
	StepLimit    Status = "step_limit"
	LoopDetected Status = "loop_detected"
	BackendError Status = "backend_error"
	Cancelled    Status = "cancelled"
)
