package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	AgentNameField = "agent"
	TaskField      = "task"
	ActorIDField   = "actor"
	StepField      = "step"
	ToolField      = "tool"
	ModeField      = "mode"
	StatusField    = "status"
	ProviderField  = "provider"
)

// NewGlobal configures the global zerolog logger. An empty level means info.
func NewGlobal(level string, pretty bool) error {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(l)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

// ForTask returns a child of the global logger tagged with the task id.
func ForTask(taskID string) zerolog.Logger {
	return log.With().Str(TaskField, taskID).Logger()
}
