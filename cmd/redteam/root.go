package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go-redteam/internal/config"
	"go-redteam/pkg/logger"
)

// app carries state shared by subcommands once the root has resolved
// the configuration.
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	loadedFrom string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "redteam",
		Short: "ReAct agent for security challenges",
		Long: `redteam drives a language model through a Thought / Action / Observation
loop with a small set of security tools (base64, HTTP requests with cookie
and CSRF handling) until it produces a final answer.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cmd.Annotations[needsBackend] == "true")
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default: ./redteam.yaml, ~/.config/redteam/redteam.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newToolsCmd(a),
		newModesCmd(),
		newSessionsCmd(a),
		newExamplesCmd(),
	)
	return root
}

// needsBackend marks commands that talk to a model and therefore need a
// fully valid configuration.
const needsBackend = "redteam/backend"

// loadConfig loads the configuration. Only commands talking to a model require
// it to validate, so listing tools or sessions works without an API key.
func (a *app) loadConfig(validate bool) error {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if validate {
		cfg, path, err = config.Resolve(a.configPath)
	} else {
		cfg, path, err = load(a.configPath)
	}
	if err != nil {
		if config.IsValidation(err) {
			return fmt.Errorf("invalid config %s: %w", path, err)
		}
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := logger.NewGlobal(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.cfg, a.loadedFrom = cfg, path
	return nil
}

func load(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, path, nil
}
