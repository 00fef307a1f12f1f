package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go-redteam/internal/storage"
	"go-redteam/pkg/prompts"
	"go-redteam/pkg/tools"
)

func newToolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := newRegistry(a.cfg.Tools)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tools.Describe(reg.List()))
			return err
		},
	}
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List prompt modes",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, m := range prompts.Modes() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.Name, m.DisplayName, m.Description)
			}
			return w.Flush()
		},
	}
}

func newSessionsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions [id]",
		Short: "List saved sessions, or export one as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(a.cfg.Storage)
			if err != nil {
				return err
			}
			defer closeStore()
			if store == nil {
				return errors.New("session storage is disabled (storage.path is empty)")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				st, err := store.Get(ctx, args[0])
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("session %s not found", args[0])
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			list, err := store.List(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tMODE\tSTATUS\tSTEPS\tOBJECTIVE")
			for _, st := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					st.ID, st.StartedAt.Local().Format(time.DateTime), st.Mode, st.Status, st.Steps, clip(st.Objective, 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to list")
	return cmd
}

type example struct {
	Key         string
	Name        string
	Description string
	Challenge   string
	URL         string
	Hint        string
	Solution    string
}

var examples = []example{
	{
		Key:         "base64_flag",
		Name:        "Simple Base64 Flag",
		Description: "Decode this base64 string to find the flag",
		Challenge:   "RkxBR3tiYXNlNjRfaXNfZWFzeX0=",
		Hint:        "Use base64_decode tool",
		Solution:    "FLAG{base64_is_easy}",
	},
	{
		Key:         "nested_encoding",
		Name:        "Nested Encoding",
		Description: "The flag is encoded multiple times",
		Challenge:   "VTBaQlIxdGlZWE5sTmpSZmJtVnpkR1ZrWDJWdVkyOWthVzVuZlE9PQ==",
		Hint:        "Decode multiple times",
		Solution:    "FLAG{base64_nested_encoding}",
	},
	{
		Key:         "web_challenge",
		Name:        "Web Source Flag",
		Description: "Find the flag hidden in a webpage",
		URL:         "Create a simple HTML file with flag in comment",
		Hint:        "Check HTML comments",
		Solution:    "FLAG{hidden_in_html}",
	},
	{
		Key:         "header_flag",
		Name:        "HTTP Header Flag",
		Description: "The flag is in an HTTP header",
		URL:         "Server responds with X-Flag header",
		Hint:        "Check response headers",
		Solution:    "FLAG{check_the_headers}",
	},
}

func newExamplesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "examples",
		Short: "Print example challenges for trying the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			printExamples(cmd.OutOrStdout())
			return nil
		},
	}
}

func printExamples(w io.Writer) {
	for _, ex := range examples {
		fmt.Fprintf(w, "%s (%s)\n", ex.Name, ex.Key)
		fmt.Fprintf(w, "  Description: %s\n", ex.Description)
		if ex.Challenge != "" {
			fmt.Fprintf(w, "  Challenge:   %s\n", ex.Challenge)
		}
		if ex.URL != "" {
			fmt.Fprintf(w, "  URL:         %s\n", ex.URL)
		}
		fmt.Fprintf(w, "  Hint:        %s\n", ex.Hint)
		fmt.Fprintf(w, "  Solution:    %s\n\n", ex.Solution)
	}
	fmt.Fprintln(w, `Try: redteam run "Decode this base64: RkxBR3tiYXNlNjRfaXNfZWFzeX0="`)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
