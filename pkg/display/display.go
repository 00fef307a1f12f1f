// Package display renders agent loop events as terminal panels.
package display

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"go-redteam/pkg/events"
)

var (
	thinkingColor = lipgloss.Color("6")
	toolColor     = lipgloss.Color("3")
	resultColor   = lipgloss.Color("2")
	errorColor    = lipgloss.Color("1")
	statusColor   = lipgloss.Color("4")
)

type Options struct {
	// Width of the panels including borders. Values under 40 are raised.
	Width int
	// Truncate shortens long tool output and parameter values.
	Truncate bool
}

// Renderer is an events.Publisher that writes panels to w.
type Renderer struct {
	mu   sync.Mutex
	w    io.Writer
	opts Options
}

func New(w io.Writer, opts Options) *Renderer {
	if opts.Width < 40 {
		opts.Width = 80
	}
	return &Renderer{w: w, opts: opts}
}

func (r *Renderer) Publish(e events.Event) {
	switch e.Kind {
	case events.KindThought:
		r.panel(fmt.Sprintf("Agent Thinking (Step %d)", e.Step), str(e.Data, "thought"), thinkingColor)
	case events.KindActionRequest:
		r.panel(fmt.Sprintf("Tool Execution (Step %d)", e.Step), r.toolCall(e.Data), toolColor)
	case events.KindObservation:
		color := resultColor
		if ok, _ := e.Data["success"].(bool); !ok {
			color = errorColor
		}
		r.panel(fmt.Sprintf("Tool Response (Step %d)", e.Step), r.toolResponse(e.Data), color)
	case events.KindParseError:
		body := fmt.Sprintf("Error:\n%s: %s", str(e.Data, "reason"), str(e.Data, "detail"))
		r.panel("Invalid Response", body, errorColor)
	case events.KindBackendRetry:
		r.panel("Backend Retry", fmt.Sprintf("attempt %v after %vms: %s", e.Data["attempt"], e.Data["delay_ms"], str(e.Data, "error")), toolColor)
	case events.KindLoopDone:
		if answer := str(e.Data, "answer"); answer != "" {
			r.panel("Final Answer", answer, resultColor)
		}
		lines := []string{"Status: " + str(e.Data, "status"), fmt.Sprintf("Steps: %v", e.Data["steps"])}
		if msg := str(e.Data, "error"); msg != "" {
			lines = append(lines, "Reason: "+msg)
		}
		r.panel("Done", strings.Join(lines, "\n"), statusColor)
	}
}

// Status prints an informational panel.
func (r *Renderer) Status(title string, lines ...string) {
	r.panel(title, strings.Join(lines, "\n"), statusColor)
}

func (r *Renderer) Error(msg, suggestion string) {
	body := "Error:\n" + msg
	if suggestion != "" {
		body += "\n\nSuggestion:\n" + suggestion
	}
	r.panel("Error", body, errorColor)
}

func (r *Renderer) toolCall(data map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Calling Tool: %s\n\nParameters:\n", str(data, "tool"))
	params, _ := data["params"].(map[string]any)
	if len(params) == 0 {
		b.WriteString("  (no parameters)")
		return b.String()
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "  • %s: %s", k, r.cut(fmt.Sprint(params[k]), 100))
	}
	return b.String()
}

func (r *Renderer) toolResponse(data map[string]any) string {
	status := "✓ Executed successfully"
	if ok, _ := data["success"].(bool); !ok {
		status = "✗ " + str(data, "error_kind")
	}
	return fmt.Sprintf("Tool: %s\nStatus: %s\n\nOutput:\n%s", str(data, "tool"), status, r.cut(str(data, "text"), 1000))
}

func (r *Renderer) cut(s string, max int) string {
	if !r.opts.Truncate || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("... (truncated, total length: %d chars)", len(s))
}

func (r *Renderer) panel(title, body string, color lipgloss.Color) {
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(color).
		Padding(0, 1).
		Width(r.opts.Width - 2)
	head := lipgloss.NewStyle().Bold(true).Foreground(color).Render(title)

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, head)
	fmt.Fprintln(r.w, style.Render(body))
}

func str(data map[string]any, key string) string {
	if v, ok := data[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
