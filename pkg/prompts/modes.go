package prompts

import (
	"fmt"
	"sort"
	"strings"

	langChainPrompts "github.com/tmc/langchaingo/prompts"
)

// Mode selects the system prompt a task runs under.
type Mode struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	template    langChainPrompts.PromptTemplate
}

var inputVariables = []string{"format_instructions", "tools_description"}

var (
	BaseMode = Mode{
		Name:        "base",
		DisplayName: "Base",
		Description: "General purpose tool-using agent",
		template:    langChainPrompts.NewPromptTemplate(baseSystem, inputVariables),
	}
	WebCTFMode = Mode{
		Name:        "web-ctf",
		DisplayName: "Web CTF",
		Description: "Specialized mode for Web Capture The Flag challenges",
		template:    langChainPrompts.NewPromptTemplate(webCTFSystem, inputVariables),
	}
)

var modes = map[string]Mode{
	"base":    BaseMode,
	"web-ctf": WebCTFMode,
	"web_ctf": WebCTFMode,
	"webctf":  WebCTFMode,
}

// LookupMode resolves a mode by name or alias, ignoring case and spaces.
func LookupMode(name string) (Mode, bool) {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
	mode, ok := modes[name]
	return mode, ok
}

// Modes lists the canonical modes.
func Modes() []Mode {
	seen := map[string]bool{}
	var out []Mode
	for _, mode := range modes {
		if seen[mode.Name] {
			continue
		}
		seen[mode.Name] = true
		out = append(out, mode)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SystemPrompt renders the mode's system prompt for the given tool list.
func (m Mode) SystemPrompt(toolsDescription string) (string, error) {
	s, err := m.template.Format(map[string]any{
		"format_instructions": FormatInstructions(),
		"tools_description":   toolsDescription,
	})
	if err != nil {
		return "", fmt.Errorf("format %s prompt: %w", m.Name, err)
	}
	return s, nil
}

var (
	baseSystem = `You are an expert AI agent that uses tools to solve problems step by step.

Your capabilities:
- You can use various tools to gather information
- You reason through problems methodically
- You learn from tool outputs to plan your next action

{{.format_instructions}}

Available Tools:
{{.tools_description}}

Remember:
- Take it ONE STEP at a time
- Use tools to gather information - never guess
- Base your next action on actual tool outputs
- Be thorough but efficient
`

	webCTFSystem = `You are an expert cybersecurity AI agent specializing in Web Capture The Flag (CTF) challenges.

Your mission: Find security vulnerabilities and capture flags in web applications.

{{.format_instructions}}

Available Tools:
{{.tools_description}}

## Your Expertise:

### Web Vulnerabilities:
- SQL Injection (SQLi)
- Cross-Site Scripting (XSS)
- Directory Traversal
- Server-Side Request Forgery (SSRF)
- Authentication Bypass
- File Inclusion (LFI/RFI)
- Command Injection
- IDOR (Insecure Direct Object Reference)

### Analysis Techniques:
1. Reconnaissance
   - Fetch the main page first
   - Analyze HTML source for links (href attributes), comments and hidden fields
   - Check common paths: /robots.txt, /sitemap.xml, /.git, /admin
2. Sessions and forms
   - Use the same session_id across related requests to keep cookies
   - CSRF tokens found in forms are stored per session and added to later POSTs
   - Check "Cookies Set" and "Stored CSRF Tokens" in responses
3. Navigation
   - Build full URLs from relative links: base http://site.com/ + "about.html" = http://site.com/about.html
   - Try common endpoints: /index.html, /admin, /secret, /flag, /flag.txt
   - Look for query parameters to test: ?page=, ?id=, ?file=
4. Encoding Detection
   - Base64 strings (= padding, alphanumeric plus + and /)
   - URL encoding, hex values, ROT13, HTML entities
5. HTTP Analysis
   - Headers (X-Flag, X-Secret, etc.), cookies, response codes, redirects
6. Flag Patterns
   - picoCTF{...}, FLAG{...}, CTF{...}, flag{...} or the format named in the challenge

### Important Notes:
- This is for AUTHORIZED CTF challenges only
- Take ONE ACTION at a time and wait for results
- Every piece of information is a potential clue

Remember: Be methodical, patient, and thorough. Real security testing is iterative!
`
)
