package prompts

import (
	"go-redteam/pkg/template"
)

type markers struct {
	Thought, Action, ActionInput, Observation, FinalAnswer string
}

var m = markers{
	Thought:     ThoughtMarker,
	Action:      ActionMarker,
	ActionInput: ActionInputMarker,
	Observation: ObservationMarker,
	FinalAnswer: FinalAnswerMarker,
}

var (
	formatInstructions = `CRITICAL INSTRUCTIONS - YOU MUST FOLLOW THESE EXACTLY:

1. You MUST respond with ONLY ONE action at a time
2. After each action, STOP and wait for the observation
3. Use this EXACT format (nothing before or after):

{{.Thought}} [Your reasoning about what to do next - one clear sentence]
{{.Action}} [EXACTLY ONE tool name from the available tools]
{{.ActionInput}} {"param": "value"}

4. When you have the final answer, use:

{{.Thought}} [Your final reasoning]
{{.FinalAnswer}} [The complete answer]

IMPORTANT RULES:
- NEVER include multiple {{.Thought}}/{{.Action}} pairs in one response
- NEVER write an {{.Observation}} line yourself - wait for real observations
- NEVER skip the {{.ActionInput}} JSON object
- ALWAYS use valid JSON for {{.ActionInput}}
- If a tool fails, adjust your approach based on the error

Example of CORRECT format:
{{.Thought}} I need to fetch the webpage to see its content
{{.Action}} fetch_web_content
{{.ActionInput}} {"url": "http://example.com"}
`

	expectedFormat = `{{.Thought}} [your reasoning]
{{.Action}} [tool_name]
{{.ActionInput}} {"param": "value"}

Or if you have the answer:
{{.Thought}} [your reasoning]
{{.FinalAnswer}} [answer]`

	correctiveFeedback = `Error ({{.Reason}}): {{.Detail}}
{{.Hint}}
You MUST respond with:
{{.Format}}`

	observation = `{{.Marker}} {{.Text}}

What's your next step? Use the format:
{{.Format}}`
)

// FormatInstructions is the ReAct format section of every system prompt.
func FormatInstructions() string {
	return template.MustParse(formatInstructions, m)
}

// ExpectedFormat is the short format reminder used in feedback turns.
func ExpectedFormat() string {
	return template.MustParse(expectedFormat, m)
}

// CorrectiveFeedback tells the model why its last response was rejected.
func CorrectiveFeedback(reason, detail, hint string) string {
	return template.MustParse(correctiveFeedback, struct {
		Reason, Detail, Hint, Format string
	}{reason, detail, hint, ExpectedFormat()})
}

// Observation renders a tool result as the next user-side message.
func Observation(text string) string {
	return template.MustParse(observation, struct {
		Marker, Text, Format string
	}{ObservationMarker, text, ExpectedFormat()})
}

// Objective is the opening user message of a task.
func Objective(objective string) string {
	return "Objective: " + objective + "\n\nLet's solve this step by step."
}
