package prompts

// Marker literals of the ReAct text protocol. The prompt templates, the
// stop sequences and the response parser all read them from here.
const (
	ThoughtMarker     = "Thought:"
	ActionMarker      = "Action:"
	ActionInputMarker = "Action Input:"
	ObservationMarker = "Observation:"
	FinalAnswerMarker = "Final Answer:"
)

// StopSequences halt generation as soon as the model starts a second cycle
// or invents an observation. A response always begins with the first
// thought, so only a line-leading repeat can match.
func StopSequences() []string {
	return []string{
		"\n" + ObservationMarker,
		"\n" + ThoughtMarker,
	}
}
