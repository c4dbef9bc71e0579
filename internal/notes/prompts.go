package notes

import (
	"fmt"
	"strings"

	"github.com/skypro1111/meeting-audio-pipeline/internal/transcript"
)

const systemPrompt = "You are a meeting assistant that extracts structured notes from live meeting transcripts. " +
	"Be concise and factual. Never invent content that is not in the transcript."

var typeInstructions = map[NoteType]string{
	KeyPoint:   "List the key points discussed. Respond with ONLY a JSON array of strings.",
	ActionItem: `List the action items. Respond with ONLY a JSON array of objects of the form {"content": "...", "assignee": "..."}; use an empty assignee when nobody was named.`,
	Decision:   "List the decisions that were made. Respond with ONLY a JSON array of strings.",
	Question:   "List the open questions that were raised and not answered. Respond with ONLY a JSON array of strings.",
	FollowUp:   "List the follow-ups that need to happen after the meeting. Respond with ONLY a JSON array of strings.",
}

// FormatTranscript renders entries as "[mm:ss] Speaker: text" lines
func FormatTranscript(entries []transcript.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		seconds := e.StartMs / 1000
		name := e.SpeakerName
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(&b, "[%02d:%02d] %s: %s\n", seconds/60, seconds%60, name, e.Text)
	}
	return b.String()
}

// WordCount counts whitespace-separated words across entries
func WordCount(entries []transcript.Entry) int {
	n := 0
	for _, e := range entries {
		n += len(strings.Fields(e.Text))
	}
	return n
}

func notePrompt(noteType NoteType, text string) string {
	return fmt.Sprintf("%s If there are none, respond with [].\n\nTranscript:\n%s", typeInstructions[noteType], text)
}

func askPrompt(question, text string) string {
	return fmt.Sprintf("Answer the question using only the meeting transcript below. "+
		"If the transcript does not contain the answer, say so.\n\nQuestion: %s\n\nTranscript:\n%s", question, text)
}

func summaryPrompt(text string) string {
	return "Summarize the meeting below. Respond with ONLY a JSON object of the form " +
		`{"executive_summary": "...", "key_decisions": ["..."], "action_items": ["..."], ` +
		`"topics": [{"title": "...", "summary": "...", "start_time": 0, "end_time": 0, "key_points": ["..."]}]}. ` +
		"List topics in the order they were discussed; start_time and end_time are seconds from the [mm:ss] labels." +
		"\n\nTranscript:\n" + text
}
