package notes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/llm"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/transcript"
)

// fakeCompleter answers by matching a marker in the prompt
type fakeCompleter struct {
	answers map[string]string // prompt substring -> content
	fail    map[string]bool   // prompt substring -> provider error

	mu      sync.Mutex
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.mu.Unlock()

	for marker := range f.fail {
		if strings.Contains(req.Prompt, marker) {
			return nil, fmt.Errorf("%w: status 503", llm.ErrProvider)
		}
	}
	for marker, content := range f.answers {
		if strings.Contains(req.Prompt, marker) {
			return &llm.Response{Content: content}, nil
		}
	}
	return &llm.Response{Content: "[]"}, nil
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type recordingForwarder struct {
	batches [][]Note
}

func (r *recordingForwarder) Forward(ctx context.Context, notes []Note) error {
	r.batches = append(r.batches, notes)
	return nil
}

func newTestGenerator(t *testing.T, ai llm.Completer, store *transcript.Store) *Generator {
	t.Helper()
	g, err := NewGenerator(ai, store, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.NewTestMetrics())
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	return g
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestTickBelowMinimumWords(t *testing.T) {
	store := transcript.NewStore()
	store.Append(transcript.Entry{SpeakerName: "Speaker 1", Text: words(20), StartMs: 0})
	store.Append(transcript.Entry{SpeakerName: "Speaker 2", Text: words(29), StartMs: 5000})

	ai := &fakeCompleter{}
	g := newTestGenerator(t, ai, store)

	notes, err := g.Tick(context.Background())
	if err != nil || notes != nil {
		t.Fatalf("Expected a silent skip, got %v, %v", notes, err)
	}
	if ai.calls() != 0 {
		t.Errorf("Expected no AI calls, got %d", ai.calls())
	}
	if g.Cursor() != 0 {
		t.Errorf("Expected cursor to stay at 0, got %d", g.Cursor())
	}
	if g.GetStats().SkippedCycles != 1 {
		t.Error("Expected skipped cycle to be counted")
	}
}

func TestTickGeneratesNotes(t *testing.T) {
	store := transcript.NewStore()
	first := store.Append(transcript.Entry{SpeakerID: "speaker-1", SpeakerName: "Speaker 1", Text: words(30), StartMs: 1000})
	second := store.Append(transcript.Entry{SpeakerID: "speaker-2", SpeakerName: "Speaker 2", Text: words(30), StartMs: 9000})

	ai := &fakeCompleter{answers: map[string]string{
		"key points":   `["Budget approved for Q3"]`,
		"action items": "```json\n[{\"content\": \"Send the deck\", \"assignee\": \"Dana\"}]\n```",
		"decisions":    `["Ship on Friday", "Freeze scope"]`,
	}}
	forwarder := &recordingForwarder{}
	g := newTestGenerator(t, ai, store)
	g.SetForwarder(forwarder)

	events, cancel := g.Subscribe(16)
	defer cancel()

	notes, err := g.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if ai.calls() != len(AllTypes) {
		t.Errorf("Expected one call per note type, got %d", ai.calls())
	}
	if len(notes) != 4 {
		t.Fatalf("Expected 4 notes, got %d: %+v", len(notes), notes)
	}

	for _, n := range notes {
		if n.TimestampMs != 9000 {
			t.Errorf("Expected timestamp of latest entry, got %d", n.TimestampMs)
		}
		if len(n.SourceRefs) != 2 || n.SourceRefs[0] != first.ID || n.SourceRefs[1] != second.ID {
			t.Errorf("Unexpected source refs %v", n.SourceRefs)
		}
		for _, ref := range n.SourceRefs {
			if !store.Has(ref) {
				t.Errorf("Source ref %s does not exist", ref)
			}
		}
		if n.Type == ActionItem && (n.Content != "Send the deck" || n.Assignee != "Dana") {
			t.Errorf("Unexpected action item %+v", n)
		}
	}

	if g.Cursor() != 2 {
		t.Errorf("Expected cursor 2, got %d", g.Cursor())
	}
	if len(forwarder.batches) != 1 || len(forwarder.batches[0]) != 4 {
		t.Errorf("Expected one forwarded batch of 4, got %+v", forwarder.batches)
	}

	select {
	case n := <-events:
		if n.ID != notes[0].ID {
			t.Errorf("Expected first note on the event stream")
		}
	case <-time.After(time.Second):
		t.Error("Expected note event")
	}

	// Nothing new: the next tick is skipped
	if _, err := g.Tick(context.Background()); err != nil {
		t.Fatalf("Second tick failed: %v", err)
	}
	if ai.calls() != len(AllTypes) {
		t.Errorf("Expected no further AI calls, got %d", ai.calls())
	}
}

func TestTickPerTypeFailures(t *testing.T) {
	store := transcript.NewStore()
	store.Append(transcript.Entry{Text: words(60)})

	ai := &fakeCompleter{
		answers: map[string]string{
			"key points": "not json",
			"decisions":  `["Adopt the new vendor"]`,
		},
		fail: map[string]bool{"action items": true},
	}
	g := newTestGenerator(t, ai, store)

	notes, err := g.Tick(context.Background())
	if err != nil {
		t.Fatalf("Expected partial success without error, got %v", err)
	}
	if len(notes) != 1 || notes[0].Type != Decision {
		t.Errorf("Expected only the decision note, got %+v", notes)
	}
	if g.GetStats().Failures != 2 {
		t.Errorf("Expected 2 failed types, got %d", g.GetStats().Failures)
	}
}

func TestTickAllTypesFail(t *testing.T) {
	store := transcript.NewStore()
	store.Append(transcript.Entry{Text: words(60)})

	ai := &fakeCompleter{fail: map[string]bool{"Transcript:": true}}
	g := newTestGenerator(t, ai, store)

	_, err := g.Tick(context.Background())
	if !errors.Is(err, ErrProvider) {
		t.Errorf("Expected ErrProvider, got %v", err)
	}
}

func TestFlushAndGenerateNow(t *testing.T) {
	store := transcript.NewStore()
	ai := &fakeCompleter{answers: map[string]string{"key points": `["Wrap up"]`}}
	g := newTestGenerator(t, ai, store)

	if notes, err := g.Flush(context.Background()); notes != nil || err != nil {
		t.Errorf("Expected empty flush to be a no-op, got %v, %v", notes, err)
	}
	if ai.calls() != 0 {
		t.Fatalf("Expected no AI calls on empty flush, got %d", ai.calls())
	}

	store.Append(transcript.Entry{Text: "short closing remark"})

	notes, err := g.GenerateNow(context.Background())
	if err != nil || len(notes) != 1 {
		t.Fatalf("GenerateNow: expected 1 note, got %d (%v)", len(notes), err)
	}
	if g.Cursor() != 0 {
		t.Errorf("GenerateNow moved the cursor to %d", g.Cursor())
	}

	notes, err = g.Flush(context.Background())
	if err != nil || len(notes) != 1 {
		t.Fatalf("Flush: expected 1 note below the word minimum, got %d (%v)", len(notes), err)
	}
	if g.Cursor() != 1 {
		t.Errorf("Expected Flush to advance cursor to 1, got %d", g.Cursor())
	}
}

func TestToggleCompleted(t *testing.T) {
	store := transcript.NewStore()
	store.Append(transcript.Entry{Text: words(60)})
	ai := &fakeCompleter{answers: map[string]string{"action items": `[{"content": "Book the room", "assignee": ""}]`}}
	g := newTestGenerator(t, ai, store)

	notes, err := g.Tick(context.Background())
	if err != nil || len(notes) != 1 {
		t.Fatalf("Expected 1 note, got %d (%v)", len(notes), err)
	}

	toggled, err := g.ToggleCompleted(notes[0].ID)
	if err != nil || !toggled.Completed {
		t.Fatalf("Expected completed note, got %+v (%v)", toggled, err)
	}
	if !g.Notes()[0].Completed {
		t.Error("Toggle was not stored")
	}

	if _, err := g.ToggleCompleted("missing"); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("Expected ErrNoteNotFound, got %v", err)
	}
}

func TestAskAndSummarize(t *testing.T) {
	store := transcript.NewStore()
	ai := &fakeCompleter{answers: map[string]string{
		"Question:": "The launch moved to May.",
		"executive_summary": `{"executive_summary": "Launch planning.", "key_decisions": ["Move to May"], "action_items": ["Update roadmap"], ` +
			`"topics": [{"title": "Launch date", "summary": "Launch slips a month.", "start_time": 0, "end_time": 2.5, "key_points": ["May launch"]}, ` +
			`{"title": " ", "summary": "dropped"}, {"title": "Wrap-up", "start_time": 3, "end_time": 1}]}`,
	}}
	g := newTestGenerator(t, ai, store)

	if _, err := g.Ask(context.Background(), "When is launch?"); !errors.Is(err, ErrEmptyTranscript) {
		t.Errorf("Expected ErrEmptyTranscript, got %v", err)
	}

	first := store.Append(transcript.Entry{SpeakerID: "speaker-1", Text: "Launch moves to May", StartMs: 0, EndMs: 2000})
	second := store.Append(transcript.Entry{SpeakerID: "speaker-2", Text: "Agreed", StartMs: 3000, EndMs: 4000})

	answer, err := g.Ask(context.Background(), "When is launch?")
	if err != nil {
		t.Fatalf("Ask failed: %v", err)
	}
	if answer.Answer != "The launch moved to May." || answer.Question != "When is launch?" {
		t.Errorf("Unexpected answer %+v", answer)
	}
	if len(answer.ContextUsed) != 2 || answer.ContextUsed[0] != first.ID || answer.ContextUsed[1] != second.ID {
		t.Errorf("Expected context %v, got %v", []string{first.ID, second.ID}, answer.ContextUsed)
	}

	summary, err := g.Summarize(context.Background())
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.ExecutiveSummary != "Launch planning." || summary.ParticipantCount != 2 || summary.DurationMs != 4000 {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	tests := []struct {
		title   string
		startMs uint64
		endMs   uint64
		points  int
	}{
		{"Launch date", 0, 2500, 1},
		{"Wrap-up", 3000, 3000, 0},
	}
	if len(summary.Topics) != len(tests) {
		t.Fatalf("Expected %d topics, got %+v", len(tests), summary.Topics)
	}
	for i, tt := range tests {
		topic := summary.Topics[i]
		if topic.Title != tt.title || topic.StartMs != tt.startMs || topic.EndMs != tt.endMs || len(topic.KeyPoints) != tt.points {
			t.Errorf("Topic %d: got %+v", i, topic)
		}
		if topic.ID == "" {
			t.Errorf("Topic %d has no id", i)
		}
	}
}

func TestFormatTranscript(t *testing.T) {
	got := FormatTranscript([]transcript.Entry{
		{SpeakerName: "Speaker 1", Text: "Hello", StartMs: 65000},
		{Text: "Hi", StartMs: 3_600_000},
	})
	want := "[01:05] Speaker 1: Hello\n[60:00] Unknown: Hi\n"
	if got != want {
		t.Errorf("FormatTranscript = %q, want %q", got, want)
	}
}
