package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/llm"
)

var (
	// ErrMalformedResponse is wrapped by every ParseError
	ErrMalformedResponse = errors.New("malformed AI response")
	// ErrProvider is returned when the AI provider call fails
	ErrProvider = llm.ErrProvider
	// ErrEmptyTranscript is returned by Ask and Summarize before anything was said
	ErrEmptyTranscript = errors.New("transcript is empty")
	// ErrNoteNotFound is returned by ToggleCompleted for unknown ids
	ErrNoteNotFound = errors.New("note not found")
)

// NoteType is the category of an extracted note
type NoteType string

const (
	KeyPoint   NoteType = "key-point"
	ActionItem NoteType = "action-item"
	Decision   NoteType = "decision"
	Question   NoteType = "question"
	FollowUp   NoteType = "follow-up"
)

// AllTypes lists every note type in prompt order
var AllTypes = []NoteType{KeyPoint, ActionItem, Decision, Question, FollowUp}

// ParseNoteType validates a wire name
func ParseNoteType(s string) (NoteType, error) {
	for _, t := range AllTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown note type %q", s)
}

// Note is a generated meeting note
type Note struct {
	ID          string    `json:"id"`
	Type        NoteType  `json:"type"`
	Content     string    `json:"content"`
	TimestampMs uint64    `json:"timestamp_ms"`
	SourceRefs  []string  `json:"source_refs"`
	Assignee    string    `json:"assignee,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
}

// PendingNote is a parsed item not yet tied to the transcript
type PendingNote struct {
	Type     NoteType
	Content  string
	Assignee string
}

// Summary is an on-demand digest of the whole meeting
type Summary struct {
	ExecutiveSummary string         `json:"executive_summary"`
	KeyDecisions     []string       `json:"key_decisions"`
	ActionItems      []string       `json:"action_items"`
	Topics           []TopicSummary `json:"topics"`
	ParticipantCount int            `json:"participant_count"`
	DurationMs       uint64         `json:"duration_ms"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// TopicSummary is one stretch of the meeting spent on a single subject.
// Offsets are on the capture clock.
type TopicSummary struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	StartMs   uint64   `json:"start_ms"`
	EndMs     uint64   `json:"end_ms"`
	KeyPoints []string `json:"key_points"`
}

// Answer is the reply to a free-form question. ContextUsed lists the ids of
// the transcript entries the model was given.
type Answer struct {
	Question    string    `json:"question"`
	Answer      string    `json:"answer"`
	ContextUsed []string  `json:"context_used"`
	CreatedAt   time.Time `json:"created_at"`
}

// ParseError reports an AI response that could not be decoded for a note type
type ParseError struct {
	NoteType NoteType
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s response: %v", e.NoteType, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrMalformedResponse, e.Err}
}

// Forwarder receives every batch of new notes, typically an integration sync
type Forwarder interface {
	Forward(ctx context.Context, notes []Note) error
}
