package session

import (
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/capture"
	"github.com/skypro1111/meeting-audio-pipeline/internal/notes"
	"github.com/skypro1111/meeting-audio-pipeline/internal/speaker"
	"github.com/skypro1111/meeting-audio-pipeline/internal/transcript"
	"github.com/skypro1111/meeting-audio-pipeline/internal/transcription"
)

// EventType names a live session event
type EventType string

const (
	EventVolume     EventType = "volume"
	EventTranscript EventType = "transcript"
	EventNote       EventType = "note"
	EventState      EventType = "state"
	EventError      EventType = "error"
)

// Event is one item of the live session stream
type Event struct {
	Type        EventType               `json:"type"`
	Volume      float32                 `json:"volume,omitempty"`
	Entry       *transcript.Entry       `json:"entry,omitempty"`
	Attribution *speaker.Attribution    `json:"attribution,omitempty"`
	Note        *notes.Note             `json:"note,omitempty"`
	Status      Status                  `json:"status,omitempty"`
	State       *capture.RecordingState `json:"state,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	DeviceID     string    `json:"device_id"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	LastActivity time.Time `json:"last_activity"`
	LastError    string    `json:"last_error,omitempty"`
	Recordings   int       `json:"recordings"`

	Recording capture.RecordingState `json:"recording"`

	// Pipeline statistics
	Entries       int                            `json:"entries"`
	Speakers      int                            `json:"speakers"`
	ArchiveBytes  int                            `json:"archive_bytes"`
	DroppedEvents uint64                         `json:"dropped_events"`
	Dispatch      *transcription.DispatcherStats `json:"dispatch,omitempty"`
	Notes         notes.GeneratorStats           `json:"notes"`
}
