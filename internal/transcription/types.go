package transcription

import (
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/vad"
)

var (
	// ErrSubmissionFailed is returned when a job could not be created
	ErrSubmissionFailed = errors.New("transcription submission failed")
	// ErrJobFailed is returned when the provider reports a failed job
	ErrJobFailed = errors.New("transcription job failed")
	// ErrPollingTimeout is returned when a job does not finish within the poll budget
	ErrPollingTimeout = errors.New("transcription polling timed out")
)

// Provider selects the speech service flavour
type Provider string

const (
	// ProviderRevAI is an async job API with speaker diarization
	ProviderRevAI Provider = "revai"
	// ProviderGeneric is any service speaking the same job protocol without diarization
	ProviderGeneric Provider = "generic"
)

// Capabilities describe what a provider can do with a submitted window
type Capabilities struct {
	SupportsDiarization bool `json:"supports_diarization" yaml:"supports_diarization"`
	MaxAudioSeconds     int  `json:"max_audio_seconds" yaml:"max_audio_seconds"` // 0 means unlimited
}

// DefaultCapabilities returns the built-in capabilities of a provider
func (p Provider) DefaultCapabilities() (Capabilities, error) {
	switch p {
	case ProviderRevAI:
		return Capabilities{SupportsDiarization: true, MaxAudioSeconds: 0}, nil
	case ProviderGeneric:
		return Capabilities{SupportsDiarization: false, MaxAudioSeconds: 0}, nil
	default:
		return Capabilities{}, fmt.Errorf("unknown speech provider %q", p)
	}
}

// JobStatus is the lifecycle stage of a provider job
type JobStatus string

const (
	JobSubmitted  JobStatus = "submitted"
	JobInProgress JobStatus = "in_progress"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
)

// IsDone reports whether the job reached a terminal state
func (s JobStatus) IsDone() bool {
	return s == JobComplete || s == JobFailed
}

// Job is a submitted transcription job
type Job struct {
	ID          string    `json:"id"`
	Status      JobStatus `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	Failure     string    `json:"failure,omitempty"`
}

// Result is one transcribed span of a window. Timestamps are on the capture clock.
type Result struct {
	Text        string        `json:"text"`
	TimestampMs uint64        `json:"timestamp_ms"`
	EndMs       uint64        `json:"end_ms"`
	Confidence  float64       `json:"confidence"`
	Language    string        `json:"language,omitempty"`
	SpeakerID   string        `json:"speaker_id,omitempty"`
	SpeakerName string        `json:"speaker_name,omitempty"`
	Features    *vad.Features `json:"features,omitempty"`
}

// JobOptions are the per-job form fields sent with the media
type JobOptions struct {
	Language        string
	SkipDiarization bool
	SpeakersCount   int
	DiarizationType string
}

// jobResponse is the provider's job resource
type jobResponse struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	CreatedOn     string  `json:"created_on,omitempty"`
	DurationSecs  float64 `json:"duration_seconds,omitempty"`
	Language      string  `json:"language,omitempty"`
	Failure       string  `json:"failure,omitempty"`
	FailureDetail string  `json:"failure_detail,omitempty"`
}

// Transcript is the provider's transcript document
type Transcript struct {
	Monologues []Monologue `json:"monologues"`
}

// Monologue is a run of elements spoken by one speaker
type Monologue struct {
	Speaker  int       `json:"speaker"`
	Elements []Element `json:"elements"`
}

// Element is a word ("text"), punctuation ("punct") or unknown token
type Element struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Ts         float64 `json:"ts,omitempty"`
	EndTs      float64 `json:"end_ts,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func parseStatus(status string) JobStatus {
	switch status {
	case "in_progress":
		return JobInProgress
	case "transcribed", "completed", "complete":
		return JobComplete
	case "failed":
		return JobFailed
	default:
		return JobSubmitted
	}
}
