package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the meeting pipeline
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
	SessionDuration prometheus.Histogram

	// Capture metrics
	ChunksCaptured prometheus.Counter
	ChunksDropped  prometheus.Counter
	InputVolume    prometheus.Gauge

	// Dispatch metrics
	WindowsFlushed        prometheus.Counter
	WindowsDiscarded      *prometheus.CounterVec
	WindowDuration        prometheus.Histogram
	DispatchBacklog       prometheus.Gauge
	AudioGaps             prometheus.Counter
	AudioGapSeconds       prometheus.Counter
	TranscriptionJobs     prometheus.Counter
	TranscriptionFailures *prometheus.CounterVec
	TranscriptionDuration prometheus.Histogram
	TranscriptionRetries  prometheus.Counter
	PollAttempts          prometheus.Histogram

	// Attribution metrics
	TranscriptEntries  prometheus.Counter
	SpeakersCreated    prometheus.Counter
	AttributionMethods *prometheus.CounterVec

	// Note generation metrics
	NoteCycles        *prometheus.CounterVec
	NotesGenerated    *prometheus.CounterVec
	NoteFailures      *prometheus.CounterVec
	CompletionLatency prometheus.Histogram
	CompletionTokens  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_active_sessions",
			Help: "Current number of recording sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_sessions_stopped_total",
			Help: "Total number of sessions stopped",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_session_duration_seconds",
			Help:    "Recorded duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(60, 2, 8), // 1 minute to ~4 hours
		}),

		ChunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_audio_chunks_captured_total",
			Help: "Total number of audio chunks emitted by capture",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_audio_chunks_dropped_total",
			Help: "Chunks a slow subscriber missed",
		}),
		InputVolume: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_input_volume",
			Help: "Most recent normalized input volume (0-1)",
		}),

		WindowsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_dispatch_windows_flushed_total",
			Help: "Total number of buffer windows flushed",
		}),
		WindowsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_dispatch_windows_discarded_total",
			Help: "Buffer windows discarded before submission",
		}, []string{"reason"}),
		WindowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_dispatch_window_duration_seconds",
			Help:    "Duration of submitted buffer windows",
			Buckets: prometheus.LinearBuckets(5, 5, 12), // 5s to 60s
		}),
		DispatchBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_dispatch_backlog_windows",
			Help: "Flushed windows waiting for the transcription worker",
		}),
		AudioGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_dispatch_audio_gaps_total",
			Help: "Timestamp discontinuities seen by the dispatcher",
		}),
		AudioGapSeconds: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_dispatch_audio_gap_seconds_total",
			Help: "Audio missing from the dispatcher's chunk stream",
		}),
		TranscriptionJobs: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_transcription_jobs_total",
			Help: "Total number of transcription jobs submitted",
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_transcription_failures_total",
			Help: "Transcription windows lost, by error kind",
		}, []string{"kind"}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_transcription_duration_seconds",
			Help:    "Time from submission to transcript",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8 minutes
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_transcription_retries_total",
			Help: "Total number of job submission retries",
		}),
		PollAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_transcription_poll_attempts",
			Help:    "Status polls needed per job",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),

		TranscriptEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_transcript_entries_total",
			Help: "Total number of transcript entries appended",
		}),
		SpeakersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_speakers_created_total",
			Help: "Total number of speaker profiles created",
		}),
		AttributionMethods: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_attributions_total",
			Help: "Speaker attributions by method",
		}, []string{"method"}),

		NoteCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_note_cycles_total",
			Help: "Note generation cycles by outcome",
		}, []string{"outcome"}),
		NotesGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_notes_generated_total",
			Help: "Notes generated by type",
		}, []string{"type"}),
		NoteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_note_failures_total",
			Help: "Note extraction failures by type and kind",
		}, []string{"type", "kind"}),
		CompletionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_ai_completion_duration_seconds",
			Help:    "Duration of AI completion requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		CompletionTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "meeting_ai_tokens_total",
			Help: "Total tokens reported by the AI provider",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meeting_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// NewTestMetrics returns metrics bound to a private registry
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// RecordSessionStarted increments the started counter and the active gauge
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionStopped records a stopped session and its duration
func (m *Metrics) RecordSessionStopped(durationSeconds float64) {
	m.SessionsStopped.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunkCaptured increments the captured chunk counter
func (m *Metrics) RecordChunkCaptured() {
	m.ChunksCaptured.Inc()
}

// RecordChunksDropped adds chunks missed by slow subscribers
func (m *Metrics) RecordChunksDropped(n int) {
	m.ChunksDropped.Add(float64(n))
}

// SetVolume sets the current input volume
func (m *Metrics) SetVolume(v float32) {
	m.InputVolume.Set(float64(v))
}

// RecordWindowFlushed records a flushed window
func (m *Metrics) RecordWindowFlushed() {
	m.WindowsFlushed.Inc()
}

// AddDispatchBacklog adjusts the number of windows waiting for the worker
func (m *Metrics) AddDispatchBacklog(delta int) {
	m.DispatchBacklog.Add(float64(delta))
}

// RecordAudioGap records audio missing from the dispatch stream
func (m *Metrics) RecordAudioGap(missingSeconds float64) {
	m.AudioGaps.Inc()
	m.AudioGapSeconds.Add(missingSeconds)
}

// RecordWindowDiscarded records a window dropped by a gate
func (m *Metrics) RecordWindowDiscarded(reason string) {
	m.WindowsDiscarded.WithLabelValues(reason).Inc()
}

// RecordJobSubmitted records a submitted job and its window duration
func (m *Metrics) RecordJobSubmitted(windowSeconds float64) {
	m.TranscriptionJobs.Inc()
	m.WindowDuration.Observe(windowSeconds)
}

// RecordTranscriptionSuccess records a completed job
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64, polls int) {
	m.TranscriptionDuration.Observe(durationSeconds)
	m.PollAttempts.Observe(float64(polls))
}

// RecordTranscriptionFailure records a lost window
func (m *Metrics) RecordTranscriptionFailure(kind string) {
	m.TranscriptionFailures.WithLabelValues(kind).Inc()
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	m.TranscriptionRetries.Inc()
}

// RecordAttribution records one appended entry and how its speaker was chosen
func (m *Metrics) RecordAttribution(method string, created bool) {
	m.TranscriptEntries.Inc()
	m.AttributionMethods.WithLabelValues(method).Inc()
	if created {
		m.SpeakersCreated.Inc()
	}
}

// RecordNoteCycle records a note generation cycle outcome
func (m *Metrics) RecordNoteCycle(outcome string) {
	m.NoteCycles.WithLabelValues(outcome).Inc()
}

// RecordNotes adds generated notes for a type
func (m *Metrics) RecordNotes(noteType string, n int) {
	m.NotesGenerated.WithLabelValues(noteType).Add(float64(n))
}

// RecordNoteFailure records a failed extraction for one note type
func (m *Metrics) RecordNoteFailure(noteType, kind string) {
	m.NoteFailures.WithLabelValues(noteType, kind).Inc()
}

// RecordCompletion records an AI completion call
func (m *Metrics) RecordCompletion(durationSeconds float64, totalTokens int) {
	m.CompletionLatency.Observe(durationSeconds)
	m.CompletionTokens.Add(float64(totalTokens))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
