package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/audio"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/vad"
)

// JobClient is the part of Client the dispatcher needs
type JobClient interface {
	SubmitJob(ctx context.Context, wav []byte, opts JobOptions) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	GetTranscript(ctx context.Context, id string) (*Transcript, error)
}

// DispatcherConfig controls windowing, gating and polling
type DispatcherConfig struct {
	SampleRate       int
	Window           time.Duration // Time-based flush interval
	SilenceThreshold float32       // Mean absolute level below which a window is dropped
	MinDuration      time.Duration
	PollInterval     time.Duration
	MaxPollAttempts  int
	QueueSize        int // Flushed windows waiting for the worker

	Language        string
	SpeakersCount   int
	DiarizationType string
	Capabilities    Capabilities
}

// DefaultDispatcherConfig returns 30 s windows polled every 2 s for up to 3 minutes
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SampleRate:       16000,
		Window:           30 * time.Second,
		SilenceThreshold: 0.01,
		MinDuration:      500 * time.Millisecond,
		PollInterval:     2 * time.Second,
		MaxPollAttempts:  90,
		QueueSize:        4,
		Language:         "en",
		Capabilities:     Capabilities{SupportsDiarization: true},
	}
}

// Dispatcher turns a chunk stream into transcription results. A buffering
// goroutine cuts windows; a single worker submits and polls them in order,
// so at most one job is in flight.
type Dispatcher struct {
	client  JobClient
	config  DispatcherConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	gate   *vad.Processor
	buffer *audio.Buffer

	// Statistics
	windowsFlushed   uint64
	windowsDiscarded uint64
	jobsSubmitted    uint64
	jobsCompleted    uint64
	jobsFailed       uint64
	resultsEmitted   uint64
	gaps             uint64
	missingAudio     time.Duration
	backlog          int
	inFlight         bool

	mu sync.RWMutex
}

// DispatcherStats represents dispatcher statistics
type DispatcherStats struct {
	BufferedSeconds  float64 `json:"buffered_seconds"`
	WindowsFlushed   uint64  `json:"windows_flushed"`
	WindowsDiscarded uint64  `json:"windows_discarded"`
	JobsSubmitted    uint64  `json:"jobs_submitted"`
	JobsCompleted    uint64  `json:"jobs_completed"`
	JobsFailed       uint64  `json:"jobs_failed"`
	ResultsEmitted   uint64  `json:"results_emitted"`
	AudioGaps        uint64  `json:"audio_gaps"`
	MissingSeconds   float64 `json:"missing_seconds"`
	Backlog          int     `json:"backlog"`
	JobInFlight      bool    `json:"job_in_flight"`
}

// NewDispatcher creates a dispatcher for one session
func NewDispatcher(client JobClient, config DispatcherConfig, logger *slog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("job client cannot be nil")
	}
	if config.Window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", config.Window)
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", config.PollInterval)
	}
	if config.MaxPollAttempts <= 0 {
		return nil, fmt.Errorf("max poll attempts must be positive, got %d", config.MaxPollAttempts)
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 4
	}

	gate, err := vad.NewProcessor(config.SilenceThreshold, config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create silence gate: %w", err)
	}

	return &Dispatcher{
		client:  client,
		config:  config,
		logger:  logger,
		metrics: m,
		gate:    gate,
		buffer:  audio.NewBuffer(config.SampleRate),
	}, nil
}

// Run consumes chunks until the channel closes, then flushes the partial
// window, waits for the worker to drain and closes out. Cancelling ctx
// abandons queued windows and any job being polled.
//
// Chunk consumption never waits on the worker. Windows that do not fit in
// the worker queue are held in a backlog so the capture subscription keeps
// draining while a slow job is polled.
func (d *Dispatcher) Run(ctx context.Context, chunks <-chan audio.AudioChunk, out chan<- Result) error {
	defer close(out)

	queue := make(chan *audio.Window, d.config.QueueSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for window := range queue {
			d.Process(ctx, window, out)
		}
	}()

	var backlog []*audio.Window
	push := func(window *audio.Window) {
		if window == nil {
			return
		}
		if len(backlog) == 0 {
			select {
			case queue <- window:
				return
			default:
			}
		}
		backlog = append(backlog, window)
		d.setBacklog(len(backlog))
		d.metrics.AddDispatchBacklog(1)
		d.logger.Warn("Transcription worker is behind, holding window",
			slog.Uint64("start_ms", window.StartMs),
			slog.Int("backlog", len(backlog)),
		)
	}
	pop := func() {
		backlog[0] = nil
		backlog = backlog[1:]
		d.setBacklog(len(backlog))
		d.metrics.AddDispatchBacklog(-1)
	}
	finish := func() {
		d.metrics.AddDispatchBacklog(-len(backlog))
		d.setBacklog(0)
		close(queue)
		wg.Wait()
	}

	ticker := time.NewTicker(d.config.Window)
	defer ticker.Stop()

	d.logger.Info("Transcription dispatcher started",
		slog.Duration("window", d.config.Window),
		slog.Duration("poll_interval", d.config.PollInterval),
		slog.Int("max_poll_attempts", d.config.MaxPollAttempts),
	)

	for {
		// A nil channel disables the send case while the backlog is empty
		var send chan<- *audio.Window
		var next *audio.Window
		if len(backlog) > 0 {
			send, next = queue, backlog[0]
		}

		select {
		case <-ctx.Done():
			finish()
			return ctx.Err()

		case send <- next:
			pop()

		case chunk, ok := <-chunks:
			if !ok {
				if window := d.Flush(); window != nil {
					d.logger.Info("Flushing final window",
						slog.Uint64("start_ms", window.StartMs),
						slog.Duration("duration", window.Duration()),
					)
					push(window)
				}
				for len(backlog) > 0 {
					if !d.enqueue(ctx, queue, backlog[0]) {
						finish()
						return ctx.Err()
					}
					pop()
				}
				finish()
				d.logger.Info("Transcription dispatcher drained", slog.Any("stats", d.GetStats()))
				return nil
			}

			cut, err := d.Add(chunk)
			push(cut)
			if err != nil {
				d.logger.Warn("Dropping chunk", slog.String("error", err.Error()))
				continue
			}

			if d.buffer.Duration() >= d.config.Window {
				ticker.Reset(d.config.Window)
				push(d.Flush())
			}

		case <-ticker.C:
			push(d.Flush())
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, queue chan<- *audio.Window, window *audio.Window) bool {
	select {
	case queue <- window:
		return true
	case <-ctx.Done():
		return false
	}
}

// Add appends a chunk to the current window. A chunk that does not continue
// the buffered audio cuts the window first, so window offsets always map
// back to capture time; the cut window is returned for dispatch.
func (d *Dispatcher) Add(chunk audio.AudioChunk) (*audio.Window, error) {
	err := d.buffer.Add(chunk)

	var gap *audio.GapError
	if !errors.As(err, &gap) {
		return nil, err
	}

	missing := time.Duration(gap.MissingMs()) * time.Millisecond
	d.mu.Lock()
	d.gaps++
	d.missingAudio += missing
	d.mu.Unlock()
	d.metrics.RecordAudioGap(missing.Seconds())
	d.logger.Warn("Audio missing from dispatch stream, cutting window",
		slog.Uint64("expected_ms", gap.ExpectedMs),
		slog.Uint64("timestamp_ms", gap.TimestampMs),
		slog.Duration("missing", missing),
	)

	cut := d.Flush()
	return cut, d.buffer.Add(chunk)
}

// Flush cuts the current window. It returns nil when nothing is buffered.
func (d *Dispatcher) Flush() *audio.Window {
	window := d.buffer.Drain()
	if window == nil {
		return nil
	}

	d.mu.Lock()
	d.windowsFlushed++
	d.mu.Unlock()
	d.metrics.RecordWindowFlushed()

	return window
}

// Process gates, encodes, submits and polls one window, writing its results
// to out. It returns the number of results written. Failures are logged,
// counted and confined to the window.
func (d *Dispatcher) Process(ctx context.Context, window *audio.Window, out chan<- Result) int {
	if window == nil {
		return 0
	}

	if window.Duration() < d.config.MinDuration {
		d.discard(window, "too_short")
		return 0
	}

	if gate := d.gate.Gate(window.AverageLevel); !gate.HasVoice {
		d.discard(window, "silence")
		return 0
	}

	if limit := d.config.Capabilities.MaxAudioSeconds; limit > 0 {
		if window.Truncate(time.Duration(limit) * time.Second) {
			d.logger.Warn("Window exceeds provider limit, truncating",
				slog.Uint64("start_ms", window.StartMs),
				slog.Int("max_audio_seconds", limit),
			)
		}
	}

	results, err := d.Transcribe(ctx, window)
	if err != nil {
		d.mu.Lock()
		d.jobsFailed++
		d.mu.Unlock()
		d.metrics.RecordTranscriptionFailure(errorKind(err))

		d.logger.Error("Transcription failed, window lost",
			slog.Uint64("start_ms", window.StartMs),
			slog.Duration("duration", window.Duration()),
			slog.String("error", err.Error()),
		)
		return 0
	}

	sent := 0
	for _, result := range results {
		select {
		case out <- result:
			sent++
		case <-ctx.Done():
			return sent
		}
	}

	d.mu.Lock()
	d.jobsCompleted++
	d.resultsEmitted += uint64(sent)
	d.mu.Unlock()

	return sent
}

func (d *Dispatcher) discard(window *audio.Window, reason string) {
	d.mu.Lock()
	d.windowsDiscarded++
	d.mu.Unlock()
	d.metrics.RecordWindowDiscarded(reason)

	d.logger.Debug("Window discarded",
		slog.String("reason", reason),
		slog.Uint64("start_ms", window.StartMs),
		slog.Duration("duration", window.Duration()),
		slog.Float64("level", window.AverageLevel),
	)
}

// Transcribe encodes the window, runs one job to completion and maps the
// transcript onto the capture clock.
func (d *Dispatcher) Transcribe(ctx context.Context, window *audio.Window) ([]Result, error) {
	wav, err := audio.EncodeWAV(window.Samples, window.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode window: %w", err)
	}

	d.setInFlight(true)
	defer d.setInFlight(false)

	diarize := d.config.Capabilities.SupportsDiarization
	job, err := d.client.SubmitJob(ctx, wav, JobOptions{
		Language:        d.config.Language,
		SkipDiarization: !diarize,
		SpeakersCount:   d.config.SpeakersCount,
		DiarizationType: d.config.DiarizationType,
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.jobsSubmitted++
	d.mu.Unlock()
	d.metrics.RecordJobSubmitted(window.Duration().Seconds())

	d.logger.Info("Transcription job submitted",
		slog.String("job_id", job.ID),
		slog.Uint64("start_ms", window.StartMs),
		slog.Duration("duration", window.Duration()),
	)

	for polls := 1; polls <= d.config.MaxPollAttempts; polls++ {
		select {
		case <-time.After(d.config.PollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("polling job %s: %w", job.ID, ctx.Err())
		}

		status, err := d.client.GetJob(ctx, job.ID)
		if err != nil {
			if ctx.Err() == nil && IsRetryable(err) {
				d.logger.Debug("Job status poll failed, retrying",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			return nil, fmt.Errorf("polling job %s: %w", job.ID, err)
		}

		switch status.Status {
		case JobComplete:
			transcript, err := d.client.GetTranscript(ctx, job.ID)
			if err != nil {
				return nil, fmt.Errorf("fetching transcript %s: %w", job.ID, err)
			}
			d.metrics.RecordTranscriptionSuccess(time.Since(job.SubmittedAt).Seconds(), polls)
			results := d.MapTranscript(transcript, window, diarize)

			d.logger.Info("Transcription job complete",
				slog.String("job_id", job.ID),
				slog.Int("polls", polls),
				slog.Int("results", len(results)),
			)
			return results, nil

		case JobFailed:
			return nil, fmt.Errorf("%w: job %s: %s", ErrJobFailed, job.ID, status.Failure)
		}
	}

	return nil, fmt.Errorf("%w: job %s after %d polls", ErrPollingTimeout, job.ID, d.config.MaxPollAttempts)
}

// MapTranscript converts provider monologues into results. Diarized
// transcripts yield one result per monologue with a provider speaker id;
// otherwise everything is merged into one result.
func (d *Dispatcher) MapTranscript(transcript *Transcript, window *audio.Window, diarized bool) []Result {
	if transcript == nil {
		return nil
	}

	if !diarized {
		merged := Monologue{Speaker: -1}
		for _, m := range transcript.Monologues {
			merged.Elements = append(merged.Elements, m.Elements...)
		}
		if result, ok := d.monologueResult(merged, window, false); ok {
			return []Result{result}
		}
		return nil
	}

	results := make([]Result, 0, len(transcript.Monologues))
	for _, m := range transcript.Monologues {
		if result, ok := d.monologueResult(m, window, true); ok {
			results = append(results, result)
		}
	}
	return results
}

func (d *Dispatcher) monologueResult(m Monologue, window *audio.Window, diarized bool) (Result, bool) {
	var (
		text       strings.Builder
		start      = math.Inf(1)
		end        float64
		confidence float64
		words      int
	)

	for _, el := range m.Elements {
		switch el.Type {
		case "text":
			if text.Len() > 0 && !strings.HasSuffix(text.String(), " ") {
				text.WriteByte(' ')
			}
			text.WriteString(el.Value)
			if el.Ts < start {
				start = el.Ts
			}
			if el.EndTs > end {
				end = el.EndTs
			}
			confidence += el.Confidence
			words++
		case "punct":
			if el.Value == " " && strings.HasSuffix(text.String(), " ") {
				continue
			}
			text.WriteString(el.Value)
		}
	}

	content := strings.TrimSpace(text.String())
	if content == "" || words == 0 {
		return Result{}, false
	}
	if end < start {
		end = start
	}

	from := time.Duration(start * float64(time.Second))
	to := time.Duration(end * float64(time.Second))

	samples := window.Segment(from, to)
	if len(samples) == 0 {
		samples = window.LastChunk
	}

	result := Result{
		Text:        content,
		TimestampMs: window.StartMs + uint64(from.Milliseconds()),
		EndMs:       window.StartMs + uint64(to.Milliseconds()),
		Confidence:  confidence / float64(words),
		Language:    d.config.Language,
		Features:    d.gate.Extract(samples),
	}
	if diarized {
		result.SpeakerID = fmt.Sprintf("speaker-%d", m.Speaker+1)
		result.SpeakerName = fmt.Sprintf("Speaker %d", m.Speaker+1)
	}
	return result, true
}

func (d *Dispatcher) setBacklog(n int) {
	d.mu.Lock()
	d.backlog = n
	d.mu.Unlock()
}

func (d *Dispatcher) setInFlight(v bool) {
	d.mu.Lock()
	d.inFlight = v
	d.mu.Unlock()
}

// GetStats returns current dispatcher statistics
func (d *Dispatcher) GetStats() DispatcherStats {
	buffered := d.buffer.Duration().Seconds()

	d.mu.RLock()
	defer d.mu.RUnlock()

	return DispatcherStats{
		BufferedSeconds:  buffered,
		WindowsFlushed:   d.windowsFlushed,
		WindowsDiscarded: d.windowsDiscarded,
		JobsSubmitted:    d.jobsSubmitted,
		JobsCompleted:    d.jobsCompleted,
		JobsFailed:       d.jobsFailed,
		ResultsEmitted:   d.resultsEmitted,
		AudioGaps:        d.gaps,
		MissingSeconds:   d.missingAudio.Seconds(),
		Backlog:          d.backlog,
		JobInFlight:      d.inFlight,
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrSubmissionFailed):
		return "submission"
	case errors.Is(err, ErrJobFailed):
		return "job_failed"
	case errors.Is(err, ErrPollingTimeout):
		return "polling_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}
