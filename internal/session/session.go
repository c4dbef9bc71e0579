package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/meeting-audio-pipeline/internal/capture"
	"github.com/skypro1111/meeting-audio-pipeline/internal/fanout"
	"github.com/skypro1111/meeting-audio-pipeline/internal/llm"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/notes"
	"github.com/skypro1111/meeting-audio-pipeline/internal/speaker"
	"github.com/skypro1111/meeting-audio-pipeline/internal/transcript"
	"github.com/skypro1111/meeting-audio-pipeline/internal/transcription"
)

// Status is the lifecycle position of a session
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
)

// Config holds the per-stage configuration of a session
type Config struct {
	Capture     capture.Config
	Dispatch    transcription.DispatcherConfig
	Attribution speaker.Config
	Notes       notes.Config

	ChunkBuffer     int // Capture chunks queued for the dispatcher
	ResultBuffer    int // Transcription results queued for attribution
	StopGracePeriod time.Duration
}

// DefaultConfig returns the default configuration of every stage
func DefaultConfig() Config {
	return Config{
		Capture:         capture.DefaultConfig(),
		Dispatch:        transcription.DefaultDispatcherConfig(),
		Attribution:     speaker.DefaultConfig(),
		Notes:           notes.DefaultConfig(),
		ChunkBuffer:     600,
		ResultBuffer:    64,
		StopGracePeriod: 10 * time.Second,
	}
}

// Deps are the external collaborators shared by every session
type Deps struct {
	Source    capture.Source
	Speech    transcription.JobClient
	AI        llm.Completer
	Forwarder notes.Forwarder // Optional
}

// Session wires capture, dispatch, attribution, the transcript and note
// generation together for one meeting. Each Start begins a fresh meeting.
type Session struct {
	ID        string
	CreatedAt time.Time

	config  Config
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics

	capture    *capture.Service
	attributor *speaker.Attributor
	store      *transcript.Store
	generator  *notes.Generator
	events     *fanout.Hub[Event]

	// Serializes Start and Stop
	lifecycle sync.Mutex

	// Per-recording pipeline
	dispatcher   *transcription.Dispatcher
	cancel       context.CancelFunc
	notesCancel  context.CancelFunc
	dispatchDone chan struct{}
	attrDone     chan struct{}
	notesDone    chan struct{}
	sideWG       sync.WaitGroup // Volume relay and error watcher
	stopWatch    chan struct{}

	noteRelayDone chan struct{}

	status       Status
	deviceID     string
	startedAt    time.Time
	stoppedAt    time.Time
	lastActivity time.Time
	lastError    string
	archive      []byte
	recordings   int

	mu sync.RWMutex
}

// New creates an idle session
func New(config Config, deps Deps, logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("audio source cannot be nil")
	}
	if deps.Speech == nil {
		return nil, fmt.Errorf("speech client cannot be nil")
	}
	if deps.AI == nil {
		return nil, fmt.Errorf("AI completer cannot be nil")
	}
	if config.ChunkBuffer <= 0 {
		config.ChunkBuffer = 600
	}
	if config.ResultBuffer <= 0 {
		config.ResultBuffer = 64
	}
	if config.StopGracePeriod <= 0 {
		config.StopGracePeriod = 10 * time.Second
	}
	config.Dispatch.SampleRate = config.Capture.SampleRate

	id := uuid.NewString()
	logger = logger.With(slog.String("session_id", id))

	svc, err := capture.NewService(deps.Source, config.Capture, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture service: %w", err)
	}

	attributor, err := speaker.NewAttributor(config.Attribution, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create speaker attributor: %w", err)
	}

	store := transcript.NewStore()

	generator, err := notes.NewGenerator(deps.AI, store, config.Notes, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create note generator: %w", err)
	}
	if deps.Forwarder != nil {
		generator.SetForwarder(deps.Forwarder)
	}

	// Validate dispatcher settings up front rather than on the first Start
	if _, err := transcription.NewDispatcher(deps.Speech, config.Dispatch, logger, m); err != nil {
		return nil, fmt.Errorf("invalid dispatch configuration: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:            id,
		CreatedAt:     now,
		config:        config,
		deps:          deps,
		logger:        logger,
		metrics:       m,
		capture:       svc,
		attributor:    attributor,
		store:         store,
		generator:     generator,
		events:        fanout.NewHub[Event](),
		noteRelayDone: make(chan struct{}),
		status:        StatusIdle,
		lastActivity:  now,
	}

	noteEvents, _ := generator.Subscribe(64)
	go s.relayNotes(noteEvents)

	return s, nil
}

// Start resets the roster, transcript and notes, then begins recording from
// deviceID (empty for the default input device).
func (s *Session) Start(ctx context.Context, deviceID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	if status == StatusRecording || status == StatusPaused {
		return capture.ErrAlreadyRecording
	}

	dispatcher, err := transcription.NewDispatcher(s.deps.Speech, s.config.Dispatch, s.logger, s.metrics)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	s.attributor.Reset()
	s.store.Reset()
	s.generator.Reset()

	chunks, unsubscribe := s.capture.SubscribeChunks(s.config.ChunkBuffer)
	volume, unsubscribeVolume := s.capture.SubscribeVolume(16)

	if err := s.capture.Start(ctx, deviceID); err != nil {
		unsubscribe()
		unsubscribeVolume()
		s.setError(err)
		return err
	}

	pipeCtx, cancel := context.WithCancel(context.Background())
	notesCtx, notesCancel := context.WithCancel(context.Background())
	results := make(chan transcription.Result, s.config.ResultBuffer)

	s.mu.Lock()
	s.dispatcher = dispatcher
	s.cancel = cancel
	s.notesCancel = notesCancel
	s.dispatchDone = make(chan struct{})
	s.attrDone = make(chan struct{})
	s.notesDone = make(chan struct{})
	s.stopWatch = make(chan struct{})
	s.status = StatusRecording
	s.deviceID = deviceID
	s.startedAt = time.Now()
	s.stoppedAt = time.Time{}
	s.lastActivity = s.startedAt
	s.lastError = ""
	s.archive = nil
	s.recordings++
	dispatchDone, attrDone, notesDone, stopWatch := s.dispatchDone, s.attrDone, s.notesDone, s.stopWatch
	s.mu.Unlock()

	go func() {
		defer close(dispatchDone)
		if err := dispatcher.Run(pipeCtx, chunks, results); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Dispatcher ended with error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		defer close(attrDone)
		s.attributeLoop(results)
	}()

	go func() {
		defer close(notesDone)
		s.generator.Run(notesCtx)
	}()

	s.sideWG.Add(2)
	go func() {
		defer s.sideWG.Done()
		s.relayVolume(volume)
	}()
	go func() {
		defer s.sideWG.Done()
		s.watchCapture(stopWatch)
	}()

	s.metrics.RecordSessionStarted()
	s.publishState()

	s.logger.Info("Session started",
		slog.String("device_id", deviceID),
		slog.Int("recording", s.recordings),
	)
	return nil
}

// Pause suspends chunk emission. It waits for a Start or Stop in progress.
func (s *Session) Pause() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.capture.Pause(); err != nil {
		return err
	}
	s.setStatus(StatusPaused)
	s.publishState()
	return nil
}

// Resume continues a paused recording
func (s *Session) Resume() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.capture.Resume(); err != nil {
		return err
	}
	s.setStatus(StatusRecording)
	s.publishState()
	return nil
}

// Stop ends the recording. Capture stops first; the dispatcher then submits
// the partial window and is given the grace period to drain before polling
// is cancelled. Note generation runs once more over the unprocessed tail.
// The archived WAV recording is returned.
func (s *Session) Stop(ctx context.Context) ([]byte, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.status != StatusRecording && s.status != StatusPaused {
		s.mu.Unlock()
		return nil, capture.ErrNotRecording
	}
	s.status = StatusStopping
	cancel, notesCancel := s.cancel, s.notesCancel
	dispatchDone, attrDone, notesDone, stopWatch := s.dispatchDone, s.attrDone, s.notesDone, s.stopWatch
	startedAt := s.startedAt
	s.mu.Unlock()

	s.logger.Info("Stopping session")

	wav, captureErr := s.capture.Stop()
	if captureErr != nil && !errors.Is(captureErr, capture.ErrNotRecording) {
		s.logger.Error("Failed to stop capture", slog.String("error", captureErr.Error()))
	}

	grace := time.NewTimer(s.config.StopGracePeriod)
	defer grace.Stop()

	select {
	case <-dispatchDone:
	case <-grace.C:
		s.logger.Warn("Dispatcher did not drain in time, cancelling polling",
			slog.Duration("grace_period", s.config.StopGracePeriod),
		)
		cancel()
		<-dispatchDone
	case <-ctx.Done():
		cancel()
		<-dispatchDone
	}
	cancel()
	<-attrDone

	notesCancel()
	<-notesDone

	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StopGracePeriod)
	if _, err := s.generator.Flush(flushCtx); err != nil {
		s.logger.Warn("Final note generation failed", slog.String("error", err.Error()))
	}
	flushCancel()

	close(stopWatch)
	s.sideWG.Wait()

	now := time.Now()
	s.mu.Lock()
	s.status = StatusStopped
	s.stoppedAt = now
	s.lastActivity = now
	s.archive = wav
	s.mu.Unlock()

	duration := now.Sub(startedAt)
	s.metrics.RecordSessionStopped(duration.Seconds())
	s.publishState()

	s.logger.Info("Session stopped",
		slog.Duration("duration", duration),
		slog.Int("entries", s.store.Len()),
		slog.Int("speakers", len(s.attributor.Roster())),
		slog.Int("archive_bytes", len(wav)),
	)

	if captureErr != nil && !errors.Is(captureErr, capture.ErrNotRecording) {
		return wav, captureErr
	}
	return wav, nil
}

// attributeLoop is the only writer of the roster and the transcript while
// recording. Results arrive in dispatch order.
func (s *Session) attributeLoop(results <-chan transcription.Result) {
	for r := range results {
		a := s.attributor.Attribute(speaker.Utterance{
			Text:        r.Text,
			StartMs:     r.TimestampMs,
			EndMs:       r.EndMs,
			SpeakerID:   r.SpeakerID,
			SpeakerName: r.SpeakerName,
			Features:    r.Features,
		})

		entry := s.store.Append(transcript.Entry{
			SpeakerID:   a.SpeakerID,
			SpeakerName: a.SpeakerName,
			Text:        r.Text,
			StartMs:     r.TimestampMs,
			EndMs:       r.EndMs,
			Confidence:  r.Confidence,
			Language:    r.Language,
		})

		s.touch()
		s.events.Publish(Event{Type: EventTranscript, Entry: &entry, Attribution: &a})

		s.logger.Debug("Transcript entry appended",
			slog.String("entry_id", entry.ID),
			slog.String("speaker_id", a.SpeakerID),
			slog.String("method", string(a.Method)),
			slog.Uint64("start_ms", entry.StartMs),
		)
	}
}

func (s *Session) relayVolume(volume <-chan float32) {
	for v := range volume {
		s.events.Publish(Event{Type: EventVolume, Volume: v})
	}
}

func (s *Session) relayNotes(noteEvents <-chan notes.Note) {
	defer close(s.noteRelayDone)
	for n := range noteEvents {
		s.touch()
		s.events.Publish(Event{Type: EventNote, Note: &n})
	}
}

// watchCapture stops the session when the device fails mid-recording
func (s *Session) watchCapture(stop <-chan struct{}) {
	select {
	case <-stop:
	case err := <-s.capture.Errors():
		s.logger.Error("Capture failed, stopping session", slog.String("error", err.Error()))
		s.setError(err)
		s.events.Publish(Event{Type: EventError, Error: err.Error()})
		go func() {
			if _, err := s.Stop(context.Background()); err != nil && !errors.Is(err, capture.ErrNotRecording) {
				s.logger.Warn("Stop after capture failure returned error", slog.String("error", err.Error()))
			}
		}()
	}
}

// Close stops any active recording and ends every subscription
func (s *Session) Close(ctx context.Context) {
	if s.Status() == StatusRecording || s.Status() == StatusPaused {
		if _, err := s.Stop(ctx); err != nil && !errors.Is(err, capture.ErrNotRecording) {
			s.logger.Warn("Failed to stop session on close", slog.String("error", err.Error()))
		}
	}
	s.generator.Close()
	<-s.noteRelayDone
	s.events.Close()
}

// Subscribe streams volume, transcript, note and state events
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.Subscribe(buffer)
}

// Transcript returns every entry of the current meeting
func (s *Session) Transcript() []transcript.Entry {
	return s.store.All()
}

// Roster returns the speakers of the current meeting
func (s *Session) Roster() []speaker.Profile {
	return s.attributor.Roster()
}

// Notes returns every note of the current meeting
func (s *Session) Notes() []notes.Note {
	return s.generator.Notes()
}

// GenerateNotes runs an on-demand cycle over the whole transcript
func (s *Session) GenerateNotes(ctx context.Context) ([]notes.Note, error) {
	s.touch()
	return s.generator.GenerateNow(ctx)
}

// ToggleNote flips the completed flag of a note
func (s *Session) ToggleNote(id string) (notes.Note, error) {
	s.touch()
	return s.generator.ToggleCompleted(id)
}

// Ask answers a question about the meeting so far
func (s *Session) Ask(ctx context.Context, question string) (*notes.Answer, error) {
	s.touch()
	return s.generator.Ask(ctx, question)
}

// Summarize produces a digest of the meeting
func (s *Session) Summarize(ctx context.Context) (*notes.Summary, error) {
	s.touch()
	return s.generator.Summarize(ctx)
}

// Archive returns the WAV recording of the last completed meeting
func (s *Session) Archive() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.archive
}

// Status returns the lifecycle position
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastActivity returns the time of the last state change, entry or note
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// GetSessionInfo returns a snapshot for monitoring and APIs
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	dispatcher := s.dispatcher
	info := SessionInfo{
		ID:           s.ID,
		Status:       s.status,
		DeviceID:     s.deviceID,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.startedAt,
		StoppedAt:    s.stoppedAt,
		LastActivity: s.lastActivity,
		LastError:    s.lastError,
		Recordings:   s.recordings,
		ArchiveBytes: len(s.archive),
	}
	s.mu.RUnlock()

	info.Recording = s.capture.State()
	info.Entries = s.store.Len()
	info.Speakers = len(s.attributor.Roster())
	info.Notes = s.generator.GetStats()
	info.DroppedEvents = s.events.Dropped()
	if dispatcher != nil {
		stats := dispatcher.GetStats()
		info.Dispatch = &stats
	}
	return info
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) publishState() {
	state := s.capture.State()
	status := s.Status()
	s.events.Publish(Event{Type: EventState, Status: status, State: &state})
}
