package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/audio"
	"github.com/skypro1111/meeting-audio-pipeline/internal/fanout"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/vad"
)

// Config contains capture configuration
type Config struct {
	SampleRate      int
	FramesPerBuffer int
	MeterInterval   time.Duration
	MeterWindow     int // Samples analysed per volume reading
}

// DefaultConfig returns 16 kHz mono capture with 100 ms frames
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		FramesPerBuffer: 1600,
		MeterInterval:   100 * time.Millisecond,
		MeterWindow:     1024,
	}
}

// RecordingState is a snapshot of the capture lifecycle
type RecordingState struct {
	IsRecording bool    `json:"is_recording"`
	IsPaused    bool    `json:"is_paused"`
	ElapsedMs   uint64  `json:"elapsed_ms"`
	Volume      float32 `json:"volume"`
}

// Service owns one input device for the lifetime of a recording and fans
// captured chunks and volume readings out to subscribers.
type Service struct {
	source  Source
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Serializes Start and Stop
	lifecycle sync.Mutex

	stream Stream
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error

	chunks *fanout.Hub[audio.AudioChunk]
	volume *fanout.Hub[float32]

	recording   bool
	paused      bool
	deviceID    string
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	level       float32
	emitted     uint64 // Samples emitted since Start
	recent      []float32
	archive     []int16

	mu sync.RWMutex
}

// NewService creates a capture service on top of a device source
func NewService(source Source, config Config, logger *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("audio source cannot be nil")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("frames per buffer must be positive, got %d", config.FramesPerBuffer)
	}
	if config.MeterInterval <= 0 {
		config.MeterInterval = 100 * time.Millisecond
	}
	if config.MeterWindow <= 0 {
		config.MeterWindow = 1024
	}

	return &Service{
		source:  source,
		config:  config,
		logger:  logger,
		metrics: m,
		errs:    make(chan error, 1),
		chunks:  fanout.NewHub[audio.AudioChunk](),
		volume:  fanout.NewHub[float32](),
	}, nil
}

// ListDevices enumerates the available input devices
func (s *Service) ListDevices() ([]Device, error) {
	devices, err := s.source.Devices()
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDeviceEnumeration, err)
	}
	return devices, nil
}

// SubscribeChunks registers a chunk listener. Channels are closed by Stop, so
// listeners for a recording must subscribe before or while it runs.
func (s *Service) SubscribeChunks(buffer int) (<-chan audio.AudioChunk, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunks.Subscribe(buffer)
}

// SubscribeVolume registers a volume listener
func (s *Service) SubscribeVolume(buffer int) (<-chan float32, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volume.Subscribe(buffer)
}

// Subscribers returns the number of attached chunk and volume listeners
func (s *Service) Subscribers() (chunks, volume int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chunks.Subscribers(), s.volume.Subscribers()
}

// Errors reports device failures that ended a recording
func (s *Service) Errors() <-chan error {
	return s.errs
}

// Start opens the device and begins emitting chunks. An empty deviceID
// selects the default input device. ctx is only consulted before the device
// is opened; the recording lives until Stop.
func (s *Service) Start(ctx context.Context, deviceID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	recording := s.recording
	s.mu.RUnlock()
	if recording {
		return ErrAlreadyRecording
	}

	stream, err := s.source.Open(deviceID, StreamConfig{
		SampleRate:      s.config.SampleRate,
		Channels:        1,
		FramesPerBuffer: s.config.FramesPerBuffer,
	})
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: failed to start stream: %w", ErrDeviceUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.stream = stream
	s.cancel = cancel
	s.recording = true
	s.paused = false
	s.deviceID = deviceID
	s.startedAt = time.Now()
	s.pausedTotal = 0
	s.level = 0
	s.emitted = 0
	s.recent = make([]float32, 0, s.config.MeterWindow)
	s.archive = make([]int16, 0, s.config.SampleRate*60)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(runCtx, stream)
	go s.meterLoop(runCtx)

	s.logger.Info("Audio capture started",
		slog.String("device_id", deviceID),
		slog.Int("sample_rate", s.config.SampleRate),
		slog.Int("frames_per_buffer", s.config.FramesPerBuffer),
	)

	return nil
}

// Pause stops emitting chunks and freezes the elapsed clock and meter. The
// device stays open and its frames are discarded.
func (s *Service) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recording {
		return ErrNotRecording
	}
	if s.paused {
		return nil
	}

	s.paused = true
	s.pausedAt = time.Now()
	s.logger.Info("Audio capture paused", slog.Uint64("elapsed_ms", s.elapsedLocked(s.pausedAt)))
	return nil
}

// Resume continues a paused recording
func (s *Service) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recording {
		return ErrNotRecording
	}
	if !s.paused {
		return nil
	}

	s.pausedTotal += time.Since(s.pausedAt)
	s.paused = false
	s.logger.Info("Audio capture resumed", slog.Duration("paused_total", s.pausedTotal))
	return nil
}

// Stop ends the recording, closes the device and every subscriber channel,
// and returns the whole session as a WAV blob. The blob is nil when no audio
// was emitted.
func (s *Service) Stop() ([]byte, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	recording := s.recording
	stream := s.stream
	cancel := s.cancel
	s.mu.RUnlock()
	if !recording {
		return nil, ErrNotRecording
	}

	cancel()
	if err := stream.Stop(); err != nil {
		s.logger.Warn("Failed to stop audio stream", slog.String("error", err.Error()))
	}
	s.wg.Wait()
	if err := stream.Close(); err != nil {
		s.logger.Warn("Failed to close audio stream", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	elapsed := s.elapsedLocked(time.Now())
	archive := s.archive
	chunks, volume := s.chunks, s.volume
	s.chunks = fanout.NewHub[audio.AudioChunk]()
	s.volume = fanout.NewHub[float32]()
	s.stream = nil
	s.cancel = nil
	s.recording = false
	s.paused = false
	s.pausedTotal = 0
	s.level = 0
	s.emitted = 0
	s.recent = nil
	s.archive = nil
	s.mu.Unlock()

	chunks.Close()
	volume.Close()

	s.logger.Info("Audio capture stopped",
		slog.Uint64("elapsed_ms", elapsed),
		slog.Int("archived_samples", len(archive)),
		slog.Uint64("dropped_chunks", chunks.Dropped()),
	)

	if len(archive) == 0 {
		return nil, nil
	}

	wav, err := audio.EncodePCM16(archive, s.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session archive: %w", err)
	}
	return wav, nil
}

// State returns a snapshot of the recording state
func (s *Service) State() RecordingState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.recording {
		return RecordingState{}
	}

	return RecordingState{
		IsRecording: true,
		IsPaused:    s.paused,
		ElapsedMs:   s.elapsedLocked(time.Now()),
		Volume:      s.level,
	}
}

// Config returns the capture configuration
func (s *Service) Config() Config {
	return s.config
}

func (s *Service) elapsedLocked(now time.Time) uint64 {
	elapsed := now.Sub(s.startedAt) - s.pausedTotal
	if s.paused {
		elapsed -= now.Sub(s.pausedAt)
	}
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed.Milliseconds())
}

func (s *Service) readLoop(ctx context.Context, stream Stream) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := stream.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Audio device read failed", slog.String("error", err.Error()))
			select {
			case s.errs <- fmt.Errorf("%w: %w", ErrDeviceUnavailable, err):
			default:
			}
			return
		}

		s.handleFrame(frame)
	}
}

func (s *Service) handleFrame(frame []float32) {
	if len(frame) == 0 {
		return
	}

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}

	samples := make([]float32, len(frame))
	copy(samples, frame)

	chunk := audio.AudioChunk{
		Samples:      samples,
		TimestampMs:  s.emitted * 1000 / uint64(s.config.SampleRate),
		SampleRateHz: uint32(s.config.SampleRate),
	}
	s.emitted += uint64(len(samples))
	s.archive = append(s.archive, audio.FloatToPCM16(samples)...)

	s.recent = append(s.recent, samples...)
	if over := len(s.recent) - s.config.MeterWindow; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}

	hub := s.chunks
	s.mu.Unlock()

	missed := hub.Publish(chunk)
	s.metrics.RecordChunkCaptured()
	if missed > 0 {
		s.metrics.RecordChunksDropped(missed)
		s.logger.Warn("Chunk subscriber fell behind, chunk dropped",
			slog.Uint64("timestamp_ms", chunk.TimestampMs),
			slog.Int("missed", missed),
		)
	}
}

func (s *Service) meterLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MeterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.paused {
				s.mu.Unlock()
				continue
			}
			level := float32(vad.RMS(s.recent))
			s.level = level
			hub := s.volume
			s.mu.Unlock()

			hub.Publish(level)
			s.metrics.SetVolume(level)
		}
	}
}
