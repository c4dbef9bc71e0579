// Package microphone implements capture.Source on top of PortAudio.
//
// It is kept apart from the capture package so that capture and everything
// built on it can be compiled and tested without cgo or audio hardware.
package microphone

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/skypro1111/meeting-audio-pipeline/internal/capture"
)

// Source enumerates and opens PortAudio input devices
type Source struct {
	logger *slog.Logger
	closed bool
	mu     sync.Mutex
}

// NewSource initializes PortAudio. Close must be called to release it.
func NewSource(logger *slog.Logger) (*Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", classify(err))
	}
	return &Source{logger: logger}, nil
}

// Close terminates PortAudio
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return portaudio.Terminate()
}

// Devices lists devices with at least one input channel
func (s *Source) Devices() ([]capture.Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, classify(err)
	}

	defaultID := ""
	if def, err := portaudio.DefaultInputDevice(); err == nil {
		defaultID = deviceID(def)
	}

	devices := make([]capture.Device, 0, len(infos))
	for _, info := range infos {
		if info.MaxInputChannels <= 0 {
			continue
		}
		id := deviceID(info)
		devices = append(devices, capture.Device{
			ID:                id,
			Name:              info.Name,
			Default:           id == defaultID,
			MaxInputChannels:  info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
		})
	}
	return devices, nil
}

// Open opens a blocking mono float32 input stream
func (s *Source) Open(id string, cfg capture.StreamConfig) (capture.Stream, error) {
	info, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	if info.DefaultSampleRate != float64(cfg.SampleRate) {
		s.logger.Warn("Device default sample rate differs from capture rate",
			slog.String("device", info.Name),
			slog.Float64("device_rate", info.DefaultSampleRate),
			slog.Int("capture_rate", cfg.SampleRate),
		)
	}

	buf := make([]float32, cfg.FramesPerBuffer*cfg.Channels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: cfg.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", info.Name, classify(err))
	}

	return &inputStream{stream: stream, buf: buf, name: info.Name, logger: s.logger}, nil
}

func (s *Source) lookup(id string) (*portaudio.DeviceInfo, error) {
	if id == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", classify(err))
		}
		return info, nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, classify(err)
	}
	for _, info := range infos {
		if info.MaxInputChannels > 0 && deviceID(info) == id {
			return info, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", id)
}

type inputStream struct {
	stream *portaudio.Stream
	buf    []float32
	name   string
	logger *slog.Logger
}

func (st *inputStream) Start() error {
	return st.stream.Start()
}

// Read fills the shared buffer and returns it; the capture service copies
// every frame before publishing.
func (st *inputStream) Read() ([]float32, error) {
	if err := st.stream.Read(); err != nil {
		if errors.Is(err, portaudio.InputOverflowed) {
			st.logger.Debug("Input overflowed", slog.String("device", st.name))
			return st.buf, nil
		}
		return nil, err
	}
	return st.buf, nil
}

// Stop aborts the stream so a blocked Read returns promptly
func (st *inputStream) Stop() error {
	return st.stream.Abort()
}

func (st *inputStream) Close() error {
	return st.stream.Close()
}

func deviceID(info *portaudio.DeviceInfo) string {
	if info.HostApi != nil {
		return info.HostApi.Name + ":" + info.Name
	}
	return info.Name
}

// classify maps host errors that indicate a refused microphone prompt to
// capture.ErrPermissionDenied.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") || strings.Contains(msg, "not authorized") {
		return fmt.Errorf("%w: %w", capture.ErrPermissionDenied, err)
	}
	return err
}
