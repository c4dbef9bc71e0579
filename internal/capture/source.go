package capture

import "errors"

var (
	// ErrPermissionDenied is returned when the platform refuses microphone access
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceEnumeration is returned when input devices cannot be listed
	ErrDeviceEnumeration = errors.New("device enumeration failed")
	// ErrDeviceUnavailable is returned when the requested device cannot be opened
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrAlreadyRecording is returned by Start on a running service
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by Pause, Resume and Stop on an idle service
	ErrNotRecording = errors.New("not recording")
)

// Device describes an audio input device
type Device struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Default           bool    `json:"default"`
	MaxInputChannels  int     `json:"max_input_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// StreamConfig is the fixed format the pipeline asks a device for
type StreamConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// Source is the platform audio device API
type Source interface {
	// Devices lists input devices. Implementations wrap a refused
	// permission prompt in ErrPermissionDenied.
	Devices() ([]Device, error)
	// Open opens the device with the given id, or the default input
	// device when id is empty.
	Open(deviceID string, cfg StreamConfig) (Stream, error)
}

// Stream is an opened device delivering fixed-size frames of mono samples
type Stream interface {
	Start() error
	// Read blocks until the next frame is available. After Stop it returns an error.
	Read() ([]float32, error)
	Stop() error
	Close() error
}
