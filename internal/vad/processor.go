package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Processor applies the silence gate and extracts acoustic features from
// mono float samples in [-1, 1].
type Processor struct {
	threshold  float32 // Mean absolute level below which a window is silence
	sampleRate int

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Features are the per-utterance acoustic measurements used by speaker attribution
type Features struct {
	PitchHz    float64 `json:"pitch_hz"`    // Zero-crossing pitch estimate
	Energy     float64 `json:"energy"`      // Normalized RMS (0.0 - 1.0)
	DurationMs uint64  `json:"duration_ms"` // Duration of the analysed span
}

// Result is the outcome of gating one window
type Result struct {
	Level    float64 `json:"level"`
	HasVoice bool    `json:"has_voice"`
}

// ProcessorStats represents processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new processor instance
func NewProcessor(threshold float32, sampleRate int) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:  threshold,
		sampleRate: sampleRate,
	}, nil
}

// Gate classifies a window by its mean absolute level. Windows below the
// threshold are silence and must not be submitted.
func (p *Processor) Gate(level float64) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	hasVoice := level >= float64(p.threshold)

	p.totalWindows++
	if hasVoice {
		p.voiceWindows++
	}
	p.lastProcessed = time.Now()

	return Result{Level: level, HasVoice: hasVoice}
}

// Extract computes features for a span of samples. It returns nil for an
// empty span so callers can tell "no features" from "silent features".
func (p *Processor) Extract(samples []float32) *Features {
	if len(samples) == 0 {
		return nil
	}

	return &Features{
		PitchHz:    ZeroCrossingPitch(samples, p.sampleRate),
		Energy:     RMS(samples),
		DurationMs: uint64(len(samples)) * 1000 / uint64(p.sampleRate),
	}
}

// RMS returns the root mean square of the samples, clamped to [0, 1]
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}
	return rms
}

// MeanAbs returns the average absolute sample value
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	return sum / float64(len(samples))
}

// ZeroCrossingPitch estimates the fundamental frequency from the zero-crossing
// rate. A periodic signal crosses zero twice per cycle.
func ZeroCrossingPitch(samples []float32, sampleRate int) float64 {
	if len(samples) < 2 || sampleRate <= 0 {
		return 0
	}

	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}

	seconds := float64(len(samples)) / float64(sampleRate)
	return float64(crossings) / 2 / seconds
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// Reset resets the processor statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastProcessed = time.Time{}
}

// GetThreshold returns the current silence threshold
func (p *Processor) GetThreshold() float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}
