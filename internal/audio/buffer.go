package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// AudioChunk is one frame of captured mono audio. Chunks are immutable once
// emitted by capture; ownership moves to whoever buffers them.
type AudioChunk struct {
	Samples      []float32 `json:"-"`
	TimestampMs  uint64    `json:"timestamp_ms"`   // Capture-clock offset of the first sample
	SampleRateHz uint32    `json:"sample_rate_hz"`
}

// Duration returns the playback duration of the chunk
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRateHz == 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRateHz)
}

// GapTolerance is how far a chunk timestamp may stray from the end of the
// previous chunk before the buffer treats it as a discontinuity.
const GapTolerance = 5 * time.Millisecond

// ErrTimestampGap is returned by Add when a chunk does not continue the
// buffered audio. The chunk is not buffered.
var ErrTimestampGap = errors.New("chunk timestamp does not continue buffered audio")

// GapError describes a discontinuity between buffered audio and a new chunk
type GapError struct {
	ExpectedMs  uint64
	TimestampMs uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("%s: expected %dms, got %dms", ErrTimestampGap, e.ExpectedMs, e.TimestampMs)
}

func (e *GapError) Unwrap() error { return ErrTimestampGap }

// MissingMs returns how much audio fell out between the two timestamps.
// A chunk that arrives early reports zero.
func (e *GapError) MissingMs() uint64 {
	if e.TimestampMs <= e.ExpectedMs {
		return 0
	}
	return e.TimestampMs - e.ExpectedMs
}

// Buffer accumulates chunks for one dispatch window. It tracks cumulative
// duration and the running mean absolute sample value used by the silence gate.
// A window never spans a timestamp gap, so offsets into Window.Samples map
// back to the capture clock through Window.StartMs.
type Buffer struct {
	sampleRate int

	samples   []float32
	lastChunk []float32
	startMs   uint64
	chunks    int
	absSum    float64

	// Capture-clock offset expected for the next chunk
	nextMs   uint64
	haveNext bool

	// Lifetime statistics
	totalChunks  uint64
	totalWindows uint64
	gaps         uint64
	missingMs    uint64
	lastUpdate   time.Time

	mu sync.RWMutex
}

// Window is a drained buffer ready for the silence/duration gates and encoding
type Window struct {
	Samples      []float32
	LastChunk    []float32
	StartMs      uint64
	SampleRate   int
	Chunks       int
	AverageLevel float64 // Mean absolute sample value over the window
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	BufferedChunks  int     `json:"buffered_chunks"`
	BufferedSamples int     `json:"buffered_samples"`
	BufferedSeconds float64 `json:"buffered_seconds"`
	AverageLevel    float64 `json:"average_level"`
	TotalChunks     uint64  `json:"total_chunks"`
	TotalWindows    uint64  `json:"total_windows"`
	Gaps            uint64  `json:"gaps"`
	MissingMs       uint64  `json:"missing_ms"`
}

// NewBuffer creates an empty window buffer for the given sample rate
func NewBuffer(sampleRate int) *Buffer {
	return &Buffer{
		sampleRate: sampleRate,
		samples:    make([]float32, 0, sampleRate*2), // Pre-allocate for 2 seconds
		lastUpdate: time.Now(),
	}
}

// Add appends a chunk to the current window. When the chunk does not
// continue the previous one Add records the gap and returns a *GapError
// without buffering the chunk. The caller drains the window and adds the
// chunk again, which then starts the next window.
func (b *Buffer) Add(chunk AudioChunk) error {
	if int(chunk.SampleRateHz) != b.sampleRate {
		return fmt.Errorf("chunk sample rate %d does not match buffer rate %d", chunk.SampleRateHz, b.sampleRate)
	}
	if len(chunk.Samples) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.haveNext && !continues(b.nextMs, chunk.TimestampMs) {
		gap := &GapError{ExpectedMs: b.nextMs, TimestampMs: chunk.TimestampMs}
		b.gaps++
		b.missingMs += gap.MissingMs()
		b.haveNext = false
		return gap
	}

	if b.chunks == 0 {
		b.startMs = chunk.TimestampMs
	}
	b.nextMs = chunk.TimestampMs + uint64(chunk.Duration().Milliseconds())
	b.haveNext = true

	b.samples = append(b.samples, chunk.Samples...)
	b.lastChunk = chunk.Samples
	for _, s := range chunk.Samples {
		b.absSum += math.Abs(float64(s))
	}

	b.chunks++
	b.totalChunks++
	b.lastUpdate = time.Now()

	return nil
}

// Duration returns the duration of audio currently buffered
func (b *Buffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return samplesToDuration(len(b.samples), b.sampleRate)
}

// AverageLevel returns the mean absolute sample value of the current window
func (b *Buffer) AverageLevel() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return 0
	}
	return b.absSum / float64(len(b.samples))
}

// Size returns the current number of samples in the buffer
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Drain hands the buffered window to the caller and resets the buffer.
// It returns nil when nothing is buffered.
func (b *Buffer) Drain() *Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.chunks == 0 {
		return nil
	}

	window := &Window{
		Samples:    b.samples,
		LastChunk:  b.lastChunk,
		StartMs:    b.startMs,
		SampleRate: b.sampleRate,
		Chunks:     b.chunks,
	}
	if len(b.samples) > 0 {
		window.AverageLevel = b.absSum / float64(len(b.samples))
	}

	b.samples = make([]float32, 0, cap(b.samples))
	b.lastChunk = nil
	b.startMs = 0
	b.chunks = 0
	b.absSum = 0
	b.totalWindows++

	return window
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	level := float64(0)
	if len(b.samples) > 0 {
		level = b.absSum / float64(len(b.samples))
	}

	return BufferStats{
		BufferedChunks:  b.chunks,
		BufferedSamples: len(b.samples),
		BufferedSeconds: samplesToDuration(len(b.samples), b.sampleRate).Seconds(),
		AverageLevel:    level,
		TotalChunks:     b.totalChunks,
		TotalWindows:    b.totalWindows,
		Gaps:            b.gaps,
		MissingMs:       b.missingMs,
	}
}

// GetLastUpdate returns the time of the last buffer update
func (b *Buffer) GetLastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// Duration returns the duration of the window
func (w *Window) Duration() time.Duration {
	return samplesToDuration(len(w.Samples), w.SampleRate)
}

// EndMs returns the capture-clock offset just past the last sample
func (w *Window) EndMs() uint64 {
	return w.StartMs + uint64(w.Duration().Milliseconds())
}

// Segment returns the samples between two offsets relative to the window
// start. Offsets are clamped to the window; an empty range yields nil.
func (w *Window) Segment(from, to time.Duration) []float32 {
	start := durationToSamples(from, w.SampleRate)
	end := durationToSamples(to, w.SampleRate)
	if start < 0 {
		start = 0
	}
	if end > len(w.Samples) {
		end = len(w.Samples)
	}
	if start >= end {
		return nil
	}
	return w.Samples[start:end]
}

// Truncate limits the window to max duration, dropping the tail
func (w *Window) Truncate(max time.Duration) bool {
	limit := durationToSamples(max, w.SampleRate)
	if limit <= 0 || len(w.Samples) <= limit {
		return false
	}
	w.Samples = w.Samples[:limit]
	return true
}

func continues(expectedMs, timestampMs uint64) bool {
	tolerance := uint64(GapTolerance.Milliseconds())
	if timestampMs > expectedMs {
		return timestampMs-expectedMs <= tolerance
	}
	return expectedMs-timestampMs <= tolerance
}

func samplesToDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

func durationToSamples(d time.Duration, sampleRate int) int {
	return int(d * time.Duration(sampleRate) / time.Second)
}
