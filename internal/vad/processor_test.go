package vad

import (
	"math"
	"testing"
)

func sine(freq float64, amplitude float64, n, sampleRate int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)+0.1))
	}
	return samples
}

func TestNewProcessor(t *testing.T) {
	tests := []struct {
		name        string
		threshold   float32
		sampleRate  int
		expectError bool
	}{
		{"valid", 0.01, 16000, false},
		{"negative threshold", -0.1, 16000, true},
		{"threshold above one", 1.5, 16000, true},
		{"zero sample rate", 0.01, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor, err := NewProcessor(tt.threshold, tt.sampleRate)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if processor.GetThreshold() != tt.threshold {
				t.Errorf("Expected threshold %f, got %f", tt.threshold, processor.GetThreshold())
			}
		})
	}
}

func TestGate(t *testing.T) {
	processor, err := NewProcessor(0.01, 16000)
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	silent := make([]float32, 1600)
	if result := processor.Gate(MeanAbs(silent)); result.HasVoice {
		t.Error("All-zero window must be classified as silence")
	}

	speech := sine(200, 0.3, 1600, 16000)
	if result := processor.Gate(MeanAbs(speech)); !result.HasVoice {
		t.Errorf("Expected voice for level %f", result.Level)
	}

	stats := processor.GetStats()
	if stats.TotalWindows != 2 || stats.VoiceWindows != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.VoicePercentage != 50 {
		t.Errorf("Expected 50%% voice, got %f", stats.VoicePercentage)
	}

	processor.Reset()
	if processor.GetStats().TotalWindows != 0 {
		t.Error("Expected stats to be reset")
	}
}

func TestZeroCrossingPitch(t *testing.T) {
	for _, freq := range []float64{120, 220, 440} {
		samples := sine(freq, 0.5, 16000, 16000)
		pitch := ZeroCrossingPitch(samples, 16000)
		if math.Abs(pitch-freq) > 2 {
			t.Errorf("Expected pitch ~%.0f Hz, got %.1f", freq, pitch)
		}
	}

	if ZeroCrossingPitch([]float32{0.1}, 16000) != 0 {
		t.Error("Expected zero pitch for a single sample")
	}
}

func TestRMS(t *testing.T) {
	samples := sine(440, 1.0, 16000, 16000)
	if rms := RMS(samples); math.Abs(rms-1/math.Sqrt2) > 0.01 {
		t.Errorf("Expected RMS ~0.707, got %f", rms)
	}

	if RMS(nil) != 0 {
		t.Error("Expected zero RMS for no samples")
	}
}

func TestExtract(t *testing.T) {
	processor, _ := NewProcessor(0.01, 16000)

	if processor.Extract(nil) != nil {
		t.Error("Expected nil features for empty span")
	}

	features := processor.Extract(sine(150, 0.2, 8000, 16000))
	if features == nil {
		t.Fatal("Expected features")
	}
	if features.DurationMs != 500 {
		t.Errorf("Expected 500ms duration, got %d", features.DurationMs)
	}
	if math.Abs(features.PitchHz-150) > 3 {
		t.Errorf("Expected pitch ~150 Hz, got %f", features.PitchHz)
	}
	if math.Abs(features.Energy-0.2/math.Sqrt2) > 0.01 {
		t.Errorf("Expected energy ~0.141, got %f", features.Energy)
	}
}
