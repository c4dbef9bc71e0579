package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodeWAV(t *testing.T) {
	// 440Hz sine wave for 0.1 seconds at 16kHz
	sampleRate := 16000
	numSamples := sampleRate / 10
	samples := make([]float32, numSamples)
	for i := range samples {
		ts := float64(i) / float64(sampleRate)
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*ts))
	}

	wavData, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	expectedSize := WAVHeaderSize + numSamples*2
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	// Header fields a strict provider checks
	if got := binary.LittleEndian.Uint16(data16(wavData, 20)); got != 1 {
		t.Errorf("Expected PCM audio format 1, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(data16(wavData, 22)); got != 1 {
		t.Errorf("Expected 1 channel, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(wavData[24:28]); got != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, got)
	}
	if got := binary.LittleEndian.Uint32(wavData[28:32]); got != uint32(sampleRate*2) {
		t.Errorf("Expected byte rate %d, got %d", sampleRate*2, got)
	}
	if got := binary.LittleEndian.Uint16(data16(wavData, 34)); got != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", got)
	}

	duration, err := GetWAVDuration(wavData)
	if err != nil {
		t.Fatalf("GetWAVDuration failed: %v", err)
	}
	if math.Abs(duration-0.1) > 0.001 {
		t.Errorf("Expected duration 0.100, got %.3f", duration)
	}
}

func data16(b []byte, offset int) []byte {
	return b[offset : offset+2]
}

func TestWAVRoundTrip(t *testing.T) {
	original := []float32{0, 0.25, -0.25, 0.5, -0.5, 0.999, -0.999, 1, -1, 0.00003}

	wavData, err := EncodeWAV(original, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decoded, sampleRate, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if sampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", sampleRate)
	}

	if len(decoded) != len(original) {
		t.Fatalf("Expected %d samples, got %d", len(original), len(decoded))
	}

	// One quantization step of 16-bit PCM
	tolerance := 1.0 / float64(math.MaxInt16)
	for i := range original {
		if diff := math.Abs(float64(decoded[i] - original[i])); diff > tolerance {
			t.Errorf("Sample %d: expected %f, got %f (diff %g)", i, original[i], decoded[i], diff)
		}
	}
}

func TestFloatToPCM16Clipping(t *testing.T) {
	pcm := FloatToPCM16([]float32{2, -3, 0.5})
	if pcm[0] != math.MaxInt16 {
		t.Errorf("Expected positive clip to %d, got %d", math.MaxInt16, pcm[0])
	}
	if pcm[1] != -math.MaxInt16 {
		t.Errorf("Expected negative clip to %d, got %d", -math.MaxInt16, pcm[1])
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	if _, err := EncodeWAV([]float32{}, 16000); err == nil {
		t.Error("Expected error for empty samples")
	}
}

func TestEncodeWAVInvalidSampleRate(t *testing.T) {
	if _, err := EncodeWAV([]float32{0.1, 0.2}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestValidateWAVInvalid(t *testing.T) {
	valid, err := EncodeWAV([]float32{0.1, 0.2, 0.3}, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"too short", func(b []byte) []byte { return b[:20] }},
		{"bad RIFF", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad WAVE", func(b []byte) []byte { b[8] = 'X'; return b }},
		{"bad fmt", func(b []byte) []byte { b[12] = 'X'; return b }},
		{"bad data", func(b []byte) []byte { b[36] = 'X'; return b }},
		{"size mismatch", func(b []byte) []byte { return append(b, 0, 0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, len(valid))
			copy(data, valid)
			if err := ValidateWAV(tt.mutate(data)); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}
