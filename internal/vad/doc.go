// Package vad provides lightweight voice activity and acoustic feature analysis.
// It implements the energy-based silence gate used before dispatch and the
// zero-crossing pitch and RMS energy estimates used for speaker attribution.
package vad
