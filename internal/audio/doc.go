// Package audio holds the captured chunk type, the per-window sample buffer
// used by transcription dispatch, and the 16-bit PCM WAV container that is
// handed to the speech-to-text provider.
package audio
