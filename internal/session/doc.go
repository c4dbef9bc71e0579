// Package session wires the capture, transcription, speaker attribution and
// note generation services together for one meeting at a time, and manages
// the set of sessions owned by the process with automatic cleanup of
// sessions left idle.
package session
