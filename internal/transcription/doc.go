// Package transcription dispatches captured audio to an asynchronous
// speech-to-text job API.
//
// Client speaks the job protocol: a multipart POST /jobs carrying the WAV
// window, GET /jobs/{id} for status and GET /jobs/{id}/transcript for the
// monologue document. Submission is retried with exponential backoff on
// 5xx, 429 and network errors.
//
// Dispatcher sits between capture and speaker attribution. It accumulates
// chunks into windows (30 s by default), drops windows that are silent or
// too short, and runs the survivors through the client one at a time. Each
// monologue of a diarized transcript becomes one Result, stamped on the
// capture clock and carrying acoustic features of the audio it covers.
package transcription
