// Package speaker attributes transcript utterances to a small per-session
// roster of speaker profiles.
//
// Provider diarization ids are used when present. Otherwise utterances are
// matched by pitch and energy similarity, score = 1/(1 + |Δpitch|/scale +
// |Δenergy|), and accepted above a threshold. Utterances without acoustic
// features fall back to a timing heuristic: a pause longer than the
// speaker-change gap hands the floor to the least recently heard speaker.
//
// Attribute never fails. Once the roster is full it degrades to the best
// match or the most recent speaker at low confidence.
package speaker
