// Package transcript holds the append-only, time-ordered transcript of a
// session. A single writer appends; any number of readers take snapshots.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one attributed utterance
type Entry struct {
	ID          string    `json:"id"`
	SpeakerID   string    `json:"speaker_id"`
	SpeakerName string    `json:"speaker_name"`
	Text        string    `json:"text"`
	StartMs     uint64    `json:"start_ms"`
	EndMs       uint64    `json:"end_ms"`
	Confidence  float64   `json:"confidence"`
	Language    string    `json:"language,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the ordered entry sequence for one session
type Store struct {
	entries []Entry
	lastMs  uint64
	mu      sync.RWMutex
}

// NewStore creates an empty transcript
func NewStore() *Store {
	return &Store{entries: make([]Entry, 0, 256)}
}

// Append adds an entry and returns it as stored. Missing ids are generated.
// A StartMs earlier than the previous entry's is raised to it so the
// sequence stays non-decreasing.
func (s *Store) Append(e Entry) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if len(s.entries) > 0 && e.StartMs < s.lastMs {
		e.StartMs = s.lastMs
	}
	if e.EndMs < e.StartMs {
		e.EndMs = e.StartMs
	}

	s.entries = append(s.entries, e)
	s.lastMs = e.StartMs
	return e
}

// Since returns the entries at positions >= cursor and the cursor after them
func (s *Store) Since(cursor int) ([]Entry, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(s.entries) {
		return nil, len(s.entries)
	}

	out := make([]Entry, len(s.entries)-cursor)
	copy(out, s.entries[cursor:])
	return out, len(s.entries)
}

// All returns a snapshot of every entry
func (s *Store) All() []Entry {
	entries, _ := s.Since(0)
	return entries
}

// Len returns the number of entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Has reports whether an entry id exists
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Reset clears the transcript
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
	s.lastMs = 0
}
