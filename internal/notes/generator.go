package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/meeting-audio-pipeline/internal/fanout"
	"github.com/skypro1111/meeting-audio-pipeline/internal/llm"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/transcript"
)

// Config controls periodic note generation
type Config struct {
	Interval    time.Duration
	MinWords    int // New words required before a periodic cycle calls the AI
	Types       []NoteType
	MaxTokens   int
	Temperature float32
}

// DefaultConfig returns a 30 s cycle over every note type
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		MinWords:    50,
		Types:       AllTypes,
		MaxTokens:   1000,
		Temperature: 0.3,
	}
}

// Generator incrementally extracts notes from a growing transcript. A cursor
// marks how far the transcript has been processed; generation cycles are
// serialized so the cursor only moves forward.
type Generator struct {
	ai      llm.Completer
	store   *transcript.Store
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	forwarder Forwarder
	events    *fanout.Hub[Note]

	// Serializes generation cycles; cursor is written under both locks
	cycle  sync.Mutex
	cursor int

	notes []Note

	// Statistics
	cycles        uint64
	skippedCycles uint64
	failures      uint64
	lastRun       time.Time

	mu sync.RWMutex
}

// GeneratorStats represents generator statistics
type GeneratorStats struct {
	Cursor        int       `json:"cursor"`
	Notes         int       `json:"notes"`
	Cycles        uint64    `json:"cycles"`
	SkippedCycles uint64    `json:"skipped_cycles"`
	Failures      uint64    `json:"failures"`
	LastRun       time.Time `json:"last_run"`
}

// NewGenerator creates a generator reading from store
func NewGenerator(ai llm.Completer, store *transcript.Store, config Config, logger *slog.Logger, m *metrics.Metrics) (*Generator, error) {
	if ai == nil {
		return nil, fmt.Errorf("AI completer cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("transcript store cannot be nil")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if config.MinWords < 0 {
		return nil, fmt.Errorf("min words cannot be negative, got %d", config.MinWords)
	}
	if len(config.Types) == 0 {
		config.Types = AllTypes
	}

	return &Generator{
		ai:      ai,
		store:   store,
		config:  config,
		logger:  logger,
		metrics: m,
		events:  fanout.NewHub[Note](),
	}, nil
}

// SetForwarder attaches the integration collaborator that receives new notes
func (g *Generator) SetForwarder(f Forwarder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forwarder = f
}

// Subscribe streams every new note
func (g *Generator) Subscribe(buffer int) (<-chan Note, func()) {
	return g.events.Subscribe(buffer)
}

// Run calls Tick every interval until ctx is done
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	g.logger.Info("Note generation started",
		slog.Duration("interval", g.config.Interval),
		slog.Int("min_words", g.config.MinWords),
	)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Note generation stopped")
			return
		case <-ticker.C:
			if _, err := g.Tick(ctx); err != nil && ctx.Err() == nil {
				g.logger.Warn("Note generation cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick processes entries after the cursor. Below the word minimum nothing is
// sent and the cursor stays put.
func (g *Generator) Tick(ctx context.Context) ([]Note, error) {
	g.cycle.Lock()
	defer g.cycle.Unlock()

	entries, next := g.store.Since(g.cursor)
	if words := WordCount(entries); words < g.config.MinWords || len(entries) == 0 {
		g.mu.Lock()
		g.skippedCycles++
		g.mu.Unlock()
		g.metrics.RecordNoteCycle("skipped")

		g.logger.Debug("Not enough new words for notes",
			slog.Int("words", words),
			slog.Int("min_words", g.config.MinWords),
		)
		return nil, nil
	}

	notes, err := g.generate(ctx, entries)
	g.advance(next)
	return notes, err
}

// GenerateNow runs a cycle over the full transcript without moving the cursor
func (g *Generator) GenerateNow(ctx context.Context) ([]Note, error) {
	g.cycle.Lock()
	defer g.cycle.Unlock()

	entries := g.store.All()
	if len(entries) == 0 {
		return nil, nil
	}
	return g.generate(ctx, entries)
}

// Flush processes the unprocessed tail regardless of its length and
// advances the cursor. It is a no-op when nothing is new.
func (g *Generator) Flush(ctx context.Context) ([]Note, error) {
	g.cycle.Lock()
	defer g.cycle.Unlock()

	entries, next := g.store.Since(g.cursor)
	if len(entries) == 0 {
		return nil, nil
	}

	g.logger.Info("Flushing final notes", slog.Int("entries", len(entries)))
	notes, err := g.generate(ctx, entries)
	g.advance(next)
	return notes, err
}

// generate asks for every configured note type over entries. A failing type
// is logged and skipped; the error is returned only when every type failed.
func (g *Generator) generate(ctx context.Context, entries []transcript.Entry) ([]Note, error) {
	text := FormatTranscript(entries)

	refs := make([]string, len(entries))
	for i, e := range entries {
		refs[i] = e.ID
	}
	timestamp := entries[len(entries)-1].StartMs

	var (
		created []Note
		errs    []error
	)

	for _, noteType := range g.config.Types {
		pending, err := g.extract(ctx, noteType, text)
		if err != nil {
			errs = append(errs, err)

			kind := "provider"
			if errors.Is(err, ErrMalformedResponse) {
				kind = "malformed"
			}
			g.metrics.RecordNoteFailure(string(noteType), kind)
			g.logger.Error("Note extraction failed",
				slog.String("type", string(noteType)),
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)

			if ctx.Err() != nil {
				break
			}
			continue
		}

		for _, p := range pending {
			created = append(created, Note{
				ID:          uuid.NewString(),
				Type:        p.Type,
				Content:     p.Content,
				TimestampMs: timestamp,
				SourceRefs:  refs,
				Assignee:    p.Assignee,
				CreatedAt:   time.Now(),
			})
		}
		g.metrics.RecordNotes(string(noteType), len(pending))
	}

	g.mu.Lock()
	g.notes = append(g.notes, created...)
	g.cycles++
	g.failures += uint64(len(errs))
	g.lastRun = time.Now()
	forwarder := g.forwarder
	g.mu.Unlock()

	for _, n := range created {
		g.events.Publish(n)
	}

	if forwarder != nil && len(created) > 0 {
		if err := forwarder.Forward(ctx, created); err != nil {
			g.logger.Warn("Failed to forward notes", slog.String("error", err.Error()))
		}
	}

	outcome := "ok"
	switch {
	case len(errs) == len(g.config.Types):
		outcome = "failed"
	case len(errs) > 0:
		outcome = "partial"
	}
	g.metrics.RecordNoteCycle(outcome)

	g.logger.Info("Note generation cycle complete",
		slog.Int("entries", len(entries)),
		slog.Int("notes", len(created)),
		slog.Int("failed_types", len(errs)),
	)

	if outcome == "failed" {
		return created, errors.Join(errs...)
	}
	return created, nil
}

func (g *Generator) extract(ctx context.Context, noteType NoteType, text string) ([]PendingNote, error) {
	resp, err := g.ai.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      notePrompt(noteType, text),
		MaxTokens:   g.config.MaxTokens,
		Temperature: g.config.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", noteType, err)
	}
	return ParseResponse(noteType, resp.Content)
}

// Ask answers a free-form question about the meeting so far
func (g *Generator) Ask(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question cannot be empty")
	}

	entries := g.store.All()
	if len(entries) == 0 {
		return nil, ErrEmptyTranscript
	}

	resp, err := g.ai.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      askPrompt(question, FormatTranscript(entries)),
		MaxTokens:   g.config.MaxTokens,
		Temperature: g.config.Temperature,
	})
	if err != nil {
		return nil, err
	}

	used := make([]string, len(entries))
	for i, e := range entries {
		used[i] = e.ID
	}
	return &Answer{
		Question:    question,
		Answer:      strings.TrimSpace(resp.Content),
		ContextUsed: used,
		CreatedAt:   time.Now(),
	}, nil
}

// Summarize produces a digest of the whole meeting
func (g *Generator) Summarize(ctx context.Context) (*Summary, error) {
	entries := g.store.All()
	if len(entries) == 0 {
		return nil, ErrEmptyTranscript
	}

	resp, err := g.ai.Complete(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      summaryPrompt(FormatTranscript(entries)),
		MaxTokens:   g.config.MaxTokens,
		Temperature: g.config.Temperature,
	})
	if err != nil {
		return nil, err
	}

	summary, err := parseSummary(resp.Content)
	if err != nil {
		return nil, err
	}

	speakers := make(map[string]struct{})
	for _, e := range entries {
		if e.SpeakerID != "" {
			speakers[e.SpeakerID] = struct{}{}
		}
	}
	summary.ParticipantCount = len(speakers)
	summary.DurationMs = entries[len(entries)-1].EndMs - entries[0].StartMs
	summary.GeneratedAt = time.Now()
	return summary, nil
}

// Notes returns a snapshot of every generated note
func (g *Generator) Notes() []Note {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Note, len(g.notes))
	copy(out, g.notes)
	return out
}

// ToggleCompleted flips the completed flag of a note
func (g *Generator) ToggleCompleted(id string) (Note, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.notes {
		if g.notes[i].ID == id {
			g.notes[i].Completed = !g.notes[i].Completed
			return g.notes[i], nil
		}
	}
	return Note{}, fmt.Errorf("%w: %s", ErrNoteNotFound, id)
}

func (g *Generator) advance(next int) {
	g.mu.Lock()
	g.cursor = next
	g.mu.Unlock()
}

// Cursor returns the number of transcript entries already processed
func (g *Generator) Cursor() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cursor
}

// Reset clears notes and rewinds the cursor
func (g *Generator) Reset() {
	g.cycle.Lock()
	defer g.cycle.Unlock()
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cursor = 0
	g.notes = nil
	g.cycles = 0
	g.skippedCycles = 0
	g.failures = 0
	g.lastRun = time.Time{}
}

// Close ends every note subscription
func (g *Generator) Close() {
	g.events.Close()
}

// GetStats returns current generator statistics
func (g *Generator) GetStats() GeneratorStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return GeneratorStats{
		Cursor:        g.cursor,
		Notes:         len(g.notes),
		Cycles:        g.cycles,
		SkippedCycles: g.skippedCycles,
		Failures:      g.failures,
		LastRun:       g.lastRun,
	}
}
