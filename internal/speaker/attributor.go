package speaker

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/vad"
)

// Method records how an utterance was attributed
type Method string

const (
	MethodProvider Method = "provider" // Provider diarization id
	MethodAcoustic Method = "acoustic" // Feature similarity above threshold
	MethodCreated  Method = "created"  // New profile seeded from the utterance
	MethodGap      Method = "gap"      // Timing heuristic switched speaker
	MethodContinue Method = "continue" // Timing heuristic kept the current speaker
	MethodFallback Method = "fallback" // Roster full, best effort
)

// palette gives each new profile a stable display color
var palette = []string{
	"#3B82F6", "#EF4444", "#10B981", "#F59E0B",
	"#8B5CF6", "#EC4899", "#14B8A6", "#F97316",
}

// Config holds attribution tuning
type Config struct {
	MatchThreshold   float64       // Minimum score to accept an acoustic match
	PitchScaleHz     float64       // Pitch difference that counts as one unit of distance; 1 compares raw Hz
	SpeakerChangeGap time.Duration // Silence that suggests a new speaker
	MaxSpeakers      int
	LowConfidence    float64 // Confidence of the most-recent-speaker fallback
}

// DefaultConfig returns the stock attribution settings
func DefaultConfig() Config {
	return Config{
		MatchThreshold:   0.6,
		PitchScaleHz:     100,
		SpeakerChangeGap: 2 * time.Second,
		MaxSpeakers:      8,
		LowConfidence:    0.3,
	}
}

// Profile is a speaker known within one session
type Profile struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name"`
	Color           string  `json:"color"`
	AvgPitchHz      float64 `json:"avg_pitch_hz"`
	AvgEnergy       float64 `json:"avg_energy"`
	AvgSpeakingRate float64 `json:"avg_speaking_rate"` // Words per second
	UtteranceCount  int     `json:"utterance_count"`
	LastSeenMs      uint64  `json:"last_seen_ms"`

	featureCount int
	rateCount    int
	lastUsed     uint64
}

// Utterance is a transcribed span waiting for a speaker
type Utterance struct {
	Text        string
	StartMs     uint64
	EndMs       uint64
	SpeakerID   string // Provider diarization id, if any
	SpeakerName string
	Features    *vad.Features
}

// Attribution is the speaker chosen for an utterance
type Attribution struct {
	SpeakerID   string  `json:"speaker_id"`
	SpeakerName string  `json:"speaker_name"`
	Confidence  float64 `json:"confidence"`
	Method      Method  `json:"method"`
	Created     bool    `json:"created"`
}

// Attributor assigns speakers to utterances and maintains the session roster
type Attributor struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	profiles []*Profile
	byID     map[string]*Profile
	clock    uint64 // Increments per attribution, orders profiles by recency
	current  *Profile
	lastEnd  uint64
	seen     bool

	mu sync.RWMutex
}

// NewAttributor creates an attributor with an empty roster
func NewAttributor(config Config, logger *slog.Logger, m *metrics.Metrics) (*Attributor, error) {
	if config.MatchThreshold <= 0 || config.MatchThreshold > 1 {
		return nil, fmt.Errorf("match threshold must be in (0, 1], got %f", config.MatchThreshold)
	}
	if config.PitchScaleHz <= 0 {
		return nil, fmt.Errorf("pitch scale must be positive, got %f", config.PitchScaleHz)
	}
	if config.MaxSpeakers <= 0 {
		return nil, fmt.Errorf("max speakers must be positive, got %d", config.MaxSpeakers)
	}
	if config.LowConfidence <= 0 {
		config.LowConfidence = 0.3
	}

	return &Attributor{
		config:  config,
		logger:  logger,
		metrics: m,
		byID:    make(map[string]*Profile),
	}, nil
}

// Attribute picks a speaker for the utterance. It always returns a concrete
// speaker.
func (a *Attributor) Attribute(u Utterance) Attribution {
	a.mu.Lock()
	defer a.mu.Unlock()

	attr, profile := a.resolve(u)
	a.observe(profile, u)

	a.metrics.RecordAttribution(string(attr.Method), attr.Created)
	a.logger.Debug("Utterance attributed",
		slog.String("speaker_id", attr.SpeakerID),
		slog.String("method", string(attr.Method)),
		slog.Float64("confidence", attr.Confidence),
		slog.Uint64("start_ms", u.StartMs),
	)

	return attr
}

func (a *Attributor) resolve(u Utterance) (Attribution, *Profile) {
	if u.SpeakerID != "" {
		if p, ok := a.byID[u.SpeakerID]; ok {
			return a.result(p, 1, MethodProvider, false), p
		}
		if !a.full() {
			p := a.create(u.SpeakerID, u.SpeakerName)
			return a.result(p, 1, MethodProvider, true), p
		}
	}

	if u.Features != nil {
		best, score := a.bestMatch(u.Features)
		if best != nil && score > a.config.MatchThreshold {
			return a.result(best, score, MethodAcoustic, false), best
		}
		if !a.full() {
			p := a.create("", "")
			return a.result(p, 1, MethodCreated, true), p
		}
		if best != nil {
			return a.result(best, score, MethodFallback, false), best
		}
		return a.fallback()
	}

	return a.byTiming(u)
}

// byTiming attributes an utterance with no acoustic features
func (a *Attributor) byTiming(u Utterance) (Attribution, *Profile) {
	if a.current == nil {
		if len(a.profiles) == 0 {
			p := a.create("", "")
			return a.result(p, a.config.LowConfidence, MethodCreated, true), p
		}
		return a.fallback()
	}

	gap := time.Duration(0)
	if a.seen && u.StartMs > a.lastEnd {
		gap = time.Duration(u.StartMs-a.lastEnd) * time.Millisecond
	}

	if gap <= a.config.SpeakerChangeGap {
		return a.result(a.current, 0.5, MethodContinue, false), a.current
	}

	if other := a.leastRecentOther(); other != nil {
		return a.result(other, 0.4, MethodGap, false), other
	}
	if !a.full() {
		p := a.create("", "")
		return a.result(p, 0.4, MethodGap, true), p
	}
	return a.result(a.current, a.config.LowConfidence, MethodFallback, false), a.current
}

// fallback returns the most recent speaker with low confidence
func (a *Attributor) fallback() (Attribution, *Profile) {
	p := a.current
	if p == nil {
		p = a.profiles[len(a.profiles)-1]
	}
	return a.result(p, a.config.LowConfidence, MethodFallback, false), p
}

func (a *Attributor) result(p *Profile, confidence float64, method Method, created bool) Attribution {
	return Attribution{
		SpeakerID:   p.ID,
		SpeakerName: p.DisplayName,
		Confidence:  confidence,
		Method:      method,
		Created:     created,
	}
}

// Score returns the similarity of features to a profile in (0, 1] as
// 1/(1 + |dpitch|/PitchScaleHz + |denergy|)
func (a *Attributor) Score(p *Profile, f *vad.Features) float64 {
	dPitch := math.Abs(p.AvgPitchHz-f.PitchHz) / a.config.PitchScaleHz
	dEnergy := math.Abs(p.AvgEnergy - f.Energy)
	return 1 / (1 + dPitch + dEnergy)
}

func (a *Attributor) bestMatch(f *vad.Features) (*Profile, float64) {
	var (
		best      *Profile
		bestScore float64
	)
	for _, p := range a.profiles {
		if p.featureCount == 0 {
			continue
		}
		if score := a.Score(p, f); score > bestScore {
			best, bestScore = p, score
		}
	}
	return best, bestScore
}

func (a *Attributor) leastRecentOther() *Profile {
	var lru *Profile
	for _, p := range a.profiles {
		if p == a.current {
			continue
		}
		if lru == nil || p.lastUsed < lru.lastUsed {
			lru = p
		}
	}
	return lru
}

func (a *Attributor) full() bool {
	return len(a.profiles) >= a.config.MaxSpeakers
}

func (a *Attributor) create(id, name string) *Profile {
	n := len(a.profiles) + 1
	if id == "" {
		for {
			id = fmt.Sprintf("speaker-%d", n)
			if _, taken := a.byID[id]; !taken {
				break
			}
			n++
		}
	}
	if name == "" {
		name = fmt.Sprintf("Speaker %d", n)
	}

	p := &Profile{
		ID:          id,
		DisplayName: name,
		Color:       palette[len(a.profiles)%len(palette)],
	}
	a.profiles = append(a.profiles, p)
	a.byID[id] = p

	a.logger.Info("Speaker profile created",
		slog.String("speaker_id", id),
		slog.String("name", name),
		slog.Int("roster_size", len(a.profiles)),
	)
	return p
}

// observe folds the utterance into the profile's running averages
func (a *Attributor) observe(p *Profile, u Utterance) {
	if f := u.Features; f != nil {
		n := float64(p.featureCount)
		p.AvgPitchHz = (p.AvgPitchHz*n + f.PitchHz) / (n + 1)
		p.AvgEnergy = (p.AvgEnergy*n + f.Energy) / (n + 1)
		p.featureCount++
	}

	if u.EndMs > u.StartMs {
		words := len(strings.Fields(u.Text))
		rate := float64(words) / (float64(u.EndMs-u.StartMs) / 1000)
		n := float64(p.rateCount)
		p.AvgSpeakingRate = (p.AvgSpeakingRate*n + rate) / (n + 1)
		p.rateCount++
	}

	p.UtteranceCount++
	p.LastSeenMs = u.EndMs
	a.clock++
	p.lastUsed = a.clock

	a.current = p
	a.lastEnd = u.EndMs
	a.seen = true
}

// Roster returns a snapshot of the profiles in creation order
func (a *Attributor) Roster() []Profile {
	a.mu.RLock()
	defer a.mu.RUnlock()

	roster := make([]Profile, len(a.profiles))
	for i, p := range a.profiles {
		roster[i] = *p
	}
	return roster
}

// Reset clears the roster for a new session
func (a *Attributor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.profiles = nil
	a.byID = make(map[string]*Profile)
	a.clock = 0
	a.current = nil
	a.lastEnd = 0
	a.seen = false
}
