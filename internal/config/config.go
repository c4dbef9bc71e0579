package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file
const (
	EnvSpeechAPIKey = "SPEECH_API_KEY"
	EnvAIAPIKey     = "AI_API_KEY"
)

// Config represents the complete service configuration
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Capture     CaptureConfig     `yaml:"capture"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Speech      SpeechConfig      `yaml:"speech"`
	Attribution AttributionConfig `yaml:"attribution"`
	Notes       NotesConfig       `yaml:"notes"`
	AI          AIConfig          `yaml:"ai"`
	Session     SessionConfig     `yaml:"session"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// CaptureConfig contains microphone capture parameters
type CaptureConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	FramesPerBuffer int `yaml:"frames_per_buffer"`
	MeterInterval   int `yaml:"meter_interval_ms"`
	MeterWindow     int `yaml:"meter_window"` // samples
}

// DispatchConfig contains windowing and polling parameters
type DispatchConfig struct {
	Window           float64 `yaml:"window"` // seconds
	SilenceThreshold float32 `yaml:"silence_threshold"`
	MinDuration      float64 `yaml:"min_duration"`  // seconds
	PollInterval     float64 `yaml:"poll_interval"` // seconds
	MaxPollAttempts  int     `yaml:"max_poll_attempts"`
	QueueSize        int     `yaml:"queue_size"`
	Language         string  `yaml:"language"`
	SpeakersCount    int     `yaml:"speakers_count"`
	DiarizationType  string  `yaml:"diarization_type"`
}

// SpeechConfig contains the speech-to-text provider configuration
type SpeechConfig struct {
	Provider      string        `yaml:"provider"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       int           `yaml:"timeout"` // seconds
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  float64       `yaml:"retry_backoff"` // seconds
	MaxConcurrent int           `yaml:"max_concurrent"`
	Capabilities  *Capabilities `yaml:"capabilities"` // Overrides the provider defaults
}

// Capabilities mirrors the provider capability flags
type Capabilities struct {
	SupportsDiarization bool `yaml:"supports_diarization"`
	MaxAudioSeconds     int  `yaml:"max_audio_seconds"`
}

// AttributionConfig contains speaker attribution thresholds
type AttributionConfig struct {
	MatchThreshold   float64 `yaml:"match_threshold"`
	PitchScaleHz     float64 `yaml:"pitch_scale_hz"`
	SpeakerChangeGap int     `yaml:"speaker_change_gap_ms"`
	MaxSpeakers      int     `yaml:"max_speakers"`
	LowConfidence    float64 `yaml:"low_confidence"`
}

// NotesConfig contains note generation scheduling
type NotesConfig struct {
	Interval int      `yaml:"interval"` // seconds
	MinWords int      `yaml:"min_words"`
	Types    []string `yaml:"types"`
}

// AIConfig contains the chat completion provider configuration
type AIConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	Timeout     int     `yaml:"timeout"` // seconds
}

// SessionConfig contains session lifecycle parameters
type SessionConfig struct {
	IdleTimeout     int     `yaml:"idle_timeout"`     // seconds
	CleanupInterval int     `yaml:"cleanup_interval"` // seconds
	MaxSessions     int     `yaml:"max_sessions"`
	StopGracePeriod float64 `yaml:"stop_grace_period"` // seconds
	ChunkBuffer     int     `yaml:"chunk_buffer"`
	ResultBuffer    int     `yaml:"result_buffer"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a runnable baseline. Only the API keys are missing.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Capture: CaptureConfig{
			SampleRate:      16000,
			FramesPerBuffer: 1600,
			MeterInterval:   100,
			MeterWindow:     1024,
		},
		Dispatch: DispatchConfig{
			Window:           30,
			SilenceThreshold: 0.01,
			MinDuration:      0.5,
			PollInterval:     2,
			MaxPollAttempts:  90,
			QueueSize:        4,
			Language:         "en",
		},
		Speech: SpeechConfig{
			Provider:      "revai",
			BaseURL:       "https://api.rev.ai/speechtotext/v1",
			Timeout:       30,
			MaxRetries:    3,
			RetryBackoff:  1,
			MaxConcurrent: 4,
		},
		Attribution: AttributionConfig{
			MatchThreshold:   0.6,
			PitchScaleHz:     100,
			SpeakerChangeGap: 2000,
			MaxSpeakers:      8,
			LowConfidence:    0.3,
		},
		Notes: NotesConfig{
			Interval: 30,
			MinWords: 50,
			Types:    []string{"key-point", "action-item", "decision", "question", "follow-up"},
		},
		AI: AIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   1000,
			Temperature: 0.3,
			Timeout:     60,
		},
		Session: SessionConfig{
			IdleTimeout:     3600,
			CleanupInterval: 30,
			MaxSessions:     4,
			StopGracePeriod: 10,
			ChunkBuffer:     600,
			ResultBuffer:    64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults, applies secrets from
// the environment (and a .env file in the working directory, if present)
// and validates the result.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadDotEnv loads variables from a dotenv file without overriding the
// environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides the API keys from the environment
func (c *Config) ApplyEnv() {
	if key := os.Getenv(EnvSpeechAPIKey); key != "" {
		c.Speech.APIKey = key
	}
	if key := os.Getenv(EnvAIAPIKey); key != "" {
		c.AI.APIKey = key
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch config: %w", err)
	}

	if err := c.Speech.Validate(); err != nil {
		return fmt.Errorf("speech config: %w", err)
	}

	if err := c.Attribution.Validate(); err != nil {
		return fmt.Errorf("attribution config: %w", err)
	}

	if err := c.Notes.Validate(); err != nil {
		return fmt.Errorf("notes config: %w", err)
	}

	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("ai config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", c.SampleRate)
	}

	if c.FramesPerBuffer < 160 || c.FramesPerBuffer > 16000 {
		return fmt.Errorf("frames_per_buffer must be between 160 and 16000, got %d", c.FramesPerBuffer)
	}

	if c.MeterInterval < 10 {
		return fmt.Errorf("meter_interval_ms must be at least 10, got %d", c.MeterInterval)
	}

	if c.MeterWindow < 256 || c.MeterWindow > 16000 {
		return fmt.Errorf("meter_window must be between 256 and 16000 samples, got %d", c.MeterWindow)
	}

	return nil
}

// Validate validates dispatch configuration
func (d *DispatchConfig) Validate() error {
	if d.Window < 1 {
		return fmt.Errorf("window must be at least 1 second, got %f", d.Window)
	}

	if d.SilenceThreshold < 0 || d.SilenceThreshold > 1 {
		return fmt.Errorf("silence_threshold must be between 0 and 1, got %f", d.SilenceThreshold)
	}

	if d.MinDuration < 0 || d.MinDuration >= d.Window {
		return fmt.Errorf("min_duration (%f) must be non-negative and shorter than window (%f)", d.MinDuration, d.Window)
	}

	if d.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %f", d.PollInterval)
	}

	if d.MaxPollAttempts < 1 {
		return fmt.Errorf("max_poll_attempts must be at least 1, got %d", d.MaxPollAttempts)
	}

	if d.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", d.QueueSize)
	}

	if d.SpeakersCount < 0 {
		return fmt.Errorf("speakers_count cannot be negative, got %d", d.SpeakersCount)
	}

	return nil
}

// Validate validates speech provider configuration
func (s *SpeechConfig) Validate() error {
	validProviders := map[string]bool{"revai": true, "generic": true}
	if !validProviders[s.Provider] {
		return fmt.Errorf("provider must be 'revai' or 'generic', got '%s'", s.Provider)
	}

	if s.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	if s.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the file or %s)", EnvSpeechAPIKey)
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
	}

	if s.RetryBackoff <= 0 {
		return fmt.Errorf("retry_backoff must be positive, got %f", s.RetryBackoff)
	}

	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	if s.Capabilities != nil && s.Capabilities.MaxAudioSeconds < 0 {
		return fmt.Errorf("capabilities.max_audio_seconds cannot be negative, got %d", s.Capabilities.MaxAudioSeconds)
	}

	return nil
}

// Validate validates attribution configuration
func (a *AttributionConfig) Validate() error {
	if a.MatchThreshold <= 0 || a.MatchThreshold > 1 {
		return fmt.Errorf("match_threshold must be in (0, 1], got %f", a.MatchThreshold)
	}

	if a.PitchScaleHz <= 0 {
		return fmt.Errorf("pitch_scale_hz must be positive, got %f", a.PitchScaleHz)
	}

	if a.SpeakerChangeGap < 0 {
		return fmt.Errorf("speaker_change_gap_ms cannot be negative, got %d", a.SpeakerChangeGap)
	}

	if a.MaxSpeakers < 1 {
		return fmt.Errorf("max_speakers must be at least 1, got %d", a.MaxSpeakers)
	}

	if a.LowConfidence < 0 || a.LowConfidence > 1 {
		return fmt.Errorf("low_confidence must be between 0 and 1, got %f", a.LowConfidence)
	}

	return nil
}

// Validate validates note generation configuration
func (n *NotesConfig) Validate() error {
	if n.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", n.Interval)
	}

	if n.MinWords < 0 {
		return fmt.Errorf("min_words cannot be negative, got %d", n.MinWords)
	}

	validTypes := map[string]bool{
		"key-point": true, "action-item": true, "decision": true, "question": true, "follow-up": true,
	}
	for _, t := range n.Types {
		if !validTypes[t] {
			return fmt.Errorf("unknown note type '%s'", t)
		}
	}

	return nil
}

// Validate validates AI provider configuration
func (a *AIConfig) Validate() error {
	if a.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the file or %s)", EnvAIAPIKey)
	}

	if a.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if a.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", a.MaxTokens)
	}

	if a.Temperature < 0 || a.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", a.Temperature)
	}

	if a.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", a.Timeout)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}

	if s.StopGracePeriod <= 0 {
		return fmt.Errorf("stop_grace_period must be positive, got %f", s.StopGracePeriod)
	}

	if s.ChunkBuffer < 1 || s.ResultBuffer < 1 {
		return fmt.Errorf("chunk_buffer and result_buffer must be at least 1, got %d and %d", s.ChunkBuffer, s.ResultBuffer)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Any other output value is treated as a file path
	return nil
}

// GetMeterInterval returns the volume meter interval as a time.Duration
func (c *CaptureConfig) GetMeterInterval() time.Duration {
	return time.Duration(c.MeterInterval) * time.Millisecond
}

// GetWindowDuration returns the dispatch window as a time.Duration
func (d *DispatchConfig) GetWindowDuration() time.Duration {
	return time.Duration(d.Window * float64(time.Second))
}

// GetMinDuration returns the minimum window duration as a time.Duration
func (d *DispatchConfig) GetMinDuration() time.Duration {
	return time.Duration(d.MinDuration * float64(time.Second))
}

// GetPollInterval returns the job polling interval as a time.Duration
func (d *DispatchConfig) GetPollInterval() time.Duration {
	return time.Duration(d.PollInterval * float64(time.Second))
}

// GetTimeoutDuration returns the speech request timeout as a time.Duration
func (s *SpeechConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetRetryBackoff returns the first retry backoff step as a time.Duration
func (s *SpeechConfig) GetRetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoff * float64(time.Second))
}

// GetSpeakerChangeGap returns the speaker change gap as a time.Duration
func (a *AttributionConfig) GetSpeakerChangeGap() time.Duration {
	return time.Duration(a.SpeakerChangeGap) * time.Millisecond
}

// GetIntervalDuration returns the note generation interval as a time.Duration
func (n *NotesConfig) GetIntervalDuration() time.Duration {
	return time.Duration(n.Interval) * time.Second
}

// GetTimeoutDuration returns the AI request timeout as a time.Duration
func (a *AIConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupInterval returns the cleanup interval as a time.Duration
func (s *SessionConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetStopGracePeriod returns the stop grace period as a time.Duration
func (s *SessionConfig) GetStopGracePeriod() time.Duration {
	return time.Duration(s.StopGracePeriod * float64(time.Second))
}
