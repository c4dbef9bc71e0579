package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns the defaults with both API keys set
func validConfig() Config {
	cfg := Default()
	cfg.Speech.APIKey = "speech-key"
	cfg.AI.APIKey = "ai-key"
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid http port",
			mutate:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name:   "http disabled ignores port",
			mutate: func(c *Config) { c.HTTP.Enabled = false; c.HTTP.Port = 0 },
		},
		{
			name:        "wrong sample rate",
			mutate:      func(c *Config) { c.Capture.SampleRate = 8000 },
			expectError: true,
			errorMsg:    "sample_rate must be 16000",
		},
		{
			name:        "min duration longer than window",
			mutate:      func(c *Config) { c.Dispatch.MinDuration = 40 },
			expectError: true,
			errorMsg:    "min_duration",
		},
		{
			name:        "silence threshold out of range",
			mutate:      func(c *Config) { c.Dispatch.SilenceThreshold = 1.5 },
			expectError: true,
			errorMsg:    "silence_threshold must be between 0 and 1",
		},
		{
			name:        "unknown provider",
			mutate:      func(c *Config) { c.Speech.Provider = "whisper" },
			expectError: true,
			errorMsg:    "provider must be",
		},
		{
			name:        "missing speech key",
			mutate:      func(c *Config) { c.Speech.APIKey = "" },
			expectError: true,
			errorMsg:    EnvSpeechAPIKey,
		},
		{
			name:        "match threshold out of range",
			mutate:      func(c *Config) { c.Attribution.MatchThreshold = 0 },
			expectError: true,
			errorMsg:    "match_threshold",
		},
		{
			name:        "unknown note type",
			mutate:      func(c *Config) { c.Notes.Types = []string{"key-point", "todo"} },
			expectError: true,
			errorMsg:    "unknown note type 'todo'",
		},
		{
			name:        "missing AI key",
			mutate:      func(c *Config) { c.AI.APIKey = "" },
			expectError: true,
			errorMsg:    EnvAIAPIKey,
		},
		{
			name:        "zero grace period",
			mutate:      func(c *Config) { c.Session.StopGracePeriod = 0 },
			expectError: true,
			errorMsg:    "stop_grace_period",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
http:
  port: 9090
  address: "0.0.0.0"
  enabled: true
dispatch:
  window: 20
  poll_interval: 1.5
speech:
  provider: generic
  base_url: "https://stt.example.com/v1"
  api_key: "file-key"
  capabilities:
    supports_diarization: false
    max_audio_seconds: 600
ai:
  api_key: "ai-key"
  model: "gpt-4o"
logging:
  level: debug
  format: json
`,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
http:
  port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing keys",
			configYAML: `
http:
  port: 9090
`,
			expectError: true,
			errorMsg:    "api_key cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvSpeechAPIKey, "")
			t.Setenv(EnvAIAPIKey, "")

			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}

			// Unset fields keep their defaults
			if config.HTTP.Port != 9090 || config.Capture.SampleRate != 16000 {
				t.Errorf("Unexpected merge result: port %d, sample rate %d", config.HTTP.Port, config.Capture.SampleRate)
			}
			if config.Speech.Capabilities == nil || config.Speech.Capabilities.MaxAudioSeconds != 600 {
				t.Errorf("Expected capability override, got %+v", config.Speech.Capabilities)
			}
			if config.Dispatch.GetPollInterval() != 1500*time.Millisecond {
				t.Errorf("Expected 1.5s poll interval, got %v", config.Dispatch.GetPollInterval())
			}
		})
	}
}

func TestConfigLoadEnvOverrides(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("speech:\n  api_key: file-key\n"), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	t.Setenv(EnvSpeechAPIKey, "env-speech")
	t.Setenv(EnvAIAPIKey, "env-ai")

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Speech.APIKey != "env-speech" || config.AI.APIKey != "env-ai" {
		t.Errorf("Expected environment keys, got %q and %q", config.Speech.APIKey, config.AI.APIKey)
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Missing dotenv file should be ignored, got %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("AI_API_KEY=from-dotenv\n"), 0644); err != nil {
		t.Fatalf("Failed to write dotenv file: %v", err)
	}

	t.Setenv(EnvAIAPIKey, "")
	os.Unsetenv(EnvAIAPIKey)

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv(EnvAIAPIKey); got != "from-dotenv" {
		t.Errorf("Expected key from dotenv file, got %q", got)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}

	if !contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if cfg.Dispatch.GetWindowDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", cfg.Dispatch.GetWindowDuration())
	}

	if cfg.Dispatch.GetMinDuration() != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", cfg.Dispatch.GetMinDuration())
	}

	if cfg.Attribution.GetSpeakerChangeGap() != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", cfg.Attribution.GetSpeakerChangeGap())
	}

	if cfg.Capture.GetMeterInterval() != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", cfg.Capture.GetMeterInterval())
	}

	if cfg.Session.GetStopGracePeriod() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", cfg.Session.GetStopGracePeriod())
	}

	if cfg.Notes.GetIntervalDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", cfg.Notes.GetIntervalDuration())
	}
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
