package main

import (
	"testing"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/config"
	"github.com/skypro1111/meeting-audio-pipeline/internal/notes"
)

func TestBuildSessionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Notes.Types = []string{"decision", "action-item"}

	sc, err := buildSessionConfig(&cfg)
	if err != nil {
		t.Fatalf("buildSessionConfig failed: %v", err)
	}

	if sc.Dispatch.Window != 30*time.Second {
		t.Errorf("Expected 30s window, got %v", sc.Dispatch.Window)
	}
	if !sc.Dispatch.Capabilities.SupportsDiarization {
		t.Error("Expected diarization for the revai provider")
	}
	if len(sc.Notes.Types) != 2 || sc.Notes.Types[0] != notes.Decision {
		t.Errorf("Unexpected note types %v", sc.Notes.Types)
	}
	if sc.Attribution.SpeakerChangeGap != 2*time.Second {
		t.Errorf("Expected 2s speaker change gap, got %v", sc.Attribution.SpeakerChangeGap)
	}
	if sc.StopGracePeriod != 10*time.Second {
		t.Errorf("Expected 10s grace period, got %v", sc.StopGracePeriod)
	}
}

func TestBuildSessionConfigCapabilityOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Speech.Provider = "generic"
	cfg.Speech.Capabilities = &config.Capabilities{SupportsDiarization: true, MaxAudioSeconds: 20}

	sc, err := buildSessionConfig(&cfg)
	if err != nil {
		t.Fatalf("buildSessionConfig failed: %v", err)
	}
	if !sc.Dispatch.Capabilities.SupportsDiarization || sc.Dispatch.Capabilities.MaxAudioSeconds != 20 {
		t.Errorf("Override not applied: %+v", sc.Dispatch.Capabilities)
	}
}

func TestBuildSessionConfigUnknownNoteType(t *testing.T) {
	cfg := config.Default()
	cfg.Notes.Types = []string{"gossip"}

	if _, err := buildSessionConfig(&cfg); err == nil {
		t.Error("Expected error for unknown note type")
	}
}

func TestFormatOffset(t *testing.T) {
	tests := []struct {
		ms   uint64
		want string
	}{
		{0, "00:00"},
		{59_999, "00:59"},
		{61_000, "01:01"},
		{3_600_000, "60:00"},
	}

	for _, tt := range tests {
		if got := formatOffset(tt.ms); got != tt.want {
			t.Errorf("formatOffset(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"serve", "record", "devices"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Expected subcommand %q, got %v (%v)", name, cmd, err)
		}
	}

	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("Missing --config flag")
	}
}
