package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-audio-pipeline/internal/capture"
	"github.com/skypro1111/meeting-audio-pipeline/internal/config"
	"github.com/skypro1111/meeting-audio-pipeline/internal/llm"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/microphone"
	"github.com/skypro1111/meeting-audio-pipeline/internal/notes"
	"github.com/skypro1111/meeting-audio-pipeline/internal/session"
	"github.com/skypro1111/meeting-audio-pipeline/internal/speaker"
	"github.com/skypro1111/meeting-audio-pipeline/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "meeting-audio-pipeline"
	serviceVersion    = "1.0.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "meeting-pipeline",
		Short:        "Capture, transcribe and take notes on meetings",
		Long:         "Records a microphone, sends windows of audio to a speech-to-text job API, attributes speakers and extracts meeting notes with an AI model.",
		Version:      serviceVersion,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newRecordCmd(&configPath))
	rootCmd.AddCommand(newDevicesCmd())

	return rootCmd
}

// app is everything a command needs after configuration is loaded
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	source  *microphone.Source
	speech  *transcription.Client
	ai      *llm.Client
	session session.Config
}

// bootstrap loads the configuration and builds the shared collaborators
func bootstrap(configPath string, m *metrics.Metrics) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Float64("window", cfg.Dispatch.Window),
		slog.String("speech_provider", cfg.Speech.Provider),
		slog.String("speech_base_url", cfg.Speech.BaseURL),
		slog.String("ai_model", cfg.AI.Model),
		slog.Int("notes_interval", cfg.Notes.Interval),
		slog.String("log_level", cfg.Logging.Level),
	)

	speech, err := transcription.NewClient(transcription.Config{
		BaseURL:       cfg.Speech.BaseURL,
		APIKey:        cfg.Speech.APIKey,
		Provider:      transcription.Provider(cfg.Speech.Provider),
		Timeout:       cfg.Speech.GetTimeoutDuration(),
		MaxRetries:    cfg.Speech.MaxRetries,
		RetryBackoff:  cfg.Speech.GetRetryBackoff(),
		MaxConcurrent: cfg.Speech.MaxConcurrent,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	ai, err := llm.NewClient(llm.Config{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.GetTimeoutDuration(),
	}, logger, m)
	if err != nil {
		speech.Close()
		return nil, fmt.Errorf("failed to create AI client: %w", err)
	}

	sessionConfig, err := buildSessionConfig(cfg)
	if err != nil {
		speech.Close()
		return nil, err
	}

	source, err := microphone.NewSource(logger)
	if err != nil {
		speech.Close()
		return nil, fmt.Errorf("failed to open audio system: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		source:  source,
		speech:  speech,
		ai:      ai,
		session: sessionConfig,
	}, nil
}

func (r *app) deps() session.Deps {
	return session.Deps{Source: r.source, Speech: r.speech, AI: r.ai}
}

func (r *app) close() {
	if err := r.speech.Close(); err != nil {
		r.logger.Warn("Error closing speech client", slog.String("error", err.Error()))
	}
	if err := r.source.Close(); err != nil {
		r.logger.Warn("Error closing audio system", slog.String("error", err.Error()))
	}
}

// buildSessionConfig maps the file configuration onto the pipeline stages
func buildSessionConfig(cfg *config.Config) (session.Config, error) {
	caps, err := transcription.Provider(cfg.Speech.Provider).DefaultCapabilities()
	if err != nil {
		return session.Config{}, err
	}
	if cfg.Speech.Capabilities != nil {
		caps = transcription.Capabilities{
			SupportsDiarization: cfg.Speech.Capabilities.SupportsDiarization,
			MaxAudioSeconds:     cfg.Speech.Capabilities.MaxAudioSeconds,
		}
	}

	types := make([]notes.NoteType, 0, len(cfg.Notes.Types))
	for _, name := range cfg.Notes.Types {
		t, err := notes.ParseNoteType(name)
		if err != nil {
			return session.Config{}, err
		}
		types = append(types, t)
	}

	return session.Config{
		Capture: capture.Config{
			SampleRate:      cfg.Capture.SampleRate,
			FramesPerBuffer: cfg.Capture.FramesPerBuffer,
			MeterInterval:   cfg.Capture.GetMeterInterval(),
			MeterWindow:     cfg.Capture.MeterWindow,
		},
		Dispatch: transcription.DispatcherConfig{
			SampleRate:       cfg.Capture.SampleRate,
			Window:           cfg.Dispatch.GetWindowDuration(),
			SilenceThreshold: cfg.Dispatch.SilenceThreshold,
			MinDuration:      cfg.Dispatch.GetMinDuration(),
			PollInterval:     cfg.Dispatch.GetPollInterval(),
			MaxPollAttempts:  cfg.Dispatch.MaxPollAttempts,
			QueueSize:        cfg.Dispatch.QueueSize,
			Language:         cfg.Dispatch.Language,
			SpeakersCount:    cfg.Dispatch.SpeakersCount,
			DiarizationType:  cfg.Dispatch.DiarizationType,
			Capabilities:     caps,
		},
		Attribution: speaker.Config{
			MatchThreshold:   cfg.Attribution.MatchThreshold,
			PitchScaleHz:     cfg.Attribution.PitchScaleHz,
			SpeakerChangeGap: cfg.Attribution.GetSpeakerChangeGap(),
			MaxSpeakers:      cfg.Attribution.MaxSpeakers,
			LowConfidence:    cfg.Attribution.LowConfidence,
		},
		Notes: notes.Config{
			Interval:    cfg.Notes.GetIntervalDuration(),
			MinWords:    cfg.Notes.MinWords,
			Types:       types,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
		},
		ChunkBuffer:     cfg.Session.ChunkBuffer,
		ResultBuffer:    cfg.Session.ResultBuffer,
		StopGracePeriod: cfg.Session.GetStopGracePeriod(),
	}, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}

// shutdownTimeout bounds the graceful stop of servers and sessions
const shutdownTimeout = 30 * time.Second
