package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-audio-pipeline/internal/capture"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
	"github.com/skypro1111/meeting-audio-pipeline/internal/notes"
	"github.com/skypro1111/meeting-audio-pipeline/internal/session"
)

type recordOptions struct {
	device   string
	outDir   string
	duration time.Duration
	summary  bool
}

func newRecordCmd(configPath *string) *cobra.Command {
	var opts recordOptions

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a meeting in the foreground",
		Long:  "Records from the microphone until Ctrl+C (or --duration), printing transcript lines and notes as they arrive.\nThe recording, transcript, notes and summary are written to the output directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), *configPath, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.device, "device", "d", "", "Input device id (see 'devices'); default input when empty")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "Output directory (default meetings/<timestamp>)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Stop automatically after this long")
	cmd.Flags().BoolVar(&opts.summary, "summary", true, "Generate a meeting summary after stopping")

	return cmd
}

func runRecord(ctx context.Context, configPath string, opts recordOptions) error {
	a, err := bootstrap(configPath, metrics.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	if opts.outDir == "" {
		opts.outDir = filepath.Join("meetings", time.Now().Format("2006-01-02_15-04-05"))
	}
	if err := os.MkdirAll(opts.outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	s, err := session.New(a.session, a.deps(), logger, a.metrics)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer s.Close(context.Background())

	events, unsubscribe := s.Subscribe(256)
	defer unsubscribe()
	ended := make(chan struct{})
	go printEvents(events, ended)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx, opts.device); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Recording to %s (Ctrl+C to stop)\n", opts.outDir)

	var timeout <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	case <-ended:
		logger.Warn("Recording ended on its own", slog.String("error", s.GetSessionInfo().LastError))
	}

	fmt.Fprintln(os.Stdout, "Stopping, waiting for the last transcription window...")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	wav, err := s.Stop(stopCtx)
	if errors.Is(err, capture.ErrNotRecording) {
		wav, err = s.Archive(), nil
	}
	if err != nil {
		logger.Error("Stop returned error", slog.String("error", err.Error()))
	}

	return writeMeeting(stopCtx, s, opts, wav, logger)
}

// printEvents writes transcript lines and notes to stdout. ended is closed
// when the session reports it has stopped.
func printEvents(events <-chan session.Event, ended chan<- struct{}) {
	closed := false
	for ev := range events {
		switch ev.Type {
		case session.EventTranscript:
			if ev.Entry != nil {
				fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", formatOffset(ev.Entry.StartMs), ev.Entry.SpeakerName, ev.Entry.Text)
			}
		case session.EventNote:
			if ev.Note != nil {
				fmt.Fprintf(os.Stdout, "  * %s: %s\n", ev.Note.Type, ev.Note.Content)
			}
		case session.EventError:
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Error)
		case session.EventState:
			if ev.Status == session.StatusStopped && !closed {
				close(ended)
				closed = true
			}
		}
	}
}

func formatOffset(ms uint64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%02d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

// writeMeeting stores the recording and its derived documents in opts.outDir
func writeMeeting(ctx context.Context, s *session.Session, opts recordOptions, wav []byte, logger *slog.Logger) error {
	if len(wav) > 0 {
		if err := os.WriteFile(filepath.Join(opts.outDir, "recording.wav"), wav, 0644); err != nil {
			return fmt.Errorf("failed to write recording: %w", err)
		}
	}

	if err := writeJSON(filepath.Join(opts.outDir, "transcript.json"), s.Transcript()); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(opts.outDir, "speakers.json"), s.Roster()); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(opts.outDir, "notes.json"), s.Notes()); err != nil {
		return err
	}

	if opts.summary {
		summary, err := s.Summarize(ctx)
		switch {
		case errors.Is(err, notes.ErrEmptyTranscript):
			logger.Info("Nothing was transcribed, skipping summary")
		case err != nil:
			logger.Warn("Summary generation failed", slog.String("error", err.Error()))
		default:
			if err := writeJSON(filepath.Join(opts.outDir, "summary.json"), summary); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "\n%s\n", summary.ExecutiveSummary)
		}
	}

	fmt.Fprintf(os.Stdout, "Meeting saved to %s\n", opts.outDir)
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
