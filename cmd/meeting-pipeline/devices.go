package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-audio-pipeline/internal/microphone"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

			source, err := microphone.NewSource(logger)
			if err != nil {
				return err
			}
			defer source.Close()

			devices, err := source.Devices()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCHANNELS\tRATE\tDEFAULT")
			for _, d := range devices {
				def := ""
				if d.Default {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%.0f\t%s\n", d.ID, d.Name, d.MaxInputChannels, d.DefaultSampleRate, def)
			}
			return w.Flush()
		},
	}
}
