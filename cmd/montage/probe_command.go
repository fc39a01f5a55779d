package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bobarin/montage/internal/timeline"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <path>",
		Short: "Show duration, container and streams of a media file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.ffmpeg()
			if err != nil {
				return err
			}
			info, err := svc.Probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Format:    %s\n", info.FormatName)
			fmt.Fprintf(out, "Duration:  %s (%.3fs)\n", timeline.FormatMinSec(info.DurationSeconds), info.DurationSeconds)
			fmt.Fprintf(out, "Size:      %d bytes\n", info.SizeBytes)
			fmt.Fprintf(out, "Bitrate:   %d b/s\n", info.BitRate)
			if info.HasVideo {
				fmt.Fprintf(out, "Video:     %s %dx%d\n", info.VideoCodec, info.Width, info.Height)
			}
			if info.HasAudio {
				fmt.Fprintf(out, "Audio:     %s\n", info.AudioCodec)
			}
			return nil
		},
	}
}

func newTimelineCommand() *cobra.Command {
	var images int
	var narration float64

	cmd := &cobra.Command{
		Use:   "timeline [hint...]",
		Short: "Resolve per-image durations the way an assemble job would",
		RunE: func(cmd *cobra.Command, args []string) error {
			if images < 1 {
				return fmt.Errorf("--images must be at least 1")
			}
			durations, fromHints := timeline.Resolve(args, images, narration)
			source := "even split"
			if fromHints {
				source = "hints"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v (%s, total %ds)\n", durations, source, timeline.Sum(durations))
			return nil
		},
	}

	cmd.Flags().IntVar(&images, "images", 1, "Number of images")
	cmd.Flags().Float64Var(&narration, "narration", 0, "Narration length in seconds")
	return cmd
}
