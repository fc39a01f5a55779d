package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bobarin/montage/internal/models"
	"github.com/bobarin/montage/internal/storage"
	"github.com/bobarin/montage/internal/worker"
)

// localFetcher copies local paths and downloads everything else.
type localFetcher struct {
	remote worker.Fetcher
}

func (f localFetcher) Fetch(ctx context.Context, rawURL, dest string) error {
	cleaned := storage.CleanURL(rawURL)
	if u, err := url.Parse(cleaned); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return f.remote.Fetch(ctx, cleaned, dest)
	}
	return copyLocal(cleaned, dest)
}

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errors.New("file is empty")
	}
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

func newAssembleCommand(ctx *commandContext) *cobra.Command {
	var (
		images     []string
		clips      []string
		durations  []string
		narration  string
		background string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Build a video from images or video clips and a narration track",
		Example: `  montage assemble --image a.png --image https://cdn.example.com/b.jpg \
    --narration voice.mp3 --duration 5 --duration 0:07 --out video.mp4
  montage assemble --clip intro.mp4 --clip loop.mov --narration voice.mp3 -d 6 -d 9`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job := &models.Job{
				ImageURLs:     images,
				VideoURLs:     clips,
				NarrationURL:  narration,
				BackgroundURL: background,
				DurationHints: durations,
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if n := len(job.Sources()); n > cfg.MaxImages {
				return fmt.Errorf("at most %d images or clips are allowed, got %d", cfg.MaxImages, n)
			}

			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			svc, err := ctx.ffmpeg()
			if err != nil {
				return err
			}
			workspace, err := storage.NewWorkspace(cfg.TempRoot)
			if err != nil {
				return err
			}

			w := worker.New(
				localFetcher{remote: storage.NewFetcher(cfg.FetchMaxRetries)},
				svc,
				workspace,
				worker.Options{MaxParallel: cfg.MaxParallelSegments, CleanupGrace: cfg.CleanupGrace},
			)

			result, err := w.Run(cmd.Context(), job)
			if err != nil {
				return err
			}
			defer result.Release()

			if err := copyLocal(result.Path, output); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%ds, %d segments, %d bytes)\n",
				output, result.DurationSeconds, len(result.Durations), result.SizeBytes)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&images, "image", "i", nil, "Image path or URL, in timeline order (repeatable)")
	cmd.Flags().StringArrayVarP(&clips, "clip", "c", nil, "Video clip path or URL, ping-pong looped to its duration (repeatable)")
	cmd.Flags().StringVarP(&narration, "narration", "n", "", "Narration audio path or URL")
	cmd.Flags().StringVarP(&background, "background", "b", "", "Optional background audio path or URL")
	cmd.Flags().StringArrayVarP(&durations, "duration", "d", nil, "Per-image or per-clip duration hint (repeatable; seconds, M:SS or H:MM:SS)")
	cmd.Flags().StringVarP(&output, "out", "o", "video.mp4", "Output file")
	_ = cmd.MarkFlagRequired("narration")
	cmd.MarkFlagsOneRequired("image", "clip")
	cmd.MarkFlagsMutuallyExclusive("image", "clip")

	return cmd
}
