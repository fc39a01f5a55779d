package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Concatenate joins segments in the given order without re-encoding. The list
// file lives next to the output so concurrent jobs never share it. A single
// segment is copied as-is.
func (s *FFmpegService) Concatenate(ctx context.Context, segmentPaths []string, outputPath string) error {
	if len(segmentPaths) == 0 {
		return &AssemblyError{Cause: CauseMissingSegment, Err: errors.New("no segments to concatenate")}
	}
	for _, p := range segmentPaths {
		if _, err := os.Stat(p); err != nil {
			return &AssemblyError{Cause: CauseMissingSegment, Err: err}
		}
	}

	log.Info().Int("segments", len(segmentPaths)).Str("output", outputPath).Msg("[FFmpeg] Concatenating segments")

	if len(segmentPaths) == 1 {
		if err := copyFile(segmentPaths[0], outputPath); err != nil {
			return &AssemblyError{Cause: CauseConcatFailed, Err: err}
		}
		return nil
	}

	listPath := filepath.Join(filepath.Dir(outputPath), "concat_list.txt")
	if err := writeConcatList(listPath, segmentPaths); err != nil {
		return &AssemblyError{Cause: CauseConcatFailed, Err: err}
	}
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy", // Copy without re-encoding
		outputPath,
	}
	if err := s.ffmpeg(ctx, args...); err != nil {
		_ = os.Remove(outputPath)
		return &AssemblyError{Cause: CauseConcatFailed, Err: err}
	}
	return nil
}

// MuxRequest describes the final audio/video combination.
type MuxRequest struct {
	VideoPath        string
	AudioPath        string // Narration
	OutputPath       string
	BackgroundPath   string  // Optional; mixed under the narration when set
	NarrationSeconds float64 // Mix length; probed from AudioPath when zero
}

// MuxAudio copies the video stream and encodes the narration (or the
// narration/background mix) onto it. The whole step, including mixing, runs
// under the mux timeout. Output length is the shorter of the two streams.
func (s *FFmpegService) MuxAudio(ctx context.Context, req MuxRequest) error {
	muxCtx, cancel := context.WithTimeout(ctx, s.muxTimeout)
	defer cancel()

	audioPath := req.AudioPath
	if strings.TrimSpace(req.BackgroundPath) != "" {
		target := req.NarrationSeconds
		if target <= 0 {
			info, err := s.ProbeAudio(muxCtx, req.AudioPath)
			if err != nil {
				return &MixError{Cause: CauseInvalidInput, Err: err}
			}
			target = info.DurationSeconds
		}

		mixed := filepath.Join(filepath.Dir(req.OutputPath), "mixed_audio.m4a")
		defer os.Remove(mixed)

		err := s.Mix(muxCtx, MixRequest{
			PrimaryPath:   req.AudioPath,
			SecondaryPath: req.BackgroundPath,
			OutputPath:    mixed,
			TargetSeconds: target,
		})
		if err != nil {
			if timedOut(muxCtx) && ctx.Err() == nil {
				return &AssemblyError{Cause: CauseTimeout, Err: err}
			}
			return err
		}
		audioPath = mixed
	}

	log.Info().
		Str("video", req.VideoPath).
		Str("audio", audioPath).
		Bool("background", audioPath != req.AudioPath).
		Msg("[FFmpeg] Muxing final video")

	args := []string{
		"-i", req.VideoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy", // Segments are already encoded
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-shortest",
		"-movflags", "+faststart",
		req.OutputPath,
	}
	if err := s.ffmpeg(muxCtx, args...); err != nil {
		_ = os.Remove(req.OutputPath)
		if timedOut(muxCtx) && ctx.Err() == nil {
			return &AssemblyError{Cause: CauseTimeout, Err: err}
		}
		return &AssemblyError{Cause: CauseMuxFailed, Err: err}
	}
	return nil
}

// writeConcatList writes an ffmpeg concat demuxer list. Single quotes in paths
// are escaped as '\''.
func writeConcatList(listPath string, paths []string) error {
	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	return nil
}
