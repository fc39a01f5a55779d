package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Fit strategies reported by FitDuration
const (
	FitCopy     = "copy"
	FitTrim     = "trim"
	FitLoop     = "loop"
	FitPingPong = "pingpong"
)

// formatSeconds renders a duration for -t with millisecond precision.
func formatSeconds(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 3, 64)
}

// Trim keeps the first targetSeconds of input. When output == input the
// result is written to a hidden sibling and renamed over the original, so an
// interrupted trim never leaves a half-written file at the final path.
func (s *FFmpegService) Trim(ctx context.Context, input, output string, targetSeconds float64) error {
	if targetSeconds <= 0 {
		return fmt.Errorf("trim %s: target must be positive, got %v", input, targetSeconds)
	}

	dest := output
	inPlace := filepath.Clean(input) == filepath.Clean(output)
	if inPlace {
		dest = siblingFile(output, "trim", filepath.Ext(output))
	}

	args := []string{
		"-i", input,
		"-t", formatSeconds(targetSeconds),
		dest,
	}
	if err := s.ffmpeg(ctx, args...); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("ffmpeg trim failed: %w", err)
	}

	if inPlace {
		if err := os.Rename(dest, output); err != nil {
			_ = os.Remove(dest)
			return fmt.Errorf("replace %s after trim: %w", output, err)
		}
	}
	return nil
}

// siblingFile names a hidden file next to path, e.g. ".narration.trim.mp3".
// The extension decides which muxer ffmpeg picks.
func siblingFile(path, tag, ext string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return filepath.Join(filepath.Dir(path), "."+base+"."+tag+ext)
}

// LoopCount is how many forward repetitions of a clip cover target seconds.
func LoopCount(targetSeconds, clipSeconds float64) int {
	if clipSeconds <= 0 || targetSeconds <= 0 {
		return 1
	}
	n := int(math.Ceil(targetSeconds / clipSeconds))
	if n < 1 {
		n = 1
	}
	return n
}

// Loop repeats input until it covers targetSeconds, then trims to exactly
// targetSeconds. A target no longer than the input degrades to Trim.
func (s *FFmpegService) Loop(ctx context.Context, input, output string, targetSeconds float64) error {
	info, err := s.probe(ctx, input)
	if err != nil {
		return err
	}
	if targetSeconds <= info.DurationSeconds {
		return s.Trim(ctx, input, output, targetSeconds)
	}

	count := LoopCount(targetSeconds, info.DurationSeconds)
	log.Info().
		Str("input", input).
		Float64("clip_seconds", info.DurationSeconds).
		Float64("target_seconds", targetSeconds).
		Int("loops", count).
		Msg("[FFmpeg] Looping audio")

	// -stream_loop counts extra plays, so count-1 yields count repetitions
	args := []string{
		"-stream_loop", strconv.Itoa(count - 1),
		"-i", input,
		"-t", formatSeconds(targetSeconds),
		output,
	}
	if err := s.ffmpeg(ctx, args...); err != nil {
		_ = os.Remove(output)
		return fmt.Errorf("ffmpeg loop failed: %w", err)
	}
	return nil
}

// PingPongLoop alternates the clip with a reversed copy of itself so the loop
// point has no audible jump, then trims to targetSeconds. Video streams, when
// present, are mirrored the same way.
func (s *FFmpegService) PingPongLoop(ctx context.Context, input, output string, targetSeconds float64) error {
	info, err := s.probe(ctx, input)
	if err != nil {
		return err
	}
	if targetSeconds <= info.DurationSeconds {
		return s.Trim(ctx, input, output, targetSeconds)
	}

	// The reversed copy takes the output's container so both halves concat cleanly
	reversed := siblingFile(output, "reversed", filepath.Ext(output))
	listPath := siblingFile(output, "pingpong", ".txt")
	defer os.Remove(reversed)
	defer os.Remove(listPath)

	reverseArgs := []string{"-i", input}
	if info.HasAudio {
		reverseArgs = append(reverseArgs, "-af", "areverse")
	}
	if info.HasVideo {
		reverseArgs = append(reverseArgs, "-vf", "reverse")
	}
	reverseArgs = append(reverseArgs, reversed)
	if err := s.ffmpeg(ctx, reverseArgs...); err != nil {
		return fmt.Errorf("ffmpeg reverse failed: %w", err)
	}

	// One cycle is the clip forward then backward
	cycles := LoopCount(targetSeconds, info.DurationSeconds*2)
	entries := make([]string, 0, cycles*2)
	for i := 0; i < cycles; i++ {
		entries = append(entries, input, reversed)
	}
	if err := writeConcatList(listPath, entries); err != nil {
		return err
	}

	log.Info().
		Str("input", input).
		Int("cycles", cycles).
		Float64("target_seconds", targetSeconds).
		Msg("[FFmpeg] Ping-pong looping")

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-t", formatSeconds(targetSeconds),
		output,
	}
	if err := s.ffmpeg(ctx, args...); err != nil {
		_ = os.Remove(output)
		return fmt.Errorf("ffmpeg ping-pong concat failed: %w", err)
	}
	return nil
}

// FitDuration normalizes input to targetSeconds: copy when the lengths match
// to the second, trim when longer, loop (per the configured loop mode) when
// shorter. It returns the strategy used.
func (s *FFmpegService) FitDuration(ctx context.Context, input, output string, targetSeconds float64) (string, error) {
	info, err := s.probe(ctx, input)
	if err != nil {
		return "", err
	}

	have := math.Round(info.DurationSeconds)
	want := math.Round(targetSeconds)

	switch {
	case have == want:
		if err := copyFile(input, output); err != nil {
			return "", err
		}
		return FitCopy, nil
	case have > want:
		return FitTrim, s.Trim(ctx, input, output, targetSeconds)
	case s.loopMode == LoopModePingPong:
		return FitPingPong, s.PingPongLoop(ctx, input, output, targetSeconds)
	default:
		return FitLoop, s.Loop(ctx, input, output, targetSeconds)
	}
}

// MixRequest blends a narration track with a quieter background track.
type MixRequest struct {
	PrimaryPath   string // Narration, full gain
	SecondaryPath string // Background, attenuated
	OutputPath    string
	TargetSeconds float64 // Background is fitted to this length before mixing
}

// Mix validates both inputs as audio, fits the background to the target
// length, and blends it under the narration. The fitted intermediate is
// removed whether or not mixing succeeds.
func (s *FFmpegService) Mix(ctx context.Context, req MixRequest) error {
	for _, p := range []string{req.PrimaryPath, req.SecondaryPath} {
		if _, err := s.ProbeAudio(ctx, p); err != nil {
			return &MixError{Cause: CauseInvalidInput, Err: err}
		}
	}

	// Fixed container: the source extension comes from a URL and may not name a muxer
	fitted := siblingFile(req.OutputPath, "background", ".m4a")
	defer os.Remove(fitted)

	strategy, err := s.FitDuration(ctx, req.SecondaryPath, fitted, req.TargetSeconds)
	if err != nil {
		return &MixError{Cause: CauseEncodeFailed, Err: err}
	}

	log.Info().
		Str("strategy", strategy).
		Float64("gain", s.backgroundGain).
		Float64("target_seconds", req.TargetSeconds).
		Msg("[FFmpeg] Mixing background audio")

	// [0:a] = narration at full volume
	// [1:a] = fitted background, attenuated
	// duration=shortest: lengths already match after fitting
	filterComplex := fmt.Sprintf(
		"[0:a]volume=1.0[voice];[1:a]volume=%.2f[bg];[voice][bg]amix=inputs=2:duration=shortest:dropout_transition=0:normalize=0[aout]",
		s.backgroundGain,
	)

	args := []string{
		"-i", req.PrimaryPath,
		"-i", fitted,
		"-filter_complex", filterComplex,
		"-map", "[aout]",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		req.OutputPath,
	}
	if err := s.ffmpeg(ctx, args...); err != nil {
		_ = os.Remove(req.OutputPath)
		if timedOut(ctx) {
			return &MixError{Cause: CauseTimeout, Err: err}
		}
		return &MixError{Cause: CauseEncodeFailed, Err: err}
	}
	return nil
}

// IsInvalidInput reports whether err is a MixError caused by bad input audio.
func IsInvalidInput(err error) bool {
	var mixErr *MixError
	return errors.As(err, &mixErr) && mixErr.Cause == CauseInvalidInput
}
