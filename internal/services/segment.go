package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// SegmentRequest describes one still image to render as a fixed-length clip.
type SegmentRequest struct {
	ImagePath       string
	OutputPath      string
	DurationSeconds int
	Effect          ClipEffect // EffectNone renders a plain scale-to-fit
}

// SynthesizeSegment renders a still image into a video segment of exactly
// DurationSeconds at the service resolution and frame rate.
//
// Each attempt has its own wall-clock limit. A timeout fails immediately; any
// other encoder failure is retried once with the degraded filter chain.
func (s *FFmpegService) SynthesizeSegment(ctx context.Context, req SegmentRequest) error {
	if req.DurationSeconds <= 0 {
		return &SynthesisError{Cause: CauseEncodeFailed, Path: req.ImagePath, Err: fmt.Errorf("duration must be positive, got %d", req.DurationSeconds)}
	}

	if _, err := InspectImage(req.ImagePath); err != nil {
		return err
	}

	log.Info().
		Str("image", req.ImagePath).
		Str("effect", string(req.Effect)).
		Int("seconds", req.DurationSeconds).
		Msg("[FFmpeg] Rendering segment")

	err := s.renderAttempt(ctx, req, s.segmentArgs(req))
	if err == nil {
		return nil
	}

	var synthErr *SynthesisError
	if errors.As(err, &synthErr) && synthErr.Cause == CauseTimeout {
		return err
	}
	if ctx.Err() != nil {
		return &SynthesisError{Cause: CauseEncodeFailed, Path: req.ImagePath, Err: ctx.Err()}
	}

	log.Warn().Err(err).Str("image", req.ImagePath).Msg("[FFmpeg] Segment render failed, retrying with minimal filter")
	_ = os.Remove(req.OutputPath)

	return s.renderAttempt(ctx, req, s.fallbackArgs(req))
}

func (s *FFmpegService) renderAttempt(ctx context.Context, req SegmentRequest, args []string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.segmentTimeout(req.DurationSeconds))
	defer cancel()

	if err := s.ffmpeg(attemptCtx, args...); err != nil {
		_ = os.Remove(req.OutputPath)
		if timedOut(attemptCtx) && ctx.Err() == nil {
			return &SynthesisError{Cause: CauseTimeout, Path: req.ImagePath, Err: err}
		}
		return &SynthesisError{Cause: CauseEncodeFailed, Path: req.ImagePath, Err: err}
	}
	return nil
}

func (s *FFmpegService) segmentArgs(req SegmentRequest) []string {
	fps := strconv.Itoa(s.fps)
	duration := strconv.Itoa(req.DurationSeconds)

	var args []string
	if req.Effect.IsMotion() {
		// zoompan expands the single input frame into d output frames
		args = []string{
			"-i", req.ImagePath,
			"-vf", buildMotionFilter(req.Effect, s.width, s.height, s.fps, req.DurationSeconds),
		}
	} else {
		args = []string{
			"-loop", "1",
			"-framerate", fps,
			"-i", req.ImagePath,
			"-vf", buildStillFilter(s.width, s.height),
		}
	}

	return append(args,
		"-t", duration,
		"-r", fps,
		"-c:v", "libx264",
		"-preset", "slow",
		"-crf", "18",
		"-tune", "stillimage",
		"-pix_fmt", "yuv420p",
		"-an",
		req.OutputPath,
	)
}

func (s *FFmpegService) fallbackArgs(req SegmentRequest) []string {
	fps := strconv.Itoa(s.fps)
	return []string{
		"-loop", "1",
		"-framerate", fps,
		"-i", req.ImagePath,
		"-vf", buildFallbackFilter(s.width, s.height),
		"-t", strconv.Itoa(req.DurationSeconds),
		"-r", fps,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "20",
		"-pix_fmt", "yuv420p",
		"-an",
		req.OutputPath,
	}
}
