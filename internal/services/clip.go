package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

// ClipRequest describes one video clip to stretch or cut to a fixed length.
type ClipRequest struct {
	VideoPath       string
	OutputPath      string
	DurationSeconds int
}

// LoopClip turns a video clip into a segment of exactly DurationSeconds at the
// service resolution and frame rate. The clip is first normalized; when it is
// shorter than the target the normalized copy is ping-pong looped. Clip audio
// is dropped, the narration replaces it at mux time.
//
// Both steps share one wall-clock budget sized like an image segment.
func (s *FFmpegService) LoopClip(ctx context.Context, req ClipRequest) error {
	if req.DurationSeconds <= 0 {
		return &SynthesisError{Cause: CauseEncodeFailed, Path: req.VideoPath, Err: fmt.Errorf("duration must be positive, got %d", req.DurationSeconds)}
	}

	info, err := s.probe(ctx, req.VideoPath)
	if err != nil {
		return &SynthesisError{Cause: CauseInvalidClip, Path: req.VideoPath, Err: err}
	}
	if !info.HasVideo {
		return &SynthesisError{Cause: CauseInvalidClip, Path: req.VideoPath, Err: errors.New("no video stream")}
	}

	target := float64(req.DurationSeconds)
	loop := info.DurationSeconds > 0 && info.DurationSeconds < target

	log.Info().
		Str("clip", req.VideoPath).
		Float64("clip_seconds", info.DurationSeconds).
		Int("seconds", req.DurationSeconds).
		Bool("loop", loop).
		Msg("[FFmpeg] Fitting video clip")

	clipCtx, cancel := context.WithTimeout(ctx, s.segmentTimeout(req.DurationSeconds))
	defer cancel()

	normalized := req.OutputPath
	if loop {
		normalized = siblingFile(req.OutputPath, "normalized", ".mp4")
		defer os.Remove(normalized)
	}

	args := []string{"-i", req.VideoPath}
	if !loop {
		args = append(args, "-t", strconv.Itoa(req.DurationSeconds))
	}
	args = append(args,
		"-vf", buildStillFilter(s.width, s.height),
		"-r", strconv.Itoa(s.fps),
		"-c:v", "libx264",
		"-preset", "slow",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-an",
		normalized,
	)
	if err := s.ffmpeg(clipCtx, args...); err != nil {
		_ = os.Remove(normalized)
		return clipError(ctx, clipCtx, req.VideoPath, err)
	}

	if loop {
		if err := s.PingPongLoop(clipCtx, normalized, req.OutputPath, target); err != nil {
			_ = os.Remove(req.OutputPath)
			return clipError(ctx, clipCtx, req.VideoPath, err)
		}
	}
	return nil
}

func clipError(parent, clipCtx context.Context, path string, err error) error {
	if timedOut(clipCtx) && parent.Err() == nil {
		return &SynthesisError{Cause: CauseTimeout, Path: path, Err: err}
	}
	return &SynthesisError{Cause: CauseEncodeFailed, Path: path, Err: err}
}
