package services

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Output / rendering defaults: 1080p landscape at 30fps
const (
	defaultWidth  = 1920
	defaultHeight = 1080
	defaultFPS    = 30

	audioBitrate = "192k"

	// Loop modes for stretching a background track
	LoopModeForward  = "forward"
	LoopModePingPong = "pingpong"
)

// commandRunner executes an external binary and blocks until it exits.
type commandRunner func(ctx context.Context, name string, args ...string) error

// probeFunc inspects a media file.
type probeFunc func(ctx context.Context, path string) (*MediaInfo, error)

// Options configures an FFmpegService. Zero values fall back to defaults.
type Options struct {
	FFmpegBin  string
	FFprobeBin string

	Width  int
	Height int
	FPS    int

	SegmentTimeoutBase      time.Duration
	SegmentTimeoutPerSecond time.Duration
	MuxTimeout              time.Duration

	BackgroundGain float64 // Gain applied to the background track, narration stays at 1.0
	LoopMode       string  // LoopModeForward or LoopModePingPong
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	ffmpegBin  string
	ffprobeBin string

	width  int
	height int
	fps    int

	segmentTimeoutBase      time.Duration
	segmentTimeoutPerSecond time.Duration
	muxTimeout              time.Duration

	backgroundGain float64
	loopMode       string

	run   commandRunner
	probe probeFunc
}

func NewFFmpegService(opts Options) *FFmpegService {
	s := &FFmpegService{
		ffmpegBin:               strings.TrimSpace(opts.FFmpegBin),
		ffprobeBin:              strings.TrimSpace(opts.FFprobeBin),
		width:                   opts.Width,
		height:                  opts.Height,
		fps:                     opts.FPS,
		segmentTimeoutBase:      opts.SegmentTimeoutBase,
		segmentTimeoutPerSecond: opts.SegmentTimeoutPerSecond,
		muxTimeout:              opts.MuxTimeout,
		backgroundGain:          opts.BackgroundGain,
		loopMode:                strings.ToLower(strings.TrimSpace(opts.LoopMode)),
	}

	if s.ffmpegBin == "" {
		s.ffmpegBin = "ffmpeg"
	}
	if s.ffprobeBin == "" {
		s.ffprobeBin = "ffprobe"
	}
	if s.width <= 0 || s.height <= 0 {
		s.width, s.height = defaultWidth, defaultHeight
	}
	if s.fps <= 0 {
		s.fps = defaultFPS
	}
	if s.segmentTimeoutBase <= 0 {
		s.segmentTimeoutBase = 2 * time.Minute
	}
	if s.segmentTimeoutPerSecond < 0 {
		s.segmentTimeoutPerSecond = 0
	}
	if s.muxTimeout <= 0 {
		s.muxTimeout = 10 * time.Minute
	}
	if s.backgroundGain <= 0 || s.backgroundGain > 1 {
		s.backgroundGain = 0.3
	}
	if s.loopMode != LoopModePingPong {
		s.loopMode = LoopModeForward
	}

	s.run = execRunner
	s.probe = s.inspect
	return s
}

// WithCommandRunner replaces process execution (for testing).
func (s *FFmpegService) WithCommandRunner(runner func(ctx context.Context, name string, args ...string) error) {
	s.run = runner
}

// WithProber replaces ffprobe inspection (for testing).
func (s *FFmpegService) WithProber(probe func(ctx context.Context, path string) (*MediaInfo, error)) {
	s.probe = probe
}

// Resolution returns the canonical output size of every segment.
func (s *FFmpegService) Resolution() (int, int) {
	return s.width, s.height
}

// ffmpeg runs the ffmpeg binary with quiet logging and overwrite enabled.
func (s *FFmpegService) ffmpeg(ctx context.Context, args ...string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	return s.run(ctx, s.ffmpegBin, full...)
}

// segmentTimeout scales the per-segment wall clock budget with its length,
// and with the output size for resolutions above 1080p.
func (s *FFmpegService) segmentTimeout(durationSeconds int) time.Duration {
	budget := s.segmentTimeoutBase + time.Duration(durationSeconds)*s.segmentTimeoutPerSecond
	if pixels := s.width * s.height; pixels > defaultWidth*defaultHeight {
		budget = time.Duration(float64(budget) * float64(pixels) / float64(defaultWidth*defaultHeight))
	}
	return budget
}

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.WaitDelay = 5 * time.Second

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s killed: %w", name, ctxErr)
		}
		return fmt.Errorf("%s: %w: %s", name, err, tail(output, 600))
	}
	return nil
}

// tail keeps the last n bytes of process output for error messages.
func tail(output []byte, n int) string {
	s := strings.TrimSpace(string(output))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

// timedOut reports whether ctx ended because its own deadline passed.
func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// ParseResolution parses "WIDTHxHEIGHT". Both sides must be positive and even
// since libx264 with yuv420p rejects odd dimensions.
func ParseResolution(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q, expected WIDTHxHEIGHT", s)
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q", s)
	}
	if w%2 != 0 || h%2 != 0 {
		return 0, 0, fmt.Errorf("resolution %q must have even dimensions", s)
	}
	return w, h, nil
}
