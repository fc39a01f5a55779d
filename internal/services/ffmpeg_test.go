package services

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeRunner records every invocation and writes a small file at the output
// path (always the last argument) unless fail returns an error.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	block bool
	fail  func(call int, args []string) error
	onRun func(args []string)
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) error {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()

	if f.onRun != nil {
		f.onRun(args)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.fail != nil {
		if err := f.fail(call, args); err != nil {
			return err
		}
	}
	return os.WriteFile(args[len(args)-1], []byte("rendered"), 0o644)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// fakeProbe answers by file base name; unknown files are 10s audio.
type fakeProbe map[string]*MediaInfo

func (p fakeProbe) probe(ctx context.Context, path string) (*MediaInfo, error) {
	if info, ok := p[filepath.Base(path)]; ok {
		if info == nil {
			return nil, &ProbeError{Path: path, Err: errors.New("not media")}
		}
		return info, nil
	}
	return &MediaInfo{DurationSeconds: 10, HasAudio: true, FormatName: "mp3"}, nil
}

func newTestService(opts Options, runner *fakeRunner, probe fakeProbe) *FFmpegService {
	s := NewFFmpegService(opts)
	s.WithCommandRunner(runner.run)
	s.WithProber(probe.probe)
	return s
}

func hasArgPair(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func hasArg(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create png: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNewFFmpegServiceDefaults(t *testing.T) {
	s := NewFFmpegService(Options{LoopMode: "bogus", BackgroundGain: 3})
	if w, h := s.Resolution(); w != 1920 || h != 1080 {
		t.Errorf("expected 1920x1080, got %dx%d", w, h)
	}
	if s.fps != 30 {
		t.Errorf("expected 30fps, got %d", s.fps)
	}
	if s.backgroundGain != 0.3 {
		t.Errorf("expected gain fallback 0.3, got %v", s.backgroundGain)
	}
	if s.loopMode != LoopModeForward {
		t.Errorf("expected forward loop mode, got %q", s.loopMode)
	}
	if s.ffmpegBin != "ffmpeg" || s.ffprobeBin != "ffprobe" {
		t.Errorf("unexpected binaries %q %q", s.ffmpegBin, s.ffprobeBin)
	}
}

func TestSegmentTimeoutScalesWithDuration(t *testing.T) {
	s := NewFFmpegService(Options{SegmentTimeoutBase: time.Minute, SegmentTimeoutPerSecond: 10 * time.Second})
	if got := s.segmentTimeout(6); got != 2*time.Minute {
		t.Errorf("expected 2m, got %v", got)
	}

	uhd := NewFFmpegService(Options{Width: 3840, Height: 2160, SegmentTimeoutBase: time.Minute, SegmentTimeoutPerSecond: 10 * time.Second})
	if got := uhd.segmentTimeout(6); got != 8*time.Minute {
		t.Errorf("expected 4K budget of 8m, got %v", got)
	}
}

func TestParseResolution(t *testing.T) {
	w, h, err := ParseResolution("1280X720")
	if err != nil || w != 1280 || h != 720 {
		t.Fatalf("got %dx%d (%v)", w, h, err)
	}

	for _, bad := range []string{"", "1920", "1920x", "axb", "0x1080", "1921x1080"} {
		if _, _, err := ParseResolution(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseProbeOutput(t *testing.T) {
	data := []byte(`{
		"streams": [
			{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080},
			{"codec_type": "audio", "codec_name": "aac"}
		],
		"format": {"duration": "12.480000", "size": "2048", "bit_rate": "128000", "start_time": "0.025", "format_name": "mov,mp4,m4a"}
	}`)

	info, err := parseProbeOutput(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !info.HasAudio || !info.HasVideo {
		t.Errorf("expected audio and video streams, got %+v", info)
	}
	if info.DurationSeconds != 12.48 || info.SizeBytes != 2048 || info.BitRate != 128000 {
		t.Errorf("unexpected format values %+v", info)
	}
	if info.Width != 1920 || info.VideoCodec != "h264" || info.AudioCodec != "aac" {
		t.Errorf("unexpected stream values %+v", info)
	}

	if _, err := parseProbeOutput([]byte(`{"streams": [], "format": {}}`)); err == nil {
		t.Error("expected error when no streams are present")
	}
	if _, err := parseProbeOutput([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestProbeMissingFile(t *testing.T) {
	s := NewFFmpegService(Options{})
	_, err := s.Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mp3"))
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("expected ProbeError, got %v", err)
	}
}

func TestProbeAudioRequiresAudioStream(t *testing.T) {
	s := newTestService(Options{}, &fakeRunner{}, fakeProbe{
		"clip.mp4": {DurationSeconds: 5, HasVideo: true},
	})
	_, err := s.ProbeAudio(context.Background(), "/tmp/clip.mp4")
	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("expected ProbeError, got %v", err)
	}
}
