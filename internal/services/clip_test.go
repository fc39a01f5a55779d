package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoopClipCutsLongClip(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip_000.mov")
	writeFile(t, in, "clip")
	out := filepath.Join(dir, "segment_000.mp4")

	runner := &fakeRunner{}
	s := newTestService(Options{Width: 1280, Height: 720, FPS: 25}, runner, fakeProbe{
		"clip_000.mov": {DurationSeconds: 20, HasVideo: true, HasAudio: true},
	})

	if err := s.LoopClip(context.Background(), ClipRequest{VideoPath: in, OutputPath: out, DurationSeconds: 5}); err != nil {
		t.Fatalf("LoopClip: %v", err)
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected a single normalize pass, got %d calls", runner.callCount())
	}

	args := runner.call(0)
	if !hasArgPair(args, "-t", "5") || !hasArgPair(args, "-r", "25") || !hasArg(args, "-an") {
		t.Errorf("unexpected normalize args %v", args)
	}
	if argAfter(args, "-vf") != buildStillFilter(1280, 720) {
		t.Errorf("clip should be fitted to the canonical size, got %q", argAfter(args, "-vf"))
	}
	if args[len(args)-1] != out {
		t.Errorf("expected output last, got %v", args)
	}
}

func TestLoopClipPingPongsShortClip(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip_000.webm")
	writeFile(t, in, "clip")
	out := filepath.Join(dir, "segment_000.mp4")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, fakeProbe{
		"clip_000.webm":               {DurationSeconds: 2, HasVideo: true},
		".segment_000.normalized.mp4": {DurationSeconds: 2, HasVideo: true},
	})

	if err := s.LoopClip(context.Background(), ClipRequest{VideoPath: in, OutputPath: out, DurationSeconds: 7}); err != nil {
		t.Fatalf("LoopClip: %v", err)
	}
	if runner.callCount() != 3 {
		t.Fatalf("expected normalize + reverse + concat, got %d calls", runner.callCount())
	}

	normalize := runner.call(0)
	if hasArg(normalize, "-t") {
		t.Errorf("short clip should be normalized whole, got %v", normalize)
	}
	if !strings.HasSuffix(normalize[len(normalize)-1], ".segment_000.normalized.mp4") {
		t.Errorf("expected normalized intermediate, got %v", normalize)
	}

	reverse := runner.call(1)
	if !hasArgPair(reverse, "-vf", "reverse") || hasArg(reverse, "-af") {
		t.Errorf("expected video-only reverse, got %v", reverse)
	}

	final := runner.call(2)
	if !hasArgPair(final, "-t", "7.000") || final[len(final)-1] != out {
		t.Errorf("expected final cut to 7s into %s, got %v", out, final)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("intermediate %s left behind", e.Name())
		}
	}
}

func TestLoopClipRejectsAudioOnly(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip_000.mp4")
	writeFile(t, in, "sound")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, fakeProbe{
		"clip_000.mp4": {DurationSeconds: 4, HasAudio: true},
	})

	err := s.LoopClip(context.Background(), ClipRequest{VideoPath: in, OutputPath: filepath.Join(dir, "segment_000.mp4"), DurationSeconds: 3})
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) || synthErr.Cause != CauseInvalidClip {
		t.Fatalf("expected invalid_clip, got %v", err)
	}
	if runner.callCount() != 0 {
		t.Errorf("nothing should be encoded, got %d calls", runner.callCount())
	}
}

func TestLoopClipEncodeFailure(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip_000.mp4")
	writeFile(t, in, "clip")
	out := filepath.Join(dir, "segment_000.mp4")

	runner := &fakeRunner{fail: func(int, []string) error { return errors.New("decoder error") }}
	s := newTestService(Options{}, runner, fakeProbe{
		"clip_000.mp4": {DurationSeconds: 9, HasVideo: true},
	})

	err := s.LoopClip(context.Background(), ClipRequest{VideoPath: in, OutputPath: out, DurationSeconds: 3})
	var synthErr *SynthesisError
	if !errors.As(err, &synthErr) || synthErr.Cause != CauseEncodeFailed {
		t.Fatalf("expected encode_failed, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("failed segment must not be left behind")
	}
}
