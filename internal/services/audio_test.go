package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoopCount(t *testing.T) {
	tests := []struct {
		target, clip float64
		want         int
	}{
		{10, 3, 4},
		{9, 3, 3},
		{9.1, 3, 4},
		{2, 5, 1},
		{10, 0, 1},
	}
	for _, tt := range tests {
		if got := LoopCount(tt.target, tt.clip); got != tt.want {
			t.Errorf("LoopCount(%v, %v) = %d, want %d", tt.target, tt.clip, got, tt.want)
		}
	}
}

func TestTrimInPlace(t *testing.T) {
	dir := t.TempDir()
	narration := filepath.Join(dir, "narration.mp3")
	writeFile(t, narration, "original")

	var dest string
	runner := &fakeRunner{onRun: func(args []string) { dest = args[len(args)-1] }}
	s := newTestService(Options{}, runner, nil)

	if err := s.Trim(context.Background(), narration, narration, 7); err != nil {
		t.Fatalf("Trim: %v", err)
	}

	if dest != filepath.Join(dir, ".narration.trim.mp3") {
		t.Errorf("expected hidden sibling keeping the extension, got %q", dest)
	}
	if !hasArgPair(runner.call(0), "-t", "7.000") {
		t.Errorf("unexpected args %v", runner.call(0))
	}

	data, err := os.ReadFile(narration)
	if err != nil || string(data) != "rendered" {
		t.Errorf("expected trimmed content at original path, got %q (%v)", data, err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("temp file should be gone after rename")
	}
}

func TestTrimInPlaceFailureKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	narration := filepath.Join(dir, "narration.mp3")
	writeFile(t, narration, "original")

	runner := &fakeRunner{fail: func(_ int, args []string) error {
		// Leave a partial file behind like a killed encoder would
		_ = os.WriteFile(args[len(args)-1], []byte("partial"), 0o644)
		return errors.New("killed")
	}}
	s := newTestService(Options{}, runner, nil)

	if err := s.Trim(context.Background(), narration, narration, 3); err == nil {
		t.Fatal("expected error")
	}

	data, _ := os.ReadFile(narration)
	if string(data) != "original" {
		t.Errorf("original must be untouched, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, ".narration.trim.mp3")); !os.IsNotExist(err) {
		t.Error("partial temp file should be removed")
	}
}

func TestTrimRejectsNonPositiveTarget(t *testing.T) {
	s := newTestService(Options{}, &fakeRunner{}, nil)
	if err := s.Trim(context.Background(), "a.mp3", "b.mp3", 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoopRepeatsThenTrims(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "bg.mp3")
	writeFile(t, in, "clip")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, fakeProbe{"bg.mp3": {DurationSeconds: 3, HasAudio: true}})

	if err := s.Loop(context.Background(), in, filepath.Join(dir, "looped.mp3"), 10); err != nil {
		t.Fatalf("Loop: %v", err)
	}

	args := runner.call(0)
	if !hasArgPair(args, "-stream_loop", "3") {
		t.Errorf("expected 4 plays (-stream_loop 3), got %v", args)
	}
	if !hasArgPair(args, "-t", "10.000") {
		t.Errorf("expected trim to 10s, got %v", args)
	}
}

func TestLoopDegradesToTrim(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "bg.mp3")
	writeFile(t, in, "clip")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, fakeProbe{"bg.mp3": {DurationSeconds: 30, HasAudio: true}})

	if err := s.Loop(context.Background(), in, filepath.Join(dir, "out.mp3"), 12); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if hasArg(runner.call(0), "-stream_loop") {
		t.Errorf("longer input should only be trimmed, got %v", runner.call(0))
	}
}

func TestPingPongLoop(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "bg.mp3")
	writeFile(t, in, "clip")
	out := filepath.Join(dir, "pingpong.mp3")

	var listContent string
	runner := &fakeRunner{onRun: func(args []string) {
		if hasArgPair(args, "-f", "concat") {
			data, _ := os.ReadFile(argAfter(args, "-i"))
			listContent = string(data)
		}
	}}
	s := newTestService(Options{}, runner, fakeProbe{"bg.mp3": {DurationSeconds: 3, HasAudio: true}})

	if err := s.PingPongLoop(context.Background(), in, out, 10); err != nil {
		t.Fatalf("PingPongLoop: %v", err)
	}
	if runner.callCount() != 2 {
		t.Fatalf("expected reverse + concat, got %d calls", runner.callCount())
	}

	reverse := runner.call(0)
	if !hasArgPair(reverse, "-af", "areverse") || hasArg(reverse, "-vf") {
		t.Errorf("audio-only clip should only reverse audio, got %v", reverse)
	}

	// 10s over a 6s forward+backward cycle needs 2 cycles
	lines := strings.Split(strings.TrimSpace(listContent), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 list entries, got %d: %q", len(lines), listContent)
	}
	if !strings.Contains(lines[0], "bg.mp3") || !strings.Contains(lines[1], ".pingpong.reversed.mp3") {
		t.Errorf("expected forward then reversed, got %q", listContent)
	}
	if !hasArgPair(runner.call(1), "-t", "10.000") {
		t.Errorf("expected final trim, got %v", runner.call(1))
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("intermediate %s left behind", e.Name())
		}
	}
}

func TestPingPongLoopReversesVideo(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.mp4")
	writeFile(t, in, "clip")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, fakeProbe{"clip.mp4": {DurationSeconds: 2, HasAudio: true, HasVideo: true}})

	if err := s.PingPongLoop(context.Background(), in, filepath.Join(dir, "out.mp4"), 5); err != nil {
		t.Fatalf("PingPongLoop: %v", err)
	}
	if !hasArgPair(runner.call(0), "-vf", "reverse") {
		t.Errorf("video stream should be reversed too, got %v", runner.call(0))
	}
}

func TestPingPongLoopVideoOnlyClip(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "clip.mov")
	writeFile(t, in, "clip")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, fakeProbe{"clip.mov": {DurationSeconds: 2, HasVideo: true}})

	if err := s.PingPongLoop(context.Background(), in, filepath.Join(dir, "out.mp4"), 5); err != nil {
		t.Fatalf("PingPongLoop: %v", err)
	}
	reverse := runner.call(0)
	if hasArg(reverse, "-af") {
		t.Errorf("clip without audio must not get an audio filter, got %v", reverse)
	}
	if !strings.HasSuffix(reverse[len(reverse)-1], ".out.reversed.mp4") {
		t.Errorf("reversed copy should use the output container, got %v", reverse)
	}
}

func TestMixUsesFixedContainerForBackground(t *testing.T) {
	dir := t.TempDir()
	narration := filepath.Join(dir, "narration.mp3")
	bg := filepath.Join(dir, "background.php")
	writeFile(t, narration, "voice")
	writeFile(t, bg, "music")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, fakeProbe{
		"narration.mp3":  {DurationSeconds: 20, HasAudio: true},
		"background.php": {DurationSeconds: 6, HasAudio: true},
	})

	err := s.Mix(context.Background(), MixRequest{
		PrimaryPath:   narration,
		SecondaryPath: bg,
		OutputPath:    filepath.Join(dir, "mixed.m4a"),
		TargetSeconds: 20,
	})
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	loop := runner.call(0)
	if out := loop[len(loop)-1]; filepath.Ext(out) != ".m4a" {
		t.Errorf("fitted background must be written as .m4a, got %q", out)
	}
}

func TestFitDuration(t *testing.T) {
	tests := []struct {
		name   string
		clip   float64
		mode   string
		want   string
		ffmpeg int
	}{
		{"equal to the second", 30.4, LoopModeForward, FitCopy, 0},
		{"longer", 45, LoopModeForward, FitTrim, 1},
		{"shorter forward", 12, LoopModeForward, FitLoop, 1},
		{"shorter pingpong", 12, LoopModePingPong, FitPingPong, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			in := filepath.Join(dir, "bg.mp3")
			writeFile(t, in, "clip")
			out := filepath.Join(dir, "fitted.mp3")

			runner := &fakeRunner{}
			s := newTestService(Options{LoopMode: tt.mode}, runner, fakeProbe{"bg.mp3": {DurationSeconds: tt.clip, HasAudio: true}})

			got, err := s.FitDuration(context.Background(), in, out, 30)
			if err != nil {
				t.Fatalf("FitDuration: %v", err)
			}
			if got != tt.want {
				t.Errorf("strategy = %q, want %q", got, tt.want)
			}
			if runner.callCount() != tt.ffmpeg {
				t.Errorf("expected %d ffmpeg calls, got %d", tt.ffmpeg, runner.callCount())
			}
			if _, err := os.Stat(out); err != nil {
				t.Errorf("expected output file: %v", err)
			}
		})
	}
}

func TestMixRejectsNonAudio(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, fakeProbe{
		"bg.mp3": {DurationSeconds: 5, HasVideo: true},
	})

	err := s.Mix(context.Background(), MixRequest{
		PrimaryPath:   filepath.Join(dir, "narration.mp3"),
		SecondaryPath: filepath.Join(dir, "bg.mp3"),
		OutputPath:    filepath.Join(dir, "mixed.m4a"),
		TargetSeconds: 20,
	})
	if !IsInvalidInput(err) {
		t.Fatalf("expected invalid_input MixError, got %v", err)
	}
	if runner.callCount() != 0 {
		t.Errorf("nothing should be encoded for invalid input")
	}
}

func TestMixLoopsShortBackground(t *testing.T) {
	dir := t.TempDir()
	narration := filepath.Join(dir, "narration.mp3")
	bg := filepath.Join(dir, "bg.mp3")
	writeFile(t, narration, "voice")
	writeFile(t, bg, "music")
	out := filepath.Join(dir, "mixed.m4a")

	runner := &fakeRunner{}
	s := newTestService(Options{BackgroundGain: 0.3}, runner, fakeProbe{
		"narration.mp3": {DurationSeconds: 20, HasAudio: true},
		"bg.mp3":        {DurationSeconds: 6, HasAudio: true},
	})

	err := s.Mix(context.Background(), MixRequest{
		PrimaryPath:   narration,
		SecondaryPath: bg,
		OutputPath:    out,
		TargetSeconds: 20,
	})
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if runner.callCount() != 2 {
		t.Fatalf("expected loop + amix, got %d calls", runner.callCount())
	}

	loop := runner.call(0)
	if !hasArgPair(loop, "-stream_loop", "3") || !hasArgPair(loop, "-t", "20.000") {
		t.Errorf("background should loop 4 times and trim to narration length, got %v", loop)
	}

	mix := runner.call(1)
	filter := argAfter(mix, "-filter_complex")
	if !strings.Contains(filter, "[1:a]volume=0.30[bg]") || !strings.Contains(filter, "amix=inputs=2:duration=shortest") {
		t.Errorf("unexpected mix filter %q", filter)
	}
	if argAfter(mix, "-i") != narration {
		t.Errorf("narration must be the first input, got %v", mix)
	}

	if _, err := os.Stat(filepath.Join(dir, ".mixed.background.m4a")); !os.IsNotExist(err) {
		t.Error("fitted background should be removed")
	}
}

func TestMixCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	narration := filepath.Join(dir, "narration.mp3")
	bg := filepath.Join(dir, "bg.mp3")
	writeFile(t, narration, "voice")
	writeFile(t, bg, "music")

	runner := &fakeRunner{fail: func(call int, _ []string) error {
		if call == 1 {
			return errors.New("amix failed")
		}
		return nil
	}}
	s := newTestService(Options{}, runner, fakeProbe{
		"narration.mp3": {DurationSeconds: 20, HasAudio: true},
		"bg.mp3":        {DurationSeconds: 40, HasAudio: true},
	})

	err := s.Mix(context.Background(), MixRequest{
		PrimaryPath:   narration,
		SecondaryPath: bg,
		OutputPath:    filepath.Join(dir, "mixed.m4a"),
		TargetSeconds: 20,
	})
	var mixErr *MixError
	if !errors.As(err, &mixErr) || mixErr.Cause != CauseEncodeFailed {
		t.Fatalf("expected encode_failed MixError, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".mixed.background.m4a")); !os.IsNotExist(err) {
		t.Error("fitted background should be removed on failure")
	}
}
