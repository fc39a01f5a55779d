package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConcatenateMissingSegment(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "segment_000.mp4")
	writeFile(t, present, "seg")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, nil)

	err := s.Concatenate(context.Background(), []string{present, filepath.Join(dir, "segment_001.mp4")}, filepath.Join(dir, "concat.mp4"))
	var asmErr *AssemblyError
	if !errors.As(err, &asmErr) || asmErr.Cause != CauseMissingSegment {
		t.Fatalf("expected missing_segment, got %v", err)
	}
	if runner.callCount() != 0 {
		t.Error("ffmpeg should not run when a segment is missing")
	}
}

func TestConcatenateEmpty(t *testing.T) {
	s := newTestService(Options{}, &fakeRunner{}, nil)
	var asmErr *AssemblyError
	if err := s.Concatenate(context.Background(), nil, "out.mp4"); !errors.As(err, &asmErr) {
		t.Fatalf("expected AssemblyError, got %v", err)
	}
}

func TestConcatenatePreservesOrder(t *testing.T) {
	dir := t.TempDir()
	var segments []string
	for _, i := range []int{2, 0, 1} {
		p := filepath.Join(dir, fmt.Sprintf("segment_%03d.mp4", i))
		writeFile(t, p, "seg")
		segments = append(segments, p)
	}
	out := filepath.Join(dir, "concat.mp4")

	var listContent, listPath string
	runner := &fakeRunner{onRun: func(args []string) {
		listPath = argAfter(args, "-i")
		data, _ := os.ReadFile(listPath)
		listContent = string(data)
	}}
	s := newTestService(Options{}, runner, nil)

	if err := s.Concatenate(context.Background(), segments, out); err != nil {
		t.Fatalf("Concatenate: %v", err)
	}

	args := runner.call(0)
	if !hasArgPair(args, "-f", "concat") || !hasArgPair(args, "-c", "copy") || !hasArgPair(args, "-safe", "0") {
		t.Errorf("expected stream-copy concat demuxer, got %v", args)
	}
	if filepath.Dir(listPath) != dir {
		t.Errorf("list file should live in the job directory, got %s", listPath)
	}

	want := ""
	for _, p := range segments {
		want += fmt.Sprintf("file '%s'\n", p)
	}
	if listContent != want {
		t.Errorf("list content:\n%s\nwant:\n%s", listContent, want)
	}
	if _, err := os.Stat(listPath); !os.IsNotExist(err) {
		t.Error("list file should be removed")
	}
}

func TestConcatenateSingleSegmentCopies(t *testing.T) {
	dir := t.TempDir()
	seg := filepath.Join(dir, "segment_000.mp4")
	writeFile(t, seg, "only segment")
	out := filepath.Join(dir, "concat.mp4")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, nil)

	if err := s.Concatenate(context.Background(), []string{seg}, out); err != nil {
		t.Fatalf("Concatenate: %v", err)
	}
	if runner.callCount() != 0 {
		t.Error("single segment should be copied without ffmpeg")
	}
	data, _ := os.ReadFile(out)
	if string(data) != "only segment" {
		t.Errorf("unexpected copy content %q", data)
	}
}

func TestWriteConcatListEscapesQuotes(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "list.txt")
	if err := writeConcatList(list, []string{filepath.Join(dir, "it's.mp4")}); err != nil {
		t.Fatalf("writeConcatList: %v", err)
	}
	data, _ := os.ReadFile(list)
	if !strings.Contains(string(data), `it'\''s.mp4`) {
		t.Errorf("quote not escaped: %q", data)
	}
}

func TestMuxAudioNarrationOnly(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "concat.mp4")
	audio := filepath.Join(dir, "narration.mp3")
	out := filepath.Join(dir, "final.mp4")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, nil)

	if err := s.MuxAudio(context.Background(), MuxRequest{VideoPath: video, AudioPath: audio, OutputPath: out}); err != nil {
		t.Fatalf("MuxAudio: %v", err)
	}
	if runner.callCount() != 1 {
		t.Fatalf("expected a single mux call, got %d", runner.callCount())
	}

	args := runner.call(0)
	for _, pair := range [][2]string{
		{"-map", "0:v:0"},
		{"-map", "1:a:0"},
		{"-c:v", "copy"},
		{"-c:a", "aac"},
		{"-movflags", "+faststart"},
	} {
		if !hasArgPair(args, pair[0], pair[1]) {
			t.Errorf("missing %s %s in %v", pair[0], pair[1], args)
		}
	}
	if !hasArg(args, "-shortest") {
		t.Error("expected -shortest")
	}
	if argAfter(args, "-i") != video {
		t.Errorf("video must be input 0, got %v", args)
	}
}

func TestMuxAudioWithBackground(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "concat.mp4")
	narration := filepath.Join(dir, "narration.mp3")
	bg := filepath.Join(dir, "background.mp3")
	writeFile(t, narration, "voice")
	writeFile(t, bg, "music")
	out := filepath.Join(dir, "final.mp4")

	runner := &fakeRunner{}
	s := newTestService(Options{}, runner, fakeProbe{
		"narration.mp3":  {DurationSeconds: 17, HasAudio: true},
		"background.mp3": {DurationSeconds: 5, HasAudio: true},
	})

	err := s.MuxAudio(context.Background(), MuxRequest{
		VideoPath:      video,
		AudioPath:      narration,
		OutputPath:     out,
		BackgroundPath: bg,
	})
	if err != nil {
		t.Fatalf("MuxAudio: %v", err)
	}

	// loop background, amix, final mux
	if runner.callCount() != 3 {
		t.Fatalf("expected 3 ffmpeg calls, got %d", runner.callCount())
	}
	if !hasArgPair(runner.call(0), "-t", "17.000") {
		t.Errorf("background should be fitted to narration length, got %v", runner.call(0))
	}

	mixed := filepath.Join(dir, "mixed_audio.m4a")
	final := runner.call(2)
	if !hasArgPair(final, "-i", mixed) {
		t.Errorf("final mux should use the mixed track, got %v", final)
	}
	if _, err := os.Stat(mixed); !os.IsNotExist(err) {
		t.Error("mixed track should be removed after mux")
	}
}

func TestMuxAudioTimeout(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{block: true}
	s := newTestService(Options{MuxTimeout: 20 * time.Millisecond}, runner, nil)

	err := s.MuxAudio(context.Background(), MuxRequest{
		VideoPath:  filepath.Join(dir, "concat.mp4"),
		AudioPath:  filepath.Join(dir, "narration.mp3"),
		OutputPath: filepath.Join(dir, "final.mp4"),
	})
	var asmErr *AssemblyError
	if !errors.As(err, &asmErr) || asmErr.Cause != CauseTimeout {
		t.Fatalf("expected timeout AssemblyError, got %v", err)
	}
}
