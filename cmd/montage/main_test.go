package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTimelineCommand(t *testing.T) {
	out, err := runCLI(t, "timeline", "--images", "5", "--narration", "16.4")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if !strings.Contains(out, "[4 4 3 3 3]") || !strings.Contains(out, "even split") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = runCLI(t, "timeline", "--images", "2", "--narration", "30", "5", "0:07")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if !strings.Contains(out, "[5 7]") || !strings.Contains(out, "hints") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestAssembleRequiresInputs(t *testing.T) {
	if _, err := runCLI(t, "assemble", "--narration", "voice.mp3"); err == nil {
		t.Error("expected error without --image")
	}
	if _, err := runCLI(t, "assemble", "--image", "a.png"); err == nil {
		t.Error("expected error without --narration")
	}
	if _, err := runCLI(t, "assemble", "--image", "a.png", "--clip", "b.mp4", "--narration", "voice.mp3"); err == nil {
		t.Error("expected error when images and clips are combined")
	}
}

func TestLocalFetcherCopiesFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.png")
	if err := os.WriteFile(src, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := localFetcher{}
	dest := filepath.Join(dir, "copy.png")
	if err := f.Fetch(context.Background(), " `"+src+"` ", dest); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if data, _ := os.ReadFile(dest); string(data) != "png" {
		t.Errorf("copied %q", data)
	}

	empty := filepath.Join(dir, "empty.png")
	os.WriteFile(empty, nil, 0o644)
	if err := f.Fetch(context.Background(), empty, filepath.Join(dir, "out.png")); err == nil {
		t.Error("empty file should be rejected")
	}
	if _, err := os.Stat(filepath.Join(dir, "out.png")); !os.IsNotExist(err) {
		t.Error("partial copy should be removed")
	}
}
