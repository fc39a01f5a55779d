package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// MediaInfo summarizes what ffprobe reports about a file.
type MediaInfo struct {
	DurationSeconds float64
	FormatName      string
	SizeBytes       int64
	BitRate         int64
	StartTime       float64
	HasAudio        bool
	HasVideo        bool
	AudioCodec      string
	VideoCodec      string
	Width           int
	Height          int
}

type probeStream struct {
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type probeFormat struct {
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	StartTime  string `json:"start_time"`
	FormatName string `json:"format_name"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

// Probe inspects a local media file.
func (s *FFmpegService) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	return s.probe(ctx, path)
}

// ProbeAudio inspects a file and requires at least one audio stream.
func (s *FFmpegService) ProbeAudio(ctx context.Context, path string) (*MediaInfo, error) {
	info, err := s.probe(ctx, path)
	if err != nil {
		return nil, err
	}
	if !info.HasAudio {
		return nil, &ProbeError{Path: path, Err: errors.New("no audio stream")}
	}
	return info, nil
}

func (s *FFmpegService) inspect(ctx context.Context, path string) (*MediaInfo, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, &ProbeError{Path: path, Err: errors.New("empty path")}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &ProbeError{Path: path, Err: err}
	}

	cmd := exec.CommandContext(ctx, s.ffprobeBin, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path) //nolint:gosec
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ProbeError{Path: path, Err: fmt.Errorf("%w: %s", err, tail(exitErr.Stderr, 300))}
		}
		return nil, &ProbeError{Path: path, Err: err}
	}

	info, err := parseProbeOutput(output)
	if err != nil {
		return nil, &ProbeError{Path: path, Err: err}
	}
	return info, nil
}

// parseProbeOutput decodes ffprobe's JSON. A result without streams is not media.
func parseProbeOutput(data []byte) (*MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("ffprobe parse: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, errors.New("no media streams found")
	}

	info := &MediaInfo{
		DurationSeconds: parseProbeFloat(out.Format.Duration),
		FormatName:      out.Format.FormatName,
		SizeBytes:       int64(parseProbeFloat(out.Format.Size)),
		BitRate:         int64(parseProbeFloat(out.Format.BitRate)),
		StartTime:       parseProbeFloat(out.Format.StartTime),
	}

	for _, st := range out.Streams {
		switch strings.ToLower(st.CodecType) {
		case "audio":
			if !info.HasAudio {
				info.HasAudio = true
				info.AudioCodec = st.CodecName
			}
		case "video":
			if !info.HasVideo {
				info.HasVideo = true
				info.VideoCodec = st.CodecName
				info.Width = st.Width
				info.Height = st.Height
			}
		}
	}
	return info, nil
}

// parseProbeFloat returns 0 for missing or malformed values ("N/A").
func parseProbeFloat(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
