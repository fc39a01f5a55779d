package services

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageInfo is the decoded header of a still image.
type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// InspectImage reads only the image header. Formats Go cannot decode are passed
// through to ffmpeg with a warning; a recognized format with a broken header
// fails with SynthesisError{Cause: invalid_image}.
func InspectImage(path string) (ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImageInfo{}, &SynthesisError{Cause: CauseInvalidImage, Path: path, Err: err}
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			log.Warn().Str("path", path).Msg("[Image] Unrecognized image format, leaving it to ffmpeg")
			return ImageInfo{}, nil
		}
		return ImageInfo{}, &SynthesisError{Cause: CauseInvalidImage, Path: path, Err: err}
	}

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageInfo{}, &SynthesisError{
			Cause: CauseInvalidImage,
			Path:  path,
			Err:   fmt.Errorf("%s image has invalid size %dx%d", format, cfg.Width, cfg.Height),
		}
	}

	return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
