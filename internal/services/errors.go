package services

import "fmt"

// Failure causes reported by the media pipeline.
const (
	CauseTimeout        = "timeout"
	CauseEncodeFailed   = "encode_failed"
	CauseInvalidImage   = "invalid_image"
	CauseInvalidClip    = "invalid_clip"
	CauseInvalidInput   = "invalid_input"
	CauseMissingSegment = "missing_segment"
	CauseConcatFailed   = "concat_failed"
	CauseMuxFailed      = "mux_failed"
)

// ProbeError means a file could not be read as media.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// SynthesisError means a still image could not be turned into a segment.
type SynthesisError struct {
	Cause string
	Path  string
	Err   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize %s (%s): %v", e.Path, e.Cause, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// MixError means narration and background could not be blended.
type MixError struct {
	Cause string
	Err   error
}

func (e *MixError) Error() string {
	return fmt.Sprintf("mix audio (%s): %v", e.Cause, e.Err)
}

func (e *MixError) Unwrap() error { return e.Err }

// AssemblyError covers concatenation and the final mux.
type AssemblyError struct {
	Cause string
	Err   error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble video (%s): %v", e.Cause, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }
