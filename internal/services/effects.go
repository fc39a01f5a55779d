package services

import (
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Motion effect types: each segment gets one, picked independently per run
// ---------------------------------------------------------------------------

// ClipEffect defines the pan/zoom motion applied to a still image
type ClipEffect string

const (
	EffectNone      ClipEffect = ""           // Plain scale-to-fit
	EffectZoomOut   ClipEffect = "zoom-out"   // Starts at 1.3x, pulls back to 1.0x
	EffectPanLeft   ClipEffect = "pan-left"   // Drifts right to left
	EffectPanRight  ClipEffect = "pan-right"  // Drifts left to right
	EffectShiftUp   ClipEffect = "shift-up"   // Drifts bottom to top
	EffectShiftDown ClipEffect = "shift-down" // Drifts top to bottom
)

// allEffects is the pool from which a random effect is chosen per segment
var allEffects = []ClipEffect{
	EffectZoomOut,
	EffectPanLeft,
	EffectPanRight,
	EffectShiftUp,
	EffectShiftDown,
}

// EffectPicker chooses the effect for the next segment.
type EffectPicker func() ClipEffect

// RandomEffect picks a random motion effect for a segment
func RandomEffect() ClipEffect {
	return allEffects[rand.Intn(len(allEffects))]
}

// CyclePicker returns a deterministic picker that walks effects in order.
// It is safe to share between concurrent jobs.
func CyclePicker(effects ...ClipEffect) EffectPicker {
	if len(effects) == 0 {
		effects = allEffects
	}
	var next atomic.Uint64
	return func() ClipEffect {
		i := next.Add(1) - 1
		return effects[i%uint64(len(effects))]
	}
}

// ParseEffect maps a tag onto a known effect; unknown tags mean no motion.
func ParseEffect(tag string) ClipEffect {
	e := ClipEffect(strings.ToLower(strings.TrimSpace(tag)))
	if e.IsMotion() {
		return e
	}
	return EffectNone
}

// IsMotion reports whether e is one of the pan/zoom effects.
func (e ClipEffect) IsMotion() bool {
	for _, known := range allEffects {
		if e == known {
			return true
		}
	}
	return false
}

// motionOversample is how much larger than the output the frame is rendered
// before zoompan, so its integer crop offsets move in sub-pixel steps.
const motionOversample = 4

// fitFilter scales into WxH preserving aspect ratio and letterboxes the rest.
func fitFilter(width, height int) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		width, height, width, height,
	)
}

// buildMotionFilter constructs the -vf chain for a pan/zoom effect.
//
// Pipeline: image → fit+letterbox → oversample → zoompan → WxH @ fps
//
// All expressions move linearly from the first to the last frame so the
// motion spans the whole segment.
func buildMotionFilter(effect ClipEffect, width, height, fps, durationSeconds int) string {
	frames := durationSeconds * fps
	if frames < 1 {
		frames = 1
	}
	last := frames - 1
	if last < 1 {
		last = 1
	}
	progress := fmt.Sprintf("on/%d", last)

	const (
		centerX = "iw/2-(iw/zoom/2)"
		centerY = "ih/2-(ih/zoom/2)"
	)

	var zExpr, xExpr, yExpr string

	switch effect {
	case EffectZoomOut:
		zExpr = fmt.Sprintf("1.3-0.3*%s", progress)
		xExpr = centerX
		yExpr = centerY

	case EffectPanLeft:
		zExpr = "1.1"
		xExpr = fmt.Sprintf("(iw-iw/zoom)*(1-%s)", progress)
		yExpr = centerY

	case EffectPanRight:
		zExpr = "1.1"
		xExpr = fmt.Sprintf("(iw-iw/zoom)*%s", progress)
		yExpr = centerY

	case EffectShiftUp:
		zExpr = "1.1"
		xExpr = centerX
		yExpr = fmt.Sprintf("(ih-ih/zoom)*(1-%s)", progress)

	case EffectShiftDown:
		zExpr = "1.1"
		xExpr = centerX
		yExpr = fmt.Sprintf("(ih-ih/zoom)*%s", progress)

	default:
		return buildStillFilter(width, height)
	}

	return fmt.Sprintf(
		"%s,scale=%d:%d:flags=lanczos,zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d,format=yuv420p",
		fitFilter(width, height),
		width*motionOversample, height*motionOversample,
		zExpr, xExpr, yExpr,
		frames,
		width, height,
		fps,
	)
}

// buildStillFilter is the plain scale-to-fit chain used when no effect applies.
func buildStillFilter(width, height int) string {
	return fitFilter(width, height) + ",format=yuv420p"
}

// buildFallbackFilter is the degraded chain for the single retry after an
// encoding failure. It keeps the canonical size so segments still concatenate.
func buildFallbackFilter(width, height int) string {
	return fitFilter(width, height)
}
