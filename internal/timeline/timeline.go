// Package timeline resolves how long each image stays on screen.
package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidHint is returned for duration strings outside the accepted grammar.
var ErrInvalidHint = errors.New("invalid duration hint")

// MaxHintSeconds bounds a single segment. Longer hints are rejected so the
// job falls back to an even split.
const MaxHintSeconds = 4 * 60 * 60

var hintPattern = regexp.MustCompile(`Image duration: (\d+) seconds`)

// ParseHint converts one duration hint to whole seconds.
//
// Accepted forms: "7", "0:07", "1:02:03", and free text containing
// "Image duration: N seconds". Anything else is rejected, as are zero and
// values above MaxHintSeconds.
func ParseHint(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidHint)
	}

	if m := hintPattern.FindStringSubmatch(s); m != nil {
		return positive(s, m[1])
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return positive(s, parts[0])
	case 2, 3:
		total := 0
		for i, p := range parts {
			if !isDigits(p) {
				return 0, fmt.Errorf("%w: %q", ErrInvalidHint, s)
			}
			v, err := strconv.Atoi(p)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrInvalidHint, s)
			}
			// Minutes and seconds after the leading field are bounded like a clock
			if i > 0 && v >= 60 {
				return 0, fmt.Errorf("%w: %q", ErrInvalidHint, s)
			}
			total = total*60 + v
			if total > MaxHintSeconds {
				return 0, fmt.Errorf("%w: %q exceeds %ds", ErrInvalidHint, s, MaxHintSeconds)
			}
		}
		if total <= 0 {
			return 0, fmt.Errorf("%w: %q is not positive", ErrInvalidHint, s)
		}
		return total, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidHint, s)
	}
}

func positive(orig, digits string) (int, error) {
	if !isDigits(digits) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHint, orig)
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHint, orig)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%w: %q is not positive", ErrInvalidHint, orig)
	}
	if v > MaxHintSeconds {
		return 0, fmt.Errorf("%w: %q exceeds %ds", ErrInvalidHint, orig, MaxHintSeconds)
	}
	return v, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ExpandHints normalizes the raw request field into one string per image.
//
// A single entry may hold a JSON array literal or a block of free text with
// several "Image duration: N seconds" phrases; both are split into entries.
func ExpandHints(raw []string) []string {
	if len(raw) != 1 {
		return raw
	}

	single := strings.TrimSpace(raw[0])
	if strings.HasPrefix(single, "[") {
		var items []interface{}
		if err := json.Unmarshal([]byte(single), &items); err == nil {
			out := make([]string, 0, len(items))
			for _, item := range items {
				switch v := item.(type) {
				case string:
					out = append(out, v)
				case float64:
					out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
				default:
					out = append(out, fmt.Sprint(v))
				}
			}
			return out
		}
	}

	matches := hintPattern.FindAllString(single, -1)
	if len(matches) > 1 {
		return matches
	}
	return raw
}

// ParseHints parses every hint, failing on the first invalid one.
func ParseHints(raw []string) ([]int, error) {
	hints := ExpandHints(raw)
	out := make([]int, len(hints))
	for i, h := range hints {
		v, err := ParseHint(h)
		if err != nil {
			return nil, fmt.Errorf("hint %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// EvenSplit divides total seconds across n segments. The first
// total mod n segments get one extra second. Every segment lasts at least
// one second, so the sum exceeds total when total < n.
func EvenSplit(total, n int) []int {
	if n <= 0 {
		return nil
	}
	if total < 0 {
		total = 0
	}

	base := total / n
	rem := total - base*n
	out := make([]int, n)
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
		if out[i] < 1 {
			out[i] = 1
		}
	}
	return out
}

// TotalSeconds rounds a probed duration up to whole seconds.
func TotalSeconds(d float64) int {
	if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return int(math.Ceil(d))
}

// Resolve returns one duration per image. Explicit hints win only when there
// is exactly one valid hint per image; otherwise the narration length is split
// evenly. The second return value reports whether the hints were used.
func Resolve(raw []string, n int, narrationSeconds float64) ([]int, bool) {
	if len(raw) > 0 {
		if hints, err := ParseHints(raw); err == nil && len(hints) == n {
			return hints, true
		}
	}
	return EvenSplit(TotalSeconds(narrationSeconds), n), false
}

// Sum adds up segment durations.
func Sum(durations []int) int {
	total := 0
	for _, d := range durations {
		total += d
	}
	return total
}

// FormatMinSec renders a duration as "M:SS", rounding up to whole seconds.
func FormatMinSec(seconds float64) string {
	s := TotalSeconds(seconds)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
