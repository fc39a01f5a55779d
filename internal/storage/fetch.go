package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// Download timeout per attempt; narration and background tracks can be large
	downloadTimeout = 120 * time.Second

	maxRedirects = 10

	// Retry configuration
	defaultMaxRetries = 3
	baseRetryDelay    = 1 * time.Second
	maxRetryDelay     = 30 * time.Second
)

// Fetch failure causes
const (
	CauseBadStatus  = "bad_status"
	CauseEmptyBody  = "empty_body"
	CauseNetwork    = "network"
	CauseInvalidURL = "invalid_url"
)

// FetchError reports why a remote resource could not be downloaded.
type FetchError struct {
	Cause  string
	URL    string
	Status int // Final HTTP status for bad_status
	Err    error
}

func (e *FetchError) Error() string {
	if e.Cause == CauseBadStatus {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Cause, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s)", e.URL, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher downloads remote images and audio to local files.
type Fetcher struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewFetcher(maxRetries int) *Fetcher {
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		maxRetries: maxRetries,
		baseDelay:  baseRetryDelay,
		maxDelay:   maxRetryDelay,
	}
}

// WithRetryDelay overrides the backoff bounds (for testing).
func (f *Fetcher) WithRetryDelay(base, max time.Duration) *Fetcher {
	f.baseDelay = base
	f.maxDelay = max
	return f
}

// CleanURL strips whitespace and stray quoting characters that upstream
// tools sometimes wrap around URLs, e.g. "`https://x/a.png`".
func CleanURL(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "`\"' \t\r\n<>")
}

// ParseHTTPURL cleans raw and requires an absolute http(s) URL with a host.
func ParseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(CleanURL(raw))
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("only absolute http(s) URLs are supported")
	}
	return u, nil
}

// mediaExts are the file extensions ffmpeg can be trusted to recognize from
// the name alone. Anything else is replaced by the caller's fallback.
var mediaExts = map[string]bool{
	// images
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true,
	// audio
	".mp3": true, ".wav": true, ".m4a": true, ".aac": true, ".ogg": true,
	".oga": true, ".opus": true, ".flac": true,
	// video
	".mp4": true, ".m4v": true, ".mov": true, ".webm": true, ".mkv": true,
}

// FileExt returns the lowercase media extension of the URL path, or fallback
// when the path has none or it is not a known media type (".php", ".aspx").
func FileExt(rawURL, fallback string) string {
	u, err := url.Parse(CleanURL(rawURL))
	if err != nil {
		return fallback
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if !mediaExts[ext] {
		return fallback
	}
	return ext
}

// Fetch downloads rawURL to dest, following redirects. Transient failures
// (network errors, 408/429/502/503/504) are retried with exponential backoff.
// On failure no partial file is left at dest.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) error {
	target := CleanURL(rawURL)
	if _, err := ParseHTTPURL(target); err != nil {
		return &FetchError{Cause: CauseInvalidURL, URL: target, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.retryDelay(attempt)
			log.Warn().
				Str("url", target).
				Int("attempt", attempt).
				Int("max_retries", f.maxRetries).
				Dur("delay", delay).
				Err(lastErr).
				Msg("[Fetch] Retrying download")

			select {
			case <-ctx.Done():
				return &FetchError{Cause: CauseNetwork, URL: target, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		lastErr = f.fetchOnce(ctx, target, dest)
		if lastErr == nil {
			if attempt > 0 {
				log.Info().Str("url", target).Int("attempt", attempt+1).Msg("[Fetch] Download succeeded after retry")
			}
			return nil
		}
		if ctx.Err() != nil || !isRetryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, target, dest string) error {
	dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, target, nil)
	if err != nil {
		return &FetchError{Cause: CauseInvalidURL, URL: target, Err: err}
	}
	req.Header.Set("User-Agent", "montage/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return &FetchError{Cause: CauseNetwork, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &FetchError{Cause: CauseBadStatus, URL: target, Status: resp.StatusCode}
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	n, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(dest)
		return &FetchError{Cause: CauseNetwork, URL: target, Err: copyErr}
	}
	if closeErr != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to write %s: %w", dest, closeErr)
	}
	if n == 0 {
		os.Remove(dest)
		return &FetchError{Cause: CauseEmptyBody, URL: target}
	}

	log.Debug().Str("url", target).Str("dest", dest).Int64("bytes", n).Msg("[Fetch] Downloaded")
	return nil
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func (f *Fetcher) retryDelay(attempt int) time.Duration {
	delay := float64(f.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(f.maxDelay) {
		delay = float64(f.maxDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryable(err error) bool {
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		return false
	}
	switch fetchErr.Cause {
	case CauseBadStatus:
		return isRetryableStatus(fetchErr.Status)
	case CauseNetwork:
		return isRetryableError(fetchErr.Err)
	default:
		return false
	}
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}
