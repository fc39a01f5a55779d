package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Enums
type JobState string

const (
	JobStateCreated       JobState = "created"
	JobStateFetching      JobState = "fetching"
	JobStateSynthesizing  JobState = "synthesizing"
	JobStateConcatenating JobState = "concatenating"
	JobStateMuxing        JobState = "muxing"
	JobStateDone          JobState = "done"
	JobStateFailed        JobState = "failed"
)

// jobTransitions lists the forward edges of the job state machine.
// JobStateFailed is reachable from every non-terminal state.
var jobTransitions = map[JobState]JobState{
	JobStateCreated:       JobStateFetching,
	JobStateFetching:      JobStateSynthesizing,
	JobStateSynthesizing:  JobStateConcatenating,
	JobStateConcatenating: JobStateMuxing,
	JobStateMuxing:        JobStateDone,
}

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s JobState) CanTransitionTo(next JobState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == JobStateFailed {
		return true
	}
	return jobTransitions[s] == next
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source %T", value)
	}
	return json.Unmarshal(raw, j)
}

// Models

// Job is one video-assembly request. It lives for a single request/response cycle.
type Job struct {
	ID               string
	WorkDir          string   // Exclusive per-job directory, removed when the job ends
	ImageURLs        []string // Timeline order
	VideoURLs        []string // Clip sources, used instead of ImageURLs
	NarrationURL     string
	BackgroundURL    string   // Optional
	DurationHints    []string // Raw segmentDurations; nil means derive from narration
	SegmentDurations []int    // Resolved durations, one per source
	Effects          []string // Motion effect per image; empty for clip jobs
	State            JobState
	CreatedAt        time.Time
}

// HasBackground reports whether a background track should be mixed in.
func (j *Job) HasBackground() bool {
	return strings.TrimSpace(j.BackgroundURL) != ""
}

// IsClipJob reports whether the timeline is built from video clips.
func (j *Job) IsClipJob() bool {
	return len(j.VideoURLs) > 0
}

// Sources returns the timeline inputs in order, clips or images.
func (j *Job) Sources() []string {
	if j.IsClipJob() {
		return j.VideoURLs
	}
	return j.ImageURLs
}

// JobStatus is the live view of a job published while it runs.
type JobStatus struct {
	ID         string    `json:"id"`
	State      JobState  `json:"state"`
	ImageCount int       `json:"image_count"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobRecord is the persisted history row for a job.
type JobRecord struct {
	ID               string     `json:"id"`
	State            JobState   `json:"state"`
	ImageCount       int        `json:"image_count"`
	HasBackground    bool       `json:"has_background"`
	TotalDurationSec *int       `json:"total_duration_sec,omitempty"`
	Timeline         JSONB      `json:"timeline,omitempty"` // {"durations": [...], "effects": [...]}
	OutputBytes      *int64     `json:"output_bytes,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// DurationHints holds the raw segmentDurations field of an assemble request.
// It accepts a JSON array of numbers and/or strings, or a single free-text string.
type DurationHints []string

func (h *DurationHints) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*h = nil
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*h = DurationHints{s}
		return nil
	}

	var items []interface{}
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("segmentDurations must be an array or a string: %w", err)
	}

	out := make(DurationHints, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			// Kept as-is so the strict parser rejects it and the job falls back to an even split
			out = append(out, fmt.Sprint(v))
		}
	}
	*h = out
	return nil
}

// DTOs for API requests/responses

type AssembleRequest struct {
	ImageURLs        []string      `json:"imageUrls"`
	NarrationURL     string        `json:"narrationUrl"`
	SegmentDurations DurationHints `json:"segmentDurations,omitempty"`
	BackgroundURL    string        `json:"backgroundUrl,omitempty"`
}

// Validate checks required fields before any external process is started.
func (r *AssembleRequest) Validate(maxImages int) error {
	if len(r.ImageURLs) == 0 {
		return &ValidationError{Field: "imageUrls", Message: "at least one image URL is required"}
	}
	if maxImages > 0 && len(r.ImageURLs) > maxImages {
		return &ValidationError{Field: "imageUrls", Message: fmt.Sprintf("at most %d images are allowed", maxImages)}
	}
	for i, u := range r.ImageURLs {
		if strings.Trim(u, "` \t\r\n\"'") == "" {
			return &ValidationError{Field: "imageUrls", Message: fmt.Sprintf("image URL %d is empty", i)}
		}
	}
	if strings.Trim(r.NarrationURL, "` \t\r\n\"'") == "" {
		return &ValidationError{Field: "narrationUrl", Message: "narration URL is required"}
	}
	return nil
}

// VideoClip is one entry of a merge request. Duration is in seconds and may
// be sent as a number or a numeric string.
type VideoClip struct {
	URL      string      `json:"url"`
	Duration json.Number `json:"duration,omitempty"`
}

type MergeVideoRequest struct {
	Videos        []VideoClip `json:"videos"`
	AudioURL      string      `json:"audioUrl"`
	BackgroundURL string      `json:"backgroundUrl,omitempty"`
}

// Validate checks required fields before any external process is started.
func (r *MergeVideoRequest) Validate(maxClips int) error {
	if len(r.Videos) == 0 {
		return &ValidationError{Field: "videos", Message: "at least one video is required"}
	}
	if maxClips > 0 && len(r.Videos) > maxClips {
		return &ValidationError{Field: "videos", Message: fmt.Sprintf("at most %d videos are allowed", maxClips)}
	}
	for i, v := range r.Videos {
		if strings.Trim(v.URL, "` \t\r\n\"'") == "" {
			return &ValidationError{Field: "videos", Message: fmt.Sprintf("video %d has no url", i)}
		}
	}
	if strings.Trim(r.AudioURL, "` \t\r\n\"'") == "" {
		return &ValidationError{Field: "audioUrl", Message: "audio URL is required"}
	}
	return nil
}

// URLs returns the clip URLs in order.
func (r *MergeVideoRequest) URLs() []string {
	urls := make([]string, len(r.Videos))
	for i, v := range r.Videos {
		urls[i] = v.URL
	}
	return urls
}

// DurationHints returns one hint per clip, or nil when any clip has none so
// the job splits the narration evenly.
func (r *MergeVideoRequest) DurationHints() []string {
	hints := make([]string, len(r.Videos))
	for i, v := range r.Videos {
		if v.Duration == "" {
			return nil
		}
		hints[i] = v.Duration.String()
	}
	return hints
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type GenerateResponse struct {
	Status  int         `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

type AudioInfoResponse struct {
	Status   int    `json:"status"`
	Duration int    `json:"duration"` // Whole seconds, rounded up
	Name     string `json:"name"`
}

type AudioBufferResponse struct {
	Message   string  `json:"message"`
	Duration  string  `json:"duration"` // "M:SS"
	Size      float64 `json:"size"`     // Megabytes
	Format    string  `json:"format"`
	Bitrate   int64   `json:"bitrate"`
	StartTime float64 `json:"start_time"`
}

type ListJobsResponse struct {
	Jobs  []JobRecord `json:"jobs"`
	Limit int         `json:"limit"`
}

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
