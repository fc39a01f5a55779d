package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bobarin/montage/internal/db"
	"github.com/bobarin/montage/internal/models"
	"github.com/bobarin/montage/internal/services"
	"github.com/bobarin/montage/internal/storage"
	"github.com/bobarin/montage/internal/timeline"
	"github.com/bobarin/montage/internal/tracker"
	"github.com/bobarin/montage/internal/worker"
)

const (
	maxAssembleBodyBytes = 1 << 20
	maxMultipartMemory   = 32 << 20
	maxGenerateUpload    = 20 << 20
)

// Assembler runs one video job. Implemented by *worker.Worker.
type Assembler interface {
	Run(ctx context.Context, job *models.Job) (*worker.Result, error)
}

// AudioProber inspects uploaded audio. Implemented by *services.FFmpegService.
type AudioProber interface {
	ProbeAudio(ctx context.Context, path string) (*services.MediaInfo, error)
}

// JobHistory reads persisted job records. Implemented by *db.DB.
type JobHistory interface {
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	ListJobs(ctx context.Context, state string, limit, offset int) ([]models.JobRecord, error)
}

// HandlerConfig wires the handler's collaborators. Tracker, History and
// Generator may be nil; the endpoints that need them answer 503.
type HandlerConfig struct {
	Assembler   Assembler
	Prober      AudioProber
	Generator   services.Generator
	Tracker     tracker.Tracker
	History     JobHistory
	UploadDir   string // Scratch space for uploaded audio, files are removed after analysis
	MaxImages   int
	MaxAudioMiB int
}

type Handler struct {
	assembler     Assembler
	prober        AudioProber
	generator     services.Generator
	tracker       tracker.Tracker
	history       JobHistory
	uploadDir     string
	maxImages     int
	maxAudioBytes int64
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		assembler:     cfg.Assembler,
		prober:        cfg.Prober,
		generator:     cfg.Generator,
		tracker:       cfg.Tracker,
		history:       cfg.History,
		uploadDir:     cfg.UploadDir,
		maxImages:     cfg.MaxImages,
		maxAudioBytes: int64(cfg.MaxAudioMiB) << 20,
	}
	if h.uploadDir == "" {
		h.uploadDir = os.TempDir()
	}
	if h.maxAudioBytes <= 0 {
		h.maxAudioBytes = 10 << 20
	}
	return h
}

// AssembleVideo builds a video from remote images and narration and streams
// it back as an mp4 attachment.
func (h *Handler) AssembleVideo(w http.ResponseWriter, r *http.Request) {
	var req models.AssembleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAssembleBodyBytes)).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body", Detail: err.Error()})
		return
	}
	if err := req.Validate(h.maxImages); err != nil {
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Detail: err.Error()})
		return
	}

	job := &models.Job{
		ID:            uuid.New().String(),
		ImageURLs:     req.ImageURLs,
		NarrationURL:  req.NarrationURL,
		BackgroundURL: req.BackgroundURL,
		DurationHints: []string(req.SegmentDurations),
	}
	h.runAndStream(w, r, job, "imageUrls", "narrationUrl")
}

// MergeCreateVideo builds a video from remote clips, each ping-pong looped
// or cut to its requested duration, under the narration track.
func (h *Handler) MergeCreateVideo(w http.ResponseWriter, r *http.Request) {
	var req models.MergeVideoRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAssembleBodyBytes)).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body", Detail: err.Error()})
		return
	}
	if err := req.Validate(h.maxImages); err != nil {
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Detail: err.Error()})
		return
	}

	job := &models.Job{
		ID:            uuid.New().String(),
		VideoURLs:     req.URLs(),
		NarrationURL:  req.AudioURL,
		BackgroundURL: req.BackgroundURL,
		DurationHints: req.DurationHints(),
	}
	h.runAndStream(w, r, job, "videos", "audioUrl")
}

// checkSourceURLs rejects anything the fetcher would refuse, so bad input is a
// 400 before a job directory exists.
func checkSourceURLs(job *models.Job, sourceField, narrationField string) error {
	for i, u := range job.Sources() {
		if _, err := storage.ParseHTTPURL(u); err != nil {
			return &models.ValidationError{Field: sourceField, Message: fmt.Sprintf("URL %d: %v", i, err)}
		}
	}
	if _, err := storage.ParseHTTPURL(job.NarrationURL); err != nil {
		return &models.ValidationError{Field: narrationField, Message: err.Error()}
	}
	if job.HasBackground() {
		if _, err := storage.ParseHTTPURL(job.BackgroundURL); err != nil {
			return &models.ValidationError{Field: "backgroundUrl", Message: err.Error()}
		}
	}
	return nil
}

// runAndStream runs the job and streams the finished mp4. The job's files are
// released once the copy ends, whether or not the client read it all.
func (h *Handler) runAndStream(w http.ResponseWriter, r *http.Request, job *models.Job, sourceField, narrationField string) {
	if err := checkSourceURLs(job, sourceField, narrationField); err != nil {
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Detail: err.Error()})
		return
	}

	result, err := h.assembler.Run(r.Context(), job)
	if err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Detail: vErr.Error()})
			return
		}
		respondJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Processing failed", Detail: err.Error()})
		return
	}
	defer result.Release()

	f, err := os.Open(result.Path)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Processing failed", Detail: "output file unavailable"})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="video-%s.mp4"`, result.JobID))
	w.Header().Set("Content-Length", strconv.FormatInt(result.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)

	if n, err := io.Copy(w, f); err != nil {
		log.Warn().Err(err).Str("job_id", result.JobID).Int64("sent", n).Msg("[API] Video delivery interrupted")
	}
}

// AudioInfo reports the whole-second duration of an uploaded audio file.
func (h *Handler) AudioInfo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	info, err := h.probeUpload(r.Context(), file, filepath.Ext(header.Filename))
	if err != nil {
		h.respondProbeError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, models.AudioInfoResponse{
		Status:   http.StatusOK,
		Duration: timeline.TotalSeconds(info.DurationSeconds),
		Name:     header.Filename,
	})
}

// AudioBuffer analyzes a raw audio/mpeg request body.
func (h *Handler) AudioBuffer(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "audio/mpeg" {
		respondError(w, http.StatusUnsupportedMediaType, "Content-Type must be audio/mpeg")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxAudioBytes)
	info, err := h.probeUpload(r.Context(), body, ".mp3")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("audio exceeds %d MB", h.maxAudioBytes>>20))
			return
		}
		h.respondProbeError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, models.AudioBufferResponse{
		Message:   "Audio processed successfully",
		Duration:  timeline.FormatMinSec(info.DurationSeconds),
		Size:      math.Round(float64(info.SizeBytes)/(1<<20)*100) / 100,
		Format:    info.FormatName,
		Bitrate:   info.BitRate,
		StartTime: info.StartTime,
	})
}

var errEmptyUpload = errors.New("empty upload")

// probeUpload spools src to a scratch file, probes it, and removes it.
func (h *Handler) probeUpload(ctx context.Context, src io.Reader, ext string) (*services.MediaInfo, error) {
	tmp, err := os.CreateTemp(h.uploadDir, "upload-*"+sanitizeExt(ext))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	n, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if copyErr != nil {
		return nil, copyErr
	}
	if closeErr != nil {
		return nil, closeErr
	}
	if n == 0 {
		return nil, errEmptyUpload
	}

	return h.prober.ProbeAudio(ctx, path)
}

func (h *Handler) respondProbeError(w http.ResponseWriter, err error) {
	var probeErr *services.ProbeError
	switch {
	case errors.Is(err, errEmptyUpload):
		respondError(w, http.StatusBadRequest, "audio is empty")
	case errors.As(err, &probeErr):
		respondJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Error: "Invalid audio", Detail: probeErr.Error()})
	default:
		log.Error().Err(err).Msg("[API] Audio analysis failed")
		respondJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Audio analysis failed", Detail: err.Error()})
	}
}

func sanitizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if len(ext) < 2 || len(ext) > 6 || strings.ContainsAny(ext, `/\ `) {
		return ""
	}
	return ext
}

// Generate proxies a prompt, and optionally an image, to a generative model.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	if h.generator == nil {
		respondJSON(w, http.StatusServiceUnavailable, models.GenerateResponse{Status: http.StatusServiceUnavailable, Message: "no generative provider configured"})
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		respondJSON(w, http.StatusBadRequest, models.GenerateResponse{Status: http.StatusBadRequest, Message: "invalid multipart form"})
		return
	}

	req := services.GenerateRequest{
		Model:  r.FormValue("model"),
		Prompt: r.FormValue("prompt"),
	}

	if file, header, err := r.FormFile("file"); err == nil {
		data, err := io.ReadAll(io.LimitReader(file, maxGenerateUpload+1))
		file.Close()
		if err != nil {
			respondJSON(w, http.StatusBadRequest, models.GenerateResponse{Status: http.StatusBadRequest, Message: "failed to read file"})
			return
		}
		if len(data) > maxGenerateUpload {
			respondJSON(w, http.StatusRequestEntityTooLarge, models.GenerateResponse{Status: http.StatusRequestEntityTooLarge, Message: "file too large"})
			return
		}
		req.Image = data
		req.ImageMIMEType = header.Header.Get("Content-Type")
		if req.ImageMIMEType == "" || req.ImageMIMEType == "application/octet-stream" {
			req.ImageMIMEType = http.DetectContentType(data)
		}
	}

	data, err := h.generator.Generate(r.Context(), req)
	if err != nil {
		var vErr *models.ValidationError
		switch {
		case errors.As(err, &vErr):
			respondJSON(w, http.StatusBadRequest, models.GenerateResponse{Status: http.StatusBadRequest, Message: vErr.Error()})
		case errors.Is(err, services.ErrProviderUnavailable):
			respondJSON(w, http.StatusServiceUnavailable, models.GenerateResponse{Status: http.StatusServiceUnavailable, Message: err.Error()})
		default:
			log.Error().Err(err).Str("model", req.Model).Msg("[API] Generation failed")
			respondJSON(w, http.StatusInternalServerError, models.GenerateResponse{Status: http.StatusInternalServerError, Message: err.Error()})
		}
		return
	}

	respondJSON(w, http.StatusOK, models.GenerateResponse{Status: http.StatusOK, Data: data})
}

// GetJob returns the live status of a running or recently finished job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		respondError(w, http.StatusServiceUnavailable, "Job tracking is disabled")
		return
	}

	status, err := h.tracker.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, tracker.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// ListJobs returns recent jobs from the history store, newest first.
// Query params:
//   - state:  optional state filter
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondError(w, http.StatusServiceUnavailable, "Job history is disabled")
		return
	}

	stateFilter := r.URL.Query().Get("state")
	if stateFilter != "" {
		switch models.JobState(stateFilter) {
		case models.JobStateCreated, models.JobStateFetching, models.JobStateSynthesizing,
			models.JobStateConcatenating, models.JobStateMuxing, models.JobStateDone, models.JobStateFailed:
			// valid
		default:
			respondError(w, http.StatusBadRequest, "Invalid state filter. Allowed: created, fetching, synthesizing, concatenating, muxing, done, failed")
			return
		}
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	jobs, err := h.history.ListJobs(r.Context(), stateFilter, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("[API] Failed to list jobs")
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	respondJSON(w, http.StatusOK, models.ListJobsResponse{Jobs: jobs, Limit: limit})
}

// GetJobRecord returns the persisted history row of one job.
func (h *Handler) GetJobRecord(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondError(w, http.StatusServiceUnavailable, "Job history is disabled")
		return
	}

	record, err := h.history.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	respondJSON(w, http.StatusOK, record)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, models.ErrorResponse{Error: message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
