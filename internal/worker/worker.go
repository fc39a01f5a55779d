package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/montage/internal/models"
	"github.com/bobarin/montage/internal/services"
	"github.com/bobarin/montage/internal/storage"
	"github.com/bobarin/montage/internal/timeline"
	"github.com/bobarin/montage/internal/tracker"
)

const (
	defaultCleanupGrace = 10 * time.Minute
	maxParallelFetches  = 6
	publishTimeout      = 5 * time.Second
)

// Fetcher downloads one remote resource to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dest string) error
}

// Renderer runs the ffmpeg stages of a job.
type Renderer interface {
	ProbeAudio(ctx context.Context, path string) (*services.MediaInfo, error)
	SynthesizeSegment(ctx context.Context, req services.SegmentRequest) error
	LoopClip(ctx context.Context, req services.ClipRequest) error
	Concatenate(ctx context.Context, segmentPaths []string, outputPath string) error
	MuxAudio(ctx context.Context, req services.MuxRequest) error
}

// History persists job records. Implemented by *db.DB.
type History interface {
	CreateJob(ctx context.Context, job *models.JobRecord) error
	UpdateJobState(ctx context.Context, id string, state models.JobState) error
	UpdateJobTimeline(ctx context.Context, id string, totalSeconds int, timeline models.JSONB) error
	FinishJob(ctx context.Context, id string, state models.JobState, outputBytes int64, errorMessage string) error
}

type Options struct {
	Tracker      tracker.Tracker       // Optional live status
	History      History               // Optional job history
	Picker       services.EffectPicker // Defaults to services.RandomEffect
	MaxParallel  int                   // Concurrent segment encodes
	CleanupGrace time.Duration         // Max lifetime of a finished job's files
}

// Worker runs assembly jobs. One call to Run is one job; jobs share nothing
// but the workspace root.
type Worker struct {
	fetcher     Fetcher
	renderer    Renderer
	workspace   *storage.Workspace
	tracker     tracker.Tracker
	history     History
	picker      services.EffectPicker
	maxParallel int
	grace       time.Duration
}

func New(fetcher Fetcher, renderer Renderer, workspace *storage.Workspace, opts Options) *Worker {
	w := &Worker{
		fetcher:     fetcher,
		renderer:    renderer,
		workspace:   workspace,
		tracker:     opts.Tracker,
		history:     opts.History,
		picker:      opts.Picker,
		maxParallel: opts.MaxParallel,
		grace:       opts.CleanupGrace,
	}
	if w.picker == nil {
		w.picker = services.RandomEffect
	}
	if w.maxParallel < 1 {
		w.maxParallel = 1
	}
	if w.grace <= 0 {
		w.grace = defaultCleanupGrace
	}
	return w
}

// Result is a finished video waiting to be delivered. The caller must call
// Release once the file has been streamed; if it never does, the grace timer
// releases it.
type Result struct {
	JobID           string
	Path            string
	SizeBytes       int64
	DurationSeconds int
	Durations       []int
	Effects         []string

	once    sync.Once
	timer   *time.Timer
	cleanup func()
}

// Release removes the job's working directory. Safe to call more than once.
func (r *Result) Release() {
	r.once.Do(func() {
		if r.timer != nil {
			r.timer.Stop()
		}
		if r.cleanup != nil {
			r.cleanup()
		}
	})
}

// jobPaths are the fixed file names inside a job directory.
type jobPaths struct {
	sources    []string // Downloaded images or clips

	narration  string
	background string
	segments   []string
	concat     string
	final      string
}

func newJobPaths(job *models.Job) jobPaths {
	dir := job.WorkDir
	sources := job.Sources()
	p := jobPaths{
		sources:   make([]string, len(sources)),
		segments:  make([]string, len(sources)),
		narration: filepath.Join(dir, "narration"+storage.FileExt(job.NarrationURL, ".mp3")),
		concat:    filepath.Join(dir, "concat.mp4"),
		final:     filepath.Join(dir, "final.mp4"),
	}
	prefix, fallback := "image", ".jpg"
	if job.IsClipJob() {
		prefix, fallback = "clip", ".mp4"
	}
	for i, u := range sources {
		p.sources[i] = filepath.Join(dir, fmt.Sprintf("%s_%03d%s", prefix, i, storage.FileExt(u, fallback)))
		p.segments[i] = filepath.Join(dir, fmt.Sprintf("segment_%03d.mp4", i))
	}
	if job.HasBackground() {
		p.background = filepath.Join(dir, "background"+storage.FileExt(job.BackgroundURL, ".mp3"))
	}
	return p
}

// Run executes every stage of the job in order. On failure the job directory
// is removed and the first error is returned.
func (w *Worker) Run(ctx context.Context, job *models.Job) (*Result, error) {
	if len(job.ImageURLs) > 0 && len(job.VideoURLs) > 0 {
		return nil, &models.ValidationError{Field: "videoUrls", Message: "a job takes images or video clips, not both"}
	}
	if len(job.Sources()) == 0 {
		return nil, &models.ValidationError{Field: "imageUrls", Message: "at least one image URL is required"}
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	dir, err := w.workspace.CreateJobDir(job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create job workspace: %w", err)
	}
	job.WorkDir = dir
	job.State = models.JobStateCreated
	job.CreatedAt = time.Now()

	logger := log.With().Str("job_id", job.ID).Logger()
	logger.Info().
		Int("sources", len(job.Sources())).
		Bool("clips", job.IsClipJob()).
		Bool("background", job.HasBackground()).
		Msg("[Worker] Job created")

	w.recordCreated(ctx, job)

	result, err := w.run(ctx, job)
	if err != nil {
		logger.Error().Err(err).Str("state", string(job.State)).Msg("[Worker] Job failed")
		w.finish(ctx, job, models.JobStateFailed, 0, err.Error())
		w.removeDir(dir)
		return nil, err
	}

	logger.Info().
		Int("duration_sec", result.DurationSeconds).
		Int64("bytes", result.SizeBytes).
		Msg("[Worker] Job done")
	return result, nil
}

func (w *Worker) run(ctx context.Context, job *models.Job) (*Result, error) {
	paths := newJobPaths(job)
	n := len(job.Sources())

	// ── Fetch ───────────────────────────────────────────────────────────
	w.transition(ctx, job, models.JobStateFetching)
	if err := w.fetchAll(ctx, job, paths); err != nil {
		return nil, err
	}

	narration, err := w.renderer.ProbeAudio(ctx, paths.narration)
	if err != nil {
		return nil, fmt.Errorf("failed to probe narration: %w", err)
	}

	durations, fromHints := timeline.Resolve(job.DurationHints, n, narration.DurationSeconds)
	var effects []string
	if !job.IsClipJob() {
		effects = make([]string, n)
		for i := range effects {
			effects[i] = string(w.picker())
		}
	}
	job.SegmentDurations = durations
	job.Effects = effects

	log.Info().
		Str("job_id", job.ID).
		Ints("durations", durations).
		Bool("from_hints", fromHints).
		Float64("narration_sec", narration.DurationSeconds).
		Msg("[Worker] Timeline resolved")
	w.recordTimeline(ctx, job)

	// ── Synthesize ──────────────────────────────────────────────────────
	w.transition(ctx, job, models.JobStateSynthesizing)
	if err := w.synthesizeAll(ctx, job, paths); err != nil {
		return nil, err
	}

	// ── Concatenate ─────────────────────────────────────────────────────
	w.transition(ctx, job, models.JobStateConcatenating)
	if err := w.renderer.Concatenate(ctx, paths.segments, paths.concat); err != nil {
		return nil, err
	}

	// ── Mux ─────────────────────────────────────────────────────────────
	w.transition(ctx, job, models.JobStateMuxing)
	if err := w.renderer.MuxAudio(ctx, services.MuxRequest{
		VideoPath:        paths.concat,
		AudioPath:        paths.narration,
		OutputPath:       paths.final,
		BackgroundPath:   paths.background,
		NarrationSeconds: narration.DurationSeconds,
	}); err != nil {
		if services.IsInvalidInput(err) {
			log.Warn().Str("job_id", job.ID).Str("background", job.BackgroundURL).Msg("[Worker] Background audio rejected by ffmpeg")
		}
		return nil, err
	}

	info, err := os.Stat(paths.final)
	if err != nil {
		return nil, fmt.Errorf("final video missing: %w", err)
	}

	w.transition(ctx, job, models.JobStateDone)
	w.finish(ctx, job, models.JobStateDone, info.Size(), "")

	result := &Result{
		JobID:           job.ID,
		Path:            paths.final,
		SizeBytes:       info.Size(),
		DurationSeconds: timeline.Sum(durations),
		Durations:       durations,
		Effects:         effects,
	}
	dir := job.WorkDir
	result.cleanup = func() { w.removeDir(dir) }
	result.timer = time.AfterFunc(w.grace, func() {
		result.once.Do(func() {
			log.Warn().Str("job_id", job.ID).Dur("grace", w.grace).Msg("[Worker] Delivery did not finish, releasing job files")
			result.cleanup()
		})
	})
	return result, nil
}

func (w *Worker) fetchAll(ctx context.Context, job *models.Job, paths jobPaths) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)

	kind := "image"
	if job.IsClipJob() {
		kind = "clip"
	}
	for i, u := range job.Sources() {
		i, u := i, u
		g.Go(func() error {
			if err := w.fetcher.Fetch(gctx, storage.CleanURL(u), paths.sources[i]); err != nil {
				return fmt.Errorf("failed to fetch %s %d: %w", kind, i, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := w.fetcher.Fetch(gctx, storage.CleanURL(job.NarrationURL), paths.narration); err != nil {
			return fmt.Errorf("failed to fetch narration: %w", err)
		}
		return nil
	})

	if paths.background != "" {
		g.Go(func() error {
			if err := w.fetcher.Fetch(gctx, storage.CleanURL(job.BackgroundURL), paths.background); err != nil {
				return fmt.Errorf("failed to fetch background: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (w *Worker) synthesizeAll(ctx context.Context, job *models.Job, paths jobPaths) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxParallel)

	for i := range paths.segments {
		i := i
		g.Go(func() error {
			var err error
			if job.IsClipJob() {
				err = w.renderer.LoopClip(gctx, services.ClipRequest{
					VideoPath:       paths.sources[i],
					OutputPath:      paths.segments[i],
					DurationSeconds: job.SegmentDurations[i],
				})
			} else {
				err = w.renderer.SynthesizeSegment(gctx, services.SegmentRequest{
					ImagePath:       paths.sources[i],
					OutputPath:      paths.segments[i],
					DurationSeconds: job.SegmentDurations[i],
					Effect:          services.ParseEffect(job.Effects[i]),
				})
			}
			if err != nil {
				return fmt.Errorf("failed to synthesize segment %d: %w", i, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// transition moves the job forward and publishes the new state. Status and
// history failures are logged only.
func (w *Worker) transition(ctx context.Context, job *models.Job, next models.JobState) {
	if !job.State.CanTransitionTo(next) {
		log.Error().
			Str("job_id", job.ID).
			Str("from", string(job.State)).
			Str("to", string(next)).
			Msg("[Worker] Invalid state transition")
		return
	}
	job.State = next

	pctx, cancel := publishContext(ctx)
	defer cancel()

	w.publish(pctx, job, "")
	if w.history != nil && !next.IsTerminal() {
		if err := w.history.UpdateJobState(pctx, job.ID, next); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("[Worker] Failed to record job state")
		}
	}
}

func (w *Worker) finish(ctx context.Context, job *models.Job, state models.JobState, outputBytes int64, errMsg string) {
	if state == models.JobStateFailed {
		if !job.State.CanTransitionTo(models.JobStateFailed) {
			return
		}
		job.State = models.JobStateFailed
	}

	pctx, cancel := publishContext(ctx)
	defer cancel()

	if state == models.JobStateFailed {
		w.publish(pctx, job, errMsg)
	}
	if w.history != nil {
		if err := w.history.FinishJob(pctx, job.ID, state, outputBytes, errMsg); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("[Worker] Failed to record job result")
		}
	}
}

func (w *Worker) publish(ctx context.Context, job *models.Job, errMsg string) {
	if w.tracker == nil {
		return
	}
	status := models.JobStatus{
		ID:         job.ID,
		State:      job.State,
		ImageCount: len(job.Sources()),
		Error:      errMsg,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  time.Now(),
	}
	if err := w.tracker.Set(ctx, status); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("[Worker] Failed to publish job status")
	}
}

func (w *Worker) recordCreated(ctx context.Context, job *models.Job) {
	pctx, cancel := publishContext(ctx)
	defer cancel()

	w.publish(pctx, job, "")
	if w.history == nil {
		return
	}
	record := &models.JobRecord{
		ID:            job.ID,
		State:         job.State,
		ImageCount:    len(job.Sources()),
		HasBackground: job.HasBackground(),
	}
	if err := w.history.CreateJob(pctx, record); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("[Worker] Failed to record job")
	}
}

func (w *Worker) recordTimeline(ctx context.Context, job *models.Job) {
	if w.history == nil {
		return
	}
	pctx, cancel := publishContext(ctx)
	defer cancel()

	tl := models.JSONB{"durations": job.SegmentDurations, "effects": job.Effects}
	if err := w.history.UpdateJobTimeline(pctx, job.ID, timeline.Sum(job.SegmentDurations), tl); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("[Worker] Failed to record timeline")
	}
}

func (w *Worker) removeDir(dir string) {
	if err := w.workspace.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("dir", dir).Msg("[Worker] Failed to remove job dir")
		return
	}
	log.Debug().Str("dir", dir).Msg("[Worker] Job dir removed")
}

// publishContext outlives a cancelled request so the failure itself can
// still be recorded.
func publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
}
