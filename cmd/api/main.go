package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bobarin/montage/internal/api"
	"github.com/bobarin/montage/internal/config"
	"github.com/bobarin/montage/internal/db"
	"github.com/bobarin/montage/internal/logging"
	"github.com/bobarin/montage/internal/services"
	"github.com/bobarin/montage/internal/storage"
	"github.com/bobarin/montage/internal/tracker"
	"github.com/bobarin/montage/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(cfg.LogLevel, cfg.AppEnv)
	log.Info().Msg("Starting Montage API...")

	// Temp root is created once; jobs only ever own subdirectories of it
	workspace, err := storage.NewWorkspace(cfg.TempRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare temp root")
	}
	if n, err := workspace.SweepStale(cfg.CleanupGrace); err != nil {
		log.Warn().Err(err).Msg("Failed to sweep stale job dirs")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("Removed stale job dirs from a previous run")
	}

	width, height, err := services.ParseResolution(cfg.RenderResolution)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid RENDER_RESOLUTION")
	}
	ffmpegSvc := services.NewFFmpegService(services.Options{
		FFmpegBin:               cfg.FFmpegBin,
		FFprobeBin:              cfg.FFprobeBin,
		Width:                   width,
		Height:                  height,
		FPS:                     cfg.RenderFPS,
		SegmentTimeoutBase:      cfg.SegmentTimeoutBase,
		SegmentTimeoutPerSecond: cfg.SegmentTimeoutPerSecond,
		MuxTimeout:              cfg.MuxTimeout,
		BackgroundGain:          cfg.BackgroundGain,
		LoopMode:                cfg.AudioLoopMode,
	})
	renderW, renderH := ffmpegSvc.Resolution()
	log.Info().Int("width", renderW).Int("height", renderH).Int("fps", cfg.RenderFPS).Msg("[FFmpeg] Render profile")
	fetcher := storage.NewFetcher(cfg.FetchMaxRetries)

	// Live job status: Redis when configured, in-process otherwise
	var statusTracker tracker.Tracker = tracker.NewMemoryTracker(0)
	if cfg.RedisURL != "" {
		redisTracker, err := tracker.NewRedisTracker(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisTracker.Close()
		statusTracker = redisTracker
		log.Info().Msg("Job status tracked in Redis")
	}

	// Job history is optional
	workerOpts := worker.Options{
		Tracker:      statusTracker,
		MaxParallel:  cfg.MaxParallelSegments,
		CleanupGrace: cfg.CleanupGrace,
	}
	handlerCfg := api.HandlerConfig{
		Prober:      ffmpegSvc,
		Tracker:     statusTracker,
		UploadDir:   workspace.Root(),
		MaxImages:   cfg.MaxImages,
		MaxAudioMiB: cfg.AudioBufferMaxMB,
	}
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()
		if err := database.Migrate(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
		workerOpts.History = database
		handlerCfg.History = database
		log.Info().Msg("Job history stored in PostgreSQL")
	}

	// AI proxy: providers without a key stay nil
	var gemini, openai services.Generator
	if cfg.GeminiKey != "" {
		geminiSvc, err := services.NewGeminiService(context.Background(), cfg.GeminiKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Gemini client")
		}
		gemini = geminiSvc
	}
	if cfg.OpenAIKey != "" {
		openai = services.NewOpenAIService(cfg.OpenAIKey)
	}
	if gemini == nil && openai == nil {
		log.Warn().Msg("No GEMINI_API_KEY or OPENAI_API_KEY set, /generate will answer 503")
	}
	handlerCfg.Generator = services.NewGeneratorRouter(gemini, openai)

	handlerCfg.Assembler = worker.New(fetcher, ffmpegSvc, workspace, workerOpts)

	router := api.NewRouter(api.NewHandler(handlerCfg), api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.APIPort).Str("temp_root", workspace.Root()).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Running jobs get the same window as in-flight downloads
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
