package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	AppEnv             string // "development" switches to human-readable console logs
	LogLevel           string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Workspace: every job gets its own subdirectory under TempRoot
	TempRoot     string
	CleanupGrace time.Duration // Max time a finished job's files survive if delivery hangs

	// External tools
	FFmpegBin  string
	FFprobeBin string

	// Rendering
	RenderResolution        string // WIDTHxHEIGHT of every synthesized segment
	RenderFPS               int
	SegmentTimeoutBase      time.Duration
	SegmentTimeoutPerSecond time.Duration // Added per second of segment duration
	MuxTimeout              time.Duration
	MaxParallelSegments     int
	MaxImages               int

	// Audio
	BackgroundGain   float64 // Gain of the background track relative to narration
	AudioLoopMode    string  // "forward" or "pingpong"
	AudioBufferMaxMB int

	// Downloads
	FetchMaxRetries int

	// AI proxy (Gemini preferred, OpenAI for gpt-* models)
	GeminiKey string
	OpenAIKey string

	// Optional job status / history stores (empty = disabled)
	RedisURL    string
	DatabaseURL string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:                 getEnv("API_PORT", "3000"),
		AppEnv:                  getEnv("APP_ENV", "production"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		BackendAPIKey:           getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:      getEnv("CORS_ALLOWED_ORIGINS", ""),
		TempRoot:                getEnv("TEMP_ROOT", "/tmp/montage"),
		CleanupGrace:            getEnvDuration("CLEANUP_GRACE", 10*time.Minute),
		FFmpegBin:               getEnv("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin:              getEnv("FFPROBE_BIN", "ffprobe"),
		RenderResolution:        getEnv("RENDER_RESOLUTION", "1920x1080"),
		RenderFPS:               getEnvInt("RENDER_FPS", 30),
		SegmentTimeoutBase:      getEnvDuration("SEGMENT_TIMEOUT_BASE", 2*time.Minute),
		SegmentTimeoutPerSecond: getEnvDuration("SEGMENT_TIMEOUT_PER_SECOND", 10*time.Second),
		MuxTimeout:              getEnvDuration("MUX_TIMEOUT", 10*time.Minute),
		MaxParallelSegments:     getEnvInt("MAX_PARALLEL_SEGMENTS", 2),
		MaxImages:               getEnvInt("MAX_IMAGES", 200),
		BackgroundGain:          getEnvFloat("BACKGROUND_GAIN", 0.3),
		AudioLoopMode:           strings.ToLower(getEnv("AUDIO_LOOP_MODE", "forward")),
		AudioBufferMaxMB:        getEnvInt("AUDIO_BUFFER_MAX_MB", 10),
		FetchMaxRetries:         getEnvInt("FETCH_MAX_RETRIES", 3),
		GeminiKey:               getEnv("GEMINI_API_KEY", getEnv("GOOGLE_GENAI_API_KEY", "")),
		OpenAIKey:               getEnv("OPENAI_API_KEY", ""),
		RedisURL:                getEnv("REDIS_URL", ""),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TempRoot) == "" {
		return fmt.Errorf("TEMP_ROOT is required")
	}

	if c.RenderFPS <= 0 || c.RenderFPS > 120 {
		return fmt.Errorf("RENDER_FPS must be between 1 and 120, got %d", c.RenderFPS)
	}

	if c.MaxParallelSegments < 1 {
		return fmt.Errorf("MAX_PARALLEL_SEGMENTS must be at least 1")
	}

	if c.MaxImages < 1 {
		return fmt.Errorf("MAX_IMAGES must be at least 1")
	}

	if c.BackgroundGain <= 0 || c.BackgroundGain > 1 {
		return fmt.Errorf("BACKGROUND_GAIN must be in (0, 1], got %v", c.BackgroundGain)
	}

	if c.AudioLoopMode != "forward" && c.AudioLoopMode != "pingpong" {
		return fmt.Errorf("AUDIO_LOOP_MODE must be forward or pingpong, got %q", c.AudioLoopMode)
	}

	if c.AudioBufferMaxMB < 1 {
		return fmt.Errorf("AUDIO_BUFFER_MAX_MB must be at least 1")
	}

	if c.FetchMaxRetries < 0 {
		return fmt.Errorf("FETCH_MAX_RETRIES cannot be negative")
	}

	if c.SegmentTimeoutBase <= 0 || c.MuxTimeout <= 0 {
		return fmt.Errorf("SEGMENT_TIMEOUT_BASE and MUX_TIMEOUT must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "2m") or plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
