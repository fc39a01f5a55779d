package main

import (
	"sync"

	"github.com/spf13/cobra"

	"github.com/bobarin/montage/internal/config"
	"github.com/bobarin/montage/internal/logging"
	"github.com/bobarin/montage/internal/services"
)

type commandContext struct {
	logLevel *string

	once   sync.Once
	config *config.Config
	err    error
}

// ensureConfig loads the same environment the server uses, once.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.err = err
			return
		}
		if c.logLevel != nil && *c.logLevel != "" {
			cfg.LogLevel = *c.logLevel
		}
		logging.Init(cfg.LogLevel, "development")
		c.config = cfg
	})
	return c.config, c.err
}

func (c *commandContext) ffmpeg() (*services.FFmpegService, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	width, height, err := services.ParseResolution(cfg.RenderResolution)
	if err != nil {
		return nil, err
	}
	return services.NewFFmpegService(services.Options{
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
	}), nil
}

func newRootCommand() *cobra.Command {
	var logLevel string
	ctx := &commandContext{logLevel: &logLevel}

	rootCmd := &cobra.Command{
		Use:           "montage",
		Short:         "Assemble narrated slideshow videos with ffmpeg",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newAssembleCommand(ctx))
	rootCmd.AddCommand(newProbeCommand(ctx))
	rootCmd.AddCommand(newTimelineCommand())

	return rootCmd
}
