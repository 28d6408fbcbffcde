package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/automoto/chrono/clocksync"
	"github.com/automoto/chrono/shared/snapshot"
	"github.com/automoto/chrono/timeline"
)

// Config is the root configuration shared by the server and client
// binaries.
type Config struct {
	Buffer      BufferConfig      `koanf:"buffer"`
	Clock       ClockConfig       `koanf:"clock"`
	Replication ReplicationConfig `koanf:"replication"`
	Server      ServerConfig      `koanf:"server"`
	Client      ClientConfig      `koanf:"client"`
	Log         LogConfig         `koanf:"log"`
	Calibration CalibrationConfig `koanf:"calibration"`
}

// BufferConfig sizes the per-entity snapshot history.
type BufferConfig struct {
	Capacity         int           `koanf:"capacity"`
	StaleTolerance   uint64        `koanf:"stale_tolerance"` // ticks
	MaxExtrapolation time.Duration `koanf:"max_extrapolation"`
}

// ClockConfig tunes the render delay and offset estimate.
type ClockConfig struct {
	MinDelay               time.Duration `koanf:"min_delay"`
	MaxDelay               time.Duration `koanf:"max_delay"`
	JitterMultiplier       float64       `koanf:"jitter_multiplier"`
	OutlierStdDevs         float64       `koanf:"outlier_stddevs"`
	DiscontinuityThreshold time.Duration `koanf:"discontinuity_threshold"`
	Smoothing              float64       `koanf:"smoothing"`
	WarmupSamples          int           `koanf:"warmup_samples"`
	OutlierRun             int           `koanf:"outlier_run"`
}

type ReplicationConfig struct {
	// SilenceTimeout drops client timelines not updated for this long.
	// Zero keeps them until a removal marker arrives.
	SilenceTimeout time.Duration `koanf:"silence_timeout"`
	// Disabled lists fields switched off at startup, per entity type.
	Disabled map[string][]string `koanf:"disabled"`
	// MarkerTicks is how many consecutive frames repeat a removal marker,
	// so a peer that skipped frames still sees it.
	MarkerTicks int `koanf:"marker_ticks"`
}

type ServerConfig struct {
	Addr        string `koanf:"addr"`
	MetricsAddr string `koanf:"metrics_addr"`
	Name        string `koanf:"name"`
	TickRate    int    `koanf:"tick_rate"`
	DemoNPCs    int    `koanf:"demo_npcs"`
}

type ClientConfig struct {
	URL            string        `koanf:"url"`
	FPS            int           `koanf:"fps"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// CalibrationConfig controls persistence of the learned render delay.
type CalibrationConfig struct {
	Enabled bool   `koanf:"enabled"`
	AppName string `koanf:"app_name"`
}

// Default returns a configuration for a 20Hz server on localhost.
func Default() Config {
	return Config{
		Buffer: BufferConfig{
			Capacity:         32,
			StaleTolerance:   2,
			MaxExtrapolation: 250 * time.Millisecond,
		},
		Clock: ClockConfig{
			MinDelay:               50 * time.Millisecond,
			MaxDelay:               500 * time.Millisecond,
			JitterMultiplier:       3,
			OutlierStdDevs:         3,
			DiscontinuityThreshold: time.Second,
			Smoothing:              0.1,
			WarmupSamples:          8,
			OutlierRun:             5,
		},
		Replication: ReplicationConfig{
			SilenceTimeout: 5 * time.Second,
			MarkerTicks:    20,
		},
		Server: ServerConfig{
			Addr:        ":7373",
			MetricsAddr: ":9373",
			Name:        "chrono",
			TickRate:    20,
			DemoNPCs:    8,
		},
		Client: ClientConfig{
			URL:            "ws://localhost:7373/ws",
			FPS:            60,
			ReconnectDelay: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Calibration: CalibrationConfig{
			Enabled: true,
			AppName: "chrono",
		},
	}
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Buffer.Capacity < timeline.MinCapacity {
		errs = append(errs, fmt.Errorf("buffer.capacity must be at least %d, got %d", timeline.MinCapacity, c.Buffer.Capacity))
	}
	if c.Buffer.MaxExtrapolation < 0 {
		errs = append(errs, fmt.Errorf("buffer.max_extrapolation must not be negative"))
	}
	if err := c.ClockOptions(nil).Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Replication.MarkerTicks < 1 {
		errs = append(errs, fmt.Errorf("replication.marker_ticks must be at least 1, got %d", c.Replication.MarkerTicks))
	}
	if c.Replication.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("replication.silence_timeout must not be negative"))
	}
	if c.Server.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("server.tick_rate must be positive, got %d", c.Server.TickRate))
	}
	if c.Server.DemoNPCs < 0 {
		errs = append(errs, fmt.Errorf("server.demo_npcs must not be negative"))
	}
	if c.Client.FPS <= 0 {
		errs = append(errs, fmt.Errorf("client.fps must be positive, got %d", c.Client.FPS))
	}
	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}
	return errors.Join(errs...)
}

// BufferOptions converts the buffer section.
func (c Config) BufferOptions(schemas *snapshot.Schemas, logger hclog.Logger) timeline.Options {
	return timeline.Options{
		Capacity:         c.Buffer.Capacity,
		StaleTolerance:   snapshot.Tick(c.Buffer.StaleTolerance),
		MaxExtrapolation: c.Buffer.MaxExtrapolation.Seconds(),
		Schemas:          schemas,
		Logger:           logger,
	}
}

// ClockOptions converts the clock section.
func (c Config) ClockOptions(logger hclog.Logger) clocksync.Options {
	opts := clocksync.DefaultOptions()
	opts.MinDelay = c.Clock.MinDelay.Seconds()
	opts.MaxDelay = c.Clock.MaxDelay.Seconds()
	opts.JitterMultiplier = c.Clock.JitterMultiplier
	opts.OutlierStdDevs = c.Clock.OutlierStdDevs
	opts.DiscontinuityThreshold = c.Clock.DiscontinuityThreshold.Seconds()
	opts.Smoothing = c.Clock.Smoothing
	opts.WarmupSamples = c.Clock.WarmupSamples
	opts.OutlierRun = c.Clock.OutlierRun
	opts.Logger = logger
	return opts
}
