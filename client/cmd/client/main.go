package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/automoto/chrono/calibration"
	"github.com/automoto/chrono/client"
	"github.com/automoto/chrono/config"
	"github.com/automoto/chrono/telemetry"
)

func main() {
	app := &cli.App{
		Name:  "chrono-client",
		Usage: "Connect to a snapshot server and log interpolated entity state",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"CHRONO_CONFIG"}},
			&cli.StringFlag{Name: "url", Usage: "Server WebSocket URL"},
			&cli.IntFlag{Name: "fps", Usage: "Render rate (frames per second)"},
			&cli.DurationFlag{Name: "report", Usage: "How often to log entity state"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("url") {
		cfg.Client.URL = c.String("url")
	}
	if c.IsSet("fps") {
		cfg.Client.FPS = c.Int("fps")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := telemetry.NewLogger("chrono-client", cfg.Log)

	opts := client.Options{Config: cfg, Logger: logger}
	if cfg.Calibration.Enabled {
		store, err := calibration.Open(cfg.Calibration.AppName, logger)
		if err != nil {
			logger.Warn("calibration disabled", "error", err)
		} else {
			opts.Calibrations = store
		}
	}

	// one report per second by default
	every := cfg.Client.FPS
	if d := c.Duration("report"); d > 0 {
		every = int(d.Seconds() * float64(cfg.Client.FPS))
		if every < 1 {
			every = 1
		}
	}
	var frames int
	var cl *client.Client
	opts.OnFrame = func(localNow float64, applied int) {
		frames++
		if frames%every != 0 {
			return
		}
		reg := cl.Registry()
		est := cl.Clock().Estimate()
		logger.Info("frame", "entities", applied, "delay", est.Delay, "jitter", est.Jitter,
			"latency", est.EstimatedLatency, "state", cl.Connection().State())
		for _, ref := range reg.Entities() {
			rs, err := cl.Query(ref.ID, localNow)
			if err != nil {
				continue
			}
			logger.Debug("entity", "id", ref.ID, "type", ref.Type, "ticks", fmt.Sprintf("%d-%d", rs.SourceTicks.Low, rs.SourceTicks.High),
				"extrapolated", rs.Extrapolated, "fields", rs.Fields)
		}
	}

	cl, err = client.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("client started", "url", cfg.Client.URL, "fps", cfg.Client.FPS)
	return cl.Run(ctx)
}
