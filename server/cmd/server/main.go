package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/automoto/chrono/config"
	"github.com/automoto/chrono/network"
	"github.com/automoto/chrono/registry"
	"github.com/automoto/chrono/replication"
	"github.com/automoto/chrono/server/core"
	"github.com/automoto/chrono/shared/protocol"
	"github.com/automoto/chrono/telemetry"
)

func main() {
	app := &cli.App{
		Name:  "chrono-server",
		Usage: "Authoritative snapshot server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"CHRONO_CONFIG"}},
			&cli.StringFlag{Name: "addr", Usage: "WebSocket listen address"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Prometheus listen address (empty disables)"},
			&cli.IntFlag{Name: "tick-rate", Usage: "Server tick rate (updates per second)"},
			&cli.StringFlag{Name: "name", Usage: "Server display name"},
			&cli.IntFlag{Name: "demo-npcs", Usage: "Number of patrolling NPCs to simulate"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("metrics-addr") {
		cfg.Server.MetricsAddr = c.String("metrics-addr")
	}
	if c.IsSet("tick-rate") {
		cfg.Server.TickRate = c.Int("tick-rate")
	}
	if c.IsSet("name") {
		cfg.Server.Name = c.String("name")
	}
	if c.IsSet("demo-npcs") {
		cfg.Server.DemoNPCs = c.Int("demo-npcs")
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger("chrono-server", cfg.Log)

	schemas, err := protocol.RegisterSchemas()
	if err != nil {
		return fmt.Errorf("register schemas: %w", err)
	}
	world := registry.New(schemas, logger)
	policy := replication.NewPolicy()
	policy.DisableFields(cfg.Replication.Disabled)

	var srv *core.Server
	hub := network.NewHub(func(id string) ([]byte, error) { return srv.Welcome(id) }, logger)
	srv, err = core.NewServer(core.Options{
		Name:        cfg.Server.Name,
		TickRate:    cfg.Server.TickRate,
		Registry:    world,
		Policy:      policy,
		MarkerTicks: cfg.Replication.MarkerTicks,
		Sender:      hub,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if cfg.Server.DemoNPCs > 0 {
		demo, err := core.NewDemoDriver(world, cfg.Server.DemoNPCs, logger)
		if err != nil {
			return err
		}
		srv.AddSystem(demo.Update)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	servers := []*http.Server{{Addr: cfg.Server.Addr, Handler: mux}}

	if cfg.Server.MetricsAddr != "" {
		collector := telemetry.NewCollector(telemetry.Sources{Server: srv.Coordinator(), Peers: hub.PeerCount})
		metrics := http.NewServeMux()
		metrics.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metrics})
	}

	for _, hs := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", hs.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error { return srv.Loop().Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, hs := range servers {
			_ = hs.Shutdown(shutdownCtx)
		}
		return nil
	})

	logger.Info("server started", "name", cfg.Server.Name, "tick_rate", cfg.Server.TickRate, "npcs", cfg.Server.DemoNPCs)
	return g.Wait()
}
