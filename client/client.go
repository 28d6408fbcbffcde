// Package client assembles the receiving side: transport, clock estimate,
// snapshot timelines and the local registry, driven by one render loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/automoto/chrono/calibration"
	"github.com/automoto/chrono/clocksync"
	"github.com/automoto/chrono/config"
	"github.com/automoto/chrono/network"
	"github.com/automoto/chrono/registry"
	"github.com/automoto/chrono/rendercache"
	"github.com/automoto/chrono/replication"
	"github.com/automoto/chrono/shared/protocol"
	"github.com/automoto/chrono/shared/snapshot"
	"github.com/automoto/chrono/telemetry"
	"github.com/automoto/chrono/timeline"
)

// Calibrations persists the learned render delay per server.
// *calibration.Store implements it.
type Calibrations interface {
	Load(server string) (calibration.Calibration, bool)
	Save(c calibration.Calibration) error
}

type Options struct {
	Config config.Config
	// Clock defaults to the system clock.
	Clock        clocksync.Clock
	Calibrations Calibrations
	Logger       hclog.Logger
	// OnFrame runs after every render tick with the number of entities
	// applied to the registry.
	OnFrame func(localNow float64, applied int)
}

// Client is one connection's worth of replication state.
type Client struct {
	cfg     config.Config
	clock   clocksync.Clock
	calib   Calibrations
	onFrame func(float64, int)
	logger  hclog.Logger

	schemas  *snapshot.Schemas
	buffer   *timeline.Buffer
	sync     *clocksync.Synchronizer
	cache    *rendercache.Cache
	coord    *replication.Client
	registry *registry.Registry
	conn     *network.Client
	metrics  *telemetry.Collector
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clocksync.NewSystemClock()
	}

	schemas, err := protocol.RegisterSchemas()
	if err != nil {
		return nil, fmt.Errorf("register schemas: %w", err)
	}
	buffer, err := timeline.New(cfg.BufferOptions(schemas, logger))
	if err != nil {
		return nil, err
	}
	sync, err := clocksync.New(cfg.ClockOptions(logger))
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		clock:    clock,
		calib:    opts.Calibrations,
		onFrame:  opts.OnFrame,
		logger:   logger.Named("chrono"),
		schemas:  schemas,
		buffer:   buffer,
		sync:     sync,
		cache:    rendercache.New(),
		registry: registry.New(schemas, logger),
	}

	if c.calib != nil {
		if cal, ok := c.calib.Load(cfg.Client.URL); ok {
			sync.Seed(cal.Delay)
			c.logger.Info("using stored calibration", "server", cal.Server, "delay", cal.Delay, "saved_at", cal.SavedAt)
		}
	}

	policy := replication.NewPolicy()
	policy.DisableFields(cfg.Replication.Disabled)

	c.coord, err = replication.NewClient(replication.ClientOptions{
		Buffer:         buffer,
		Sync:           sync,
		Clock:          clock,
		Cache:          c.cache,
		Schemas:        schemas,
		Policy:         policy,
		SilenceTimeout: cfg.Replication.SilenceTimeout.Seconds(),
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	// the replication layer already knows; don't echo back into it
	c.coord.OnRemove(c.registry.Forget)

	c.conn = network.NewClient(cfg.Client.URL, c.coord.OnSnapshotBytesReceived, cfg.Client.ReconnectDelay, logger)
	c.metrics = telemetry.NewCollector(telemetry.Sources{
		Buffer: buffer,
		Cache:  c.cache,
		Clock:  sync,
		Client: c.coord,
	})
	return c, nil
}

// Run connects to the server and drives the render loop at the configured
// rate until ctx is done. The calibration is saved on the way out.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.conn.Run(ctx) })
	g.Go(func() error { return c.renderLoop(ctx) })
	err := g.Wait()

	if c.calib != nil {
		if serr := c.SaveCalibration(); serr != nil {
			c.logger.Debug("calibration not saved", "error", serr)
		}
	}
	return err
}

func (c *Client) renderLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.Client.FPS))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Frame(c.clock.Now())
		}
	}
}

// Frame runs one render tick: expire silent entities, then write the
// interpolated state of every known entity into the registry.
func (c *Client) Frame(localNow float64) int {
	for _, ref := range c.coord.Sweep(localNow) {
		c.logger.Debug("entity timed out", "entity", ref.ID)
	}
	n := c.coord.ApplyAll(localNow, c.registry)
	if c.onFrame != nil {
		c.onFrame(localNow, n)
	}
	return n
}

// Query returns the interpolated state of id at localNow.
func (c *Client) Query(id snapshot.EntityID, localNow float64) (timeline.RenderState, error) {
	return c.coord.Query(id, localNow)
}

// OnSnapshotBytesReceived feeds a payload from a transport other than the
// built-in websocket client.
func (c *Client) OnSnapshotBytesReceived(b []byte) error {
	return c.coord.OnSnapshotBytesReceived(b)
}

// SaveCalibration stores the current delay for the configured server.
func (c *Client) SaveCalibration() error {
	if c.calib == nil {
		return errors.New("no calibration store")
	}
	est := c.sync.Estimate()
	if est.Samples == 0 {
		return errors.New("no clock samples yet")
	}
	return c.calib.Save(calibration.Calibration{
		Server: c.cfg.Client.URL,
		Delay:  est.Delay,
		Jitter: est.Jitter,
	})
}

func (c *Client) Now() float64 { return c.clock.Now() }

func (c *Client) Registry() *registry.Registry { return c.registry }

func (c *Client) Coordinator() *replication.Client { return c.coord }

func (c *Client) Clock() *clocksync.Synchronizer { return c.sync }

func (c *Client) Connection() *network.Client { return c.conn }

// Metrics exposes the client's counters for a prometheus registry.
func (c *Client) Metrics() *telemetry.Collector { return c.metrics }
