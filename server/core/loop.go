package core

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

type GameLoop struct {
	step     func() error
	tickRate int
	logger   hclog.Logger
	stopChan chan struct{}
}

func NewGameLoop(step func() error, tickRate int, logger hclog.Logger) *GameLoop {
	return &GameLoop{
		step:     step,
		tickRate: tickRate,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Run ticks until ctx is done or Stop is called. A failing step is logged
// and the loop keeps going.
func (g *GameLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(g.tickRate))
	defer ticker.Stop()

	g.logger.Info("game loop started", "tick_rate", g.tickRate)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("game loop stopped")
			return nil
		case <-g.stopChan:
			g.logger.Info("game loop stopped")
			return nil
		case <-ticker.C:
			if err := g.step(); err != nil {
				g.logger.Error("tick failed", "error", err)
			}
		}
	}
}

func (g *GameLoop) Stop() {
	close(g.stopChan)
}
