// Package clocksync maps server snapshot timestamps onto the local clock and
// sizes the interpolation delay from the measured arrival jitter.
//
// The render time it produces is on the server timestamp axis, so it can be
// handed straight to timeline.Buffer.Sample.
package clocksync

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// Options tunes a Synchronizer. Durations are seconds.
type Options struct {
	MinDelay float64
	MaxDelay float64
	// JitterMultiplier scales measured jitter into extra delay.
	JitterMultiplier float64
	// OutlierStdDevs rejects offset samples further than this many
	// standard deviations from the estimate.
	OutlierStdDevs float64
	// DiscontinuityThreshold is the offset jump that resets the estimate.
	DiscontinuityThreshold float64
	// Smoothing is the EWMA weight of a new sample, in (0, 1].
	Smoothing float64
	// WarmupSamples are accepted unconditionally after a reset.
	WarmupSamples int
	// OutlierRun consecutive outliers are taken as a step change.
	OutlierRun int
	// MinStdDev floors the deviation used for outlier tests.
	MinStdDev float64
	Logger    hclog.Logger
}

// DefaultOptions returns settings suited to a 20-60Hz snapshot rate.
func DefaultOptions() Options {
	return Options{
		MinDelay:               0.05,
		MaxDelay:               0.5,
		JitterMultiplier:       3,
		OutlierStdDevs:         3,
		DiscontinuityThreshold: 1,
		Smoothing:              0.1,
		WarmupSamples:          8,
		OutlierRun:             5,
		MinStdDev:              0.002,
	}
}

func (o Options) Validate() error {
	switch {
	case o.MinDelay < 0:
		return fmt.Errorf("clocksync: negative min delay %v", o.MinDelay)
	case o.MinDelay > o.MaxDelay:
		return fmt.Errorf("clocksync: min delay %v exceeds max delay %v", o.MinDelay, o.MaxDelay)
	case o.JitterMultiplier < 0:
		return fmt.Errorf("clocksync: negative jitter multiplier %v", o.JitterMultiplier)
	case o.OutlierStdDevs <= 0:
		return fmt.Errorf("clocksync: outlier threshold must be positive, got %v", o.OutlierStdDevs)
	case o.DiscontinuityThreshold <= 0:
		return fmt.Errorf("clocksync: discontinuity threshold must be positive, got %v", o.DiscontinuityThreshold)
	case o.Smoothing <= 0 || o.Smoothing > 1:
		return fmt.Errorf("clocksync: smoothing must be in (0, 1], got %v", o.Smoothing)
	case o.WarmupSamples < 0 || o.OutlierRun < 1:
		return fmt.Errorf("clocksync: invalid warmup %d or outlier run %d", o.WarmupSamples, o.OutlierRun)
	}
	return nil
}

// ClockOffset is the published estimate for one connection.
type ClockOffset struct {
	// EstimatedLatency is the smoothed offset above the best offset seen
	// since connect, i.e. the queueing and transit delay on top of the
	// fastest observed delivery.
	EstimatedLatency    float64
	ServerTimeAtConnect float64
	LocalTimeAtConnect  float64
	// Offset is local arrival time minus server timestamp.
	Offset   float64
	Jitter   float64
	Interval float64
	Delay    float64
	Samples  uint64
}

// Stats counts what Observe did with its input.
type Stats struct {
	Samples         uint64
	Outliers        uint64
	Discontinuities uint64
	Resets          uint64
}

// Synchronizer is owned by one connection. Observe is called on every
// snapshot arrival and RenderTime on every render tick; the two may run on
// different goroutines.
type Synchronizer struct {
	opts   Options
	logger hclog.Logger

	mu       sync.Mutex
	seeded   bool
	offset   float64
	variance float64
	jitter   float64
	interval float64
	minOff   float64
	accepted int
	run      int
	lastSrv  float64
	lastLoc  float64
	hint     float64
	connSrv  float64
	connLoc  float64

	current atomic.Pointer[ClockOffset]

	samples, outliers, discontinuities, resets atomic.Uint64
}

func New(opts Options) (*Synchronizer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Synchronizer{opts: opts, logger: logger.Named("clocksync")}
	s.publishLocked()
	return s, nil
}

// Seed primes the delay used before enough samples have arrived to
// measure the snapshot interval, typically from a stored calibration.
func (s *Synchronizer) Seed(delay float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hint = delay
	s.publishLocked()
}

// Reset forgets everything learned except the seeded delay. Called on
// reconnect.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.resets.Add(1)
	s.logger.Debug("estimate reset")
	s.publishLocked()
}

func (s *Synchronizer) resetLocked() {
	s.seeded = false
	s.offset, s.variance, s.jitter, s.interval = 0, 0, 0, 0
	s.accepted, s.run = 0, 0
}

// Observe feeds one snapshot arrival: the server timestamp it carried and
// the local time it arrived.
func (s *Synchronizer) Observe(serverTs, localArrival float64) {
	if math.IsNaN(serverTs) || math.IsNaN(localArrival) || math.IsInf(serverTs, 0) || math.IsInf(localArrival, 0) {
		return
	}
	s.samples.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	raw := localArrival - serverTs
	if !s.seeded {
		s.seedLocked(serverTs, localArrival)
		s.publishLocked()
		return
	}

	dev := raw - s.offset
	if math.Abs(dev) > s.opts.DiscontinuityThreshold {
		s.discontinuities.Add(1)
		s.logger.Warn("clock discontinuity, resetting", "jump", dev, "threshold", s.opts.DiscontinuityThreshold)
		s.resetLocked()
		s.seedLocked(serverTs, localArrival)
		s.publishLocked()
		return
	}

	std := math.Max(math.Sqrt(s.variance), s.opts.MinStdDev)
	if s.accepted >= s.opts.WarmupSamples && math.Abs(dev) > s.opts.OutlierStdDevs*std {
		s.outliers.Add(1)
		s.run++
		if s.run < s.opts.OutlierRun {
			s.logger.Trace("offset outlier rejected", "deviation", dev, "stddev", std)
			return
		}
		// persistent shift: restart the estimate from here but keep the
		// interval and jitter, which are unaffected by a constant offset
		s.logger.Debug("offset step detected", "deviation", dev, "run", s.run)
		s.offset, s.variance, s.minOff = raw, 0, raw
		s.accepted, s.run = 1, 0
		s.trackGaps(serverTs, localArrival)
		s.publishLocked()
		return
	}
	s.run = 0

	a := s.opts.Smoothing
	s.offset += a * dev
	s.variance = (1 - a) * (s.variance + a*dev*dev)
	s.minOff = math.Min(s.minOff, raw)
	s.accepted++
	s.trackGaps(serverTs, localArrival)
	s.publishLocked()
}

func (s *Synchronizer) seedLocked(serverTs, localArrival float64) {
	s.seeded = true
	s.offset = localArrival - serverTs
	s.minOff = s.offset
	s.variance = 0
	s.accepted = 1
	s.lastSrv, s.lastLoc = serverTs, localArrival
	s.connSrv, s.connLoc = serverTs, localArrival
}

// trackGaps updates the snapshot interval and the RFC 3550 interarrival
// jitter. Reordered arrivals carry no gap information and are skipped.
func (s *Synchronizer) trackGaps(serverTs, localArrival float64) {
	srvGap := serverTs - s.lastSrv
	if srvGap <= 0 {
		return
	}
	locGap := localArrival - s.lastLoc
	s.lastSrv, s.lastLoc = serverTs, localArrival

	if s.interval == 0 {
		s.interval = srvGap
	} else {
		s.interval += s.opts.Smoothing * (srvGap - s.interval)
	}
	d := math.Abs(locGap - srvGap)
	s.jitter += (d - s.jitter) / 16
}

func (s *Synchronizer) delayLocked() float64 {
	var d float64
	switch {
	case s.interval > 0:
		d = 2*s.interval + s.opts.JitterMultiplier*s.jitter
	case s.hint > 0:
		d = s.hint
	default:
		d = s.opts.MaxDelay
	}
	return math.Min(math.Max(d, s.opts.MinDelay), s.opts.MaxDelay)
}

func (s *Synchronizer) publishLocked() {
	est := &ClockOffset{
		Offset:   s.offset,
		Jitter:   s.jitter,
		Interval: s.interval,
		Delay:    s.delayLocked(),
		Samples:  uint64(s.accepted),
	}
	if s.seeded {
		est.EstimatedLatency = s.offset - s.minOff
		est.ServerTimeAtConnect = s.connSrv
		est.LocalTimeAtConnect = s.connLoc
	}
	s.current.Store(est)
}

// Estimate returns the current published estimate.
func (s *Synchronizer) Estimate() ClockOffset {
	return *s.current.Load()
}

// Ready reports whether at least one arrival has been observed since the
// last reset.
func (s *Synchronizer) Ready() bool {
	return s.current.Load().Samples > 0
}

// InterpolationDelay is how far behind the newest expected snapshot the
// render time trails.
func (s *Synchronizer) InterpolationDelay() float64 {
	return s.current.Load().Delay
}

// RenderTime converts a local time into the server timestamp to sample.
func (s *Synchronizer) RenderTime(localNow float64) float64 {
	est := s.current.Load()
	return localNow - est.Offset - est.Delay
}

func (s *Synchronizer) Stats() Stats {
	return Stats{
		Samples:         s.samples.Load(),
		Outliers:        s.outliers.Load(),
		Discontinuities: s.discontinuities.Load(),
		Resets:          s.resets.Load(),
	}
}
