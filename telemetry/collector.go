package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/automoto/chrono/clocksync"
	"github.com/automoto/chrono/rendercache"
	"github.com/automoto/chrono/replication"
	"github.com/automoto/chrono/timeline"
)

const namespace = "chrono"

type (
	BufferStats interface {
		Stats() timeline.Stats
	}
	CacheStats interface {
		Stats() rendercache.Stats
	}
	ClockStats interface {
		Stats() clocksync.Stats
		Estimate() clocksync.ClockOffset
	}
	ClientStats interface {
		Stats() replication.ClientStats
	}
	ServerStats interface {
		Stats() replication.ServerStats
	}
)

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Buffer BufferStats
	Cache  CacheStats
	Clock  ClockStats
	Client ClientStats
	Server ServerStats
	Peers  func() int
}

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(s Sources) (float64, bool)
}

// Collector implements prometheus.Collector over the engine counters.
type Collector struct {
	src     Sources
	metrics []metric
}

func NewCollector(src Sources) *Collector {
	c := &Collector{src: src}

	buffer := func(name, help string, get func(timeline.Stats) float64) {
		c.add("buffer", name, help, prometheus.CounterValue, func(s Sources) (float64, bool) {
			if s.Buffer == nil {
				return 0, false
			}
			return get(s.Buffer.Stats()), true
		})
	}
	buffer("inserted_total", "Snapshots inserted into a timeline.", func(st timeline.Stats) float64 { return float64(st.Inserted) })
	buffer("replaced_total", "Snapshots that replaced one with the same tick.", func(st timeline.Stats) float64 { return float64(st.Replaced) })
	buffer("stale_total", "Snapshots dropped as older than the retention window.", func(st timeline.Stats) float64 { return float64(st.Stale) })
	buffer("malformed_total", "Snapshots dropped as inconsistent with their timeline.", func(st timeline.Stats) float64 { return float64(st.Malformed) })
	buffer("evicted_total", "Snapshots evicted to stay within capacity.", func(st timeline.Stats) float64 { return float64(st.Evicted) })
	buffer("samples_total", "Render samples computed.", func(st timeline.Stats) float64 { return float64(st.Samples) })
	buffer("extrapolated_total", "Render samples past the newest snapshot.", func(st timeline.Stats) float64 { return float64(st.Extrapolated) })
	buffer("clamped_total", "Render samples before the oldest snapshot.", func(st timeline.Stats) float64 { return float64(st.Clamped) })
	c.add("buffer", "entities", "Entities with a timeline.", prometheus.GaugeValue, func(s Sources) (float64, bool) {
		if s.Buffer == nil {
			return 0, false
		}
		return float64(s.Buffer.Stats().Entities), true
	})

	cache := func(name, help string, kind prometheus.ValueType, get func(rendercache.Stats) float64) {
		c.add("cache", name, help, kind, func(s Sources) (float64, bool) {
			if s.Cache == nil {
				return 0, false
			}
			return get(s.Cache.Stats()), true
		})
	}
	cache("hits_total", "Render queries answered from the cache.", prometheus.CounterValue, func(st rendercache.Stats) float64 { return float64(st.Hits) })
	cache("misses_total", "Render queries that had to sample.", prometheus.CounterValue, func(st rendercache.Stats) float64 { return float64(st.Misses) })
	cache("invalidations_total", "Cache entries dropped by a new snapshot.", prometheus.CounterValue, func(st rendercache.Stats) float64 { return float64(st.Invalidations) })

	clock := func(name, help string, kind prometheus.ValueType, get func(clocksync.Stats, clocksync.ClockOffset) float64) {
		c.add("clock", name, help, kind, func(s Sources) (float64, bool) {
			if s.Clock == nil {
				return 0, false
			}
			return get(s.Clock.Stats(), s.Clock.Estimate()), true
		})
	}
	clock("samples_total", "Arrival samples observed.", prometheus.CounterValue, func(st clocksync.Stats, _ clocksync.ClockOffset) float64 { return float64(st.Samples) })
	clock("outliers_total", "Arrival samples rejected as outliers.", prometheus.CounterValue, func(st clocksync.Stats, _ clocksync.ClockOffset) float64 { return float64(st.Outliers) })
	clock("discontinuities_total", "Offset jumps that reset the estimate.", prometheus.CounterValue, func(st clocksync.Stats, _ clocksync.ClockOffset) float64 { return float64(st.Discontinuities) })
	clock("offset_seconds", "Local arrival time minus server timestamp.", prometheus.GaugeValue, func(_ clocksync.Stats, e clocksync.ClockOffset) float64 { return e.Offset })
	clock("jitter_seconds", "Interarrival jitter.", prometheus.GaugeValue, func(_ clocksync.Stats, e clocksync.ClockOffset) float64 { return e.Jitter })
	clock("delay_seconds", "Interpolation delay.", prometheus.GaugeValue, func(_ clocksync.Stats, e clocksync.ClockOffset) float64 { return e.Delay })
	clock("latency_seconds", "Estimated latency above the fastest delivery.", prometheus.GaugeValue, func(_ clocksync.Stats, e clocksync.ClockOffset) float64 { return e.EstimatedLatency })

	client := func(name, help string, get func(replication.ClientStats) float64) {
		c.add("client", name, help, prometheus.CounterValue, func(s Sources) (float64, bool) {
			if s.Client == nil {
				return 0, false
			}
			return get(s.Client.Stats()), true
		})
	}
	client("frames_total", "Snapshot frames received.", func(st replication.ClientStats) float64 { return float64(st.Frames) })
	client("malformed_total", "Payloads or snapshots that failed decoding or validation.", func(st replication.ClientStats) float64 { return float64(st.Malformed) })
	client("buried_total", "Snapshots dropped for entities already removed.", func(st replication.ClientStats) float64 { return float64(st.Buried) })
	client("removed_total", "Entities torn down by removal markers.", func(st replication.ClientStats) float64 { return float64(st.Removed) })
	client("expired_total", "Entities torn down by the silence timeout.", func(st replication.ClientStats) float64 { return float64(st.Expired) })
	client("reconnects_total", "Connections after the first.", func(st replication.ClientStats) float64 { return float64(st.Reconnects) })

	server := func(name, help string, get func(replication.ServerStats) float64) {
		c.add("server", name, help, prometheus.CounterValue, func(s Sources) (float64, bool) {
			if s.Server == nil {
				return 0, false
			}
			return get(s.Server.Stats()), true
		})
	}
	server("captures_total", "Ticks captured.", func(st replication.ServerStats) float64 { return float64(st.Captures) })
	server("snapshots_total", "Snapshots captured, removal markers included.", func(st replication.ServerStats) float64 { return float64(st.Snapshots) })
	server("removals_total", "Removal markers captured.", func(st replication.ServerStats) float64 { return float64(st.Removals) })
	c.add("server", "peers", "Connected clients.", prometheus.GaugeValue, func(s Sources) (float64, bool) {
		if s.Peers == nil {
			return 0, false
		}
		return float64(s.Peers()), true
	})

	return c
}

func (c *Collector) add(subsystem, name, help string, kind prometheus.ValueType, value func(Sources) (float64, bool)) {
	c.metrics = append(c.metrics, metric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
		kind:  kind,
		value: value,
	})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.metrics {
		if v, ok := m.value(c.src); ok {
			ch <- prometheus.MustNewConstMetric(m.desc, m.kind, v)
		}
	}
}

// Registry returns a registry holding only c.
func (c *Collector) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}
