package telemetry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automoto/chrono/clocksync"
	"github.com/automoto/chrono/config"
	"github.com/automoto/chrono/rendercache"
	"github.com/automoto/chrono/shared/snapshot"
	"github.com/automoto/chrono/timeline"
)

func TestCollectorExportsAttachedSources(t *testing.T) {
	buf, err := timeline.New(timeline.Options{Capacity: 4})
	require.NoError(t, err)
	buf.Register("a", "npc")
	_, err = buf.Insert(snapshot.New(1, 1, "a", "npc", nil))
	require.NoError(t, err)

	sync, err := clocksync.New(clocksync.DefaultOptions())
	require.NoError(t, err)
	sync.Observe(1, 1.1)

	c := NewCollector(Sources{
		Buffer: buf,
		Cache:  rendercache.New(),
		Clock:  sync,
		Peers:  func() int { return 3 },
	})
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, f := range families {
		m := f.GetMetric()[0]
		if m.GetCounter() != nil {
			values[f.GetName()] = m.GetCounter().GetValue()
		} else {
			values[f.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, values["chrono_buffer_inserted_total"])
	assert.Equal(t, 1.0, values["chrono_buffer_entities"])
	assert.Equal(t, 1.0, values["chrono_clock_samples_total"])
	assert.InDelta(t, 0.1, values["chrono_clock_offset_seconds"], 1e-9)
	assert.Equal(t, 3.0, values["chrono_server_peers"])
	assert.Contains(t, values, "chrono_cache_hits_total")

	_, hasClient := values["chrono_client_frames_total"]
	assert.False(t, hasClient)
}

func TestLoggerHonoursLevel(t *testing.T) {
	var out bytes.Buffer
	logger := newLogger("test", config.LogConfig{Level: "warn"}, &out)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "shown")

	out.Reset()
	logger = newLogger("test", config.LogConfig{Level: "debug", JSON: true}, &out)
	logger.Debug("structured", "entity", "a")
	assert.Contains(t, out.String(), `"entity":"a"`)
}
