package core

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-hclog"
	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"

	"github.com/automoto/chrono/registry"
	"github.com/automoto/chrono/shared/protocol"
	"github.com/automoto/chrono/shared/snapshot"
)

// NPC states carried in the discrete state field.
const (
	NpcIdle int64 = iota
	NpcPatrolRight
	NpcPatrolLeft
)

const (
	patrolDistance = 128
	patrolSeconds  = 2
	respawnEvery   = 200 // ticks
)

type npc struct {
	id     snapshot.EntityID
	lane   float64
	start  float64
	patrol *gween.Sequence
	lastX  float64
	hp     float64
}

// DemoDriver patrols a handful of NPCs back and forth and periodically
// respawns one so removals travel through the pipeline too.
type DemoDriver struct {
	reg    *registry.Registry
	npcs   []*npc
	logger hclog.Logger
}

func NewDemoDriver(reg *registry.Registry, count int, logger hclog.Logger) (*DemoDriver, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	d := &DemoDriver{reg: reg, logger: logger.Named("demo")}
	for i := 0; i < count; i++ {
		n := &npc{
			id:    snapshot.EntityID(fmt.Sprintf("npc-%d", i)),
			lane:  float64(i) * 32,
			start: float64(i%4) * 48,
		}
		if err := d.spawn(n); err != nil {
			return nil, err
		}
		d.npcs = append(d.npcs, n)
	}
	return d, nil
}

func (d *DemoDriver) spawn(n *npc) error {
	// The floating platform pattern: out and back again, forever.
	n.patrol = gween.NewSequence()
	n.patrol.Add(
		gween.New(float32(n.start), float32(n.start+patrolDistance), patrolSeconds, ease.InOutQuad),
		gween.New(float32(n.start+patrolDistance), float32(n.start), patrolSeconds, ease.InOutQuad),
	)
	n.lastX = n.start
	n.hp = 100
	return d.reg.Spawn(n.id, protocol.TypeNPC, map[string]snapshot.Value{
		protocol.FieldPosition: snapshot.Vec3(n.start, n.lane, 0),
		protocol.FieldRotation: snapshot.Identity(),
		protocol.FieldState:    snapshot.Discrete(NpcIdle),
		protocol.FieldHealth:   snapshot.Scalar(n.hp),
	})
}

// Update is a System.
func (d *DemoDriver) Update(tick snapshot.Tick, dt float64) {
	if len(d.npcs) > 0 && tick%respawnEvery == 0 {
		n := d.npcs[int(tick/respawnEvery)%len(d.npcs)]
		d.reg.Despawn(n.id)
		if err := d.spawn(n); err != nil {
			d.logger.Error("respawn failed", "npc", n.id, "error", err)
		}
		d.logger.Debug("npc respawned", "npc", n.id, "tick", tick)
		return
	}

	for _, n := range d.npcs {
		x, _, done := n.patrol.Update(float32(dt))
		if done {
			n.patrol.Reset()
		}
		d.move(n, float64(x), dt)
	}
}

func (d *DemoDriver) move(n *npc, x, dt float64) {
	dx := x - n.lastX
	n.lastX = x

	state := NpcIdle
	switch {
	case dx > 1e-6:
		state = NpcPatrolRight
	case dx < -1e-6:
		state = NpcPatrolLeft
	}

	// facing about z: 0 when moving right, pi when moving left
	yaw := 0.0
	if state == NpcPatrolLeft {
		yaw = math.Pi
	}

	n.hp -= 2 * dt
	if n.hp <= 0 {
		n.hp = 100
	}

	set := func(field string, v snapshot.Value) {
		if err := d.reg.Set(n.id, field, v); err != nil {
			d.logger.Trace("npc update skipped", "npc", n.id, "field", field, "error", err)
		}
	}
	set(protocol.FieldPosition, snapshot.Vec3(x, n.lane, 0))
	set(protocol.FieldVelocity, snapshot.Vec3(dx/dt, 0, 0))
	set(protocol.FieldRotation, snapshot.Quat(0, 0, math.Sin(yaw/2), math.Cos(yaw/2)))
	set(protocol.FieldState, snapshot.Discrete(state))
	set(protocol.FieldHealth, snapshot.Scalar(n.hp))
}
