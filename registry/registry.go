// Package registry stores replicated entities in a donburi world. On the
// server it is the capture source; on the client it is where interpolated
// state lands.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/yohamta/donburi"

	"github.com/automoto/chrono/shared/snapshot"
	"github.com/automoto/chrono/timeline"
)

type IdentityData struct {
	ID   snapshot.EntityID
	Type string
}

type FieldsData struct {
	Values map[string]snapshot.Value
}

var (
	Identity = donburi.NewComponentType[IdentityData]()
	Fields   = donburi.NewComponentType[FieldsData]()
)

// Registry is safe for concurrent use; the world itself is only touched
// under mu.
type Registry struct {
	mu       sync.Mutex
	world    donburi.World
	schemas  *snapshot.Schemas
	index    map[snapshot.EntityID]donburi.Entity
	onRemove []func(snapshot.EntityRef)
	logger   hclog.Logger
}

func New(schemas *snapshot.Schemas, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		world:   donburi.NewWorld(),
		schemas: schemas,
		index:   make(map[snapshot.EntityID]donburi.Entity),
		logger:  logger.Named("registry"),
	}
}

// OnRemove registers fn to be called after an entity is despawned.
func (r *Registry) OnRemove(fn func(snapshot.EntityRef)) {
	r.mu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.mu.Unlock()
}

// Spawn creates an entity with its initial authored values.
func (r *Registry) Spawn(id snapshot.EntityID, entityType string, fields map[string]snapshot.Value) error {
	if err := r.schemas.Validate(snapshot.New(0, 0, id, entityType, fields)); err != nil {
		return fmt.Errorf("spawn %q: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[id]; ok {
		return fmt.Errorf("spawn %q: already exists", id)
	}
	r.spawnLocked(id, entityType, fields)
	return nil
}

func (r *Registry) spawnLocked(id snapshot.EntityID, entityType string, fields map[string]snapshot.Value) *donburi.Entry {
	entity := r.world.Create(Identity, Fields)
	entry := r.world.Entry(entity)
	Identity.Set(entry, &IdentityData{ID: id, Type: entityType})

	values := make(map[string]snapshot.Value, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	Fields.Set(entry, &FieldsData{Values: values})
	r.index[id] = entity
	r.logger.Debug("entity spawned", "entity", id, "type", entityType)
	return entry
}

// Set authors one field value.
func (r *Registry) Set(id snapshot.EntityID, field string, v snapshot.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entryLocked(id)
	if !ok {
		return fmt.Errorf("set %q: %w", id, snapshot.ErrEntityUnknown)
	}
	ident := Identity.Get(entry)
	schema, ok := r.schemas.Lookup(ident.Type)
	if !ok {
		return fmt.Errorf("set %q: no schema for %q", id, ident.Type)
	}
	spec, ok := schema.Field(field)
	if !ok {
		return fmt.Errorf("set %q: unknown field %q", id, field)
	}
	if spec.Kind != v.Kind {
		return fmt.Errorf("set %q.%s: want %s, got %s", id, field, spec.Kind, v.Kind)
	}
	Fields.Get(entry).Values[field] = v
	return nil
}

// Despawn removes id and notifies removal listeners.
func (r *Registry) Despawn(id snapshot.EntityID) bool {
	r.mu.Lock()
	entry, ok := r.entryLocked(id)
	if !ok {
		r.mu.Unlock()
		return false
	}
	ref := snapshot.EntityRef{ID: id, Type: Identity.Get(entry).Type}
	r.world.Remove(r.index[id])
	delete(r.index, id)
	fns := append([]func(snapshot.EntityRef){}, r.onRemove...)
	r.mu.Unlock()

	r.logger.Debug("entity despawned", "entity", id)
	for _, fn := range fns {
		fn(ref)
	}
	return true
}

// Forget drops id without notifying listeners. The client uses it when
// the replication layer already knows the entity is gone.
func (r *Registry) Forget(ref snapshot.EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entity, ok := r.index[ref.ID]; ok {
		if r.world.Valid(entity) {
			r.world.Remove(entity)
		}
		delete(r.index, ref.ID)
	}
}

func (r *Registry) entryLocked(id snapshot.EntityID) (*donburi.Entry, bool) {
	entity, ok := r.index[id]
	if !ok || !r.world.Valid(entity) {
		return nil, false
	}
	return r.world.Entry(entity), true
}

// Entities lists every entity ordered by id.
func (r *Registry) Entities() []snapshot.EntityRef {
	r.mu.Lock()
	out := make([]snapshot.EntityRef, 0, len(r.index))
	Identity.Each(r.world, func(entry *donburi.Entry) {
		ident := Identity.Get(entry)
		out = append(out, snapshot.EntityRef{ID: ident.ID, Type: ident.Type})
	})
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Schema(entityType string) (*snapshot.Schema, bool) {
	return r.schemas.Lookup(entityType)
}

// ReadField returns the current authored value of one field.
func (r *Registry) ReadField(id snapshot.EntityID, field string) (snapshot.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entryLocked(id)
	if !ok {
		return snapshot.Value{}, false
	}
	v, ok := Fields.Get(entry).Values[field]
	return v, ok
}

// Apply writes interpolated state, creating the entity on first sight.
// Fields the state does not carry keep their local value.
func (r *Registry) Apply(state timeline.RenderState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entryLocked(state.Entity)
	if !ok {
		entry = r.spawnLocked(state.Entity, state.Type, nil)
	}
	values := Fields.Get(entry).Values
	for k, v := range state.Fields {
		values[k] = v
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}
