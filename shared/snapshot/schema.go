package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tanema/gween/ease"
)

// FieldSpec describes one replicated field of an entity type.
type FieldSpec struct {
	Name string
	Kind Kind
	// Ease shapes the blend factor for scalar and vector fields. Nil means
	// linear.
	Ease ease.TweenFunc
}

// Schema is the fixed field layout of one entity type, resolved once at
// registration.
type Schema struct {
	Type   string
	fields map[string]FieldSpec
	names  []string
}

// NewSchema validates the field list and builds a schema.
func NewSchema(entityType string, fields ...FieldSpec) (*Schema, error) {
	if entityType == "" {
		return nil, fmt.Errorf("schema: empty entity type")
	}
	s := &Schema{
		Type:   entityType,
		fields: make(map[string]FieldSpec, len(fields)),
	}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema %s: empty field name", entityType)
		}
		if strings.HasPrefix(f.Name, reservedPrefix) {
			return nil, fmt.Errorf("schema %s: field %q uses reserved prefix %q", entityType, f.Name, reservedPrefix)
		}
		if !f.Kind.Valid() {
			return nil, fmt.Errorf("schema %s: field %q has unknown kind %d", entityType, f.Name, f.Kind)
		}
		if _, dup := s.fields[f.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field %q", entityType, f.Name)
		}
		s.fields[f.Name] = f
		s.names = append(s.names, f.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// MustSchema is NewSchema for package-level declarations.
func MustSchema(entityType string, fields ...FieldSpec) *Schema {
	s, err := NewSchema(entityType, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the spec for name.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// Names returns the field names in sorted order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Validate checks a snapshot against the schema.
func (s *Schema) Validate(snap *Snapshot) error {
	if err := snap.validateEnvelope(); err != nil {
		return err
	}
	if snap.Type() != s.Type {
		return malformed(snap.Entity(), "", fmt.Sprintf("type %q does not match schema %q", snap.Type(), s.Type))
	}
	if snap.Removed() {
		return nil
	}
	for name, v := range snap.fields {
		spec, ok := s.fields[name]
		if !ok {
			return malformed(snap.Entity(), name, "field not in schema")
		}
		if v.Kind != spec.Kind {
			return malformed(snap.Entity(), name, fmt.Sprintf("kind %s, schema wants %s", v.Kind, spec.Kind))
		}
		if !v.finite() {
			return malformed(snap.Entity(), name, "non-finite value")
		}
		if v.Kind == KindRotation && v.norm() < 1e-9 {
			return malformed(snap.Entity(), name, "zero-length quaternion")
		}
	}
	return nil
}

// Schemas is a concurrency-safe set of schemas keyed by entity type.
type Schemas struct {
	mu    sync.RWMutex
	types map[string]*Schema
}

func NewSchemas(schemas ...*Schema) *Schemas {
	set := &Schemas{types: make(map[string]*Schema)}
	for _, s := range schemas {
		set.types[s.Type] = s
	}
	return set
}

// Add registers s, replacing any previous schema for the same type.
func (set *Schemas) Add(s *Schema) {
	set.mu.Lock()
	set.types[s.Type] = s
	set.mu.Unlock()
}

// Lookup returns the schema for entityType.
func (set *Schemas) Lookup(entityType string) (*Schema, bool) {
	set.mu.RLock()
	defer set.mu.RUnlock()
	s, ok := set.types[entityType]
	return s, ok
}

// Validate looks up the schema for snap's type and validates against it.
func (set *Schemas) Validate(snap *Snapshot) error {
	s, ok := set.Lookup(snap.Type())
	if !ok {
		if err := snap.validateEnvelope(); err != nil {
			return err
		}
		return malformed(snap.Entity(), "", fmt.Sprintf("unknown entity type %q", snap.Type()))
	}
	return s.Validate(snap)
}
