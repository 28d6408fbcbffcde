// Package protocol is the byte-level contract between server and clients:
// a one-byte version, a one-byte frame kind and a msgpack body.
package protocol

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/automoto/chrono/shared/snapshot"
)

// Version is bumped on any incompatible wire change.
const Version uint8 = 1

const (
	headerSize = 2
	// MaxFrameSize bounds a single decoded payload.
	MaxFrameSize = 4 << 20
)

// FrameKind tags the body that follows the header.
type FrameKind uint8

const (
	KindSnapshots FrameKind = iota + 1
	KindWelcome
)

func (k FrameKind) String() string {
	switch k {
	case KindSnapshots:
		return "snapshots"
	case KindWelcome:
		return "welcome"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Frame is everything the server captured for one tick.
type Frame struct {
	Tick      snapshot.Tick
	Timestamp float64
	Snapshots []*snapshot.Snapshot
}

// Welcome is sent once per connection before any snapshot frame.
type Welcome struct {
	ConnectionID string  `codec:"id"`
	ServerName   string  `codec:"name"`
	TickRate     int     `codec:"rate"`
	ServerTime   float64 `codec:"now"`
}

// wireField is one field of a snapshot. Fields travel as a list rather
// than a map: the decoder reuses one value while filling a map, which
// would alias the component slices of every entry.
type wireField struct {
	Name string    `codec:"f"`
	Kind uint8     `codec:"k"`
	V    []float64 `codec:"v"`
}

type wireSnapshot struct {
	Tick      uint64      `codec:"n"`
	Timestamp float64     `codec:"t"`
	Entity    string      `codec:"e"`
	Type      string      `codec:"y"`
	Fields    []wireField `codec:"f"`
}

type wireFrame struct {
	Tick      uint64         `codec:"n"`
	Timestamp float64        `codec:"t"`
	Snapshots []wireSnapshot `codec:"s"`
}

// Codec encodes and decodes frames. It is safe for concurrent use.
type Codec struct {
	h *codec.MsgpackHandle
}

func NewCodec() *Codec {
	h := &codec.MsgpackHandle{WriteExt: true}
	h.RawToString = true
	return &Codec{h: h}
}

// EncodeFrame serializes one tick's snapshots.
func (c *Codec) EncodeFrame(f Frame) ([]byte, error) {
	wf := wireFrame{
		Tick:      uint64(f.Tick),
		Timestamp: f.Timestamp,
		Snapshots: make([]wireSnapshot, 0, len(f.Snapshots)),
	}
	for _, s := range f.Snapshots {
		ws := wireSnapshot{
			Tick:      uint64(s.Tick()),
			Timestamp: s.Timestamp(),
			Entity:    string(s.Entity()),
			Type:      s.Type(),
			Fields:    make([]wireField, 0, s.Len()),
		}
		for _, name := range s.Names() {
			v, _ := s.Field(name)
			ws.Fields = append(ws.Fields, wireField{Name: name, Kind: uint8(v.Kind), V: components(v)})
		}
		wf.Snapshots = append(wf.Snapshots, ws)
	}
	return c.encode(KindSnapshots, wf)
}

// EncodeWelcome serializes the connection greeting.
func (c *Codec) EncodeWelcome(w Welcome) ([]byte, error) {
	return c.encode(KindWelcome, w)
}

// Kind parses the header of b.
func (c *Codec) Kind(b []byte) (FrameKind, error) {
	if len(b) < headerSize {
		return 0, fmt.Errorf("%w: short frame (%d bytes)", snapshot.ErrMalformedSnapshot, len(b))
	}
	if len(b) > MaxFrameSize {
		return 0, fmt.Errorf("%w: frame too large: %d", snapshot.ErrMalformedSnapshot, len(b))
	}
	if b[0] != Version {
		return 0, fmt.Errorf("%w: protocol version %d, want %d", snapshot.ErrMalformedSnapshot, b[0], Version)
	}
	k := FrameKind(b[1])
	if k != KindSnapshots && k != KindWelcome {
		return 0, fmt.Errorf("%w: unknown frame %s", snapshot.ErrMalformedSnapshot, k)
	}
	return k, nil
}

// DecodeFrame parses a snapshots frame. Field kinds and component counts
// are checked here; schema validation is left to the receiver.
func (c *Codec) DecodeFrame(b []byte) (Frame, error) {
	var wf wireFrame
	if err := c.decode(b, KindSnapshots, &wf); err != nil {
		return Frame{}, err
	}
	f := Frame{
		Tick:      snapshot.Tick(wf.Tick),
		Timestamp: wf.Timestamp,
		Snapshots: make([]*snapshot.Snapshot, 0, len(wf.Snapshots)),
	}
	for _, ws := range wf.Snapshots {
		fields := make(map[string]snapshot.Value, len(ws.Fields))
		for _, fld := range ws.Fields {
			if _, dup := fields[fld.Name]; dup {
				return Frame{}, fmt.Errorf("%w: entity %q field %q sent twice", snapshot.ErrMalformedSnapshot, ws.Entity, fld.Name)
			}
			v, err := fromWire(fld)
			if err != nil {
				return Frame{}, fmt.Errorf("%w: entity %q field %q: %v", snapshot.ErrMalformedSnapshot, ws.Entity, fld.Name, err)
			}
			fields[fld.Name] = v
		}
		f.Snapshots = append(f.Snapshots, snapshot.New(snapshot.Tick(ws.Tick), ws.Timestamp, snapshot.EntityID(ws.Entity), ws.Type, fields))
	}
	return f, nil
}

// DecodeWelcome parses a welcome frame.
func (c *Codec) DecodeWelcome(b []byte) (Welcome, error) {
	var w Welcome
	err := c.decode(b, KindWelcome, &w)
	return w, err
}

func (c *Codec) encode(kind FrameKind, body any) ([]byte, error) {
	out := make([]byte, headerSize, 256)
	out[0] = Version
	out[1] = byte(kind)
	var payload []byte
	if err := codec.NewEncoderBytes(&payload, c.h).Encode(body); err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return append(out, payload...), nil
}

func (c *Codec) decode(b []byte, want FrameKind, into any) error {
	kind, err := c.Kind(b)
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("%w: got %s frame, want %s", snapshot.ErrMalformedSnapshot, kind, want)
	}
	if err := codec.NewDecoderBytes(b[headerSize:], c.h).Decode(into); err != nil {
		return fmt.Errorf("%w: decode %s: %v", snapshot.ErrMalformedSnapshot, kind, err)
	}
	return nil
}

var componentCount = map[snapshot.Kind]int{
	snapshot.KindScalar:   1,
	snapshot.KindAngle:    1,
	snapshot.KindDiscrete: 1,
	snapshot.KindVector:   3,
	snapshot.KindRotation: 4,
}

func components(v snapshot.Value) []float64 {
	n := componentCount[v.Kind]
	out := make([]float64, n)
	copy(out, v.V[:n])
	return out
}

func fromWire(wv wireField) (snapshot.Value, error) {
	k := snapshot.Kind(wv.Kind)
	n, ok := componentCount[k]
	if !ok {
		return snapshot.Value{}, fmt.Errorf("unknown kind %d", wv.Kind)
	}
	if len(wv.V) != n {
		return snapshot.Value{}, fmt.Errorf("%s wants %d components, got %d", k, n, len(wv.V))
	}
	v := snapshot.Value{Kind: k}
	copy(v.V[:], wv.V)
	return v, nil
}
