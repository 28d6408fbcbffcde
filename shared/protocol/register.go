package protocol

import (
	"github.com/tanema/gween/ease"

	"github.com/automoto/chrono/shared/snapshot"
)

// Entity types shared by server and client binaries.
const (
	TypePlayer = "player"
	TypeNPC    = "npc"
)

// Field names shared by the default schemas.
const (
	FieldPosition = "position"
	FieldVelocity = "velocity"
	FieldHeading  = "heading"
	FieldRotation = "rotation"
	FieldState    = "state"
	FieldHealth   = "health"
)

// RegisterSchemas returns the schemas both sides must agree on before any
// network operation.
func RegisterSchemas() (*snapshot.Schemas, error) {
	player, err := snapshot.NewSchema(TypePlayer,
		// Interpolated for smooth remote rendering
		snapshot.FieldSpec{Name: FieldPosition, Kind: snapshot.KindVector},
		snapshot.FieldSpec{Name: FieldVelocity, Kind: snapshot.KindVector},
		snapshot.FieldSpec{Name: FieldHeading, Kind: snapshot.KindAngle},
		// No interpolation (discrete state changes)
		snapshot.FieldSpec{Name: FieldState, Kind: snapshot.KindDiscrete},
		snapshot.FieldSpec{Name: FieldHealth, Kind: snapshot.KindDiscrete},
	)
	if err != nil {
		return nil, err
	}

	npc, err := snapshot.NewSchema(TypeNPC,
		snapshot.FieldSpec{Name: FieldPosition, Kind: snapshot.KindVector, Ease: ease.InOutSine},
		snapshot.FieldSpec{Name: FieldVelocity, Kind: snapshot.KindVector},
		snapshot.FieldSpec{Name: FieldRotation, Kind: snapshot.KindRotation},
		snapshot.FieldSpec{Name: FieldState, Kind: snapshot.KindDiscrete},
		snapshot.FieldSpec{Name: FieldHealth, Kind: snapshot.KindScalar},
	)
	if err != nil {
		return nil, err
	}

	return snapshot.NewSchemas(player, npc), nil
}
