package store

import (
	"errors"
	"fmt"
	"strings"

	"tilecraft.ai/internal/sim/world/terrain/coords"
)

type Layer uint8

const (
	LayerObject Layer = iota
	LayerEnv

	NumLayers = 2
)

var (
	ErrInvalidLayer  = errors.New("invalid layer")
	ErrLayerMismatch = errors.New("occupant layer mismatch")
	ErrNoFactory     = errors.New("no occupant factory")
	ErrNoBuilder     = errors.New("no snapshot builder")
	ErrDuplicateSlot = errors.New("duplicate slot")
)

func (l Layer) Valid() bool { return l < NumLayers }

func (l Layer) String() string {
	switch l {
	case LayerObject:
		return "OBJECT"
	case LayerEnv:
		return "ENV"
	default:
		return fmt.Sprintf("Layer(%d)", uint8(l))
	}
}

func ParseLayer(s string) (Layer, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OBJECT", "OBJ":
		return LayerObject, nil
	case "ENV", "ENVIRONMENT":
		return LayerEnv, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLayer, s)
}

// Occupant is whatever game entity sits in a slot. The grid never looks
// inside it beyond its type and layer.
type Occupant interface {
	TypeID() string
	Layer() Layer
}

// OccupantFactory constructs a fresh occupant of typeID for slot.
type OccupantFactory interface {
	NewOccupant(layer Layer, typeID string, slot *Slot) (Occupant, error)
}

// EmptyFunc reports whether an occupant is functionally empty
// (e.g. a depleted resource). A nil occupant is always empty.
type EmptyFunc func(Occupant) bool

// Snapshot is the opaque result of a SnapshotBuilder.
type Snapshot any

type SnapshotBuilder interface {
	BuildSnapshot(c *Chunk) (Snapshot, error)
}

// Hooks are the collaborators a chunk consumes.
type Hooks struct {
	Factory   OccupantFactory
	Empty     EmptyFunc
	Snapshots SnapshotBuilder
}

// Slot is one cell of one layer. Its position and layer never change; the
// occupant, when present, always belongs to the slot's layer.
type Slot struct {
	pos   coords.LocalPos
	layer Layer
	occ   Occupant
}

// NewSlot builds a slot for a pre-populated layer table. occ may be nil.
func NewSlot(layer Layer, pos coords.LocalPos, occ Occupant) (*Slot, error) {
	if !layer.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLayer, layer)
	}
	if _, err := coords.CheckLocal(pos.X, pos.Y); err != nil {
		return nil, err
	}
	if occ != nil && occ.Layer() != layer {
		return nil, fmt.Errorf("%w: %s occupant in %s slot", ErrLayerMismatch, occ.Layer(), layer)
	}
	return &Slot{pos: pos, layer: layer, occ: occ}, nil
}

func (s *Slot) Pos() coords.LocalPos { return s.pos }
func (s *Slot) Layer() Layer         { return s.layer }
func (s *Slot) Occupant() Occupant   { return s.occ }

// Object returns the occupant of an object-layer slot, nil otherwise.
func (s *Slot) Object() Occupant {
	if s.layer != LayerObject {
		return nil
	}
	return s.occ
}

// Env returns the occupant of an environment-layer slot, nil otherwise.
func (s *Slot) Env() Occupant {
	if s.layer != LayerEnv {
		return nil
	}
	return s.occ
}

// Chunk is the sparse two-layer cell table of one 8x8 region. Slots are
// materialized on first access, never eagerly.
//
// A Chunk is not synchronized; ChunkStore.With provides the per-chunk lock.
type Chunk struct {
	key   coords.ChunkKey
	hooks Hooks

	// Keyed by LocalPos.Index().
	layers [NumLayers]map[int]*Slot

	snap    Snapshot
	hasSnap bool
}
