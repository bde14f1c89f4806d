package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/world/terrain/coords"
	"tilecraft.ai/internal/sim/world/terrain/store"
)

var (
	ErrUnknownType   = errors.New("unknown occupant type")
	ErrLayerMismatch = store.ErrLayerMismatch
	ErrBadAmount     = errors.New("amount exceeds capacity")
)

// Instance is the state shared by both occupant kinds. It is part of the
// authoritative chunk state and is persisted in chunk snapshots.
type Instance struct {
	ID   uuid.UUID
	Type string
	Pos  coords.LocalPos

	// Capacity > 0 marks a depletable occupant; Amount is what is left.
	Capacity uint64
	Amount   uint64
}

func (i *Instance) TypeID() string      { return i.Type }
func (i *Instance) Depletable() bool    { return i.Capacity > 0 }
func (i *Instance) Remaining() uint64   { return i.Amount }
func (i *Instance) Identity() uuid.UUID { return i.ID }

// Take removes up to n from a depletable occupant and returns how much was taken.
func (i *Instance) Take(n uint64) uint64 {
	if !i.Depletable() {
		return 0
	}
	if n > i.Amount {
		n = i.Amount
	}
	i.Amount -= n
	return n
}

// Object is a foreground occupant (chest, campfire, ...).
type Object struct{ Instance }

func (*Object) Layer() store.Layer { return store.LayerObject }

// Env is a background environment occupant (tree, rock, ...).
type Env struct{ Instance }

func (*Env) Layer() store.Layer { return store.LayerEnv }

// Depleter is implemented by occupants that carry a remaining amount.
type Depleter interface {
	store.Occupant
	Depletable() bool
	Remaining() uint64
	Take(n uint64) uint64
	Identity() uuid.UUID
}

// IsEmpty is the occupant emptiness predicate handed to chunks: nothing is
// empty, and so is a depletable occupant with nothing left.
func IsEmpty(o store.Occupant) bool {
	if o == nil {
		return true
	}
	if d, ok := o.(Depleter); ok {
		return d.Depletable() && d.Remaining() == 0
	}
	return false
}

var _ store.EmptyFunc = IsEmpty

// Factory builds occupants for the types declared in the catalog.
type Factory struct {
	Catalog catalogs.OccupantCatalog
	// NewID defaults to uuid.New.
	NewID func() uuid.UUID
}

var _ store.OccupantFactory = (*Factory)(nil)

func (f *Factory) def(layer store.Layer, typeID string) (catalogs.OccupantDef, error) {
	def, ok := f.Catalog.Defs[typeID]
	if !ok || typeID == catalogs.NoneID {
		return def, fmt.Errorf("%w: %q", ErrUnknownType, typeID)
	}
	want, err := store.ParseLayer(def.Layer)
	if err != nil {
		return def, err
	}
	if want != layer {
		return def, fmt.Errorf("%w: %s is %s, not %s", ErrLayerMismatch, typeID, want, layer)
	}
	return def, nil
}

func build(layer store.Layer, inst Instance) store.Occupant {
	if layer == store.LayerObject {
		return &Object{Instance: inst}
	}
	return &Env{Instance: inst}
}

func (f *Factory) NewOccupant(layer store.Layer, typeID string, slot *store.Slot) (store.Occupant, error) {
	def, err := f.def(layer, typeID)
	if err != nil {
		return nil, err
	}
	newID := f.NewID
	if newID == nil {
		newID = uuid.New
	}
	return build(layer, Instance{
		ID:       newID(),
		Type:     typeID,
		Pos:      slot.Pos(),
		Capacity: def.Capacity,
		Amount:   def.Capacity,
	}), nil
}

// Restore rebuilds an occupant with a known identity and remaining amount.
func (f *Factory) Restore(layer store.Layer, typeID string, id uuid.UUID, pos coords.LocalPos, amount uint64) (store.Occupant, error) {
	def, err := f.def(layer, typeID)
	if err != nil {
		return nil, err
	}
	if amount > def.Capacity {
		return nil, fmt.Errorf("%w: %s amount %d capacity %d", ErrBadAmount, typeID, amount, def.Capacity)
	}
	return build(layer, Instance{
		ID:       id,
		Type:     typeID,
		Pos:      pos,
		Capacity: def.Capacity,
		Amount:   amount,
	}), nil
}
