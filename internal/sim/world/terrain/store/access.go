package store

import (
	"fmt"

	"tilecraft.ai/internal/sim/world/terrain/coords"
)

func NewChunk(key coords.ChunkKey, hooks Hooks) *Chunk {
	c := &Chunk{key: key, hooks: hooks}
	for i := range c.layers {
		c.layers[i] = map[int]*Slot{}
	}
	return c
}

// NewChunkWithLayers builds a chunk from pre-populated layer tables, as a
// deserializer would.
func NewChunkWithLayers(key coords.ChunkKey, hooks Hooks, obj, env []*Slot) (*Chunk, error) {
	c := NewChunk(key, hooks)
	for layer, slots := range [NumLayers][]*Slot{obj, env} {
		for _, s := range slots {
			if s == nil {
				continue
			}
			if s.layer != Layer(layer) {
				return nil, fmt.Errorf("%w: %s slot in %s table", ErrLayerMismatch, s.layer, Layer(layer))
			}
			if _, err := coords.CheckLocal(s.pos.X, s.pos.Y); err != nil {
				return nil, err
			}
			i := s.pos.Index()
			if _, dup := c.layers[layer][i]; dup {
				return nil, fmt.Errorf("%w: %s %v", ErrDuplicateSlot, s.layer, s.pos)
			}
			c.layers[layer][i] = s
		}
	}
	return c, nil
}

func (c *Chunk) Key() coords.ChunkKey { return c.key }
func (c *Chunk) Hooks() Hooks         { return c.hooks }

func (c *Chunk) table(layer Layer) (map[int]*Slot, error) {
	if !layer.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLayer, layer)
	}
	return c.layers[layer], nil
}

func (c *Chunk) lookup(lx, ly int, layer Layer) (map[int]*Slot, coords.LocalPos, error) {
	p, err := coords.CheckLocal(lx, ly)
	if err != nil {
		return nil, p, err
	}
	t, err := c.table(layer)
	if err != nil {
		return nil, p, err
	}
	return t, p, nil
}

// SlotEmpty applies the chunk's emptiness predicate to a slot.
func (c *Chunk) SlotEmpty(s *Slot) bool {
	if s == nil || s.occ == nil {
		return true
	}
	if c.hooks.Empty != nil {
		return c.hooks.Empty(s.occ)
	}
	return false
}

// IsEmpty reports whether every materialized slot in both layers is empty.
// Unmaterialized cells are empty by definition and cost nothing.
func (c *Chunk) IsEmpty() bool {
	for _, t := range c.layers {
		for _, s := range t {
			if !c.SlotEmpty(s) {
				return false
			}
		}
	}
	return true
}

func (c *Chunk) IsCellEmpty(lx, ly int, layer Layer) (bool, error) {
	t, p, err := c.lookup(lx, ly, layer)
	if err != nil {
		return false, err
	}
	return c.SlotEmpty(t[p.Index()]), nil
}

// Slot returns the slot at (lx, ly), materializing an empty one on first access.
func (c *Chunk) Slot(lx, ly int, layer Layer) (*Slot, error) {
	t, p, err := c.lookup(lx, ly, layer)
	if err != nil {
		return nil, err
	}
	if s, ok := t[p.Index()]; ok {
		return s, nil
	}
	s := &Slot{pos: p, layer: layer}
	t[p.Index()] = s
	return s, nil
}

// Slots returns the materialized slots of a layer in no particular order.
func (c *Chunk) Slots(layer Layer) []*Slot {
	t, err := c.table(layer)
	if err != nil {
		return nil
	}
	out := make([]*Slot, 0, len(t))
	for _, s := range t {
		out = append(out, s)
	}
	return out
}

// Materialized is the number of slots present in a layer table.
func (c *Chunk) Materialized(layer Layer) int {
	t, err := c.table(layer)
	if err != nil {
		return 0
	}
	return len(t)
}

// Occupant returns the occupant at (lx, ly). It never materializes a slot;
// ok is false when no slot exists or the slot holds nothing.
func (c *Chunk) Occupant(lx, ly int, layer Layer) (Occupant, bool, error) {
	t, p, err := c.lookup(lx, ly, layer)
	if err != nil {
		return nil, false, err
	}
	s, ok := t[p.Index()]
	if !ok || s.occ == nil {
		return nil, false, nil
	}
	return s.occ, true, nil
}

// CreateOccupant replaces whatever slot sits at (lx, ly) with a brand-new one
// holding a fresh occupant of typeID. Nothing of the previous slot survives.
// On factory failure the table is left untouched.
func (c *Chunk) CreateOccupant(layer Layer, typeID string, lx, ly int) (Occupant, error) {
	t, p, err := c.lookup(lx, ly, layer)
	if err != nil {
		return nil, err
	}
	if c.hooks.Factory == nil {
		return nil, ErrNoFactory
	}
	s := &Slot{pos: p, layer: layer}
	occ, err := c.hooks.Factory.NewOccupant(layer, typeID, s)
	if err != nil {
		return nil, err
	}
	if occ == nil {
		return nil, fmt.Errorf("factory returned no occupant for %q", typeID)
	}
	if occ.Layer() != layer {
		return nil, fmt.Errorf("%w: factory built %s occupant for %s slot", ErrLayerMismatch, occ.Layer(), layer)
	}
	s.occ = occ
	t[p.Index()] = s
	return occ, nil
}

// RefreshSnapshot rebuilds the cached snapshot when none is cached or force
// is set. Mutations never invalidate the cache on their own.
func (c *Chunk) RefreshSnapshot(force bool) error {
	if c.hasSnap && !force {
		return nil
	}
	if c.hooks.Snapshots == nil {
		return ErrNoBuilder
	}
	snap, err := c.hooks.Snapshots.BuildSnapshot(c)
	if err != nil {
		return err
	}
	c.snap = snap
	c.hasSnap = true
	return nil
}

// CachedSnapshot returns the cached snapshot, which may be stale.
func (c *Chunk) CachedSnapshot() (Snapshot, bool) {
	return c.snap, c.hasSnap
}

func (c *Chunk) InvalidateSnapshot() {
	c.snap = nil
	c.hasSnap = false
}

// PrimeSnapshot installs a snapshot known to match the chunk's contents,
// e.g. the one it was just restored from.
func (c *Chunk) PrimeSnapshot(s Snapshot) {
	c.snap = s
	c.hasSnap = true
}
