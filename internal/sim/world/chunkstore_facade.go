package world

import (
	"context"
	"fmt"

	"tilecraft.ai/internal/sim/world/kernel/model"
	"tilecraft.ai/internal/sim/world/terrain/coords"
	"tilecraft.ai/internal/sim/world/terrain/store"
)

type WorldPos = coords.WorldPos
type ChunkKey = coords.ChunkKey
type Layer = store.Layer

// Place puts a fresh occupant of typeID at pos, replacing whatever was there.
func (w *World) Place(ctx context.Context, actor string, pos WorldPos, layer Layer, typeID string) (store.Occupant, error) {
	key, lp := coords.Split(pos)
	if _, err := w.LoadChunk(ctx, key); err != nil {
		return nil, err
	}
	var (
		occ  store.Occupant
		from string
	)
	err := w.chunks.With(key, func(c *store.Chunk) error {
		prev, ok, err := c.Occupant(lp.X, lp.Y, layer)
		if err != nil {
			return err
		}
		if ok {
			from = prev.TypeID()
		}
		occ, err = c.CreateOccupant(layer, typeID, lp.X, lp.Y)
		return err
	})
	if err != nil {
		return nil, err
	}
	w.markDirty(key)
	w.auditPlace(actor, pos, layer, from, typeID)
	return occ, nil
}

func (w *World) OccupantAt(ctx context.Context, pos WorldPos, layer Layer) (store.Occupant, bool, error) {
	key, _ := coords.Split(pos)
	if _, err := w.LoadChunk(ctx, key); err != nil {
		return nil, false, err
	}
	return w.chunks.OccupantAt(pos, layer)
}

func (w *World) IsCellEmptyAt(ctx context.Context, pos WorldPos, layer Layer) (bool, error) {
	key, _ := coords.Split(pos)
	if _, err := w.LoadChunk(ctx, key); err != nil {
		return false, err
	}
	return w.chunks.IsCellEmptyAt(pos, layer)
}

// Deplete takes up to n from the depletable occupant at pos and returns how
// much was taken. A fully depleted occupant stays in place but counts as empty.
func (w *World) Deplete(ctx context.Context, actor string, pos WorldPos, layer Layer, n uint64) (uint64, error) {
	key, lp := coords.Split(pos)
	if _, err := w.LoadChunk(ctx, key); err != nil {
		return 0, err
	}
	var (
		taken uint64
		typ   string
	)
	loaded, err := w.chunks.View(key, func(c *store.Chunk) error {
		occ, ok, err := c.Occupant(lp.X, lp.Y, layer)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: nothing at %d,%d %s", ErrNotDepletable, pos.X, pos.Y, layer)
		}
		d, ok := occ.(model.Depleter)
		if !ok || !d.Depletable() {
			return fmt.Errorf("%w: %s", ErrNotDepletable, occ.TypeID())
		}
		typ = occ.TypeID()
		taken = d.Take(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !loaded {
		return 0, fmt.Errorf("%w: nothing at %d,%d %s", ErrNotDepletable, pos.X, pos.Y, layer)
	}
	if taken > 0 {
		w.markDirty(key)
		w.auditDeplete(actor, pos, layer, typ, taken)
	}
	return taken, nil
}
