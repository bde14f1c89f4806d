// Package snapshotcodec builds, encodes and restores chunk snapshots.
//
// Each layer is stored as an occupancy bitmap followed by dense value lists
// in row-major rank order, so a chunk with three trees costs three entries,
// not sixty-four.
package snapshotcodec

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"

	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/encoding"
	"tilecraft.ai/internal/sim/world/kernel/model"
	"tilecraft.ai/internal/sim/world/terrain/coords"
	"tilecraft.ai/internal/sim/world/terrain/store"
)

const Version = 1

// Encoded longs lists of at most 64 values never exceed 4+16+64*8 bytes.
const maxListBytes = 1024

var ErrVersion = errors.New("unsupported chunk snapshot version")

type LayerSnapshot struct {
	Rows    encoding.Bitmap
	Types   []uint16
	Amounts []int64
	IDs     []uuid.UUID
}

func (l *LayerSnapshot) Count() int { return l.Rows.Count() }

func (l *LayerSnapshot) check() error {
	n := l.Rows.Count()
	if len(l.Types) != n || len(l.Amounts) != n || len(l.IDs) != n {
		return fmt.Errorf("%w: %d occupied cells, %d types, %d amounts, %d ids",
			encoding.ErrCorrupt, n, len(l.Types), len(l.Amounts), len(l.IDs))
	}
	return nil
}

// ChunkSnapshot is the persisted form of one chunk.
type ChunkSnapshot struct {
	Key    coords.ChunkKey
	Layers [store.NumLayers]LayerSnapshot
	// sha256 of the encoded form.
	Digest [32]byte
}

// Builder implements store.SnapshotBuilder against an occupant catalog.
type Builder struct {
	Catalog catalogs.OccupantCatalog
}

var _ store.SnapshotBuilder = Builder{}

func (b Builder) BuildSnapshot(c *store.Chunk) (store.Snapshot, error) {
	snap := &ChunkSnapshot{Key: c.Key()}
	for i := range snap.Layers {
		layer := store.Layer(i)
		ls := &snap.Layers[i]
		var live []*store.Slot
		for _, s := range c.Slots(layer) {
			if c.SlotEmpty(s) {
				continue
			}
			if err := ls.Rows.Set(s.Pos().X, s.Pos().Y); err != nil {
				return nil, err
			}
			live = append(live, s)
		}
		n := len(live)
		ls.Types = make([]uint16, n)
		ls.Amounts = make([]int64, n)
		ls.IDs = make([]uuid.UUID, n)
		for _, s := range live {
			r, err := ls.Rows.Rank(s.Pos().X, s.Pos().Y)
			if err != nil {
				return nil, err
			}
			occ := s.Occupant()
			id, ok := b.Catalog.Lookup(occ.TypeID())
			if !ok || id == 0 {
				return nil, fmt.Errorf("%w: %q at %s %v", model.ErrUnknownType, occ.TypeID(), layer, s.Pos())
			}
			ls.Types[r] = id
			if d, ok := occ.(model.Depleter); ok {
				if d.Remaining() > math.MaxInt64 {
					return nil, fmt.Errorf("amount %d out of range at %v", d.Remaining(), s.Pos())
				}
				ls.Amounts[r] = int64(d.Remaining())
				ls.IDs[r] = d.Identity()
			}
		}
	}
	data, err := Encode(snap)
	if err != nil {
		return nil, err
	}
	snap.Digest = sha256.Sum256(data)
	return snap, nil
}

// Encode serializes a snapshot:
//
//	byte    version
//	varlong cx, cy
//	per layer (object, env):
//	  [8]byte occupancy rows
//	  bytes   longs(types)
//	  bytes   longs(amounts)
//	  [16*n]  occupant ids
func Encode(s *ChunkSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(Version)
	if err := encoding.WriteVarLong(&buf, int64(s.Key.CX)); err != nil {
		return nil, err
	}
	if err := encoding.WriteVarLong(&buf, int64(s.Key.CY)); err != nil {
		return nil, err
	}
	for i := range s.Layers {
		l := &s.Layers[i]
		if err := l.check(); err != nil {
			return nil, fmt.Errorf("layer %s: %w", store.Layer(i), err)
		}
		buf.Write(l.Rows[:])
		types := make([]int64, len(l.Types))
		for j, t := range l.Types {
			types[j] = int64(t)
		}
		if err := encoding.WriteBytes(&buf, encoding.EncodeLongs(types)); err != nil {
			return nil, err
		}
		if err := encoding.WriteBytes(&buf, encoding.EncodeLongs(l.Amounts)); err != nil {
			return nil, err
		}
		for _, id := range l.IDs {
			buf.Write(id[:])
		}
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (*ChunkSnapshot, error) {
	r := bytes.NewReader(data)
	ver, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: empty snapshot", encoding.ErrCorrupt)
	}
	if ver != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, ver)
	}
	cx, err := encoding.ReadVarLong(r)
	if err != nil {
		return nil, err
	}
	cy, err := encoding.ReadVarLong(r)
	if err != nil {
		return nil, err
	}
	snap := &ChunkSnapshot{Key: coords.ChunkKey{CX: int(cx), CY: int(cy)}}
	for i := range snap.Layers {
		if err := decodeLayer(r, &snap.Layers[i]); err != nil {
			return nil, fmt.Errorf("layer %s: %w", store.Layer(i), err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", encoding.ErrCorrupt, r.Len())
	}
	snap.Digest = sha256.Sum256(data)
	return snap, nil
}

func decodeLayer(r *bytes.Reader, l *LayerSnapshot) error {
	if _, err := io.ReadFull(r, l.Rows[:]); err != nil {
		return fmt.Errorf("%w: rows: %v", encoding.ErrCorrupt, err)
	}
	raw, err := encoding.ReadBytes(r, maxListBytes)
	if err != nil {
		return err
	}
	types, err := encoding.DecodeLongs(raw)
	if err != nil {
		return err
	}
	l.Types = make([]uint16, len(types))
	for i, t := range types {
		if t < 0 || t > math.MaxUint16 {
			return fmt.Errorf("%w: type id %d", encoding.ErrCorrupt, t)
		}
		l.Types[i] = uint16(t)
	}
	if raw, err = encoding.ReadBytes(r, maxListBytes); err != nil {
		return err
	}
	if l.Amounts, err = encoding.DecodeLongs(raw); err != nil {
		return err
	}
	for _, a := range l.Amounts {
		if a < 0 {
			return fmt.Errorf("%w: negative amount %d", encoding.ErrCorrupt, a)
		}
	}
	n := l.Rows.Count()
	if len(l.Types) != n || len(l.Amounts) != n {
		return fmt.Errorf("%w: %d occupied cells, %d types, %d amounts", encoding.ErrCorrupt, n, len(l.Types), len(l.Amounts))
	}
	l.IDs = make([]uuid.UUID, n)
	for i := range l.IDs {
		if _, err := io.ReadFull(r, l.IDs[i][:]); err != nil {
			return fmt.Errorf("%w: ids: %v", encoding.ErrCorrupt, err)
		}
	}
	return nil
}

// RestoreFunc rebuilds one occupant; model.Factory.Restore has this shape.
type RestoreFunc func(layer store.Layer, typeID string, id uuid.UUID, pos coords.LocalPos, amount uint64) (store.Occupant, error)

// Restore rebuilds a chunk from a snapshot. palette is the one the snapshot
// was built against. The chunk starts with snap as its cached snapshot.
func Restore(snap *ChunkSnapshot, hooks store.Hooks, palette []string, restore RestoreFunc) (*store.Chunk, error) {
	var tables [store.NumLayers][]*store.Slot
	for i := range snap.Layers {
		layer := store.Layer(i)
		l := &snap.Layers[i]
		if err := l.check(); err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer, err)
		}
		n := l.Count()
		tables[i] = make([]*store.Slot, 0, n)
		for rank := 0; rank < n; rank++ {
			lx, ly, err := l.Rows.Position(rank)
			if err != nil {
				return nil, err
			}
			pos := coords.LocalPos{X: lx, Y: ly}
			if int(l.Types[rank]) >= len(palette) {
				return nil, fmt.Errorf("%w: type id %d outside palette of %d", encoding.ErrCorrupt, l.Types[rank], len(palette))
			}
			occ, err := restore(layer, palette[l.Types[rank]], l.IDs[rank], pos, uint64(l.Amounts[rank]))
			if err != nil {
				return nil, fmt.Errorf("restore %s %v: %w", layer, pos, err)
			}
			slot, err := store.NewSlot(layer, pos, occ)
			if err != nil {
				return nil, err
			}
			tables[i] = append(tables[i], slot)
		}
	}
	c, err := store.NewChunkWithLayers(snap.Key, hooks, tables[store.LayerObject], tables[store.LayerEnv])
	if err != nil {
		return nil, err
	}
	c.PrimeSnapshot(snap)
	return c, nil
}

// EncodeChunk rebuilds c's snapshot and returns its encoding. It has the
// shape of store.ChunkEncoder.
func EncodeChunk(c *store.Chunk) ([]byte, error) {
	if err := c.RefreshSnapshot(true); err != nil {
		return nil, err
	}
	s, _ := c.CachedSnapshot()
	snap, ok := s.(*ChunkSnapshot)
	if !ok {
		return nil, fmt.Errorf("chunk %s: unexpected snapshot type %T", c.Key(), s)
	}
	return Encode(snap)
}

// EncodeCurrent encodes c's current contents without replacing its cached
// snapshot, so region digests keep reflecting the last flush.
func EncodeCurrent(c *store.Chunk) ([]byte, error) {
	b := c.Hooks().Snapshots
	if b == nil {
		return nil, store.ErrNoBuilder
	}
	s, err := b.BuildSnapshot(c)
	if err != nil {
		return nil, err
	}
	snap, ok := s.(*ChunkSnapshot)
	if !ok {
		return nil, fmt.Errorf("chunk %s: unexpected snapshot type %T", c.Key(), s)
	}
	return Encode(snap)
}

// Decoder returns a store.ChunkDecoder for data built against palette.
func Decoder(palette []string, restore RestoreFunc) store.ChunkDecoder {
	return func(data []byte, hooks store.Hooks) (*store.Chunk, error) {
		snap, err := Decode(data)
		if err != nil {
			return nil, err
		}
		return Restore(snap, hooks, palette, restore)
	}
}
