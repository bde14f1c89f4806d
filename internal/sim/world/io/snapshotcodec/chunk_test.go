package snapshotcodec

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/encoding"
	"tilecraft.ai/internal/sim/world/kernel/model"
	"tilecraft.ai/internal/sim/world/terrain/coords"
	"tilecraft.ai/internal/sim/world/terrain/store"
)

func testHooks(t *testing.T) (store.Hooks, *model.Factory) {
	t.Helper()
	cat, err := catalogs.NewOccupantCatalog([]catalogs.OccupantDef{
		{ID: catalogs.NoneID},
		{ID: "TREE", Layer: "ENV", Capacity: 5},
		{ID: "ROCK", Layer: "ENV", Capacity: 8},
		{ID: "GRASS", Layer: "ENV"},
		{ID: "CHEST", Layer: "OBJECT"},
	})
	require.NoError(t, err)
	f := &model.Factory{Catalog: cat}
	return store.Hooks{Factory: f, Empty: model.IsEmpty, Snapshots: Builder{Catalog: cat}}, f
}

func mustCreate(t *testing.T, c *store.Chunk, layer store.Layer, typ string, lx, ly int) store.Occupant {
	t.Helper()
	occ, err := c.CreateOccupant(layer, typ, lx, ly)
	require.NoError(t, err)
	return occ
}

func TestBuildSnapshotDenseRankOrder(t *testing.T) {
	hooks, f := testHooks(t)
	c := store.NewChunk(coords.ChunkKey{CX: -3, CY: 4}, hooks)
	// Created out of row-major order on purpose.
	rock := mustCreate(t, c, store.LayerEnv, "ROCK", 0, 6)
	tree := mustCreate(t, c, store.LayerEnv, "TREE", 3, 5)
	grass := mustCreate(t, c, store.LayerEnv, "GRASS", 7, 0)
	chest := mustCreate(t, c, store.LayerObject, "CHEST", 3, 5)
	_, err := c.Slot(1, 1, store.LayerEnv) // materialized but empty
	require.NoError(t, err)

	require.NoError(t, c.RefreshSnapshot(false))
	s, ok := c.CachedSnapshot()
	require.True(t, ok)
	snap := s.(*ChunkSnapshot)

	env := snap.Layers[store.LayerEnv]
	require.Equal(t, 3, env.Count())
	pal := f.Catalog.Index
	assert.Equal(t, []uint16{pal["GRASS"], pal["TREE"], pal["ROCK"]}, env.Types)
	assert.Equal(t, []int64{0, 5, 8}, env.Amounts)
	assert.Equal(t, []uuid.UUID{
		grass.(*model.Env).ID, tree.(*model.Env).ID, rock.(*model.Env).ID,
	}, env.IDs)

	obj := snap.Layers[store.LayerObject]
	require.Equal(t, 1, obj.Count())
	r, err := obj.Rows.Rank(3, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, r)
	assert.Equal(t, chest.(*model.Object).ID, obj.IDs[0])
	assert.NotEqual(t, [32]byte{}, snap.Digest)
}

func TestSingleTreeScenario(t *testing.T) {
	hooks, _ := testHooks(t)
	c := store.NewChunk(coords.ChunkKey{}, hooks)
	mustCreate(t, c, store.LayerEnv, "TREE", 3, 5)

	empty, err := c.IsCellEmpty(3, 5, store.LayerEnv)
	require.NoError(t, err)
	assert.False(t, empty)
	empty, err = c.IsCellEmpty(3, 5, store.LayerObject)
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, c.RefreshSnapshot(false))
	s, _ := c.CachedSnapshot()
	env := s.(*ChunkSnapshot).Layers[store.LayerEnv]
	assert.Equal(t, encoding.Bitmap{5: 1 << 3}, env.Rows)
	assert.Equal(t, 1, env.Count())
	r, err := env.Rows.Rank(3, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, r)
}

func TestDepletedOccupantsAreNotPersisted(t *testing.T) {
	hooks, _ := testHooks(t)
	c := store.NewChunk(coords.ChunkKey{}, hooks)
	tree := mustCreate(t, c, store.LayerEnv, "TREE", 2, 2)
	mustCreate(t, c, store.LayerEnv, "ROCK", 4, 2)
	tree.(model.Depleter).Take(5)

	require.NoError(t, c.RefreshSnapshot(true))
	s, _ := c.CachedSnapshot()
	env := s.(*ChunkSnapshot).Layers[store.LayerEnv]
	require.Equal(t, 1, env.Count())
	empty, err := env.Rows.IsEmpty(2, 2)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestEncodeDecodeRestoreRoundTrip(t *testing.T) {
	hooks, f := testHooks(t)
	c := store.NewChunk(coords.ChunkKey{CX: 1000, CY: -70000}, hooks)
	tree := mustCreate(t, c, store.LayerEnv, "TREE", 3, 5)
	tree.(model.Depleter).Take(2)
	mustCreate(t, c, store.LayerEnv, "GRASS", 7, 7)
	chest := mustCreate(t, c, store.LayerObject, "CHEST", 0, 0)

	data, err := EncodeChunk(c)
	require.NoError(t, err)
	assert.Equal(t, byte(Version), data[0])

	snap, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, c.Key(), snap.Key)
	cached, _ := c.CachedSnapshot()
	assert.Equal(t, cached.(*ChunkSnapshot).Digest, snap.Digest)

	restored, err := Restore(snap, hooks, f.Catalog.Palette, f.Restore)
	require.NoError(t, err)
	assert.Equal(t, c.Key(), restored.Key())

	got, ok, err := restored.Occupant(3, 5, store.LayerEnv)
	require.NoError(t, err)
	require.True(t, ok)
	env := got.(*model.Env)
	assert.Equal(t, "TREE", env.Type)
	assert.Equal(t, uint64(3), env.Amount)
	assert.Equal(t, tree.(*model.Env).ID, env.ID)
	assert.Equal(t, coords.LocalPos{X: 3, Y: 5}, env.Pos)

	got, ok, _ = restored.Occupant(0, 0, store.LayerObject)
	require.True(t, ok)
	assert.Equal(t, chest.(*model.Object).ID, got.(*model.Object).ID)
	_, ok, _ = restored.Occupant(3, 5, store.LayerObject)
	assert.False(t, ok)

	prime, ok := restored.CachedSnapshot()
	require.True(t, ok)
	assert.Same(t, snap, prime)

	again, err := EncodeChunk(restored)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestEncodeCurrentLeavesCachedSnapshot(t *testing.T) {
	hooks, _ := testHooks(t)
	c := store.NewChunk(coords.ChunkKey{CX: 2, CY: 2}, hooks)
	mustCreate(t, c, store.LayerEnv, "TREE", 1, 1)
	flushed, err := EncodeChunk(c)
	require.NoError(t, err)
	before, _ := c.CachedSnapshot()

	mustCreate(t, c, store.LayerEnv, "ROCK", 2, 2)
	current, err := EncodeCurrent(c)
	require.NoError(t, err)
	assert.NotEqual(t, flushed, current)

	after, ok := c.CachedSnapshot()
	require.True(t, ok)
	assert.Same(t, before.(*ChunkSnapshot), after.(*ChunkSnapshot))
	assert.Equal(t, 1, after.(*ChunkSnapshot).Layers[store.LayerEnv].Count())

	snap, err := Decode(current)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Layers[store.LayerEnv].Count())

	_, err = EncodeCurrent(store.NewChunk(coords.ChunkKey{}, store.Hooks{}))
	assert.ErrorIs(t, err, store.ErrNoBuilder)
}

func TestDecodeRejectsCorruptInput(t *testing.T) {
	hooks, _ := testHooks(t)
	c := store.NewChunk(coords.ChunkKey{CX: 1, CY: 1}, hooks)
	mustCreate(t, c, store.LayerEnv, "TREE", 1, 1)
	data, err := EncodeChunk(c)
	require.NoError(t, err)

	_, err = Decode(nil)
	assert.True(t, errors.Is(err, encoding.ErrCorrupt))

	bad := append([]byte{}, data...)
	bad[0] = 9
	_, err = Decode(bad)
	assert.True(t, errors.Is(err, ErrVersion))

	_, err = Decode(append(append([]byte{}, data...), 0))
	assert.True(t, errors.Is(err, encoding.ErrCorrupt), "trailing")

	_, err = Decode(data[:len(data)-1])
	assert.True(t, errors.Is(err, encoding.ErrCorrupt), "truncated")

	// Flip an extra occupancy bit in the env rows so the bitmap no longer
	// matches the value lists. Layout: version, cx(2), cy(2), object layer
	// (8 rows, two empty lists of 4-byte length prefix, no ids), env rows.
	bad = append([]byte{}, data...)
	envRows := 1 + 2 + 2 + 8 + 4 + 4
	bad[envRows] |= 1
	_, err = Decode(bad)
	assert.True(t, errors.Is(err, encoding.ErrCorrupt), "count mismatch")
}

func TestRestoreRejectsUnknownPaletteEntry(t *testing.T) {
	hooks, f := testHooks(t)
	snap := &ChunkSnapshot{}
	require.NoError(t, snap.Layers[store.LayerEnv].Rows.Set(0, 0))
	snap.Layers[store.LayerEnv].Types = []uint16{99}
	snap.Layers[store.LayerEnv].Amounts = []int64{0}
	snap.Layers[store.LayerEnv].IDs = []uuid.UUID{uuid.New()}
	_, err := Restore(snap, hooks, f.Catalog.Palette, f.Restore)
	assert.True(t, errors.Is(err, encoding.ErrCorrupt))

	snap.Layers[store.LayerEnv].Types = []uint16{f.Catalog.Index["CHEST"]}
	_, err = Restore(snap, hooks, f.Catalog.Palette, f.Restore)
	assert.True(t, errors.Is(err, model.ErrLayerMismatch))
}

func TestCompressor(t *testing.T) {
	c, err := NewCompressor(3)
	require.NoError(t, err)
	defer c.Close()
	in := make([]byte, 4096)
	for i := range in {
		in[i] = byte(i % 7)
	}
	z := c.Compress(in)
	assert.Less(t, len(z), len(in))
	out, err := c.Decompress(z)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
