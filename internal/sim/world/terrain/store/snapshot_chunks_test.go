package store

import (
	"fmt"
	"sync"
	"testing"

	snapv1 "tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/world/terrain/coords"
)

// Test codec: key byte pair, then (index, type byte) for every non-empty env slot.
func encodeTest(c *Chunk) ([]byte, error) {
	out := []byte{byte(int8(c.Key().CX)), byte(int8(c.Key().CY))}
	for _, s := range c.Slots(LayerEnv) {
		if c.SlotEmpty(s) {
			continue
		}
		out = append(out, byte(s.Pos().Index()), s.Occupant().TypeID()[0])
	}
	return out, nil
}

func decodeTest(data []byte, hooks Hooks) (*Chunk, error) {
	if len(data) < 2 || len(data)%2 != 0 {
		return nil, fmt.Errorf("bad data")
	}
	key := coords.ChunkKey{CX: int(int8(data[0])), CY: int(int8(data[1]))}
	var env []*Slot
	for i := 2; i < len(data); i += 2 {
		p := coords.LocalFromIndex(int(data[i]))
		s, err := NewSlot(LayerEnv, p, &fakeOcc{typ: string(data[i+1]), layer: LayerEnv, pos: p, left: 1})
		if err != nil {
			return nil, err
		}
		env = append(env, s)
	}
	return NewChunkWithLayers(key, hooks, nil, env)
}

func TestStoreWorldPositions(t *testing.T) {
	hooks, _, _ := testHooks()
	s := NewChunkStore(hooks)

	empty, err := s.IsCellEmptyAt(coords.WorldPos{X: -1, Y: -1}, LayerEnv)
	if err != nil || !empty {
		t.Fatalf("unloaded cell: %v,%v", empty, err)
	}
	if s.Len() != 0 {
		t.Fatalf("queries must not load chunks")
	}

	occ, err := s.CreateAt(coords.WorldPos{X: -1, Y: -1}, LayerEnv, "TREE")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pos := occ.(*fakeOcc).pos; pos != (coords.LocalPos{X: 7, Y: 7}) {
		t.Fatalf("local pos got %v want (7,7)", pos)
	}
	c, ok := s.Get(coords.ChunkKey{CX: -1, CY: -1})
	if !ok {
		t.Fatalf("chunk (-1,-1) should be loaded")
	}
	if got, ok, _ := c.Occupant(7, 7, LayerEnv); !ok || got != occ {
		t.Fatalf("occupant not in chunk (-1,-1)")
	}
	got, ok, err := s.OccupantAt(coords.WorldPos{X: -1, Y: -1}, LayerEnv)
	if err != nil || !ok || got != occ {
		t.Fatalf("OccupantAt=%v,%v,%v", got, ok, err)
	}
	if empty, _ := s.IsCellEmptyAt(coords.WorldPos{X: -1, Y: -1}, LayerEnv); empty {
		t.Fatalf("cell should be occupied")
	}
	if _, ok, _ := s.OccupantAt(coords.WorldPos{X: 7, Y: 7}, LayerEnv); ok {
		t.Fatalf("(7,7) lives in chunk (0,0) which is empty")
	}
}

func TestStoreRegistry(t *testing.T) {
	hooks, _, _ := testHooks()
	s := NewChunkStore(hooks)
	a := s.GetOrCreate(coords.ChunkKey{CX: 1, CY: 0})
	if b := s.GetOrCreate(coords.ChunkKey{CX: 1, CY: 0}); a != b {
		t.Fatalf("GetOrCreate should return the loaded chunk")
	}
	s.GetOrCreate(coords.ChunkKey{CX: -2, CY: 5})
	s.GetOrCreate(coords.ChunkKey{CX: 1, CY: -1})

	keys := s.LoadedChunkKeys()
	want := []coords.ChunkKey{{CX: -2, CY: 5}, {CX: 1, CY: -1}, {CX: 1, CY: 0}}
	if len(keys) != len(want) {
		t.Fatalf("keys=%v want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys=%v want %v", keys, want)
		}
	}

	replacement := NewChunk(coords.ChunkKey{CX: 1, CY: 0}, hooks)
	s.Put(replacement)
	if got, _ := s.Get(coords.ChunkKey{CX: 1, CY: 0}); got != replacement {
		t.Fatalf("Put should replace the loaded chunk")
	}
	if !s.Drop(coords.ChunkKey{CX: 1, CY: 0}) || s.Drop(coords.ChunkKey{CX: 1, CY: 0}) {
		t.Fatalf("drop should succeed exactly once")
	}
	if s.Len() != 2 {
		t.Fatalf("len got %d want 2", s.Len())
	}
}

func TestStoreWithSerializesWriters(t *testing.T) {
	hooks, _, _ := testHooks()
	s := NewChunkStore(hooks)
	key := coords.ChunkKey{CX: 3, CY: 3}
	counter := 0

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.With(key, func(c *Chunk) error {
					counter++
					_, err := c.CreateOccupant(LayerObject, "CHEST", g, i%coords.ChunkSize)
					return err
				})
			}
		}(g)
	}
	wg.Wait()
	if counter != 800 {
		t.Fatalf("counter got %d want 800", counter)
	}
	c, _ := s.Get(key)
	if got := c.Materialized(LayerObject); got != 64 {
		t.Fatalf("materialized got %d want 64", got)
	}
}

func TestExportAndImportChunksRoundTrip(t *testing.T) {
	hooks, _, _ := testHooks()
	s := NewChunkStore(hooks)
	if _, err := s.CreateAt(coords.WorldPos{X: 8 + 3, Y: -16 + 5}, LayerEnv, "TREE"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAt(coords.WorldPos{X: 0, Y: 0}, LayerEnv, "ROCK"); err != nil {
		t.Fatal(err)
	}

	keys := append(s.LoadedChunkKeys(), coords.ChunkKey{CX: 50, CY: 50})
	exported, err := ExportLoadedChunks(s, keys, encodeTest)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exported) != 2 {
		t.Fatalf("expected 2 exported chunks, got %d", len(exported))
	}
	if exported[0].CX != 0 || exported[0].CY != 0 || exported[1].CX != 1 || exported[1].CY != -2 {
		t.Fatalf("unexpected export order: %+v", exported)
	}

	imported, err := ImportChunks(hooks, exported, decodeTest)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	got, ok, err := imported.OccupantAt(coords.WorldPos{X: 11, Y: -11}, LayerEnv)
	if err != nil || !ok || got.TypeID() != "T" {
		t.Fatalf("unexpected imported occupant: %v,%v,%v", got, ok, err)
	}
}

func TestImportChunksRejectsBadInput(t *testing.T) {
	hooks, _, _ := testHooks()
	if _, err := ImportChunks(hooks, []snapv1.ChunkV1{{CX: 0, CY: 0, Data: []byte{1}}}, decodeTest); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := ImportChunks(hooks, []snapv1.ChunkV1{{CX: 4, CY: 0, Data: []byte{0, 0}}}, decodeTest); err == nil {
		t.Fatalf("expected key mismatch error")
	}
	dup := []snapv1.ChunkV1{{CX: 0, CY: 0, Data: []byte{0, 0}}, {CX: 0, CY: 0, Data: []byte{0, 0}}}
	if _, err := ImportChunks(hooks, dup, decodeTest); err == nil {
		t.Fatalf("expected duplicate chunk error")
	}
}
