package indexdb

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/sim/world"
	"tilecraft.ai/internal/sim/world/io/snapshotcodec"
	"tilecraft.ai/internal/sim/world/terrain/coords"
)

func openTest(t *testing.T, opts Options) (*SQLiteIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path, opts)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func TestSQLiteIndex_PutLoadChunk(t *testing.T) {
	ctx := context.Background()
	for _, cacheCost := range []int64{0, 1 << 20} {
		idx, _ := openTest(t, Options{CacheMaxCost: cacheCost, ZstdLevel: 3})
		key := coords.ChunkKey{CX: -2, CY: 5}
		data := bytes.Repeat([]byte{1, 2, 3, 4}, 64)

		if _, ok, err := idx.LoadChunk(ctx, key); err != nil || ok {
			t.Fatalf("cache=%d: missing chunk got ok=%v err=%v", cacheCost, ok, err)
		}
		if err := idx.PutChunk(ctx, world.ChunkRecord{Key: key, Digest: "d1", PaletteDigest: "p1", ObjCount: 1, EnvCount: 2, Data: data}); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
		got, ok, err := idx.LoadChunk(ctx, key)
		if err != nil || !ok || !bytes.Equal(got.Data, data) || got.PaletteDigest != "p1" {
			t.Fatalf("cache=%d: LoadChunk=%+v ok=%v err=%v", cacheCost, got, ok, err)
		}

		data2 := []byte{9, 9, 9}
		if err := idx.PutChunk(ctx, world.ChunkRecord{Key: key, Digest: "d2", PaletteDigest: "p2", Data: data2}); err != nil {
			t.Fatalf("PutChunk: %v", err)
		}
		got, _, _ = idx.LoadChunk(ctx, key)
		if !bytes.Equal(got.Data, data2) || got.PaletteDigest != "p2" {
			t.Fatalf("cache=%d: overwrite not visible: %+v", cacheCost, got)
		}
		info, ok, err := idx.ChunkInfo(ctx, key)
		if err != nil || !ok || info.Digest != "d2" || info.PaletteDigest != "p2" {
			t.Fatalf("ChunkInfo=%+v ok=%v err=%v", info, ok, err)
		}
	}
}

func TestSQLiteIndex_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []coords.ChunkKey{{CX: 1, CY: 0}, {CX: -1, CY: 3}, {CX: 0, CY: 0}} {
		if err := idx.PutChunk(ctx, world.ChunkRecord{Key: k, Digest: k.String(), PaletteDigest: "p", Data: []byte(k.String())}); err != nil {
			t.Fatal(err)
		}
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.PutChunk(ctx, world.ChunkRecord{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("put after close: %v", err)
	}

	idx2, err := OpenSQLite(path, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer idx2.Close()
	keys, err := idx2.ChunkKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []coords.ChunkKey{{CX: -1, CY: 3}, {CX: 0, CY: 0}, {CX: 1, CY: 0}}
	if len(keys) != len(want) {
		t.Fatalf("keys=%v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys=%v want %v", keys, want)
		}
	}
	got, ok, err := idx2.LoadChunk(ctx, coords.ChunkKey{CX: -1, CY: 3})
	if err != nil || !ok || string(got.Data) != "-1,3" || got.PaletteDigest != "p" {
		t.Fatalf("reload got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestSQLiteIndex_Palettes(t *testing.T) {
	ctx := context.Background()
	idx, _ := openTest(t, DefaultOptions())

	if _, ok, err := idx.Palette(ctx, "abc"); err != nil || ok {
		t.Fatalf("missing palette ok=%v err=%v", ok, err)
	}
	pal := []string{"NONE", "ROCK", "TREE"}
	if err := idx.PutPalette(ctx, "abc", pal); err != nil {
		t.Fatalf("PutPalette: %v", err)
	}
	// Same digest, different content: the first palette wins.
	if err := idx.PutPalette(ctx, "abc", []string{"NONE"}); err != nil {
		t.Fatalf("PutPalette again: %v", err)
	}
	got, ok, err := idx.Palette(ctx, "abc")
	if err != nil || !ok || len(got) != 3 || got[2] != "TREE" {
		t.Fatalf("Palette=%v ok=%v err=%v", got, ok, err)
	}
	if err := idx.PutPalette(ctx, "", pal); err == nil {
		t.Fatalf("empty digest accepted")
	}
}

func TestSQLiteIndex_LoadRacingPutKeepsNewerInCache(t *testing.T) {
	ctx := context.Background()
	idx, _ := openTest(t, Options{CacheMaxCost: 1 << 20, ZstdLevel: 1})
	key := coords.ChunkKey{CX: 4, CY: 4}
	if err := idx.PutChunk(ctx, world.ChunkRecord{Key: key, PaletteDigest: "p", Data: []byte("old")}); err != nil {
		t.Fatal(err)
	}
	idx.cache.Del(chunkCacheKey(key))
	idx.cache.Wait()

	idx.afterRead = func(k coords.ChunkKey) {
		idx.afterRead = nil
		if err := idx.PutChunk(ctx, world.ChunkRecord{Key: k, PaletteDigest: "p", Data: []byte("new")}); err != nil {
			t.Errorf("PutChunk: %v", err)
		}
	}
	got, ok, err := idx.LoadChunk(ctx, key)
	if err != nil || !ok || string(got.Data) != "old" {
		t.Fatalf("first load=%q ok=%v err=%v", got.Data, ok, err)
	}
	for i := 0; i < 2; i++ {
		got, _, err = idx.LoadChunk(ctx, key)
		if err != nil || string(got.Data) != "new" {
			t.Fatalf("load %d after racing put=%q err=%v", i, got.Data, err)
		}
	}
}

func TestSQLiteIndex_MigratesChunksWithoutPaletteColumn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	zc := mustCompressor(t)
	if _, err := db.Exec(`CREATE TABLE chunks (
		cx INTEGER NOT NULL, cy INTEGER NOT NULL, digest TEXT NOT NULL,
		obj_count INTEGER NOT NULL, env_count INTEGER NOT NULL,
		blob BLOB NOT NULL, updated_at TEXT NOT NULL, PRIMARY KEY (cx, cy))`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO chunks VALUES(1,1,'d',0,0,?,'t')`, zc.Compress([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	idx, err := OpenSQLite(path, Options{})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()
	got, ok, err := idx.LoadChunk(ctx, coords.ChunkKey{CX: 1, CY: 1})
	if err != nil || !ok || string(got.Data) != "x" || got.PaletteDigest != "" {
		t.Fatalf("legacy row=%+v ok=%v err=%v", got, ok, err)
	}
}

func TestSQLiteIndex_AuditsAndSnapshots(t *testing.T) {
	ctx := context.Background()
	idx, path := openTest(t, DefaultOptions())
	for i := 1; i <= 3; i++ {
		_ = idx.WriteAudit(world.AuditEntry{Seq: uint64(i), Actor: "a", Action: "PLACE", Pos: [2]int{3, 5}, Layer: "ENV", To: "TREE"})
	}
	_ = idx.WriteAudit(world.AuditEntry{Seq: 4, Actor: "a", Action: "PLACE", Pos: [2]int{0, 0}, Layer: "OBJECT", To: "CHEST"})
	idx.RecordSnapshot("/data/00000000000000000007.snap.zst", snapshot.RegionSnapshotV1{
		Header:        snapshot.Header{Version: snapshot.Version, WorldID: "w1", Seq: 7},
		PaletteDigest: "pd",
		Chunks:        []snapshot.ChunkV1{{CX: 0, CY: 0}},
	})

	got, err := idx.AuditsAt(ctx, coords.WorldPos{X: 3, Y: 5}, 2)
	if err != nil {
		t.Fatalf("AuditsAt: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 2 {
		t.Fatalf("audits=%+v", got)
	}
	if err := idx.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var (
		worldID string
		chunks  int
		palette string
	)
	if err := db.QueryRow(`SELECT world_id, chunks, palette_digest FROM snapshots WHERE seq=7`).Scan(&worldID, &chunks, &palette); err != nil {
		t.Fatalf("snapshot row: %v", err)
	}
	if worldID != "w1" || chunks != 1 || palette != "pd" {
		t.Fatalf("snapshot row mismatch: %s %d %s", worldID, chunks, palette)
	}
}

func TestSQLiteIndex_UpsertCatalogs(t *testing.T) {
	ctx := context.Background()
	idx, path := openTest(t, DefaultOptions())
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.UpsertCatalogs(ctx, "../../../configs", cats, tuning.Defaults()); err != nil {
		t.Fatalf("UpsertCatalogs: %v", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM catalogs`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("catalog rows=%d want 3", n)
	}
	var digest string
	if err := db.QueryRow(`SELECT digest FROM catalogs WHERE name='occupants_palette'`).Scan(&digest); err != nil {
		t.Fatal(err)
	}
	if digest != cats.Occupants.PaletteDigest {
		t.Fatalf("palette digest %s want %s", digest, cats.Occupants.PaletteDigest)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqAudit}

	_ = s.WriteAudit(world.AuditEntry{Seq: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.RegionSnapshotV1{})

	st := s.Stats()
	if st.DropAuditTotal != 1 {
		t.Fatalf("DropAuditTotal=%d want=1", st.DropAuditTotal)
	}
	if st.DropSnapshotTotal != 1 {
		t.Fatalf("DropSnapshotTotal=%d want=1", st.DropSnapshotTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_PutChunkHonorsContext(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.zc = mustCompressor(t)
	s.ch <- req{kind: reqAudit}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.PutChunk(ctx, world.ChunkRecord{Data: []byte{1}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v want context.Canceled", err)
	}
}

func mustCompressor(t *testing.T) *snapshotcodec.Compressor {
	t.Helper()
	zc, err := snapshotcodec.NewCompressor(1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(zc.Close)
	return zc
}
