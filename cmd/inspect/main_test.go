package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	persistlog "tilecraft.ai/internal/persistence/log"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/world"
	"tilecraft.ai/internal/sim/world/terrain/store"
)

func testWorld(t *testing.T) (*world.World, catalogs.OccupantCatalog) {
	t.Helper()
	cats, err := catalogs.Load("../../configs")
	if err != nil {
		t.Fatal(err)
	}
	w, err := world.New(world.WorldConfig{ID: "w", Catalog: cats.Occupants}, world.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	return w, cats.Occupants
}

func TestSummarizeCountsPerChunkAndType(t *testing.T) {
	ctx := context.Background()
	w, cat := testWorld(t)
	place := func(x, y int, layer store.Layer, typ string) {
		t.Helper()
		if _, err := w.Place(ctx, "t", world.WorldPos{X: x, Y: y}, layer, typ); err != nil {
			t.Fatal(err)
		}
	}
	place(3, 5, store.LayerEnv, "TREE")
	place(4, 5, store.LayerEnv, "TREE")
	place(3, 5, store.LayerObject, "CHEST")
	place(-1, -1, store.LayerEnv, "WATER")

	if _, err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	snap, err := w.ExportRegion(1)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	s, err := summarize(&out, snap)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Chunks != 2 || s.Objects != 1 || s.Envs != 3 {
		t.Fatalf("summary=%+v", s)
	}
	if s.ByType["TREE"] != 2 || s.ByType["WATER"] != 1 || s.ByType["CHEST"] != 1 {
		t.Fatalf("by type=%v", s.ByType)
	}
	if !strings.Contains(out.String(), "chunk -1,-1 obj=0 env=1") {
		t.Fatalf("output:\n%s", out.String())
	}

	digest, err := regionDigest(snap, cat)
	if err != nil {
		t.Fatal(err)
	}
	if digest != w.Digest() {
		t.Fatalf("digest %s want %s", digest, w.Digest())
	}
}

func TestSummarizeRejectsCorruptChunk(t *testing.T) {
	w, _ := testWorld(t)
	if _, err := w.Place(context.Background(), "t", world.WorldPos{}, store.LayerEnv, "ROCK"); err != nil {
		t.Fatal(err)
	}
	snap, err := w.ExportRegion(1)
	if err != nil {
		t.Fatal(err)
	}
	snap.Chunks[0].Data = snap.Chunks[0].Data[:len(snap.Chunks[0].Data)-1]
	var out bytes.Buffer
	if _, err := summarize(&out, snap); err == nil {
		t.Fatalf("expected error for truncated chunk")
	}
}

func TestPrintAuditFiltersCell(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewAuditLogger(dir)
	_ = l.WriteAudit(world.AuditEntry{Seq: 1, Actor: "a", Action: "PLACE", Pos: [2]int{3, 5}, Layer: "ENV", To: "TREE"})
	_ = l.WriteAudit(world.AuditEntry{Seq: 2, Actor: "a", Action: "PLACE", Pos: [2]int{0, 0}, Layer: "ENV", To: "ROCK"})
	_ = l.WriteAudit(world.AuditEntry{Seq: 3, Actor: "b", Action: "DEPLETE", Pos: [2]int{3, 5}, Layer: "ENV", From: "TREE", To: "TREE", Amount: 2})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := printAudit(&out, dir+"/audit", &[2]int{3, 5}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[1], "amount=2") {
		t.Fatalf("output:\n%s", out.String())
	}
}
