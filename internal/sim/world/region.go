package world

import (
	"fmt"
	"slices"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/world/io/digestcodec"
	"tilecraft.ai/internal/sim/world/io/snapshotcodec"
	"tilecraft.ai/internal/sim/world/terrain/store"
)

// ExportRegion snapshots every loaded chunk. Cached chunk snapshots are left
// alone; only Flush advances them.
func (w *World) ExportRegion(seq uint64) (snapshot.RegionSnapshotV1, error) {
	keys := w.chunks.LoadedChunkKeys()
	chunks, err := store.ExportLoadedChunks(w.chunks, keys, snapshotcodec.EncodeCurrent)
	if err != nil {
		return snapshot.RegionSnapshotV1{}, err
	}
	pal := make([]string, len(w.cfg.Catalog.Palette))
	copy(pal, w.cfg.Catalog.Palette)
	return snapshot.RegionSnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.cfg.ID,
			Seq:     seq,
		},
		Palette:       pal,
		PaletteDigest: w.cfg.Catalog.PaletteDigest,
		Chunks:        chunks,
	}, nil
}

// ImportRegion installs every chunk of snap, replacing loaded chunks with the
// same key. Imported chunks are marked dirty so the next flush persists them.
func (w *World) ImportRegion(snap snapshot.RegionSnapshotV1) error {
	if snap.Header.WorldID != "" && snap.Header.WorldID != w.cfg.ID {
		return fmt.Errorf("snapshot is for world %q, not %q", snap.Header.WorldID, w.cfg.ID)
	}
	imported, err := store.ImportChunks(w.hooks, snap.Chunks, snapshotcodec.Decoder(snap.Palette, w.factory.Restore))
	if err != nil {
		return err
	}
	samePalette := slices.Equal(snap.Palette, w.cfg.Catalog.Palette)
	for _, k := range imported.LoadedChunkKeys() {
		c, _ := imported.Get(k)
		if !samePalette {
			// Cached type ids refer to the snapshot's palette.
			c.InvalidateSnapshot()
		}
		w.chunks.Put(c)
		w.markDirty(k)
	}
	w.log.WithField("chunks", len(snap.Chunks)).WithField("seq", snap.Header.Seq).Info("region imported")
	return nil
}

// Digest hashes the last snapshot built for each loaded chunk. Chunks
// mutated since their last flush contribute their flushed state.
func (w *World) Digest() string {
	m := map[ChunkKey][32]byte{}
	for _, k := range w.chunks.LoadedChunkKeys() {
		_, _ = w.chunks.View(k, func(c *store.Chunk) error {
			if s, ok := c.CachedSnapshot(); ok {
				if cs, ok := s.(*snapshotcodec.ChunkSnapshot); ok {
					m[k] = cs.Digest
				}
			}
			return nil
		})
	}
	return digestcodec.RegionDigest(m)
}

// EncodeLoaded encodes every loaded chunk whose key lies in the inclusive
// rectangle [lo, hi].
func (w *World) EncodeLoaded(lo, hi ChunkKey) ([]snapshot.ChunkV1, error) {
	var keys []ChunkKey
	for _, k := range w.chunks.LoadedChunkKeys() {
		if k.CX >= lo.CX && k.CX <= hi.CX && k.CY >= lo.CY && k.CY <= hi.CY {
			keys = append(keys, k)
		}
	}
	return store.ExportLoadedChunks(w.chunks, keys, snapshotcodec.EncodeCurrent)
}
