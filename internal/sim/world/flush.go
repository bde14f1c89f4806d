package world

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/sim/world/io/snapshotcodec"
	"tilecraft.ai/internal/sim/world/terrain/store"
)

type FlushStats struct {
	Chunks   int
	Bytes    int
	Duration time.Duration
}

func (w *World) takeDirty() []ChunkKey {
	w.dirtyMu.Lock()
	keys := make([]ChunkKey, 0, len(w.dirty))
	for k := range w.dirty {
		keys = append(keys, k)
	}
	w.dirty = map[ChunkKey]struct{}{}
	w.dirtyMu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Flush rebuilds the snapshot of every dirty chunk, writes it to the index
// and publishes it to the mirror feed. Chunks that could not be written stay
// dirty for the next flush.
func (w *World) Flush(ctx context.Context) (FlushStats, error) {
	start := time.Now()
	keys := w.takeDirty()
	var st FlushStats
	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			w.requeue(keys[i:])
			return st, err
		}
		n, err := w.writeBack(ctx, k)
		if err != nil {
			w.requeue(keys[i:])
			return st, err
		}
		st.Chunks++
		st.Bytes += n
	}
	st.Duration = time.Since(start)
	if st.Chunks > 0 {
		w.log.WithFields(logrus.Fields{
			"chunks": st.Chunks,
			"bytes":  st.Bytes,
			"ms":     st.Duration.Milliseconds(),
		}).Debug("flushed")
	}
	return st, nil
}

func (w *World) requeue(keys []ChunkKey) {
	w.dirtyMu.Lock()
	for _, k := range keys {
		w.dirty[k] = struct{}{}
	}
	w.dirtyMu.Unlock()
}

func (w *World) flushChunk(ctx context.Context, key ChunkKey) error {
	_, err := w.writeBack(ctx, key)
	return err
}

func (w *World) writeBack(ctx context.Context, key ChunkKey) (int, error) {
	var rec ChunkRecord
	loaded, err := w.chunks.View(key, func(c *store.Chunk) error {
		data, err := snapshotcodec.EncodeChunk(c)
		if err != nil {
			return err
		}
		s, _ := c.CachedSnapshot()
		snap := s.(*snapshotcodec.ChunkSnapshot)
		rec = ChunkRecord{
			Key:           key,
			Digest:        hex.EncodeToString(snap.Digest[:]),
			PaletteDigest: w.cfg.Catalog.PaletteDigest,
			ObjCount:      snap.Layers[store.LayerObject].Count(),
			EnvCount:      snap.Layers[store.LayerEnv].Count(),
			Data:          data,
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("snapshot chunk %s: %w", key, err)
	}
	if !loaded {
		return 0, nil
	}
	if w.index != nil {
		if err := w.storePalette(ctx); err != nil {
			return 0, err
		}
		if err := w.index.PutChunk(ctx, rec); err != nil {
			return 0, fmt.Errorf("persist chunk %s: %w", key, err)
		}
	}
	if w.mirror != nil {
		w.mirror.Publish(key, rec.Data)
	}
	return len(rec.Data), nil
}
