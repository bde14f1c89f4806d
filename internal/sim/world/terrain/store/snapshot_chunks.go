package store

import (
	"fmt"

	snapv1 "tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/world/terrain/coords"
)

// ChunkEncoder serializes one chunk for a region snapshot.
type ChunkEncoder func(c *Chunk) ([]byte, error)

// ChunkDecoder rebuilds a chunk from its region snapshot bytes.
type ChunkDecoder func(data []byte, hooks Hooks) (*Chunk, error)

// ExportLoadedChunks converts loaded chunks into snapshot chunks. Keys that
// are not loaded are skipped.
func ExportLoadedChunks(s *ChunkStore, keys []coords.ChunkKey, encode ChunkEncoder) ([]snapv1.ChunkV1, error) {
	out := make([]snapv1.ChunkV1, 0, len(keys))
	for _, k := range keys {
		var data []byte
		loaded, err := s.View(k, func(c *Chunk) error {
			var err error
			data, err = encode(c)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("export chunk %s: %w", k, err)
		}
		if !loaded {
			continue
		}
		out = append(out, snapv1.ChunkV1{CX: k.CX, CY: k.CY, Data: data})
	}
	return out, nil
}

// ImportChunks rebuilds a chunk store from snapshot chunks.
func ImportChunks(hooks Hooks, chunks []snapv1.ChunkV1, decode ChunkDecoder) (*ChunkStore, error) {
	store := NewChunkStore(hooks)
	for _, ch := range chunks {
		k := coords.ChunkKey{CX: ch.CX, CY: ch.CY}
		if _, ok := store.Get(k); ok {
			return nil, fmt.Errorf("snapshot chunk %s appears twice", k)
		}
		c, err := decode(ch.Data, hooks)
		if err != nil {
			return nil, fmt.Errorf("import chunk %s: %w", k, err)
		}
		if c.Key() != k {
			return nil, fmt.Errorf("snapshot chunk key mismatch: got %s want %s", c.Key(), k)
		}
		store.Put(c)
	}
	return store, nil
}
