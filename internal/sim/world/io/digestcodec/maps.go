package digestcodec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"tilecraft.ai/internal/sim/world/terrain/coords"
)

type mapWriter interface {
	Write(p []byte) (n int, err error)
}

// WriteSortedChunkDigests emits a deterministic key-sorted encoding of chunk
// digests, skipping zero digests so never-snapshotted chunks do not perturb it.
func WriteSortedChunkDigests(w mapWriter, tmp *[8]byte, m map[coords.ChunkKey][32]byte) {
	keys := make([]coords.ChunkKey, 0, len(m))
	for k, v := range m {
		if v != ([32]byte{}) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, k := range keys {
		binary.LittleEndian.PutUint64(tmp[:], uint64(int64(k.CX)))
		w.Write(tmp[:])
		binary.LittleEndian.PutUint64(tmp[:], uint64(int64(k.CY)))
		w.Write(tmp[:])
		d := m[k]
		w.Write(d[:])
	}
}

// RegionDigest is the sha256 hex of WriteSortedChunkDigests(m).
func RegionDigest(m map[coords.ChunkKey][32]byte) string {
	h := sha256.New()
	var tmp [8]byte
	WriteSortedChunkDigests(h, &tmp, m)
	return hex.EncodeToString(h.Sum(nil))
}
