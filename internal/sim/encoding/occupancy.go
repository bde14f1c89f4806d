package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"tilecraft.ai/internal/sim/world/terrain/coords"
)

var (
	ErrUndefinedRank  = errors.New("rank of empty cell is undefined")
	ErrRankOutOfRange = errors.New("rank out of range")
)

// Bitmap marks the occupied cells of one chunk layer.
// Byte ly is row ly; bit lx of that byte is column lx (LSB = column 0).
type Bitmap [coords.ChunkSize]byte

func BitmapFromUint64(v uint64) Bitmap {
	var b Bitmap
	binary.LittleEndian.PutUint64(b[:], v)
	return b
}

// Uint64 packs the rows so that bit (ly*8 + lx) is cell (lx, ly).
func (b Bitmap) Uint64() uint64 {
	return binary.LittleEndian.Uint64(b[:])
}

func (b Bitmap) IsEmpty(lx, ly int) (bool, error) {
	p, err := coords.CheckLocal(lx, ly)
	if err != nil {
		return false, err
	}
	return b[p.Y]&(1<<uint(p.X)) == 0, nil
}

func (b *Bitmap) Set(lx, ly int) error {
	p, err := coords.CheckLocal(lx, ly)
	if err != nil {
		return err
	}
	b[p.Y] |= 1 << uint(p.X)
	return nil
}

func (b *Bitmap) Clear(lx, ly int) error {
	p, err := coords.CheckLocal(lx, ly)
	if err != nil {
		return err
	}
	b[p.Y] &^= 1 << uint(p.X)
	return nil
}

// Count is the number of occupied cells, i.e. the length of the dense value list.
func (b Bitmap) Count() int {
	return bits.OnesCount64(b.Uint64())
}

// Rank returns the dense index of an occupied cell: how many occupied cells
// precede it in row-major order. The cell itself must be occupied.
func (b Bitmap) Rank(lx, ly int) (int, error) {
	p, err := coords.CheckLocal(lx, ly)
	if err != nil {
		return 0, err
	}
	v := b.Uint64()
	i := uint(p.Index())
	if v&(1<<i) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrUndefinedRank, p)
	}
	// For i == 63 the shift yields 0 and the mask covers all bits.
	mask := uint64(1)<<(i+1) - 1
	return bits.OnesCount64(v&mask) - 1, nil
}

// Position is the inverse of Rank.
func (b Bitmap) Position(rank int) (lx, ly int, err error) {
	v := b.Uint64()
	if rank < 0 || rank >= bits.OnesCount64(v) {
		return 0, 0, fmt.Errorf("%w: %d of %d", ErrRankOutOfRange, rank, bits.OnesCount64(v))
	}
	for ; rank > 0; rank-- {
		v &= v - 1
	}
	p := coords.LocalFromIndex(bits.TrailingZeros64(v))
	return p.X, p.Y, nil
}

// Each visits occupied cells in row-major order together with their rank.
func (b Bitmap) Each(fn func(p coords.LocalPos, rank int)) {
	v := b.Uint64()
	for rank := 0; v != 0; rank++ {
		fn(coords.LocalFromIndex(bits.TrailingZeros64(v)), rank)
		v &= v - 1
	}
}
