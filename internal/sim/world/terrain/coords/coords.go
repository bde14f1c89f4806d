// Package coords maps world tile positions onto chunks and chunk-local cells.
package coords

import (
	"errors"
	"fmt"

	"tilecraft.ai/internal/sim/world/logic/mathx"
)

// ChunkSize is the edge length of a chunk in tiles.
const ChunkSize = 8

// Cells is the number of cells in one chunk layer.
const Cells = ChunkSize * ChunkSize

var ErrInvalidCoordinate = errors.New("invalid local coordinate")

type WorldPos struct {
	X, Y int
}

type ChunkKey struct {
	CX int
	CY int
}

// LocalPos is a cell inside a chunk, each axis in [0, ChunkSize-1].
type LocalPos struct {
	X, Y int
}

func (p LocalPos) Valid() bool {
	return p.X >= 0 && p.X < ChunkSize && p.Y >= 0 && p.Y < ChunkSize
}

// Index is the row-major flat index (row Y first, then column X).
func (p LocalPos) Index() int {
	return p.Y*ChunkSize + p.X
}

func (p LocalPos) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

func LocalFromIndex(i int) LocalPos {
	return LocalPos{X: i % ChunkSize, Y: i / ChunkSize}
}

// CheckLocal validates a local coordinate pair.
func CheckLocal(lx, ly int) (LocalPos, error) {
	p := LocalPos{X: lx, Y: ly}
	if !p.Valid() {
		return p, fmt.Errorf("%w: (%d,%d) outside [0,%d]", ErrInvalidCoordinate, lx, ly, ChunkSize-1)
	}
	return p, nil
}

func ChunkCoordOf(w, size int) int {
	return mathx.FloorDiv(w, size)
}

func LocalCoordOf(w, size int) int {
	return mathx.Mod(w, size)
}

func MinWorldCoord(c, size int) int {
	return c * size
}

func MaxWorldCoord(c, size int) int {
	return c*size + size - 1
}

// Split returns the chunk holding pos and the cell inside it.
func Split(pos WorldPos) (ChunkKey, LocalPos) {
	return ChunkKey{
			CX: ChunkCoordOf(pos.X, ChunkSize),
			CY: ChunkCoordOf(pos.Y, ChunkSize),
		}, LocalPos{
			X: LocalCoordOf(pos.X, ChunkSize),
			Y: LocalCoordOf(pos.Y, ChunkSize),
		}
}

func Join(k ChunkKey, p LocalPos) WorldPos {
	return WorldPos{
		X: MinWorldCoord(k.CX, ChunkSize) + p.X,
		Y: MinWorldCoord(k.CY, ChunkSize) + p.Y,
	}
}

func (k ChunkKey) Min() WorldPos {
	return WorldPos{X: MinWorldCoord(k.CX, ChunkSize), Y: MinWorldCoord(k.CY, ChunkSize)}
}

func (k ChunkKey) Max() WorldPos {
	return WorldPos{X: MaxWorldCoord(k.CX, ChunkSize), Y: MaxWorldCoord(k.CY, ChunkSize)}
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%d,%d", k.CX, k.CY)
}

// Less orders keys by CX then CY.
func (k ChunkKey) Less(o ChunkKey) bool {
	if k.CX != o.CX {
		return k.CX < o.CX
	}
	return k.CY < o.CY
}
