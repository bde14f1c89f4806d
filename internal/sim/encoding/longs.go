package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var ErrCorrupt = errors.New("corrupt encoding")

// EncodeLongs packs a list of int64 into a compact byte form:
//
//	int32 count (big endian)
//	ceil(count/4) width bytes, 2 bits per value (value i at bits 2*(i%4))
//	values, big endian, 1/2/4/8 bytes each (width codes 0/1/2/3)
//
// An empty list encodes to zero bytes.
func EncodeLongs(vals []int64) []byte {
	if len(vals) == 0 {
		return []byte{}
	}
	n := len(vals)
	size := 4 + widthBytes(n)
	codes := make([]byte, n)
	for i, v := range vals {
		codes[i] = widthCode(v)
		size += 1 << codes[i]
	}

	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(n))
	for i, c := range codes {
		out[4+i/4] |= c << (2 * uint(i%4))
	}
	off := 4 + widthBytes(n)
	for i, v := range vals {
		switch codes[i] {
		case 0:
			out[off] = byte(int8(v))
		case 1:
			binary.BigEndian.PutUint16(out[off:], uint16(int16(v)))
		case 2:
			binary.BigEndian.PutUint32(out[off:], uint32(int32(v)))
		default:
			binary.BigEndian.PutUint64(out[off:], uint64(v))
		}
		off += 1 << codes[i]
	}
	return out
}

func DecodeLongs(b []byte) ([]int64, error) {
	if len(b) == 0 {
		return []int64{}, nil
	}
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: longs header truncated", ErrCorrupt)
	}
	n := int(int32(binary.BigEndian.Uint32(b[0:4])))
	if n < 0 {
		return nil, fmt.Errorf("%w: negative longs count %d", ErrCorrupt, n)
	}
	// Every value takes at least one byte.
	if n > len(b)-4 {
		return nil, fmt.Errorf("%w: longs count %d exceeds input", ErrCorrupt, n)
	}
	wb := widthBytes(n)
	if len(b) < 4+wb {
		return nil, fmt.Errorf("%w: longs widths truncated", ErrCorrupt)
	}
	widths := b[4 : 4+wb]
	off := 4 + wb
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		code := (widths[i/4] >> (2 * uint(i%4))) & 0x3
		w := 1 << code
		if off+w > len(b) {
			return nil, fmt.Errorf("%w: longs value %d truncated", ErrCorrupt, i)
		}
		switch code {
		case 0:
			out[i] = int64(int8(b[off]))
		case 1:
			out[i] = int64(int16(binary.BigEndian.Uint16(b[off:])))
		case 2:
			out[i] = int64(int32(binary.BigEndian.Uint32(b[off:])))
		default:
			out[i] = int64(binary.BigEndian.Uint64(b[off:]))
		}
		off += w
	}
	if off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes after longs", ErrCorrupt, len(b)-off)
	}
	return out, nil
}

func widthBytes(n int) int {
	return (n + 3) / 4
}

func widthCode(v int64) byte {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return 0
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return 1
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return 2
	default:
		return 3
	}
}
