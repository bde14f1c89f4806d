package encoding

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

type bufWriter interface {
	io.Writer
	io.ByteWriter
}

type bufReader interface {
	io.Reader
	io.ByteReader
}

// WriteVarLong writes a width tag (1, 2, 4 or 8) followed by v in that many
// big-endian bytes.
func WriteVarLong(w bufWriter, v int64) error {
	var tmp [8]byte
	n := 1 << widthCode(v)
	switch n {
	case 1:
		tmp[0] = byte(int8(v))
	case 2:
		binary.BigEndian.PutUint16(tmp[:], uint16(int16(v)))
	case 4:
		binary.BigEndian.PutUint32(tmp[:], uint32(int32(v)))
	default:
		binary.BigEndian.PutUint64(tmp[:], uint64(v))
	}
	if err := w.WriteByte(byte(n)); err != nil {
		return err
	}
	_, err := w.Write(tmp[:n])
	return err
}

func ReadVarLong(r bufReader) (int64, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	var tmp [8]byte
	switch tag {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("%w: bad varlong tag %d", ErrCorrupt, tag)
	}
	if _, err := io.ReadFull(r, tmp[:tag]); err != nil {
		return 0, fmt.Errorf("%w: varlong truncated", ErrCorrupt)
	}
	switch tag {
	case 1:
		return int64(int8(tmp[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(tmp[:]))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(tmp[:]))), nil
	default:
		return int64(binary.BigEndian.Uint64(tmp[:])), nil
	}
}

// WriteBytes writes an int32 length prefix followed by b.
func WriteBytes(w bufWriter, b []byte) error {
	if len(b) > math.MaxInt32 {
		return fmt.Errorf("byte slice too long: %d", len(b))
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	if _, err := w.Write(tmp[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadBytes reads a slice written by WriteBytes. limit bounds the length to
// guard against corrupt prefixes (<= 0 means no bound).
func ReadBytes(r bufReader, limit int) ([]byte, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, fmt.Errorf("%w: length prefix truncated", ErrCorrupt)
	}
	n := int(int32(binary.BigEndian.Uint32(tmp[:])))
	if n < 0 || (limit > 0 && n > limit) {
		return nil, fmt.Errorf("%w: bad length %d", ErrCorrupt, n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: bytes truncated", ErrCorrupt)
	}
	return out, nil
}

func WriteString(w bufWriter, s string) error {
	return WriteBytes(w, []byte(s))
}

func ReadString(r bufReader, limit int) (string, error) {
	b, err := ReadBytes(r, limit)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
