package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

var ErrNoSnapshot = errors.New("no snapshot found")

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Seq     uint64 `json:"seq"`
}

// RegionSnapshotV1 is a full dump of a world's loaded chunks.
type RegionSnapshotV1 struct {
	Header Header `json:"header"`

	// Occupant type palette the chunk data indexes into.
	Palette       []string `json:"palette"`
	PaletteDigest string   `json:"palette_digest,omitempty"`

	Chunks []ChunkV1 `json:"chunks"`
}

// ChunkV1 carries one chunk in its encoded snapshot form.
type ChunkV1 struct {
	CX   int    `json:"cx"`
	CY   int    `json:"cy"`
	Data []byte `json:"data"`
}

// FileName is the canonical name of the snapshot with sequence seq.
func FileName(seq uint64) string {
	return fmt.Sprintf("%020d.snap.zst", seq)
}

var newEncoder = func(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func WriteSnapshot(path string, snap RegionSnapshotV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	enc, err := newEncoder(f)
	if err != nil {
		return err
	}
	encClosed := false
	defer func() {
		if !encClosed {
			_ = enc.Close()
		}
	}()
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	encClosed = true
	if err := enc.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadHeader reads only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (RegionSnapshotV1, error) {
	var snap RegionSnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is repeated inside the gob body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// LatestSnapshot returns the path of the highest-sequence snapshot in dir.
func LatestSnapshot(dir string) (string, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, ErrNoSnapshot
		}
		return "", 0, err
	}
	type cand struct {
		name string
		seq  uint64
	}
	var cands []cand
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		cands = append(cands, cand{name: name, seq: seq})
	}
	if len(cands) == 0 {
		return "", 0, ErrNoSnapshot
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].seq > cands[j].seq })
	return filepath.Join(dir, cands[0].name), cands[0].seq, nil
}
