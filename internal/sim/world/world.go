package world

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/world/io/snapshotcodec"
	"tilecraft.ai/internal/sim/world/kernel/model"
	"tilecraft.ai/internal/sim/world/terrain/coords"
	"tilecraft.ai/internal/sim/world/terrain/store"
)

var (
	ErrNotDepletable  = errors.New("occupant is not depletable")
	ErrUnknownPalette = errors.New("unknown palette")
)

type WorldConfig struct {
	ID      string
	Catalog catalogs.OccupantCatalog
}

// ChunkIndex is durable chunk storage. Implemented in internal/persistence/indexdb.
// Chunk data carries palette ids, so every record names the palette it was
// encoded with and the index keeps those palettes.
type ChunkIndex interface {
	PutChunk(ctx context.Context, rec ChunkRecord) error
	LoadChunk(ctx context.Context, key coords.ChunkKey) (ChunkRecord, bool, error)
	PutPalette(ctx context.Context, digest string, palette []string) error
	Palette(ctx context.Context, digest string) ([]string, bool, error)
}

type ChunkRecord struct {
	Key           coords.ChunkKey
	Digest        string
	PaletteDigest string
	ObjCount      int
	EnvCount      int
	Data          []byte
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// Publisher receives every flushed chunk encoding (the mirror feed).
type Publisher interface {
	Publish(key coords.ChunkKey, data []byte)
}

type AuditEntry struct {
	Seq    uint64 `json:"seq"`
	Actor  string `json:"actor"`
	Action string `json:"action"` // e.g. "PLACE"
	Pos    [2]int `json:"pos"`
	Layer  string `json:"layer"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount uint64 `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Deps are optional collaborators; nil fields disable the feature.
type Deps struct {
	Index  ChunkIndex
	Audit  AuditLogger
	Mirror Publisher
	Log    logrus.FieldLogger
}

// World hosts the chunk store of one world and tracks which chunks need
// to be written back. Methods are safe for concurrent use; mutations of a
// single chunk are serialized by the store's per-chunk lock.
type World struct {
	cfg     WorldConfig
	factory *model.Factory
	hooks   store.Hooks
	chunks  *store.ChunkStore

	index  ChunkIndex
	audit  AuditLogger
	mirror Publisher
	log    logrus.FieldLogger

	// Serializes loads so two callers cannot install the same chunk twice.
	loadMu deadlock.Mutex

	dirtyMu deadlock.Mutex
	dirty   map[coords.ChunkKey]struct{}

	seq atomic.Uint64

	paletteStored atomic.Bool
}

func New(cfg WorldConfig, deps Deps) (*World, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("world id required")
	}
	if len(cfg.Catalog.Palette) == 0 {
		return nil, fmt.Errorf("world %s: empty occupant catalog", cfg.ID)
	}
	log := deps.Log
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	factory := &model.Factory{Catalog: cfg.Catalog}
	hooks := store.Hooks{
		Factory:   factory,
		Empty:     model.IsEmpty,
		Snapshots: snapshotcodec.Builder{Catalog: cfg.Catalog},
	}
	return &World{
		cfg:     cfg,
		factory: factory,
		hooks:   hooks,
		chunks:  store.NewChunkStore(hooks),
		index:   deps.Index,
		audit:   deps.Audit,
		mirror:  deps.Mirror,
		log:     log.WithField("world", cfg.ID),
		dirty:   map[coords.ChunkKey]struct{}{},
	}, nil
}

func (w *World) ID() string                        { return w.cfg.ID }
func (w *World) Chunks() *store.ChunkStore         { return w.chunks }
func (w *World) Factory() *model.Factory           { return w.factory }
func (w *World) Catalog() catalogs.OccupantCatalog { return w.cfg.Catalog }

func (w *World) markDirty(key coords.ChunkKey) {
	w.dirtyMu.Lock()
	w.dirty[key] = struct{}{}
	w.dirtyMu.Unlock()
}

func (w *World) DirtyCount() int {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	return len(w.dirty)
}

// LoadChunk makes key resident, restoring it from the index when it was
// persisted before. It reports whether the chunk came from the index.
func (w *World) LoadChunk(ctx context.Context, key coords.ChunkKey) (bool, error) {
	if _, ok := w.chunks.Get(key); ok {
		return false, nil
	}
	if w.index == nil {
		return false, nil
	}
	w.loadMu.Lock()
	defer w.loadMu.Unlock()
	if _, ok := w.chunks.Get(key); ok {
		return false, nil
	}
	rec, ok, err := w.index.LoadChunk(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load chunk %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	palette, stale, err := w.paletteFor(ctx, rec.PaletteDigest)
	if err != nil {
		return false, fmt.Errorf("load chunk %s: %w", key, err)
	}
	decode := snapshotcodec.Decoder(palette, w.factory.Restore)
	c, err := decode(rec.Data, w.hooks)
	if err != nil {
		return false, fmt.Errorf("decode chunk %s: %w", key, err)
	}
	if c.Key() != key {
		return false, fmt.Errorf("chunk %s: index returned chunk %s", key, c.Key())
	}
	if stale {
		// Cached type ids refer to the old palette; re-encode on next flush.
		c.InvalidateSnapshot()
	}
	w.chunks.Put(c)
	if stale {
		w.markDirty(key)
	}
	w.log.WithFields(logrus.Fields{"chunk": key.String(), "stale_palette": stale}).Debug("chunk loaded")
	return true, nil
}

// paletteFor resolves the palette a stored chunk was encoded with. stale is
// true when it is not the current catalog's palette.
func (w *World) paletteFor(ctx context.Context, digest string) ([]string, bool, error) {
	if digest == w.cfg.Catalog.PaletteDigest {
		return w.cfg.Catalog.Palette, false, nil
	}
	if digest == "" {
		return nil, false, fmt.Errorf("%w: record has no palette digest", ErrUnknownPalette)
	}
	palette, ok, err := w.index.Palette(ctx, digest)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownPalette, digest)
	}
	return palette, true, nil
}

// storePalette records the current palette once per World before the first
// chunk that refers to it is written.
func (w *World) storePalette(ctx context.Context) error {
	if w.paletteStored.Load() {
		return nil
	}
	if err := w.index.PutPalette(ctx, w.cfg.Catalog.PaletteDigest, w.cfg.Catalog.Palette); err != nil {
		return fmt.Errorf("persist palette %s: %w", w.cfg.Catalog.PaletteDigest, err)
	}
	w.paletteStored.Store(true)
	return nil
}

// Unload writes key back if it is dirty and drops it from memory. Callers
// must not mutate key while it is being unloaded.
func (w *World) Unload(ctx context.Context, key coords.ChunkKey) error {
	w.dirtyMu.Lock()
	_, dirty := w.dirty[key]
	w.dirtyMu.Unlock()
	if dirty {
		if err := w.flushChunk(ctx, key); err != nil {
			return err
		}
		w.dirtyMu.Lock()
		delete(w.dirty, key)
		w.dirtyMu.Unlock()
	}
	w.chunks.Drop(key)
	return nil
}
