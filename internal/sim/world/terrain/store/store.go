package store

import (
	"sort"

	"github.com/sasha-s/go-deadlock"

	"tilecraft.ai/internal/sim/world/terrain/coords"
)

// ChunkStore owns the loaded chunks of a world. Each chunk gets its own
// mutex; callers mutate a chunk only inside With.
type ChunkStore struct {
	hooks Hooks

	mu     deadlock.RWMutex
	chunks map[coords.ChunkKey]*entry
}

type entry struct {
	mu    deadlock.Mutex
	chunk *Chunk
}

func NewChunkStore(hooks Hooks) *ChunkStore {
	return &ChunkStore{
		hooks:  hooks,
		chunks: map[coords.ChunkKey]*entry{},
	}
}

func (s *ChunkStore) Hooks() Hooks { return s.hooks }

func (s *ChunkStore) entry(key coords.ChunkKey, create bool) *entry {
	s.mu.RLock()
	e := s.chunks[key]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.chunks[key]; e == nil {
		e = &entry{chunk: NewChunk(key, s.hooks)}
		s.chunks[key] = e
	}
	return e
}

// GetOrCreate returns the chunk for key, creating an empty one if needed.
func (s *ChunkStore) GetOrCreate(key coords.ChunkKey) *Chunk {
	e := s.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunk
}

func (s *ChunkStore) Get(key coords.ChunkKey) (*Chunk, bool) {
	e := s.entry(key, false)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunk, true
}

// Put installs c, replacing any loaded chunk with the same key.
func (s *ChunkStore) Put(c *Chunk) {
	s.mu.Lock()
	e := s.chunks[c.Key()]
	if e == nil {
		s.chunks[c.Key()] = &entry{chunk: c}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	e.mu.Lock()
	e.chunk = c
	e.mu.Unlock()
}

func (s *ChunkStore) Drop(key coords.ChunkKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[key]; !ok {
		return false
	}
	delete(s.chunks, key)
	return true
}

func (s *ChunkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func (s *ChunkStore) LoadedChunkKeys() []coords.ChunkKey {
	s.mu.RLock()
	keys := make([]coords.ChunkKey, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// With runs fn on the chunk for key while holding that chunk's lock,
// creating the chunk if it is not loaded.
func (s *ChunkStore) With(key coords.ChunkKey, fn func(*Chunk) error) error {
	e := s.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.chunk)
}

// View is like With but never creates a chunk. It reports whether the chunk was loaded.
func (s *ChunkStore) View(key coords.ChunkKey, fn func(*Chunk) error) (bool, error) {
	e := s.entry(key, false)
	if e == nil {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return true, fn(e.chunk)
}

func (s *ChunkStore) OccupantAt(pos coords.WorldPos, layer Layer) (Occupant, bool, error) {
	key, lp := coords.Split(pos)
	var (
		occ Occupant
		ok  bool
	)
	_, err := s.View(key, func(c *Chunk) error {
		var err error
		occ, ok, err = c.Occupant(lp.X, lp.Y, layer)
		return err
	})
	return occ, ok, err
}

// IsCellEmptyAt treats cells of unloaded chunks as empty.
func (s *ChunkStore) IsCellEmptyAt(pos coords.WorldPos, layer Layer) (bool, error) {
	key, lp := coords.Split(pos)
	if !layer.Valid() {
		return false, ErrInvalidLayer
	}
	empty := true
	_, err := s.View(key, func(c *Chunk) error {
		var err error
		empty, err = c.IsCellEmpty(lp.X, lp.Y, layer)
		return err
	})
	return empty, err
}

func (s *ChunkStore) CreateAt(pos coords.WorldPos, layer Layer, typeID string) (Occupant, error) {
	key, lp := coords.Split(pos)
	var occ Occupant
	err := s.With(key, func(c *Chunk) error {
		var err error
		occ, err = c.CreateOccupant(layer, typeID, lp.X, lp.Y)
		return err
	})
	return occ, err
}
