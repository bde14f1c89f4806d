package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	_ "modernc.org/sqlite"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/sim/world"
	"tilecraft.ai/internal/sim/world/io/snapshotcodec"
	"tilecraft.ai/internal/sim/world/terrain/coords"
)

var ErrClosed = errors.New("index closed")

type Options struct {
	// CacheMaxCost bounds the decoded chunk cache in bytes; 0 disables it.
	CacheMaxCost int64
	ZstdLevel    int
	QueueSize    int
}

func DefaultOptions() Options {
	return Options{CacheMaxCost: 64 << 20, ZstdLevel: 3, QueueSize: 65536}
}

// SQLiteIndex stores chunk encodings, audit rows and snapshot records. All
// statements run on one writer goroutine; writes are committed in batches and
// reads go through the same queue so they observe every earlier write.
type SQLiteIndex struct {
	db    *sql.DB
	zc    *snapshotcodec.Compressor
	cache *ristretto.Cache[string, cachedChunk]

	// putGen counts PutChunk calls. A cache fill from a read that raced a
	// put is skipped; cacheMu orders fills against write-through sets.
	cacheMu sync.Mutex
	putGen  uint64
	// afterRead, when set, runs between the row read and the cache fill.
	afterRead func(coords.ChunkKey)

	ch   chan req
	mu   sync.RWMutex // guards close(ch) against concurrent sends
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAudit    atomic.Uint64
	dropSnapshot atomic.Uint64
	writeFail    atomic.Uint64
	cacheHit     atomic.Uint64
	cacheMiss    atomic.Uint64
}

type reqKind int

const (
	reqChunk reqKind = iota + 1
	reqAudit
	reqSnapshot
	reqDo
)

type req struct {
	kind reqKind

	chunk    chunkRow
	audit    world.AuditEntry
	snapshot snapshotRow

	fn   func(db *sql.DB) error
	done chan error
}

type chunkRow struct {
	CX, CY        int
	Digest        string
	PaletteDigest string
	ObjCount      int
	EnvCount      int
	Blob          []byte
}

type cachedChunk struct {
	palette string
	data    []byte
}

func (c cachedChunk) cost() int64 { return int64(len(c.data) + len(c.palette)) }

type snapshotRow struct {
	Seq           uint64
	Path          string
	WorldID       string
	Chunks        int
	PaletteDigest string
	RecordedAt    string
}

func OpenSQLite(path string, opts Options) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	zc, err := snapshotcodec.NewCompressor(opts.ZstdLevel)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteIndex{
		db: db,
		zc: zc,
		ch: make(chan req, opts.QueueSize),
	}
	if opts.CacheMaxCost > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, cachedChunk]{
			NumCounters: max(10*(opts.CacheMaxCost/512), 1000),
			MaxCost:     opts.CacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			zc.Close()
			_ = db.Close()
			return nil, err
		}
		s.cache = cache
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			digest TEXT NOT NULL,
			palette_digest TEXT NOT NULL DEFAULT '',
			obj_count INTEGER NOT NULL,
			env_count INTEGER NOT NULL,
			blob BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (cx, cy)
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			seq INTEGER PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			layer TEXT NOT NULL,
			from_type TEXT,
			to_type TEXT,
			amount INTEGER NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_pos ON audits(x, y, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor ON audits(actor, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			world_id TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			palette_digest TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	// Databases created before chunks recorded their palette.
	return ensureColumn(db, "chunks", "palette_digest", "TEXT NOT NULL DEFAULT ''")
}

func ensureColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		if s.cache != nil {
			s.cache.Close()
		}
		s.zc.Close()
		err = s.db.Close()
	})
	return err
}

// send blocks until r is queued or ctx is done.
func (s *SQLiteIndex) send(ctx context.Context, r req) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues r unless the writer is behind.
func (s *SQLiteIndex) trySend(r req) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		return false
	}
}

// do runs fn on the writer goroutine after committing pending writes.
func (s *SQLiteIndex) do(ctx context.Context, fn func(db *sql.DB) error) error {
	done := make(chan error, 1)
	if err := s.send(ctx, req{kind: reqDo, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func chunkCacheKey(k coords.ChunkKey) string { return k.String() }

func paletteCatalogName(digest string) string { return "palette:" + digest }

// PutChunk queues the chunk for the next batch commit. Reads issued after
// PutChunk returns observe the new encoding.
func (s *SQLiteIndex) PutChunk(ctx context.Context, rec world.ChunkRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	row := chunkRow{
		CX:            rec.Key.CX,
		CY:            rec.Key.CY,
		Digest:        rec.Digest,
		PaletteDigest: rec.PaletteDigest,
		ObjCount:      rec.ObjCount,
		EnvCount:      rec.EnvCount,
		Blob:          s.zc.Compress(rec.Data),
	}
	if err := s.send(ctx, req{kind: reqChunk, chunk: row}); err != nil {
		return err
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.putGen++
	if s.cache != nil {
		c := cachedChunk{palette: rec.PaletteDigest, data: append([]byte(nil), rec.Data...)}
		s.cache.Set(chunkCacheKey(rec.Key), c, c.cost())
		s.cache.Wait()
	}
	return nil
}

// LoadChunk returns the stored encoding of key. The record carries Key,
// PaletteDigest and Data only.
func (s *SQLiteIndex) LoadChunk(ctx context.Context, key coords.ChunkKey) (world.ChunkRecord, bool, error) {
	rec := world.ChunkRecord{Key: key}
	if s.cache != nil {
		if c, ok := s.cache.Get(chunkCacheKey(key)); ok {
			s.cacheHit.Add(1)
			rec.PaletteDigest, rec.Data = c.palette, c.data
			return rec, true, nil
		}
	}
	s.cacheMiss.Add(1)

	s.cacheMu.Lock()
	gen := s.putGen
	s.cacheMu.Unlock()

	var blob []byte
	err := s.do(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT palette_digest, blob FROM chunks WHERE cx=? AND cy=?`, key.CX, key.CY,
		).Scan(&rec.PaletteDigest, &blob)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("load chunk %s: %w", key, err)
	}
	data, err := s.zc.Decompress(blob)
	if err != nil {
		return rec, false, fmt.Errorf("load chunk %s: %w", key, err)
	}
	rec.Data = data
	if s.afterRead != nil {
		s.afterRead(key)
	}
	if s.cache != nil {
		s.cacheMu.Lock()
		if s.putGen == gen {
			c := cachedChunk{palette: rec.PaletteDigest, data: data}
			s.cache.Set(chunkCacheKey(key), c, c.cost())
			s.cache.Wait()
		}
		s.cacheMu.Unlock()
	}
	return rec, true, nil
}

// PutPalette keeps the palette chunk encodings refer to. Palettes are
// immutable per digest, so an existing row is left alone.
func (s *SQLiteIndex) PutPalette(ctx context.Context, digest string, palette []string) error {
	if digest == "" || len(palette) == 0 {
		return fmt.Errorf("put palette: empty digest or palette")
	}
	b, err := json.Marshal(palette)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.do(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`,
			paletteCatalogName(digest), digest, string(b), now)
		return err
	})
}

func (s *SQLiteIndex) Palette(ctx context.Context, digest string) ([]string, bool, error) {
	var raw string
	err := s.do(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT json FROM catalogs WHERE name=?`, paletteCatalogName(digest)).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load palette %s: %w", digest, err)
	}
	var palette []string
	if err := json.Unmarshal([]byte(raw), &palette); err != nil {
		return nil, false, fmt.Errorf("load palette %s: %w", digest, err)
	}
	return palette, true, nil
}

// Flush commits every queued write.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	return s.do(ctx, func(*sql.DB) error { return nil })
}

// ChunkKeys lists every stored chunk in (cx, cy) order.
func (s *SQLiteIndex) ChunkKeys(ctx context.Context) ([]coords.ChunkKey, error) {
	var keys []coords.ChunkKey
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT cx, cy FROM chunks ORDER BY cx, cy`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k coords.ChunkKey
			if err := rows.Scan(&k.CX, &k.CY); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	return keys, err
}

type ChunkInfo struct {
	Key           coords.ChunkKey
	Digest        string
	PaletteDigest string
	ObjCount      int
	EnvCount      int
	UpdatedAt     string
}

func (s *SQLiteIndex) ChunkInfo(ctx context.Context, key coords.ChunkKey) (ChunkInfo, bool, error) {
	info := ChunkInfo{Key: key}
	err := s.do(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT digest, palette_digest, obj_count, env_count, updated_at FROM chunks WHERE cx=? AND cy=?`, key.CX, key.CY,
		).Scan(&info.Digest, &info.PaletteDigest, &info.ObjCount, &info.EnvCount, &info.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return info, false, nil
	}
	return info, err == nil, err
}

// WriteAudit queues an audit row, dropping it when the writer falls behind;
// the JSONL audit log remains the source of truth.
func (s *SQLiteIndex) WriteAudit(entry world.AuditEntry) error {
	if s == nil {
		return nil
	}
	if !s.trySend(req{kind: reqAudit, audit: entry}) && !s.closed.Load() {
		s.dropAudit.Add(1)
	}
	return nil
}

// AuditsAt returns the most recent audit entries of one cell, newest first.
func (s *SQLiteIndex) AuditsAt(ctx context.Context, pos coords.WorldPos, limit int) ([]world.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []world.AuditEntry
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT raw_json FROM audits WHERE x=? AND y=? ORDER BY seq DESC LIMIT ?`, pos.X, pos.Y, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			var e world.AuditEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.RegionSnapshotV1) {
	if s == nil {
		return
	}
	r := snapshotRow{
		Seq:           snap.Header.Seq,
		Path:          path,
		WorldID:       snap.Header.WorldID,
		Chunks:        len(snap.Chunks),
		PaletteDigest: snap.PaletteDigest,
		RecordedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !s.trySend(req{kind: reqSnapshot, snapshot: r}) && !s.closed.Load() {
		s.dropSnapshot.Add(1)
	}
}

func (s *SQLiteIndex) UpsertCatalogs(ctx context.Context, configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "occupants.json")); err == nil {
			rows = append(rows, kv{name: "occupants_defs", digest: cats.Occupants.DefsDigest, json: b})
		}
	}
	if b, _ := json.Marshal(cats.Occupants.Palette); len(b) > 0 {
		rows = append(rows, kv{name: "occupants_palette", digest: cats.Occupants.PaletteDigest, json: b})
	}
	// Tuning: store the values we actually apply (canonical JSON).
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	return s.do(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('world_id',?)`, tune.WorldID); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if r.name == "" || r.digest == "" || len(r.json) == 0 {
				continue
			}
			if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

type Stats struct {
	DropAuditTotal    uint64
	DropSnapshotTotal uint64
	WriteFailTotal    uint64
	CacheHitTotal     uint64
	CacheMissTotal    uint64
	QueueDepth        int
	QueueCapacity     int
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		DropAuditTotal:    s.dropAudit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		WriteFailTotal:    s.writeFail.Load(),
		CacheHitTotal:     s.cacheHit.Load(),
		CacheMissTotal:    s.cacheMiss.Load(),
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertChunk, _ := s.db.Prepare(`INSERT OR REPLACE INTO chunks(cx,cy,digest,palette_digest,obj_count,env_count,blob,updated_at) VALUES(?,?,?,?,?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(seq,actor,action,x,y,layer,from_type,to_type,amount,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(seq,path,world_id,chunks,palette_digest,recorded_at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertChunk, insertAudit, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
		// First write failure since the last barrier, reported by the next do.
		pendingErr error
	)

	fail := func(err error) {
		s.writeFail.Add(1)
		if pendingErr == nil {
			pendingErr = err
		}
	}
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			fail(err)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			fail(err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			fail(fmt.Errorf("statement not prepared"))
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			fail(err)
			return
		}
		opCount++
	}

	// Idle batches are committed by the ticker so the single connection is
	// never held by an open transaction for long.
	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		if r.kind == reqDo {
			commit()
			err := pendingErr
			pendingErr = nil
			if err == nil && r.fn != nil {
				err = r.fn(s.db)
			}
			r.done <- err
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		switch r.kind {
		case reqChunk:
			c := r.chunk
			exec(upsertChunk, c.CX, c.CY, c.Digest, c.PaletteDigest, c.ObjCount, c.EnvCount, c.Blob, now)

		case reqAudit:
			a := r.audit
			raw, _ := json.Marshal(a)
			exec(insertAudit,
				int64(a.Seq),
				a.Actor,
				a.Action,
				a.Pos[0], a.Pos[1],
				a.Layer,
				a.From,
				a.To,
				int64(a.Amount),
				a.Reason,
				string(raw),
			)

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Seq), sn.Path, sn.WorldID, sn.Chunks, sn.PaletteDigest, sn.RecordedAt)
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
}
