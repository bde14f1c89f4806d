package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/persistence/objstore"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/world"
	"tilecraft.ai/internal/transport/ws"
)

type multiAuditLogger struct {
	a world.AuditLogger
	b world.AuditLogger
}

func (m multiAuditLogger) WriteAudit(e world.AuditEntry) error {
	var err error
	if m.a != nil {
		err = m.a.WriteAudit(e)
	}
	if m.b != nil {
		if err2 := m.b.WriteAudit(e); err == nil {
			err = err2
		}
	}
	return err
}

// snapshotter writes region snapshots with increasing sequence numbers.
type snapshotter struct {
	w   *world.World
	dir string
	idx runtimeIndex
	up  *objstore.Uploader // optional
	log logrus.FieldLogger

	mu  sync.Mutex // one writer at a time
	seq atomic.Uint64
}

func newSnapshotter(w *world.World, dir string, lastSeq uint64, idx runtimeIndex, log logrus.FieldLogger) *snapshotter {
	s := &snapshotter{w: w, dir: dir, idx: idx, log: log}
	s.seq.Store(lastSeq)
	return s
}

func (s *snapshotter) Write() (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq.Load() + 1
	snap, err := s.w.ExportRegion(seq)
	if err != nil {
		return "", 0, err
	}
	path := filepath.Join(s.dir, snapshot.FileName(seq))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", 0, err
	}
	s.seq.Store(seq)
	if s.idx != nil {
		s.idx.RecordSnapshot(path, snap)
	}
	s.up.Enqueue(path)
	s.log.WithFields(logrus.Fields{"seq": seq, "chunks": len(snap.Chunks)}).Info("region snapshot written")
	return path, seq, nil
}

// runFlushLoop flushes dirty chunks every interval and asks for a region
// snapshot every snapEvery successful flushes. It returns when ctx is done.
func runFlushLoop(ctx context.Context, w *world.World, every time.Duration, snapEvery int, snapReq chan<- struct{}, log logrus.FieldLogger) {
	t := time.NewTicker(every)
	defer t.Stop()
	flushes := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st, err := w.Flush(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("flush failed")
			}
			continue
		}
		if st.Chunks == 0 {
			continue
		}
		flushes++
		if snapEvery > 0 && flushes%snapEvery == 0 {
			select {
			case snapReq <- struct{}{}:
			default:
				// A snapshot is still being written.
			}
		}
	}
}

func metricsHandler(w *world.World, idx runtimeIndex, mirror *ws.Server, up *objstore.Uploader) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		id := w.ID()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP tilecraft_loaded_chunks Loaded chunk count.\n")
		fmt.Fprintf(rw, "# TYPE tilecraft_loaded_chunks gauge\n")
		fmt.Fprintf(rw, "tilecraft_loaded_chunks{world=%q} %d\n", id, w.Chunks().Len())

		fmt.Fprintf(rw, "# HELP tilecraft_dirty_chunks Chunks waiting for the next flush.\n")
		fmt.Fprintf(rw, "# TYPE tilecraft_dirty_chunks gauge\n")
		fmt.Fprintf(rw, "tilecraft_dirty_chunks{world=%q} %d\n", id, w.DirtyCount())

		if idx != nil {
			st := idx.Stats()
			fmt.Fprintf(rw, "# HELP tilecraft_index_queue_depth Index writer backlog.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "tilecraft_index_queue_depth{world=%q} %d\n", id, st.QueueDepth)
			fmt.Fprintf(rw, "# HELP tilecraft_index_dropped_total Index rows dropped because the writer was behind.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_index_dropped_total counter\n")
			fmt.Fprintf(rw, "tilecraft_index_dropped_total{world=%q,kind=%q} %d\n", id, "audit", st.DropAuditTotal)
			fmt.Fprintf(rw, "tilecraft_index_dropped_total{world=%q,kind=%q} %d\n", id, "snapshot", st.DropSnapshotTotal)
			fmt.Fprintf(rw, "# HELP tilecraft_index_write_fail_total Failed index statements.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_index_write_fail_total counter\n")
			fmt.Fprintf(rw, "tilecraft_index_write_fail_total{world=%q} %d\n", id, st.WriteFailTotal)
			fmt.Fprintf(rw, "# HELP tilecraft_chunk_cache_total Chunk cache lookups.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_chunk_cache_total counter\n")
			fmt.Fprintf(rw, "tilecraft_chunk_cache_total{world=%q,result=%q} %d\n", id, "hit", st.CacheHitTotal)
			fmt.Fprintf(rw, "tilecraft_chunk_cache_total{world=%q,result=%q} %d\n", id, "miss", st.CacheMissTotal)
		}

		if mirror != nil {
			st := mirror.Stats()
			fmt.Fprintf(rw, "# HELP tilecraft_mirror_subscribers Connected mirrors.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_mirror_subscribers gauge\n")
			fmt.Fprintf(rw, "tilecraft_mirror_subscribers{world=%q} %d\n", id, st.Subscribers)
			fmt.Fprintf(rw, "# HELP tilecraft_mirror_frames_total Chunk frames offered to the feed.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_mirror_frames_total counter\n")
			fmt.Fprintf(rw, "tilecraft_mirror_frames_total{world=%q,result=%q} %d\n", id, "published", st.Published)
			fmt.Fprintf(rw, "tilecraft_mirror_frames_total{world=%q,result=%q} %d\n", id, "dropped", st.Dropped)
		}

		if up != nil {
			st := up.Stats()
			fmt.Fprintf(rw, "# HELP tilecraft_objstore_queue_depth Files waiting for upload.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_objstore_queue_depth gauge\n")
			fmt.Fprintf(rw, "tilecraft_objstore_queue_depth{world=%q} %d\n", id, st.QueueDepth)
			fmt.Fprintf(rw, "# HELP tilecraft_objstore_uploads_total Upload outcomes.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_objstore_uploads_total counter\n")
			fmt.Fprintf(rw, "tilecraft_objstore_uploads_total{world=%q,result=%q} %d\n", id, "ok", st.UploadedTotal)
			fmt.Fprintf(rw, "tilecraft_objstore_uploads_total{world=%q,result=%q} %d\n", id, "failed", st.FailedTotal)
			fmt.Fprintf(rw, "tilecraft_objstore_uploads_total{world=%q,result=%q} %d\n", id, "dropped", st.DroppedTotal)
		}
	}
}

func snapshotHandler(s *snapshotter) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		path, seq, err := s.Write()
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "seq": seq, "path": filepath.Base(path)})
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
