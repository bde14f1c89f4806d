package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/logging"
	persistlog "tilecraft.ai/internal/persistence/log"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/tuning"
	"tilecraft.ai/internal/sim/world"
	"tilecraft.ai/internal/sim/world/terrain/coords"
	"tilecraft.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldFlag  = flag.String("world", "", "world id (default: world_id from tuning)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite chunk index (chunks live only in memory and snapshots)")

		snapPath   = flag.String("snapshot", "", "path to region snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")

		profileMode = flag.String("profile", "", "write a cpu or mem profile to <data>/profile")
	)
	flag.Parse()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logrus.Fatalf("load tuning: %v", err)
		}
		logrus.Warnf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	logger, logCloser, err := logging.New(tune.Log, os.Stdout)
	if err != nil {
		logrus.Fatalf("logging: %v", err)
	}
	defer logCloser.Close()
	log := logger.WithField("component", "server")

	deadlock.Opts.Disable = !tune.DebugLocks

	switch *profileMode {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(filepath.Join(*dataDir, "profile")), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath(filepath.Join(*dataDir, "profile")), profile.NoShutdownHook).Stop()
	default:
		log.Fatalf("unknown -profile %q (want cpu or mem)", *profileMode)
	}

	worldID := strings.TrimSpace(*worldFlag)
	if worldID == "" {
		worldID = tune.WorldID
	}
	log = log.WithField("world", worldID)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		log.Fatalf("load catalogs: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", worldID)
	snapDir := filepath.Join(worldDir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB, tune)
	if err != nil {
		log.Fatalf("open index backend: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if idx != nil {
		if err := idx.UpsertCatalogs(ctx, *configDir, cats, tune); err != nil {
			log.WithError(err).Warn("index backend: upsert catalogs")
		}
	}

	auditLog := persistlog.NewAuditLogger(worldDir)
	defer auditLog.Close()

	up, err := openUploader(*dataDir, log)
	if err != nil {
		log.Fatalf("object store: %v", err)
	}

	mirror := ws.NewServer(nil, ws.Config{
		Welcome: protocol.WelcomeMsg{
			WorldID:    worldID,
			ChunkSize:  coords.ChunkSize,
			Palette:    protocol.DigestRef{Digest: cats.Occupants.PaletteDigest, Count: len(cats.Occupants.Palette)},
			PaletteIDs: cats.Occupants.Palette,
		},
		Queue: tune.MirrorQueue,
	}, logger)

	deps := world.Deps{
		Audit:  multiAuditLogger{a: auditLog},
		Mirror: mirror,
		Log:    logger.WithField("world", worldID),
	}
	if idx != nil {
		deps.Index = idx
		deps.Audit = multiAuditLogger{a: auditLog, b: idx}
	}
	w, err := world.New(world.WorldConfig{ID: worldID, Catalog: cats.Occupants}, deps)
	if err != nil {
		log.Fatalf("world: %v", err)
	}
	mirror.SetSource(w)

	// Resume from a region snapshot.
	snapshotToLoad := strings.TrimSpace(*snapPath)
	var lastSeq uint64
	if snapshotToLoad == "" && *loadLatest {
		p, seq, err := snapshot.LatestSnapshot(snapDir)
		switch {
		case err == nil:
			snapshotToLoad, lastSeq = p, seq
		case !errors.Is(err, snapshot.ErrNoSnapshot):
			log.Fatalf("find latest snapshot: %v", err)
		}
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			log.Fatalf("read snapshot: %v", err)
		}
		if err := w.ImportRegion(snap); err != nil {
			log.Fatalf("import snapshot: %v", err)
		}
		lastSeq = max(lastSeq, snap.Header.Seq)
		log.Infof("resumed from snapshot=%s seq=%d chunks=%d", filepath.Base(snapshotToLoad), snap.Header.Seq, len(snap.Chunks))
	}

	snaps := newSnapshotter(w, snapDir, lastSeq, idx, log)
	snaps.up = up
	snapReq := make(chan struct{}, 1)
	loopsDone := make(chan struct{}, 2)
	go func() {
		defer func() { loopsDone <- struct{}{} }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-snapReq:
				if _, _, err := snaps.Write(); err != nil {
					log.WithError(err).Error("snapshot write")
				}
			}
		}
	}()
	go func() {
		defer func() { loopsDone <- struct{}{} }()
		runFlushLoop(ctx, w, time.Duration(tune.FlushEveryMs)*time.Millisecond, tune.SnapshotEveryFlushes, snapReq, log)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(w, idx, mirror, up))
	mux.HandleFunc("/admin/v1/snapshot", snapshotHandler(snaps))
	mux.HandleFunc("/v1/mirror", mirror.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		mirror.Shutdown()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	log.Infof("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("ListenAndServe: %v", err)
	}

	// Final flush and snapshot once the loops have stopped.
	<-loopsDone
	<-loopsDone
	fctx, fcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer fcancel()
	if st, err := w.Flush(fctx); err != nil {
		log.WithError(err).Error("final flush")
	} else {
		log.WithField("chunks", st.Chunks).Info("final flush")
	}
	if w.Chunks().Len() > 0 {
		if _, _, err := snaps.Write(); err != nil {
			log.WithError(err).Error("final snapshot")
		}
	}
	if idx != nil {
		if err := idx.Flush(fctx); err != nil {
			log.WithError(err).Error("index flush")
		}
		_ = idx.Close()
	}
	if up != nil {
		if err := auditLog.Close(); err != nil {
			log.WithError(err).Error("close audit log")
		}
		if files, err := auditLog.Files(); err == nil {
			for _, f := range files {
				up.Enqueue(f)
			}
		}
		up.Close()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
