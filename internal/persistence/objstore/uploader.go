package objstore

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Workers     int
	Queue       int
	EnqueueWait time.Duration
	Attempts    int
	Backoff     time.Duration // multiplied by attempt^2
}

func DefaultOptions() Options {
	return Options{Workers: 2, Queue: 256, EnqueueWait: 25 * time.Millisecond, Attempts: 4, Backoff: 200 * time.Millisecond}
}

type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	EnqueuedTotal   uint64
	DroppedTotal    uint64
	UploadedTotal   uint64
	FailedTotal     uint64
	LastSuccessUnix int64
}

// Uploader copies files under baseDir to the bucket in the background,
// keyed by their path relative to baseDir.
type Uploader struct {
	put     Putter
	baseDir string
	prefix  string
	opts    Options
	log     logrus.FieldLogger

	jobs      chan string
	wg        sync.WaitGroup
	closeOnce sync.Once

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
}

func NewUploader(p Putter, baseDir, prefix string, opts Options, log logrus.FieldLogger) *Uploader {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.Queue <= 0 {
		opts.Queue = def.Queue
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = def.EnqueueWait
	}
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	u := &Uploader{
		put:     p,
		baseDir: baseDir,
		prefix:  strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		opts:    opts,
		log:     log.WithField("component", "objstore"),
		jobs:    make(chan string, opts.Queue),
	}
	for i := 0; i < opts.Workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			for p := range u.jobs {
				u.uploadOne(p)
			}
		}()
	}
	return u
}

// Enqueue schedules localPath for upload. It waits at most EnqueueWait for
// queue space and reports whether the file was queued.
func (u *Uploader) Enqueue(localPath string) bool {
	if u == nil {
		return false
	}
	u.enqueued.Add(1)
	select {
	case u.jobs <- localPath:
		return true
	default:
	}
	timer := time.NewTimer(u.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case u.jobs <- localPath:
		return true
	case <-timer.C:
		u.dropped.Add(1)
		u.log.WithField("path", localPath).Warn("upload queue full, dropping")
		return false
	}
}

// Close waits for queued uploads to finish. Enqueue must not be called after.
func (u *Uploader) Close() {
	if u == nil {
		return
	}
	u.closeOnce.Do(func() { close(u.jobs) })
	u.wg.Wait()
}

func (u *Uploader) Stats() Stats {
	if u == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(u.jobs),
		QueueCapacity:   cap(u.jobs),
		EnqueuedTotal:   u.enqueued.Load(),
		DroppedTotal:    u.dropped.Load(),
		UploadedTotal:   u.uploaded.Load(),
		FailedTotal:     u.failed.Load(),
		LastSuccessUnix: u.lastSuccess.Load(),
	}
}

func (u *Uploader) uploadOne(localPath string) {
	log := u.log.WithField("path", localPath)
	key, err := u.ObjectKey(localPath)
	if err != nil {
		u.failed.Add(1)
		log.WithError(err).Warn("skip upload")
		return
	}
	var lastErr error
	for attempt := 1; attempt <= u.opts.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		lastErr = u.put.PutFile(ctx, key, localPath)
		cancel()
		if lastErr == nil {
			u.uploaded.Add(1)
			u.lastSuccess.Store(time.Now().Unix())
			log.WithField("key", key).Debug("uploaded")
			return
		}
		if attempt < u.opts.Attempts {
			time.Sleep(time.Duration(attempt*attempt) * u.opts.Backoff)
		}
	}
	u.failed.Add(1)
	log.WithError(lastErr).WithField("key", key).Error("upload failed")
}

// ObjectKey maps a file under baseDir to prefix/<relative path>.
func (u *Uploader) ObjectKey(localPath string) (string, error) {
	absBase, err := filepath.Abs(u.baseDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("objstore: %s is outside %s", absLocal, absBase)
	}
	if u.prefix != "" {
		return path.Join(u.prefix, rel), nil
	}
	return rel, nil
}
