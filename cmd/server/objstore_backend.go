package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/persistence/objstore"
)

// openUploader returns nil unless TC_OBJSTORE=true. Snapshots and closed
// audit files under dataDir are then copied to the bucket.
func openUploader(dataDir string, log logrus.FieldLogger) (*objstore.Uploader, error) {
	if !envBool("TC_OBJSTORE", false) {
		return nil, nil
	}
	cfg := objstore.ClientConfig{
		Endpoint:        os.Getenv("TC_OBJSTORE_ENDPOINT"),
		Bucket:          os.Getenv("TC_OBJSTORE_BUCKET"),
		Region:          os.Getenv("TC_OBJSTORE_REGION"),
		AccessKeyID:     os.Getenv("TC_OBJSTORE_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("TC_OBJSTORE_SECRET_ACCESS_KEY"),
	}
	client, err := objstore.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("TC_OBJSTORE=true: %w", err)
	}
	opts := objstore.DefaultOptions()
	opts.Workers = envInt("TC_OBJSTORE_WORKERS", opts.Workers)
	opts.EnqueueWait = time.Duration(envInt("TC_OBJSTORE_ENQUEUE_WAIT_MS", int(opts.EnqueueWait/time.Millisecond))) * time.Millisecond
	return objstore.NewUploader(client, dataDir, os.Getenv("TC_OBJSTORE_PREFIX"), opts, log), nil
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
