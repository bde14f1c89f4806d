// Package logging builds the process logger: text to stdout, plus an
// optional size-rotated file.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"tilecraft.ai/internal/sim/tuning"
)

// New returns a logger configured from cfg and a closer for its file sink.
func New(cfg tuning.LogConfig, stdout io.Writer) (*logrus.Logger, io.Closer, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})

	var closer io.Closer = nopCloser{}
	out := stdout
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(stdout, lj)
		closer = lj
	}
	l.SetOutput(out)
	return l, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
