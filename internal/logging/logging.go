// Package logging builds loom's structured logger from project
// configuration: text-formatted slog to stderr, duplicated to a rotated
// file under .loom/ when one is configured.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loomworks/loom/internal/config"
)

// New creates a logger per the log configuration. The returned closer stops
// the rotated file writer; it is a no-op when logging goes to stderr only.
func New(root string, cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(root, cfg.File),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out = io.MultiWriter(os.Stderr, rotated)
		closer = rotated
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level(cfg.Level)})
	return slog.New(handler), closer
}

// level maps the configured name to a slog level; unknown names get info.
func level(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
