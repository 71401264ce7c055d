// Package logging configures the process-wide slog logger: console output
// plus a size-rotated daemon log file, with a dedicated SCRIPT level for
// output produced by user scripts.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelScript sits between Info and Warn so script output stands out at
// the default verbosity without being a warning.
const LevelScript = slog.Level(2)

// Loglevel flag values.
const (
	LevelNormal  = 0
	LevelVerbose = 1
	LevelDebug   = 99
)

// Setup builds the root logger. Level 0 logs Info and up, 1 adds Debug,
// 99 adds source locations. When dataDir is non-empty a rotated
// micasa.log is written there alongside stderr.
func Setup(dataDir string, loglevel int) *slog.Logger {
	level := slog.LevelInfo
	if loglevel >= LevelVerbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if dataDir != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   filepath.Join(dataDir, "micasa.log"),
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: loglevel >= LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelScript {
					a.Value = slog.StringValue("SCRIPT")
				}
			}
			return a
		},
	})
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
