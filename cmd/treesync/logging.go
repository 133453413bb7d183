package main

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/utils"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogger installs the default logger for a run: tint (or json) on
// stderr plus an optional rotating log file. The returned func closes the file.
func setupLogger(cfg *config.Config) (func() error, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}

	var stderrHandler slog.Handler
	if cfg.Log.JSON {
		stderrHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		stderrHandler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}

	closer := func() error { return nil }
	var fileHandler slog.Handler
	if cfg.Log.File != "" {
		if err := utils.EnsureParent(cfg.Log.File); err != nil {
			return nil, err
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		fileHandler = slog.NewTextHandler(rotating, &slog.HandlerOptions{Level: slog.LevelDebug})
		closer = rotating.Close
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stderrHandler, fileHandler)))
	return closer, nil
}
