// Package logging builds the process logger: human-readable text on stderr,
// plus JSON lines in a file when one is configured.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"github.com/mtzanidakis/mars/internal/config"
)

// Logger bundles the logger with its level so the level can be changed on
// config reload.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *os.File
}

func New(cfg config.LogConfig, stderr io.Writer) (*Logger, error) {
	level := new(slog.LevelVar)
	if err := SetLevel(level, cfg.Level); err != nil {
		return nil, err
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}),
	}

	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}

	return &Logger{
		Logger: slog.New(slogmulti.Fanout(handlers...)),
		level:  level,
		file:   file,
	}, nil
}

// SetLevel parses name ("debug", "info", "warn", "error") into v. An empty
// name means info.
func SetLevel(v *slog.LevelVar, name string) error {
	if name == "" {
		v.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	v.Set(l)
	return nil
}

// Reload applies a new level from cfg.
func (l *Logger) Reload(cfg config.LogConfig) error {
	return SetLevel(l.level, cfg.Level)
}

func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
