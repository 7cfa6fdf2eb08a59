// Package logger: уровневое логирование поверх log/slog.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu       sync.Mutex
	levelVar = new(slog.LevelVar)
	out      io.Writer = os.Stderr
	file     *os.File
	log      = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: levelVar}))
)

// ParseLevel переводит строку из конфига в уровень slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Init настраивает уровень и вывод. При пустом path пишет в stderr.
func Init(level, path string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		if file != nil {
			file.Close()
		}
		file = f
		w = f
	}

	levelVar.Set(lvl)
	setOutput(w)
	return nil
}

// SetOutput перенаправляет вывод, используется в тестах.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	setOutput(w)
}

func setOutput(w io.Writer) {
	out = w
	log = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: levelVar}))
}

// SetDebug включает отладочный уровень.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Slog возвращает текущий *slog.Logger для библиотек, которым он нужен.
func Slog() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return log
}

func logf(level slog.Level, format string, args ...any) {
	mu.Lock()
	l := log
	mu.Unlock()

	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func Debug(format string, args ...any) { logf(slog.LevelDebug, format, args...) }
func Info(format string, args ...any)  { logf(slog.LevelInfo, format, args...) }
func Warn(format string, args ...any)  { logf(slog.LevelWarn, format, args...) }
func Error(format string, args ...any) { logf(slog.LevelError, format, args...) }

// Close закрывает файл лога, если он открыт.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
	setOutput(os.Stderr)
}
