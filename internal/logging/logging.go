package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	ComponentStream = "stream"
	ComponentPoll   = "poll"
	ComponentRun    = "run"
	ComponentChat   = "chat"
	ComponentTools  = "tools"
	ComponentAPI    = "api"
	ComponentCLI    = "cli"
)

var (
	mu         sync.RWMutex
	global     *slog.Logger
	fileWriter io.WriteCloser
	allowed    map[string]bool
)

type Config struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	JSON       bool
	Components []string
	Output io.Writer
}

func Initialize(cfg Config) error {
	level := parseLevel(cfg.Level)
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var components map[string]bool
	for _, c := range cfg.Components {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if components == nil {
			components = map[string]bool{}
		}
		components[c] = true
	}

	var fw io.WriteCloser
	if path := strings.TrimSpace(cfg.File); path != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.MaxBackups
		if maxBackups < 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}
		if _, err := lj.Write(nil); err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		fw = lj
		out = io.MultiWriter(out, lj)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)

	mu.Lock()
	prev := fileWriter
	global = logger
	fileWriter = fw
	allowed = components
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	slog.SetDefault(logger)
	return nil
}

func Get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return slog.Default()
	}
	return global
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// WithComponent returns a logger tagged with component. Loggers for
// components outside the configured allow-list discard everything.
func WithComponent(component string) *slog.Logger {
	return slog.New(&componentHandler{
		inner:     Get().Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	})
}

func Or(l *slog.Logger, component string) *slog.Logger {
	if l != nil {
		return l
	}
	return WithComponent(component)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func componentAllowed(component string) bool {
	mu.RLock()
	defer mu.RUnlock()
	if allowed == nil {
		return true
	}
	return allowed[component]
}

type componentHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return componentAllowed(h.component) && h.inner.Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	if !componentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{inner: h.inner.WithGroup(name), component: h.component}
}
