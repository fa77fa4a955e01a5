// Package telemetry provides the run-scoped observability of a training run:
// the line logger mirrored to log.txt, OpenTelemetry spans, prometheus
// training collectors and a host device report.
//
// Nothing in this package installs process-wide state except InitTracing,
// which sets the global tracer provider for the lifetime of the command.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogFileName is the run log inside the save directory.
const LogFileName = "log.txt"

// NewRunLogger returns a logger writing plain message lines to console and,
// when save is set, appending them to saveDir/log.txt. The returned close
// function releases the log file and is safe to call more than once.
func NewRunLogger(console io.Writer, saveDir string, save bool) (*slog.Logger, func() error, error) {
	if console == nil {
		console = io.Discard
	}
	if !save {
		return slog.New(NewLineHandler(console, slog.LevelInfo)), func() error { return nil }, nil
	}

	if err := os.MkdirAll(saveDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create save directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(saveDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open run log: %w", err)
	}
	var once sync.Once
	closeFn := func() error {
		var cerr error
		once.Do(func() { cerr = f.Close() })
		return cerr
	}
	return slog.New(NewLineHandler(io.MultiWriter(console, f), slog.LevelInfo)), closeFn, nil
}

// LineHandler is a slog.Handler that writes the message verbatim followed
// by any attributes as key=value pairs, one record per line. Records below
// Info are prefixed with their level.
type LineHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler
	attrs []slog.Attr
	group string
}

// NewLineHandler creates a LineHandler writing to w.
func NewLineHandler(w io.Writer, level slog.Leveler) *LineHandler {
	return &LineHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *LineHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	if r.Level != slog.LevelInfo {
		b.WriteString(r.Level.String())
		b.WriteString(": ")
	}
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, h.group, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

func (h *LineHandler) WithGroup(name string) slog.Handler {
	nh := *h
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return &nh
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	if group != "" {
		b.WriteString(group)
		b.WriteByte('.')
	}
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.Resolve().String())
}
