// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Polychat services.
//
// Built on log/slog with JSON output. Logs go to stderr by default, with
// an optional log file alongside. An exporter hook lets deployments ship
// entries to external sinks without the core depending on any of them.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

// Level is the logging verbosity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown strings mean Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config controls logger construction.
type Config struct {
	// Level is the minimum level emitted.
	Level Level

	// Service is attached to every record as the "service" attribute.
	Service string

	// LogDir, when non-empty, adds a <service>.log JSON file in that
	// directory alongside stderr output.
	LogDir string

	// Exporter, when non-nil, additionally receives every entry.
	Exporter LogExporter
}

// LogEntry is the exporter-facing form of one record.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Service string         `json:"service,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogExporter ships log entries to an external sink. Implementations
// must be safe for concurrent use and must never block writers for long.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Close() error
}

// =============================================================================
// Logger Construction
// =============================================================================

// Init builds the service logger, installs it as the slog default, and
// returns it together with a close function for the file handle.
//
// Failures to open the log file degrade to stderr-only logging rather
// than failing startup.
func Init(cfg Config) (*slog.Logger, func() error) {
	writers := []io.Writer{os.Stderr}
	closer := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "logging: cannot create log dir %s: %v\n", cfg.LogDir, err)
		} else {
			name := cfg.Service
			if name == "" {
				name = "polychat"
			}
			path := filepath.Join(cfg.LogDir, name+".log")
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logging: cannot open log file %s: %v\n", path, err)
			} else {
				writers = append(writers, f)
				closer = f.Close
			}
		}
	}

	handler := slog.Handler(slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: cfg.Level.toSlogLevel(),
	}))
	if cfg.Exporter != nil {
		handler = &exportHandler{next: handler, exporter: cfg.Exporter, service: cfg.Service}
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	slog.SetDefault(logger)
	return logger, closer
}

// =============================================================================
// Export Handler
// =============================================================================

// exportHandler tees records to the configured exporter after the primary
// handler has written them.
type exportHandler struct {
	next     slog.Handler
	exporter LogExporter
	service  string
}

func (h *exportHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.next.Handle(ctx, r)

	attrs := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Service: h.service,
		Attrs:   attrs,
	}
	// Exporter failures must never break primary logging.
	_ = h.exporter.Export(ctx, entry)

	return err
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &exportHandler{next: h.next.WithAttrs(attrs), exporter: h.exporter, service: h.service}
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	return &exportHandler{next: h.next.WithGroup(name), exporter: h.exporter, service: h.service}
}

// =============================================================================
// Exporters
// =============================================================================

// NopExporter discards every entry. The open-source default.
type NopExporter struct{}

func (e *NopExporter) Export(_ context.Context, _ LogEntry) error { return nil }

func (e *NopExporter) Close() error { return nil }

// BufferedExporter retains entries in memory. Used by tests.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{}
}

func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of everything exported so far.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var (
	_ LogExporter  = (*NopExporter)(nil)
	_ LogExporter  = (*BufferedExporter)(nil)
	_ slog.Handler = (*exportHandler)(nil)
)
