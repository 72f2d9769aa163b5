// Copyright 2026 © The Custos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/custos/pkg/config"
)

// ConfigureSlog builds the process logger from the log config section and
// installs it as the slog default. Records carry the active trace and span
// ids plus a component attribute derived from dotted event names such as
// "observer.tick" or "updater.apply.failed".
func ConfigureSlog(output io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(cfg.Level)}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base = slog.NewJSONHandler(output, opts)
	default:
		base = slog.NewTextHandler(output, opts)
	}
	logger := slog.New(&eventHandler{next: base})
	slog.SetDefault(logger)
	return logger
}

// eventHandler decorates records with the trace context and the component
// that emitted them.
type eventHandler struct {
	next slog.Handler
}

func (h *eventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *eventHandler) Handle(ctx context.Context, record slog.Record) error {
	if component := eventComponent(record.Message); component != "" && !hasAttr(record, "component") {
		record.AddAttrs(slog.String("component", component))
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			if !hasAttr(record, "trace_id") {
				record.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
			}
			if !hasAttr(record, "span_id") {
				record.AddAttrs(slog.String("span_id", sc.SpanID().String()))
			}
		}
	}
	return h.next.Handle(ctx, record)
}

func (h *eventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &eventHandler{next: h.next.WithAttrs(attrs)}
}

func (h *eventHandler) WithGroup(name string) slog.Handler {
	return &eventHandler{next: h.next.WithGroup(name)}
}

// eventComponent extracts the leading area from a dotted event name.
// Plain-sentence messages yield no component.
func eventComponent(message string) string {
	head, rest, found := strings.Cut(message, ".")
	if !found || head == "" || rest == "" || strings.ContainsAny(message, " \t") {
		return ""
	}
	return head
}

func logLevel(level string) slog.Level {
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

func hasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}
