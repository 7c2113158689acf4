package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LevelCritical sits above ERROR. Lines at this level carry alert=true and
// are meant to page a human.
const LevelCritical = slog.LevelError + 4

// LogConfig holds logging configuration
type LogConfig struct {
	Level           string // DEBUG, INFO, WARN, ERROR
	Format          string // json or text
	DetailedLogging bool   // Enable debug lines and caller source
}

// Logger is built once per invocation and handed to every component.
type Logger struct {
	base     *slog.Logger
	detailed bool
}

// New builds a logger writing to stdout.
func New(cfg LogConfig) *Logger {
	return NewWithWriter(cfg, os.Stdout)
}

func NewWithWriter(cfg LogConfig, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	}
	if cfg.DetailedLogging {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{base: slog.New(handler), detailed: cfg.DetailedLogging}
}

// Nop discards everything. Used by tests and tools that need a Logger.
func Nop() *Logger {
	return &Logger{base: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a logger that adds args to every line.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...), detailed: l.detailed}
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// traceAttrs extracts trace ID and span ID from context for logging
func traceAttrs(ctx context.Context) []any {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	return []any{
		"trace_id", span.SpanContext().TraceID().String(),
		"span_id", span.SpanContext().SpanID().String(),
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	if !l.detailed {
		return
	}
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// ErrorWithErr logs an error message with an error object and marks the
// active span as failed.
func (l *Logger) ErrorWithErr(ctx context.Context, msg string, err error, args ...any) {
	recordSpanError(ctx, err)
	l.log(ctx, slog.LevelError, msg, append([]any{"error", err}, args...)...)
}

// Critical reports a state where money is at risk without matching
// accounting. kind identifies the failure class for alert routing.
func (l *Logger) Critical(ctx context.Context, kind, msg string, err error, args ...any) {
	recordSpanError(ctx, err)
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("critical_alert", trace.WithAttributes(attribute.String("kind", kind)))
	}
	all := append([]any{"alert", true, "kind", kind}, args...)
	if err != nil {
		all = append(all, "error", err)
	}
	l.log(ctx, LevelCritical, msg, all...)
}

// Decision logs a per-symbol outcome of the lifecycle.
func (l *Logger) Decision(ctx context.Context, symbol, status, reason string, args ...any) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("cycle_decision", trace.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.String("status", status),
			attribute.String("reason", reason),
		))
	}
	all := append([]any{"type", "DECISION", "symbol", symbol, "status", status, "reason", reason}, args...)
	l.log(ctx, slog.LevelInfo, "Cycle decision", all...)
}

// Trade logs an executed order.
func (l *Logger) Trade(ctx context.Context, symbol, side string, qty, price float64, tradeID string, args ...any) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("trade_executed", trace.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.String("side", side),
			attribute.Float64("quantity", qty),
			attribute.Float64("price", price),
			attribute.String("trade_id", tradeID),
		))
	}
	all := append([]any{
		"type", "TRADE",
		"symbol", symbol,
		"side", side,
		"quantity", qty,
		"price", price,
		"trade_id", tradeID,
	}, args...)
	l.log(ctx, slog.LevelInfo, "Trade executed", all...)
}

// Risk logs a risk management event such as a sizing block or a ledger
// rejection.
func (l *Logger) Risk(ctx context.Context, symbol, eventType string, args ...any) {
	all := append([]any{"type", "RISK", "symbol", symbol, "event_type", eventType}, args...)
	l.log(ctx, slog.LevelWarn, "Risk event", all...)
}

func recordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ta := traceAttrs(ctx); ta != nil {
		args = append(ta, args...)
	}
	if l.detailed {
		// runtime.Caller -> log -> wrapper -> caller
		if pc, file, line, ok := runtime.Caller(2); ok {
			if fn := runtime.FuncForPC(pc); fn != nil {
				args = append(args, "source", slog.GroupValue(
					slog.String("function", fn.Name()),
					slog.String("file", file),
					slog.Int("line", line),
				))
			}
		}
	}
	l.base.Log(ctx, level, msg, args...)
}
