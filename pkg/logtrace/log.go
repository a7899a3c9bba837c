package logtrace

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	correlationIDKey ctxKey = FieldCorrelationID
	originKey        ctxKey = FieldOrigin
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Setup configures the process-wide logger. Output always goes to stderr:
// the agent uses stdout as its protocol channel.
func Setup(serviceName, env string, level slog.Level) {
	core := newCore(zapcore.Lock(os.Stderr), toZapLevel(level), env)
	setLogger(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).With(
		zap.String("service", serviceName),
	))
}

// SetupWithWriter is Setup with an explicit sink. Used by tests and by
// callers that want logs somewhere other than stderr.
func SetupWithWriter(serviceName string, level slog.Level, w zapcore.WriteSyncer) {
	core := newCore(w, toZapLevel(level), "test")
	setLogger(zap.New(core).With(zap.String("service", serviceName)))
}

func newCore(w zapcore.WriteSyncer, level zapcore.Level, env string) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if env == "dev" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewCore(enc, w, level)
}

func setLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	_ = logger.Sync()
	logger = l
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func toZapLevel(level slog.Level) zapcore.Level {
	switch {
	case level <= slog.LevelDebug:
		return zapcore.DebugLevel
	case level <= slog.LevelInfo:
		return zapcore.InfoLevel
	case level <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// CtxWithCorrelationID stores a correlation id in the context.
func CtxWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CtxWithOrigin stores the origin (phase or caller) in the context.
func CtxWithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

func extractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if v, ok := ctx.Value(correlationIDKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

func extractOrigin(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(originKey).(string)
	return v
}

// Debug logs a debug message.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, zapcore.DebugLevel, msg, fields)
}

// Info logs an info message.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, zapcore.InfoLevel, msg, fields)
}

// Warn logs a warning.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, zapcore.WarnLevel, msg, fields)
}

// Error logs an error.
func Error(ctx context.Context, msg string, fields Fields) {
	log(ctx, zapcore.ErrorLevel, msg, fields)
}

func log(ctx context.Context, level zapcore.Level, msg string, fields Fields) {
	l := current()
	ce := l.Check(level, msg)
	if ce == nil {
		return
	}

	zf := make([]zap.Field, 0, len(fields)+2)
	zf = append(zf, zap.String(FieldCorrelationID, extractCorrelationID(ctx)))
	if origin := extractOrigin(ctx); origin != "" {
		zf = append(zf, zap.String(FieldOrigin, origin))
	}

	// stable field order keeps console output diffable
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	ce.Write(zf...)
}
