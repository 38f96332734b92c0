package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds configuration for the logger
type Config struct {
	Environment string
	LogLevel    string
	ServiceName string
	SubService  string
}

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	subServiceKey    = contextKey("sub_service")
	correlationIDKey = contextKey("correlation_id")
)

// New creates a new logger with the given configuration
func New(cfg Config) *zap.Logger {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	config := zap.Config{
		Level:            getLogLevel(cfg.LogLevel),
		Development:      cfg.Environment == "development",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		// A broken sink config should not take the relay down with it.
		return zap.NewNop()
	}

	fields := []zap.Field{
		zap.String("service", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
	}
	if cfg.SubService != "" {
		fields = append(fields, zap.String("sub_service", cfg.SubService))
	}

	return logger.With(fields...)
}

// Component returns a child logger tagged with the component name.
// A nil parent yields a no-op logger so constructors can accept nil.
func Component(log *zap.Logger, name string) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log.With(zap.String("component", name))
}

// FromContext decorates baseLogger with the sub-service and correlation id carried by ctx.
func FromContext(ctx context.Context, baseLogger *zap.Logger) *zap.Logger {
	if baseLogger == nil {
		baseLogger = zap.NewNop()
	}
	if ctx == nil {
		return baseLogger
	}
	log := baseLogger
	if subService, ok := ctx.Value(subServiceKey).(string); ok && subService != "" {
		log = log.With(zap.String("sub_service", subService))
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		log = log.With(zap.String("correlation_id", id))
	}
	return log
}

// WithContext adds sub-service information to context
func WithContext(ctx context.Context, subService string) context.Context {
	if subService == "" {
		return ctx
	}
	return context.WithValue(ctx, subServiceKey, subService)
}

// WithCorrelationID stores a correlation id for log enrichment.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id stored in ctx, if any.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

func getLogLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}
