// Package logger provides structured logging utilities.
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every entry of loggers built by New.
const ServiceName = "support-orchestrator"

// Logger is a wrapper around zap.Logger. Children share the level of the
// logger they were derived from.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
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
}

// New creates a JSON logger writing to stdout at the given level.
func New(level string) (*Logger, error) {
	atom := zap.NewAtomicLevelAt(ParseLevel(level))
	cfg := zap.Config{
		Level:            atom,
		Encoding:         "json",
		EncoderConfig:    encoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]interface{}{"service": ServiceName},
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l, level: atom}, nil
}

// NewDevelopment creates a console logger at debug level.
func NewDevelopment() (*Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l, level: cfg.Level}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...), level: l.level}
}

// Named creates a child logger for a component.
func (l *Logger) Named(component string) *Logger {
	return l.With(zap.String("component", component))
}

// WithConversation creates a child logger scoped to a conversation.
func (l *Logger) WithConversation(conversationID string) *Logger {
	return l.With(zap.String("conversation_id", conversationID))
}

// SetLevel changes the level of l and every logger derived from it.
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(ParseLevel(level))
}

// Level reports the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// ParseLevel maps a LOG_LEVEL value to a zap level. Unknown values mean info.
func ParseLevel(level string) zapcore.Level {
	if level == "warning" {
		return zapcore.WarnLevel
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

var global atomic.Pointer[Logger]

func init() {
	var (
		l   *Logger
		err error
	)
	if os.Getenv("ENV") == "development" {
		l, err = NewDevelopment()
	} else {
		l, err = New("info")
	}
	if err != nil {
		l = NewNop()
	}
	global.Store(l)
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global.Load()
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *Logger) {
	if l != nil {
		global.Store(l)
	}
}
