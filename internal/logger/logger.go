package logger

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Logger owns the zap core for the process. Components get named sugared
// loggers from For; the level can be changed at runtime (config reload).
type Logger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New writes to stderr; stdout stays free for the MCP stdio transport.
func New(level, format string) *Logger {
	return NewWithWriter(level, format, zapcore.Lock(os.Stderr))
}

func NewWithWriter(level, format string, w zapcore.WriteSyncer) *Logger {
	atom := zap.NewAtomicLevelAt(ParseLevel(level))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(format, FormatJSON) {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, w, atom)
	return &Logger{base: zap.New(core, zap.AddCaller()), level: atom}
}

// For returns a sugared logger named after a component ("sync", "hub", ...).
func (l *Logger) For(component string) *zap.SugaredLogger {
	return l.base.Named(component).Sugar()
}

// SetLevel changes the level of every logger derived from l.
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(ParseLevel(level))
}

func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

func (l *Logger) Sync() {
	_ = l.base.Sync()
}
