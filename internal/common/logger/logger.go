// Package logger is the zap-backed structured logger shared by every opcode
// component. Child loggers carry their fields so a session's lines can be
// grepped by session_id across the supervisor, the dispatcher and the bus.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfig selects level, encoding and destination.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`      // debug, info, warn, error
	Format     string `mapstructure:"format"`     // json, text
	OutputPath string `mapstructure:"outputPath"` // stdout, stderr, or file path
	MaxSizeMB  int    `mapstructure:"maxSizeMb"`  // rotate file output after this size
	MaxBackups int    `mapstructure:"maxBackups"`
}

const defaultMaxSizeMB = 100

type Logger struct {
	zap    *zap.Logger
	fields []zap.Field
}

// NewLogger builds a logger from cfg. An unknown level logs at info.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sinkFor(cfg), zap.NewAtomicLevelAt(level))
	return &Logger{zap: zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// SetDefault installs l as zap's global logger and routes the standard
// library's log package through it, so third-party packages that log via
// either end up in the same sink.
func SetDefault(l *Logger) {
	zap.ReplaceGlobals(l.zap)
	_ = zap.RedirectStdLog(l.zap)
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(format) {
	case "text", "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	default:
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
}

// sinkFor writes to stdout/stderr, or to a size-rotated file for any other path.
func sinkFor(cfg LoggingConfig) zapcore.WriteSyncer {
	switch cfg.OutputPath {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}
	size := cfg.MaxSizeMB
	if size <= 0 {
		size = defaultMaxSizeMB
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.OutputPath,
		MaxSize:    size,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	})
}

func (l *Logger) Sync() error { return l.zap.Sync() }

// WithFields derives a child logger. The parent is left untouched.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	all := make([]zap.Field, 0, len(l.fields)+len(fields))
	all = append(append(all, l.fields...), fields...)
	return &Logger{zap: l.zap.With(fields...), fields: all}
}

func (l *Logger) WithSessionID(sessionID string) *Logger {
	return l.WithFields(zap.String("session_id", sessionID))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
