// Package log holds the process-wide zap logger used by every service.
package log

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the running environment ("development" or "production"),
// an optional file to mirror output to, and whether stacktraces are printed.
type Config struct {
	Environment      string `toml:"env"`
	Path             string `toml:"path,omitempty"`
	EnableStacktrace bool   `toml:"enable_stacktrace,omitempty"`
	// Quiet drops stderr from the outputs. The chat client sets it while
	// the terminal UI owns the screen.
	Quiet bool `toml:"-"`
}

var logger atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewDevelopment(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// Init builds the process logger from conf. Development logs Debug and
// above, production Info and above, both to stderr and conf.Path.
func Init(conf Config) error {
	level := zap.NewAtomicLevel()
	switch {
	case conf.Environment == "" || strings.EqualFold("development", conf.Environment):
		level.SetLevel(zap.DebugLevel)
	case strings.EqualFold("production", conf.Environment):
		level.SetLevel(zap.InfoLevel)
	default:
		return fmt.Errorf("log: environment must be development or production, got %q", conf.Environment)
	}

	var outputs []string
	if !conf.Quiet {
		outputs = append(outputs, "stderr")
	}
	if conf.Path != "" {
		outputs = append(outputs, conf.Path)
	}

	zConfig := zap.Config{
		Level:             level,
		Encoding:          "console",
		DisableStacktrace: !conf.EnableStacktrace,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "path",
			MessageKey:     "msg",
			StacktraceKey:  "stack",
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := zConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	ReplaceLogger(l)
	return nil
}

// ReplaceLogger swaps the process logger. Tests pass a zaptest logger.
func ReplaceLogger(l *zap.Logger) {
	logger.Store(l)
}

// Logger returns the current process logger.
func Logger() *zap.Logger {
	return logger.Load()
}

func Sync() error {
	return Logger().Sync()
}

func Debug(msg string, fields ...zap.Field) {
	Logger().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Logger().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Logger().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Logger().Error(msg, fields...)
}

// Fatal logs and then calls os.Exit(1).
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
}
