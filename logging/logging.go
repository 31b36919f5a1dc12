// Package logging configures the structured logger shared by every SST
// subsystem. A Logger is constructed once per Host and passed down as a
// constructor parameter — there is no package-level singleton, per the
// "every object in the core takes its host as a construction parameter"
// rule.
package logging

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls where and how verbosely a Logger writes.
type Options struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// FilePath, if set, rotates logs through lumberjack. Empty disables
	// file rotation; logs go to stderr only.
	FilePath string
	// Development enables human-readable console encoding instead of JSON.
	Development bool
}

var levelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// New builds a zap.Logger for the given options. Callers should defer
// Sync() on the returned logger.
func New(opts Options) *zap.Logger {
	lvl, ok := levelMap[opts.Level]
	if !ok {
		lvl = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= lvl })

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if opts.Development {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.Lock(zapcore.AddSync(os.Stderr))
	cores := []zapcore.Core{zapcore.NewCore(encoder, sink, enabler)}

	if opts.FilePath != "" {
		hook := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(hook), enabler))
	}

	core := zapcore.NewTee(cores...)
	logOpts := []zap.Option{zap.AddCaller()}
	if opts.Development {
		logOpts = append(logOpts, zap.Development())
	}
	return zap.New(core, logOpts...)
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger { return zap.NewNop() }

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02T15:04:05.000Z07:00"))
}
