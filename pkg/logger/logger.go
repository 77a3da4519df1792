// Package logger configures the process-wide zap logger: a readable console
// core teed with a rotated JSON file core.
package logger

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Log  = zap.NewNop()
	once sync.Once
)

// Options controls where and how verbosely the logger writes.
type Options struct {
	Dir   string // empty disables the file core
	Debug bool
}

// Init builds the global logger. Only the first call has any effect.
func Init(opts Options) error {
	var initErr error
	once.Do(func() {
		level := zapcore.InfoLevel
		if opts.Debug {
			level = zapcore.DebugLevel
		}

		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		consoleCfg.EncodeCaller = zapcore.ShortCallerEncoder
		cores := []zapcore.Core{
			zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), level),
		}

		if opts.Dir != "" {
			if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
				initErr = err
				return
			}
			fileCfg := zap.NewProductionEncoderConfig()
			fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
			rotator := &lumberjack.Logger{
				Filename:   filepath.Join(opts.Dir, "signal-engine.json"),
				MaxSize:    20, // MB
				MaxBackups: 30,
				MaxAge:     30, // days
				Compress:   true,
			}
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(rotator), zapcore.InfoLevel))
		}

		Log = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
		zap.ReplaceGlobals(Log)
	})
	return initErr
}

// Named returns a child logger tagged with the module name.
func Named(module string) *zap.Logger {
	return Log.With(zap.String("module", module))
}

// Or returns l when set, otherwise the module logger.
func Or(l *zap.Logger, module string) *zap.Logger {
	if l != nil {
		return l
	}
	return Named(module)
}

// Sync flushes buffered entries; call on shutdown.
func Sync() {
	_ = Log.Sync()
}
