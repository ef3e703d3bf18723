// Package log builds zap loggers writing to stderr and to a rotated file.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a logger. By default, it writes JSON to stderr at info level.
func New(opts ...Option) (*zap.Logger, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	var writeSyncer zapcore.WriteSyncer
	if !cfg.disableLogToStderr {
		writeSyncer = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}
	if len(cfg.path) > 0 {
		fileSyncer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.path,
			LocalTime:  cfg.localTime,
			Compress:   cfg.compress,
			MaxSize:    cfg.maxSizeMB,
			MaxBackups: cfg.maxBackups,
			MaxAge:     cfg.maxAgeDays,
		})
		if writeSyncer != nil {
			writeSyncer = zap.CombineWriteSyncers(writeSyncer, fileSyncer)
		} else {
			writeSyncer = fileSyncer
		}
	}

	var encoder zapcore.Encoder
	if cfg.humanFriendly {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	core := zapcore.NewCore(encoder, writeSyncer, zap.NewAtomicLevelAt(cfg.level))

	zapOpts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.level == zapcore.DebugLevel {
		zapOpts = append(zapOpts, zap.Development())
	}
	zapOpts = append(zapOpts, cfg.zapOpts...)
	return zap.New(core, zapOpts...), nil
}
