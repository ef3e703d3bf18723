package storage

import (
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// pebbleLogger writes the messages of pebble to zap. Pebble reports
// compactions and file changes at info, which are logged at debug unless
// the store is verbose.
type pebbleLogger struct {
	logger    *zap.SugaredLogger
	infoLevel zapcore.Level
}

var _ pebble.Logger = (*pebbleLogger)(nil)

func newPebbleLogger(logger *zap.Logger, verbose bool) *pebbleLogger {
	l := &pebbleLogger{
		logger:    logger.Named("pebble").WithOptions(zap.AddCallerSkip(1)).Sugar(),
		infoLevel: zapcore.DebugLevel,
	}
	if verbose {
		l.infoLevel = zapcore.InfoLevel
	}
	return l
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Logf(l.infoLevel, format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// Fatalf is called on corruption the store cannot recover from.
func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf(format, args...)
}
