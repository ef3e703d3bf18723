package storage

import (
	"errors"

	"go.uber.org/zap"
)

const (
	DefaultL0CompactionThreshold       = 4
	DefaultL0StopWritesThreshold       = 12
	DefaultMaxOpenFiles                = 1000
	DefaultMemTableSize                = 4 << 20
	DefaultMemTableStopWritesThreshold = 2
	DefaultMaxConcurrentCompactions    = 1
)

type config struct {
	path                        string
	inMemory                    bool
	wal                         bool
	syncWAL                     bool
	l0CompactionThreshold       int
	l0StopWritesThreshold       int
	maxOpenFiles                int
	memTableSize                int
	memTableStopWritesThreshold int
	maxConcurrentCompaction     int
	verbose                     bool
	logger                      *zap.Logger
}

func newConfig(opts []Option) (config, error) {
	cfg := config{
		wal:                         true,
		syncWAL:                     true,
		l0CompactionThreshold:       DefaultL0CompactionThreshold,
		l0StopWritesThreshold:       DefaultL0StopWritesThreshold,
		maxOpenFiles:                DefaultMaxOpenFiles,
		memTableSize:                DefaultMemTableSize,
		memTableStopWritesThreshold: DefaultMemTableStopWritesThreshold,
		maxConcurrentCompaction:     DefaultMaxConcurrentCompactions,
		logger:                      zap.NewNop(),
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (cfg config) validate() error {
	if cfg.syncWAL && !cfg.wal {
		return errors.New("storage: sync, but wal disabled")
	}
	if !cfg.inMemory && len(cfg.path) == 0 {
		return errors.New("storage: no path")
	}
	if cfg.memTableSize <= 0 {
		return errors.New("storage: non-positive memtable size")
	}
	if cfg.logger == nil {
		return errors.New("storage: no logger")
	}
	return nil
}

type Option interface {
	apply(*config)
}

type funcOption struct {
	f func(*config)
}

func newFuncOption(f func(*config)) *funcOption {
	return &funcOption{f: f}
}

func (fo *funcOption) apply(cfg *config) {
	fo.f(cfg)
}

// WithPath sets the directory of the database.
func WithPath(path string) Option {
	return newFuncOption(func(cfg *config) {
		cfg.path = path
	})
}

// WithInMemory keeps the database in memory. It is mostly for tests, and the
// contents are lost when the store is closed.
func WithInMemory() Option {
	return newFuncOption(func(cfg *config) {
		cfg.inMemory = true
	})
}

func WithWAL(wal bool) Option {
	return newFuncOption(func(cfg *config) {
		cfg.wal = wal
	})
}

// WithSyncWAL sets whether a committed batch waits for the WAL to be synced.
func WithSyncWAL(syncWAL bool) Option {
	return newFuncOption(func(cfg *config) {
		cfg.syncWAL = syncWAL
	})
}

func WithL0CompactionThreshold(l0CompactionThreshold int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.l0CompactionThreshold = l0CompactionThreshold
	})
}

func WithL0StopWritesThreshold(l0StopWritesThreshold int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.l0StopWritesThreshold = l0StopWritesThreshold
	})
}

func WithMaxOpenFiles(maxOpenFiles int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.maxOpenFiles = maxOpenFiles
	})
}

func WithMemTableSize(memTableSize int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.memTableSize = memTableSize
	})
}

func WithMemTableStopWritesThreshold(memTableStopWritesThreshold int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.memTableStopWritesThreshold = memTableStopWritesThreshold
	})
}

func WithMaxConcurrentCompaction(maxConcurrentCompaction int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.maxConcurrentCompaction = maxConcurrentCompaction
	})
}

// WithVerboseLogging logs compactions and the full pebble options.
func WithVerboseLogging() Option {
	return newFuncOption(func(cfg *config) {
		cfg.verbose = true
	})
}

func WithLogger(logger *zap.Logger) Option {
	return newFuncOption(func(cfg *config) {
		cfg.logger = logger
	})
}
