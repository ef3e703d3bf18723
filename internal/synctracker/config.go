package synctracker

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/storage"
)

const (
	DefaultMaxActiveExtents = 64
	DefaultFlushInterval    = time.Second
	DefaultIOErrorThreshold = 1
)

type config struct {
	store            *storage.Store
	numSectors       uint64
	maxActiveExtents int
	flushInterval    time.Duration
	ioErrorThreshold int
	onDetach         func()
	logger           *zap.Logger
}

func newConfig(opts []Option) (config, error) {
	cfg := config{
		maxActiveExtents: DefaultMaxActiveExtents,
		flushInterval:    DefaultFlushInterval,
		ioErrorThreshold: DefaultIOErrorThreshold,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	cfg.logger = cfg.logger.Named("synctracker")
	return cfg, nil
}

func (cfg config) validate() error {
	if cfg.store == nil {
		return errors.New("synctracker: no store")
	}
	if cfg.numSectors == 0 {
		return errors.New("synctracker: zero device size")
	}
	if cfg.maxActiveExtents < 1 {
		return errors.New("synctracker: max active extents less than one")
	}
	if cfg.flushInterval <= 0 {
		return errors.New("synctracker: non-positive flush interval")
	}
	if cfg.ioErrorThreshold < 0 {
		return errors.New("synctracker: negative io error threshold")
	}
	if cfg.logger == nil {
		return errors.New("synctracker: no logger")
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

// WithStore sets the store persisting the bitmap and the activity log. The
// tracker does not close it.
func WithStore(store *storage.Store) Option {
	return newFuncOption(func(cfg *config) {
		cfg.store = store
	})
}

// WithNumSectors sets the size of the device in sectors.
func WithNumSectors(numSectors uint64) Option {
	return newFuncOption(func(cfg *config) {
		cfg.numSectors = numSectors
	})
}

// WithMaxActiveExtents bounds the number of activity log extents that can
// be active at once.
func WithMaxActiveExtents(maxActiveExtents int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.maxActiveExtents = maxActiveExtents
	})
}

func WithFlushInterval(flushInterval time.Duration) Option {
	return newFuncOption(func(cfg *config) {
		cfg.flushInterval = flushInterval
	})
}

// WithIOErrorThreshold sets the number of local I/O errors after which the
// detach callback is called. Zero never detaches.
func WithIOErrorThreshold(ioErrorThreshold int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.ioErrorThreshold = ioErrorThreshold
	})
}

// WithDetachHandler sets the function called once the local I/O error
// threshold is reached. It runs in its own goroutine.
func WithDetachHandler(onDetach func()) Option {
	return newFuncOption(func(cfg *config) {
		cfg.onDetach = onDetach
	})
}

func WithLogger(logger *zap.Logger) Option {
	return newFuncOption(func(cfg *config) {
		cfg.logger = logger
	})
}
