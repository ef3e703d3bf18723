package localstore

import (
	"errors"
	"runtime"

	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/storage"
	"github.com/kakao/replblk/pkg/types"
)

const DefaultQueueSize = 1024

var DefaultNumWorkers = runtime.GOMAXPROCS(0)

// FaultInjector decides whether an I/O fails. A non-nil error fails the I/O
// without touching the store.
type FaultInjector func(sector types.Sector, size uint32, dir types.Direction) error

type config struct {
	store         *storage.Store
	numSectors    uint64
	numWorkers    int
	queueSize     int
	faultInjector FaultInjector
	logger        *zap.Logger
}

func newConfig(opts []Option) (config, error) {
	cfg := config{
		numWorkers: DefaultNumWorkers,
		queueSize:  DefaultQueueSize,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	cfg.logger = cfg.logger.Named("localstore")
	return cfg, nil
}

func (cfg config) validate() error {
	if cfg.store == nil {
		return errors.New("localstore: no store")
	}
	if cfg.numSectors == 0 {
		return errors.New("localstore: zero device size")
	}
	if cfg.numWorkers < 1 {
		return errors.New("localstore: number of workers less than one")
	}
	if cfg.queueSize < 1 {
		return errors.New("localstore: queue size less than one")
	}
	if cfg.logger == nil {
		return errors.New("localstore: no logger")
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

// WithStore sets the store holding the sectors. It is not closed by Close.
func WithStore(store *storage.Store) Option {
	return newFuncOption(func(cfg *config) {
		cfg.store = store
	})
}

func WithNumSectors(numSectors uint64) Option {
	return newFuncOption(func(cfg *config) {
		cfg.numSectors = numSectors
	})
}

func WithNumWorkers(numWorkers int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.numWorkers = numWorkers
	})
}

// WithQueueSize sets the number of I/Os that can wait for a worker. Submit
// blocks once the queue is full.
func WithQueueSize(queueSize int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.queueSize = queueSize
	})
}

func WithFaultInjector(faultInjector FaultInjector) Option {
	return newFuncOption(func(cfg *config) {
		cfg.faultInjector = faultInjector
	})
}

func WithLogger(logger *zap.Logger) Option {
	return newFuncOption(func(cfg *config) {
		cfg.logger = logger
	})
}
