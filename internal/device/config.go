package device

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/telemetry"
	"github.com/kakao/replblk/pkg/types"
)

const (
	DefaultMaxWritesPerEpoch   = 2048
	DefaultRequestTimeout      = 6 * time.Second
	DefaultKOCount             = 7
	DefaultMaxInflightRequests = 8192
	DefaultFirstEpoch          = types.EpochNumber(1)
)

var (
	errLocalStoreIsNil  = errors.New("device: local store is nil")
	errSyncTrackerIsNil = errors.New("device: sync tracker is nil")
	errLinkIsNil        = errors.New("device: replication link is nil")
	errClusterIsNil     = errors.New("device: cluster state is nil")
	errLoggerIsNil      = errors.New("device: logger is nil")
)

type config struct {
	localStore  LocalStore
	syncTracker SyncTracker
	link        ReplicationLink
	cluster     ClusterState

	maxWritesPerEpoch   int
	maxInflightRequests int
	firstEpoch          types.EpochNumber

	// requestTimeout and koCount decide how long the oldest request of
	// the transfer log may wait for the peer. Zero requestTimeout disables
	// the timeout monitor.
	requestTimeout time.Duration
	koCount        int

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func newConfig(opts []Option) (config, error) {
	cfg := config{
		maxWritesPerEpoch:   DefaultMaxWritesPerEpoch,
		maxInflightRequests: DefaultMaxInflightRequests,
		firstEpoch:          DefaultFirstEpoch,
		requestTimeout:      DefaultRequestTimeout,
		koCount:             DefaultKOCount,
		logger:              zap.NewNop(),
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	cfg.ensureDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	cfg.logger = cfg.logger.Named("device")
	return cfg, nil
}

func (cfg *config) ensureDefaults() {
	if cfg.koCount < 1 {
		cfg.koCount = 1
	}
	if cfg.firstEpoch == 0 {
		cfg.firstEpoch = DefaultFirstEpoch
	}
}

func (cfg config) validate() error {
	if cfg.localStore == nil {
		return errLocalStoreIsNil
	}
	if cfg.syncTracker == nil {
		return errSyncTrackerIsNil
	}
	if cfg.link == nil {
		return errLinkIsNil
	}
	if cfg.cluster == nil {
		return errClusterIsNil
	}
	if cfg.logger == nil {
		return errLoggerIsNil
	}
	if cfg.maxWritesPerEpoch < 1 {
		return fmt.Errorf("device: invalid max writes per epoch %d", cfg.maxWritesPerEpoch)
	}
	if cfg.maxInflightRequests < 1 {
		return fmt.Errorf("device: invalid max inflight requests %d", cfg.maxInflightRequests)
	}
	if cfg.requestTimeout < 0 {
		return fmt.Errorf("device: invalid request timeout %v", cfg.requestTimeout)
	}
	return nil
}

// deadline is how long the oldest request may wait for the peer.
func (cfg config) deadline() time.Duration {
	return cfg.requestTimeout * time.Duration(cfg.koCount)
}

// Option configures a Device.
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

func WithLocalStore(localStore LocalStore) Option {
	return newFuncOption(func(cfg *config) {
		cfg.localStore = localStore
	})
}

func WithSyncTracker(syncTracker SyncTracker) Option {
	return newFuncOption(func(cfg *config) {
		cfg.syncTracker = syncTracker
	})
}

func WithReplicationLink(link ReplicationLink) Option {
	return newFuncOption(func(cfg *config) {
		cfg.link = link
	})
}

func WithClusterState(cluster ClusterState) Option {
	return newFuncOption(func(cfg *config) {
		cfg.cluster = cluster
	})
}

// WithMaxWritesPerEpoch sets how many writes an epoch holds before its
// barrier is queued.
func WithMaxWritesPerEpoch(maxWrites int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.maxWritesPerEpoch = maxWrites
	})
}

// WithMaxInflightRequests limits the number of live requests. Submit fails
// with ErrNoMemory once the limit is reached.
func WithMaxInflightRequests(maxInflight int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.maxInflightRequests = maxInflight
	})
}

func WithFirstEpoch(first types.EpochNumber) Option {
	return newFuncOption(func(cfg *config) {
		cfg.firstEpoch = first
	})
}

// WithRequestTimeout sets the timeout of a single peer answer. The oldest
// request escalates a timeout once it waits longer than timeout times the
// ko-count.
func WithRequestTimeout(timeout time.Duration) Option {
	return newFuncOption(func(cfg *config) {
		cfg.requestTimeout = timeout
	})
}

func WithKOCount(koCount int) Option {
	return newFuncOption(func(cfg *config) {
		cfg.koCount = koCount
	})
}

func WithLogger(logger *zap.Logger) Option {
	return newFuncOption(func(cfg *config) {
		cfg.logger = logger
	})
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return newFuncOption(func(cfg *config) {
		cfg.metrics = metrics
	})
}
