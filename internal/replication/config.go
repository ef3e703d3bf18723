package replication

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/device"
)

const (
	DefaultSendTimeout         = 5 * time.Second
	DefaultCongestionThreshold = 0
)

type config struct {
	transport           Transport
	cluster             device.ClusterState
	sendTimeout         time.Duration
	congestionThreshold int
	onCongestion        func(congested bool)
	onSendError         func(err error)
	logger              *zap.Logger
}

func newConfig(opts []Option) (config, error) {
	cfg := config{
		sendTimeout:         DefaultSendTimeout,
		congestionThreshold: DefaultCongestionThreshold,
		logger:              zap.NewNop(),
	}
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	cfg.logger = cfg.logger.Named("link")
	return cfg, nil
}

func (cfg config) validate() error {
	if cfg.transport == nil {
		return errors.New("link: no transport")
	}
	if cfg.cluster == nil {
		return errors.New("link: no cluster state")
	}
	if cfg.sendTimeout <= 0 {
		return errors.New("link: non-positive send timeout")
	}
	if cfg.congestionThreshold < 0 {
		return errors.New("link: negative congestion threshold")
	}
	if cfg.logger == nil {
		return errors.New("link: no logger")
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

func WithTransport(transport Transport) Option {
	return newFuncOption(func(cfg *config) {
		cfg.transport = transport
	})
}

// WithClusterState sets the source of the durability carried by data
// messages.
func WithClusterState(cluster device.ClusterState) Option {
	return newFuncOption(func(cfg *config) {
		cfg.cluster = cluster
	})
}

func WithSendTimeout(sendTimeout time.Duration) Option {
	return newFuncOption(func(cfg *config) {
		cfg.sendTimeout = sendTimeout
	})
}

// WithCongestion reports congestion once more than threshold work items
// are queued, and again once the queue drains. Zero disables it.
func WithCongestion(threshold int, onCongestion func(congested bool)) Option {
	return newFuncOption(func(cfg *config) {
		cfg.congestionThreshold = threshold
		cfg.onCongestion = onCongestion
	})
}

// WithSendErrorHandler sets the function called when the transport fails
// to send a message.
func WithSendErrorHandler(onSendError func(err error)) Option {
	return newFuncOption(func(cfg *config) {
		cfg.onSendError = onSendError
	})
}

func WithLogger(logger *zap.Logger) Option {
	return newFuncOption(func(cfg *config) {
		cfg.logger = logger
	})
}
