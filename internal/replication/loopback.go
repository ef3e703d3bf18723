package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/device"
	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/util/runner"
	"github.com/kakao/replblk/pkg/verrors"
)

// LoopbackPeer is an in-process peer. It keeps the replicated sectors in
// memory and answers messages in the order they are sent, from its own
// goroutine.
type LoopbackPeer struct {
	peerConfig

	mu          sync.Mutex
	connected   bool
	recv        Receiver
	inbox       []*Message
	blocks      map[types.Sector][]byte
	epochWrites int

	notifyC chan struct{}
	runner  *runner.Runner

	received   atomic.Int64
	oosNotices atomic.Int64
	negAcks    atomic.Int64
}

var _ Transport = (*LoopbackPeer)(nil)

type peerConfig struct {
	latency   time.Duration
	ackInSync bool
	negAck    func(*Message) bool
	postpone  func(*Message) bool
	logger    *zap.Logger
}

type PeerOption interface {
	applyPeer(*peerConfig)
}

type funcPeerOption struct {
	f func(*peerConfig)
}

func newFuncPeerOption(f func(*peerConfig)) *funcPeerOption {
	return &funcPeerOption{f: f}
}

func (fo *funcPeerOption) applyPeer(cfg *peerConfig) {
	fo.f(cfg)
}

// WithLatency delays the handling of every message.
func WithLatency(latency time.Duration) PeerOption {
	return newFuncPeerOption(func(cfg *peerConfig) {
		cfg.latency = latency
	})
}

// WithAckInSync makes write acks report the range as in sync.
func WithAckInSync() PeerOption {
	return newFuncPeerOption(func(cfg *peerConfig) {
		cfg.ackInSync = true
	})
}

// WithNegativeAck fails the data messages for which f returns true.
func WithNegativeAck(f func(*Message) bool) PeerOption {
	return newFuncPeerOption(func(cfg *peerConfig) {
		cfg.negAck = f
	})
}

// WithPostpone postpones the data messages for which f returns true.
func WithPostpone(f func(*Message) bool) PeerOption {
	return newFuncPeerOption(func(cfg *peerConfig) {
		cfg.postpone = f
	})
}

func WithPeerLogger(logger *zap.Logger) PeerOption {
	return newFuncPeerOption(func(cfg *peerConfig) {
		cfg.logger = logger
	})
}

// NewLoopbackPeer returns a connected peer. It answers nothing until
// Start.
func NewLoopbackPeer(opts ...PeerOption) *LoopbackPeer {
	cfg := peerConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt.applyPeer(&cfg)
	}
	cfg.logger = cfg.logger.Named("peer")
	return &LoopbackPeer{
		peerConfig: cfg,
		connected:  true,
		blocks:     make(map[types.Sector][]byte),
		notifyC:    make(chan struct{}, 1),
		runner:     runner.New("peer", cfg.logger),
	}
}

// Start starts answering to recv.
func (p *LoopbackPeer) Start(recv Receiver) error {
	p.mu.Lock()
	if p.recv != nil {
		p.mu.Unlock()
		return errors.New("peer: already started")
	}
	p.recv = recv
	p.mu.Unlock()
	_, err := p.runner.Run(p.processLoop)
	return err
}

func (p *LoopbackPeer) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := *msg
	if msg.Data != nil {
		m.Data = make([]byte, len(msg.Data))
		copy(m.Data, msg.Data)
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return ErrDisconnected
	}
	p.inbox = append(p.inbox, &m)
	p.mu.Unlock()

	select {
	case p.notifyC <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect drops the messages not handled yet and fails further sends.
func (p *LoopbackPeer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.inbox = nil
	p.epochWrites = 0
}

func (p *LoopbackPeer) Connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
}

func (p *LoopbackPeer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Read returns the replicated contents of the range.
func (p *LoopbackPeer) Read(sector types.Sector, size uint32) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked(sector, size)
}

func (p *LoopbackPeer) readLocked(sector types.Sector, size uint32) []byte {
	data := make([]byte, size)
	for off := 0; off < len(data); off += types.SectorSize {
		copy(data[off:], p.blocks[sector])
		sector++
	}
	return data
}

func (p *LoopbackPeer) pop() (*Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inbox) == 0 {
		return nil, false
	}
	msg := p.inbox[0]
	p.inbox[0] = nil
	p.inbox = p.inbox[1:]
	return msg, true
}

func (p *LoopbackPeer) processLoop(ctx context.Context) {
	for {
		msg, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.notifyC:
			}
			continue
		}
		if p.latency > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.latency):
			}
		}
		p.handle(msg)
	}
}

func (p *LoopbackPeer) handle(msg *Message) {
	p.received.Add(1)

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return
	}
	var answer func() error
	switch msg.Kind {
	case MessageData:
		for off := 0; off < len(msg.Data); off += types.SectorSize {
			end := off + types.SectorSize
			if end > len(msg.Data) {
				end = len(msg.Data)
			}
			p.blocks[msg.Sector+types.Sector(off/types.SectorSize)] = msg.Data[off:end]
		}
		p.epochWrites++
		switch {
		case p.negAck != nil && p.negAck(msg):
			p.negAcks.Add(1)
			answer = func() error { return p.recv.PeerNegAck(msg.ID) }
		case p.postpone != nil && p.postpone(msg):
			answer = func() error { return p.recv.PeerPostpone(msg.ID) }
		case msg.Durability != device.DurabilityAsync:
			answer = func() error { return p.recv.PeerWriteAck(msg.ID, p.ackInSync) }
		}
	case MessageReadRequest:
		data := p.readLocked(msg.Sector, msg.Size)
		answer = func() error { return p.recv.PeerReadReply(msg.ID, data) }
	case MessageOutOfSync:
		p.oosNotices.Add(1)
	case MessageBarrier:
		setSize := p.epochWrites
		p.epochWrites = 0
		answer = func() error { return p.recv.BarrierAck(msg.Epoch, setSize) }
	default:
		p.logger.Warn("unexpected message", zap.Stringer("kind", msg.Kind))
	}
	p.mu.Unlock()

	if answer == nil {
		return
	}
	if err := answer(); err != nil {
		if errors.Is(err, verrors.ErrUnknownRequest) {
			p.logger.Debug("answer to forgotten request", zap.Stringer("kind", msg.Kind), zap.Error(err))
			return
		}
		p.logger.Warn("answer rejected", zap.Stringer("kind", msg.Kind), zap.Error(err))
	}
}

// PeerStats is a snapshot of the peer counters.
type PeerStats struct {
	Received   int64
	OOSNotices int64
	NegAcks    int64
	Blocks     int
}

func (p *LoopbackPeer) Stats() PeerStats {
	p.mu.Lock()
	blocks := len(p.blocks)
	p.mu.Unlock()
	return PeerStats{
		Received:   p.received.Load(),
		OOSNotices: p.oosNotices.Load(),
		NegAcks:    p.negAcks.Load(),
		Blocks:     blocks,
	}
}

func (p *LoopbackPeer) Close() error {
	p.runner.Stop()
	return nil
}
