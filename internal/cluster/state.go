// Package cluster holds the connection state of a replicated device and the
// replication policy derived from it.
package cluster

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/device"
)

// ConnState is the state of the connection to the peer.
type ConnState uint8

const (
	StandAlone ConnState = iota
	Connected
	// Ahead means the connection is kept, but writes are not mirrored;
	// the peer receives out-of-sync notices instead.
	Ahead
	Timeout
	ProtocolError
)

func (s ConnState) String() string {
	switch s {
	case StandAlone:
		return "standalone"
	case Connected:
		return "connected"
	case Ahead:
		return "ahead"
	case Timeout:
		return "timeout"
	case ProtocolError:
		return "protocol_error"
	default:
		return fmt.Sprintf("conn_state(%d)", uint8(s))
	}
}

// IsConnected reports whether messages can be exchanged with the peer.
func (s ConnState) IsConnected() bool {
	return s == Connected || s == Ahead
}

// DisconnectHandler is called once the connection is broken, with the new
// state.
type DisconnectHandler func(state ConnState)

// State implements device.ClusterState.
type State struct {
	logger *zap.Logger

	mu           sync.RWMutex
	conn         ConnState
	durability   device.Durability
	peerUpToDate bool
	suspended    bool
	congested    bool
	onDisconnect []DisconnectHandler
	onConnect    []func()
}

var _ device.ClusterState = (*State)(nil)

// New returns a standalone state.
func New(durability device.Durability, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		logger:       logger.Named("cluster"),
		conn:         StandAlone,
		durability:   durability,
		peerUpToDate: true,
	}
}

// CurrentPolicy derives the policy from the connection state. Writes are
// mirrored only while connected; out-of-sync notices are sent while ahead.
func (s *State) CurrentPolicy() device.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return device.Policy{
		SendRemote:    s.conn == Connected,
		SendOutOfSync: s.conn == Ahead,
		PeerUpToDate:  s.conn.IsConnected() && s.peerUpToDate,
		Suspended:     s.suspended,
		Congested:     s.conn == Connected && s.congested,
		Durability:    s.durability,
	}
}

// RequestTransition carries out a transition requested by the device. A
// timeout or a protocol error breaks the connection; the disconnect
// handlers run after the state is changed.
func (s *State) RequestTransition(t device.Transition) {
	switch t {
	case device.TransitionTimeout:
		s.disconnect(Timeout, t.String())
	case device.TransitionProtocolError:
		s.disconnect(ProtocolError, t.String())
	case device.TransitionAhead:
		s.mu.Lock()
		if s.conn != Connected {
			s.mu.Unlock()
			return
		}
		s.conn = Ahead
		s.mu.Unlock()
		s.logger.Warn("stop mirroring writes", zap.Stringer("conn", Ahead))
	default:
		s.logger.Warn("unknown transition", zap.Stringer("transition", t))
	}
}

// Disconnect breaks the connection on purpose.
func (s *State) Disconnect() {
	s.disconnect(StandAlone, "disconnect")
}

func (s *State) disconnect(next ConnState, reason string) {
	s.mu.Lock()
	if !s.conn.IsConnected() {
		prev := s.conn
		s.mu.Unlock()
		s.logger.Debug("already disconnected", zap.Stringer("conn", prev), zap.String("reason", reason))
		return
	}
	prev := s.conn
	s.conn = next
	s.congested = false
	handlers := append([]DisconnectHandler(nil), s.onDisconnect...)
	s.mu.Unlock()

	s.logger.Warn("connection broken", zap.Stringer("from", prev), zap.Stringer("to", next), zap.String("reason", reason))
	for _, h := range handlers {
		h(next)
	}
}

// Connect connects to the peer, and the connect handlers run. It also
// leaves Ahead, as if the peer caught up with a resync.
func (s *State) Connect() {
	s.mu.Lock()
	if s.conn == Connected {
		s.mu.Unlock()
		return
	}
	prev := s.conn
	s.conn = Connected
	s.congested = false
	handlers := append([]func(){}, s.onConnect...)
	s.mu.Unlock()

	s.logger.Info("connected", zap.Stringer("from", prev))
	for _, h := range handlers {
		h()
	}
}

func (s *State) OnDisconnect(h DisconnectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, h)
}

func (s *State) OnConnect(h func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, h)
}

// SetCongested is called by the replication link. The device closes the
// current epoch and asks to go ahead on the next write.
func (s *State) SetCongested(congested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.congested = congested
}

func (s *State) SetSuspended(suspended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = suspended
}

func (s *State) SetPeerUpToDate(upToDate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerUpToDate = upToDate
}

func (s *State) SetDurability(durability device.Durability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durability = durability
}

func (s *State) Conn() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}
