package device

//go:generate mockgen -self_package github.com/kakao/replblk/internal/device -package device -destination collaborators_mock.go . SyncTracker,ClusterState

import (
	"context"
	"fmt"
	"strings"

	"github.com/kakao/replblk/pkg/types"
)

// LocalHandle is a reference to the attached local disk. The disk stays
// attached at least until Put is called. Put must be called exactly once.
type LocalHandle interface {
	Put()
}

// LocalStore executes block I/O on the local disk.
type LocalStore interface {
	// GetHandle returns a reference to the local disk if it is attached.
	GetHandle() (LocalHandle, bool)

	// Submit starts a block I/O. The done callback is called exactly once
	// from an arbitrary goroutine unless Submit returns an error. For
	// reads, data is filled before done is called.
	Submit(sector types.Sector, size uint32, dir types.Direction, data []byte, done func(error)) error
}

// SyncTracker tracks which regions of the device are out of sync with the
// peer and which regions are being written, that is, the activity log.
//
// All methods except AcquireALExtent are called with the device request
// lock held and must not block.
type SyncTracker interface {
	MarkOutOfSync(sector types.Sector, size uint32)
	MarkInSync(sector types.Sector, size uint32)

	// MayReadLocally reports whether the range can be read from the local
	// disk, that is, either the local disk is up to date or the range is in
	// sync.
	MayReadLocally(sector types.Sector, size uint32) bool

	// AcquireALExtent makes the activity log extent of the sector active.
	// It may block, for instance, while the extent is being resynced. It
	// returns an error if ctx is done before the extent is acquired.
	AcquireALExtent(ctx context.Context, sector types.Sector) error
	ReleaseALExtent(sector types.Sector)

	// HandleIOError reports a failed local I/O so the error policy, for
	// example detaching the disk, can be triggered.
	HandleIOError(sector types.Sector, size uint32, dir types.Direction, err error)
}

// ReplicationLink sends work items to the peer. Enqueue is called with the
// device request lock held; it must not block and must keep the order of
// work items.
type ReplicationLink interface {
	Enqueue(w Work)

	// Unplug hints that queued work should be sent without waiting for
	// more.
	Unplug()
}

// Durability is the replication protocol. It decides when the peer is
// considered to have a write.
type Durability uint8

const (
	// DurabilityAsync completes a write once the local disk has it and it
	// is handed to the network, known as protocol A.
	DurabilityAsync Durability = iota
	// DurabilityMemory completes a write once the peer has received it,
	// known as protocol B.
	DurabilityMemory
	// DurabilitySync completes a write once the peer has written it,
	// known as protocol C.
	DurabilitySync
)

func (d Durability) String() string {
	switch d {
	case DurabilityAsync:
		return "A"
	case DurabilityMemory:
		return "B"
	case DurabilitySync:
		return "C"
	default:
		return fmt.Sprintf("durability(%d)", uint8(d))
	}
}

// ParseDurability parses a durability given either as the protocol letter or
// as its name, case-insensitively.
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(s) {
	case "a", "async":
		return DurabilityAsync, nil
	case "b", "memory":
		return DurabilityMemory, nil
	case "c", "sync":
		return DurabilitySync, nil
	default:
		return 0, fmt.Errorf("device: unknown durability %q", s)
	}
}

// Policy decides how requests are routed.
type Policy struct {
	// SendRemote means writes are mirrored to the peer.
	SendRemote bool
	// SendOutOfSync means writes not mirrored are announced to the peer as
	// out-of-sync notices.
	SendOutOfSync bool
	// PeerUpToDate means the peer can serve reads.
	PeerUpToDate bool
	// Suspended means new requests must be retried later.
	Suspended bool
	// Congested means the link is congested; the current epoch is closed
	// and the device is asked to stop mirroring.
	Congested  bool
	Durability Durability
}

// Transition is a connection state change requested by the device.
type Transition uint8

const (
	// TransitionTimeout is requested when the peer did not answer the
	// oldest request in time.
	TransitionTimeout Transition = iota + 1
	// TransitionProtocolError is requested when the peer violated the
	// protocol, for example, by acknowledging an unknown barrier.
	TransitionProtocolError
	// TransitionAhead is requested under congestion. The device stops
	// mirroring writes and sends out-of-sync notices instead.
	TransitionAhead
)

func (t Transition) String() string {
	switch t {
	case TransitionTimeout:
		return "timeout"
	case TransitionProtocolError:
		return "protocol_error"
	case TransitionAhead:
		return "ahead"
	default:
		return fmt.Sprintf("transition(%d)", uint8(t))
	}
}

// ClusterState provides the replication policy and carries out connection
// state changes. RequestTransition is never called with the device request
// lock held.
type ClusterState interface {
	CurrentPolicy() Policy
	RequestTransition(t Transition)
}
