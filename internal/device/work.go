package device

import (
	"fmt"

	"github.com/kakao/replblk/pkg/types"
)

// WorkKind is the kind of a work item.
type WorkKind uint8

const (
	WorkSendData WorkKind = iota + 1
	WorkSendRead
	WorkSendOutOfSync
	WorkSendBarrier
)

func (k WorkKind) String() string {
	switch k {
	case WorkSendData:
		return "send_data"
	case WorkSendRead:
		return "send_read"
	case WorkSendOutOfSync:
		return "send_out_of_sync"
	case WorkSendBarrier:
		return "send_barrier"
	default:
		return fmt.Sprintf("work(%d)", uint8(k))
	}
}

// Work is an item of deferred work queued while the device request lock is
// held and executed after it is released.
//
// Request is set for every kind except WorkSendBarrier. The request is
// guaranteed to stay alive until the consumer reports the outcome of a send
// by applying EventHandedToNetwork or EventSendFailedOrCanceled.
type Work struct {
	Kind    WorkKind
	Request *Request

	// Barrier and SetSize are set for WorkSendBarrier. SetSize is the
	// number of writes in the epoch closed by the barrier.
	Barrier types.EpochNumber
	SetSize int
}

func (w Work) String() string {
	if w.Kind == WorkSendBarrier {
		return fmt.Sprintf("%s(barrier=%d, set_size=%d)", w.Kind, w.Barrier, w.SetSize)
	}
	if w.Request == nil {
		return w.Kind.String()
	}
	return fmt.Sprintf("%s(id=%d)", w.Kind, w.Request.id)
}
