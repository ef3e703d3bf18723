package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/kakao/replblk/internal/device"
	"github.com/kakao/replblk/pkg/types"
)

var ErrDisconnected = errors.New("replication: disconnected")

// MessageKind is the kind of a message sent to the peer.
type MessageKind uint8

const (
	MessageData MessageKind = iota + 1
	MessageReadRequest
	MessageOutOfSync
	MessageBarrier
)

func (k MessageKind) String() string {
	switch k {
	case MessageData:
		return "data"
	case MessageReadRequest:
		return "read_request"
	case MessageOutOfSync:
		return "out_of_sync"
	case MessageBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("message(%d)", uint8(k))
	}
}

// Message is sent to the peer. Data is owned by the sender; a transport
// keeping it must copy it.
type Message struct {
	Kind       MessageKind
	ID         types.RequestID
	Sector     types.Sector
	Size       uint32
	Data       []byte
	Epoch      types.EpochNumber
	SetSize    int
	Durability device.Durability
}

// Transport carries messages to the peer. Send returns once the message is
// handed to the network, that is, it does not wait for the answer.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Receiver consumes the answers of the peer. *device.Device implements it.
type Receiver interface {
	PeerWriteAck(id types.RequestID, inSync bool) error
	PeerNegAck(id types.RequestID) error
	PeerPostpone(id types.RequestID) error
	PeerReadReply(id types.RequestID, data []byte) error
	BarrierAck(number types.EpochNumber, setSize int) error
}

var _ Receiver = (*device.Device)(nil)

// newMessage converts a work item into the message to send.
func newMessage(w device.Work, durability device.Durability) (*Message, error) {
	switch w.Kind {
	case device.WorkSendData:
		return &Message{
			Kind:       MessageData,
			ID:         w.Request.ID(),
			Sector:     w.Request.Sector(),
			Size:       w.Request.Size(),
			Data:       w.Request.Data()[:w.Request.Size()],
			Epoch:      w.Request.EpochNumber(),
			Durability: durability,
		}, nil
	case device.WorkSendRead:
		return &Message{
			Kind:   MessageReadRequest,
			ID:     w.Request.ID(),
			Sector: w.Request.Sector(),
			Size:   w.Request.Size(),
		}, nil
	case device.WorkSendOutOfSync:
		return &Message{
			Kind:   MessageOutOfSync,
			ID:     w.Request.ID(),
			Sector: w.Request.Sector(),
			Size:   w.Request.Size(),
		}, nil
	case device.WorkSendBarrier:
		return &Message{
			Kind:    MessageBarrier,
			Epoch:   w.Barrier,
			SetSize: w.SetSize,
		}, nil
	default:
		return nil, fmt.Errorf("replication: unexpected work %v", w.Kind)
	}
}
