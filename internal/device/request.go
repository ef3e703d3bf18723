package device

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kakao/replblk/internal/interval"
	"github.com/kakao/replblk/pkg/types"
)

// Bio is a block I/O submitted by a caller.
type Bio struct {
	Sector    types.Sector
	Size      uint32
	Direction types.Direction
	// Data is the payload of a write, or the buffer filled by a read. Its
	// length must be at least Size.
	Data []byte
	// EndIO is called exactly once when the I/O completes, unless Submit
	// returns an error.
	EndIO func(err error)
}

// LocalState is the state of the local leg of a request.
type LocalState uint8

const (
	LocalNotStarted LocalState = iota
	LocalPending
	// LocalCompleted means the local I/O finished without a usable
	// result, for instance, because it was aborted. It counts as a
	// failure.
	LocalCompleted
	LocalCompletedOK
	LocalCompletedError
)

func (s LocalState) String() string {
	switch s {
	case LocalNotStarted:
		return "not_started"
	case LocalPending:
		return "pending"
	case LocalCompleted:
		return "completed"
	case LocalCompletedOK:
		return "completed_ok"
	case LocalCompletedError:
		return "completed_error"
	default:
		return fmt.Sprintf("local_state(%d)", uint8(s))
	}
}

func (s LocalState) terminal() bool {
	return s == LocalCompleted || s == LocalCompletedOK || s == LocalCompletedError
}

// NetFlags is the state of the remote leg of a request. Several flags can
// be set at once, for example, SentToNetwork and Pending while a write
// waits for the ack of the peer.
type NetFlags struct {
	// Pending means an answer of the peer is expected.
	Pending bool
	// Queued means a work item for the request is queued on the link.
	Queued bool
	// SentToNetwork means the request was handed to the network.
	SentToNetwork bool
	// Ok means the peer has the data, or, for reads, returned it.
	Ok bool
	// Done means the remote leg has no obligation left.
	Done bool
	// OutOfSync means only an out-of-sync notice is sent for the request.
	OutOfSync bool
	// Postponed means the peer asked to retry the write later.
	Postponed bool
}

// Any reports whether the request ever had a remote obligation.
func (f NetFlags) Any() bool {
	return f.Pending || f.Queued || f.SentToNetwork || f.Ok || f.Done || f.OutOfSync || f.Postponed
}

func (f NetFlags) String() string {
	var sb strings.Builder
	add := func(set bool, name string) {
		if !set {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(name)
	}
	add(f.Pending, "pending")
	add(f.Queued, "queued")
	add(f.SentToNetwork, "sent")
	add(f.Ok, "ok")
	add(f.Done, "done")
	add(f.OutOfSync, "oos")
	add(f.Postponed, "postponed")
	if sb.Len() == 0 {
		return "none"
	}
	return sb.String()
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{}
	},
}

// Request tracks a block I/O from submission until its local and remote
// legs have resolved. Except for the identity and payload, its fields are
// guarded by the device request lock.
type Request struct {
	id     types.RequestID
	sector types.Sector
	size   uint32
	dir    types.Direction
	data   []byte
	start  time.Time

	local LocalState
	net   NetFlags

	// localErr is the error of the last failed local I/O.
	localErr error

	// epoch is the epoch the request was queued under. It is set only
	// for writes with a remote obligation.
	epoch *epoch

	ownsALExtent bool
	localHandle  LocalHandle

	// bio is the caller completion. It is nil once completed.
	bio *Bio

	// waiting is set while another request waits for this one to leave
	// the write index.
	waiting bool

	inWriteIndex bool
	inReadIndex  bool
	// tlElem is the element of the request in tlList, which is one of the
	// lists of the transfer log.
	tlElem *list.Element
	tlList *list.List
	// outOfSeq is set if the barrier of the epoch of the request was
	// acknowledged while the request still waited for the peer.
	outOfSeq bool
	// negAcked is set if the peer refused the request before its work
	// item left the link queue.
	negAcked     bool
	completed    bool
	destroyed    bool
	restartCount int
}

var _ interval.Item = (*Request)(nil)

func newRequest(id types.RequestID, bio *Bio) *Request {
	req := requestPool.Get().(*Request)
	*req = Request{
		id:     id,
		sector: bio.Sector,
		size:   bio.Size,
		dir:    bio.Direction,
		data:   bio.Data,
		start:  time.Now(),
		bio:    bio,
	}
	return req
}

func (req *Request) release() {
	*req = Request{destroyed: true}
	requestPool.Put(req)
}

func (req *Request) ID() types.RequestID {
	return req.id
}

func (req *Request) Sector() types.Sector {
	return req.sector
}

func (req *Request) Size() uint32 {
	return req.size
}

func (req *Request) Direction() types.Direction {
	return req.dir
}

// Data returns the payload of the request.
func (req *Request) Data() []byte {
	return req.data
}

// EpochNumber returns the number of the epoch the request was queued
// under. It must be called by the consumer of a work item of the request.
func (req *Request) EpochNumber() types.EpochNumber {
	if req.epoch == nil {
		return 0
	}
	return req.epoch.number
}

func (req *Request) String() string {
	return fmt.Sprintf("request(id=%d, sector=%d, size=%d, dir=%s, local=%s, net=%s)",
		req.id, req.sector, req.size, req.dir, req.local, req.net)
}

func (req *Request) localError() error {
	if req.localErr != nil {
		return req.localErr
	}
	return errLocalIO
}

// succeeded reports whether the caller sees the request as successful,
// that is, either leg succeeded.
func (req *Request) succeeded() bool {
	return req.local == LocalCompletedOK || req.net.Ok
}
