package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kakao/replblk/pkg/types"
)

// TestLocalStore is a LocalStore whose I/Os complete only when a test
// completes them.
type TestLocalStore struct {
	mu        sync.Mutex
	detached  bool
	submitErr error
	pending   []*TestLocalIO
	submitted int

	handles    atomic.Int64
	doublePuts atomic.Int64
}

var _ LocalStore = (*TestLocalStore)(nil)

// TestLocalIO is an I/O submitted to a TestLocalStore.
type TestLocalIO struct {
	Sector    types.Sector
	Size      uint32
	Direction types.Direction
	Data      []byte
	done      func(error)
}

func NewTestLocalStore() *TestLocalStore {
	return &TestLocalStore{}
}

type testLocalHandle struct {
	s   *TestLocalStore
	put atomic.Bool
}

func (h *testLocalHandle) Put() {
	if !h.put.CompareAndSwap(false, true) {
		h.s.doublePuts.Add(1)
		return
	}
	h.s.handles.Add(-1)
}

func (s *TestLocalStore) GetHandle() (LocalHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return nil, false
	}
	s.handles.Add(1)
	return &testLocalHandle{s: s}, true
}

func (s *TestLocalStore) Submit(sector types.Sector, size uint32, dir types.Direction, data []byte, done func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return s.submitErr
	}
	s.submitted++
	s.pending = append(s.pending, &TestLocalIO{
		Sector:    sector,
		Size:      size,
		Direction: dir,
		Data:      data,
		done:      done,
	})
	return nil
}

func (s *TestLocalStore) SetDetached(detached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = detached
}

// SetSubmitError makes Submit fail with err. A nil err restores it.
func (s *TestLocalStore) SetSubmitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

// CompleteNext completes the oldest pending I/O with err. It returns false
// if no I/O is pending.
func (s *TestLocalStore) CompleteNext(err error) bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	lio := s.pending[0]
	s.pending = s.pending[1:]
	s.mu.Unlock()

	lio.done(err)
	return true
}

func (s *TestLocalStore) NumPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *TestLocalStore) NumSubmitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// NumHandles returns the number of handles not yet put.
func (s *TestLocalStore) NumHandles() int64 {
	return s.handles.Load()
}

func (s *TestLocalStore) NumDoublePuts() int64 {
	return s.doublePuts.Load()
}

// TestLink is a ReplicationLink recording the work items queued on it.
type TestLink struct {
	mu      sync.Mutex
	works   []Work
	unplugs int
}

var _ ReplicationLink = (*TestLink)(nil)

func NewTestLink() *TestLink {
	return &TestLink{}
}

func (l *TestLink) Enqueue(w Work) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.works = append(l.works, w)
}

func (l *TestLink) Unplug() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unplugs++
}

// Take removes and returns the queued work items.
func (l *TestLink) Take() []Work {
	l.mu.Lock()
	defer l.mu.Unlock()
	works := l.works
	l.works = nil
	return works
}

func (l *TestLink) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.works)
}

// TestSyncTracker is a SyncTracker keeping the out-of-sync state per exact
// range.
type TestSyncTracker struct {
	mu         sync.Mutex
	outOfSync  map[types.Sector]uint32
	mayRead    bool
	acquired   map[types.Sector]int
	released   map[types.Sector]int
	ioErrors   int
	acquireErr error
}

var _ SyncTracker = (*TestSyncTracker)(nil)

func NewTestSyncTracker() *TestSyncTracker {
	return &TestSyncTracker{
		outOfSync: make(map[types.Sector]uint32),
		mayRead:   true,
		acquired:  make(map[types.Sector]int),
		released:  make(map[types.Sector]int),
	}
}

func (st *TestSyncTracker) MarkOutOfSync(sector types.Sector, size uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outOfSync[sector] = size
}

func (st *TestSyncTracker) MarkInSync(sector types.Sector, _ uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.outOfSync, sector)
}

func (st *TestSyncTracker) MayReadLocally(types.Sector, uint32) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mayRead
}

func (st *TestSyncTracker) AcquireALExtent(ctx context.Context, sector types.Sector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.acquireErr != nil {
		return st.acquireErr
	}
	st.acquired[sector]++
	return nil
}

func (st *TestSyncTracker) ReleaseALExtent(sector types.Sector) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.released[sector]++
}

func (st *TestSyncTracker) HandleIOError(types.Sector, uint32, types.Direction, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ioErrors++
}

func (st *TestSyncTracker) SetMayReadLocally(mayRead bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.mayRead = mayRead
}

func (st *TestSyncTracker) SetAcquireError(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.acquireErr = err
}

func (st *TestSyncTracker) IsOutOfSync(sector types.Sector) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.outOfSync[sector]
	return ok
}

func (st *TestSyncTracker) NumAcquired(sector types.Sector) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.acquired[sector]
}

func (st *TestSyncTracker) NumReleased(sector types.Sector) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.released[sector]
}

func (st *TestSyncTracker) NumIOErrors() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ioErrors
}

// TestClusterState is a ClusterState with a fixed policy recording the
// requested transitions.
type TestClusterState struct {
	mu          sync.Mutex
	policy      Policy
	transitions []Transition
	onTransit   func(Transition)
}

var _ ClusterState = (*TestClusterState)(nil)

func NewTestClusterState(policy Policy) *TestClusterState {
	return &TestClusterState{policy: policy}
}

func (cs *TestClusterState) CurrentPolicy() Policy {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.policy
}

func (cs *TestClusterState) RequestTransition(t Transition) {
	cs.mu.Lock()
	cs.transitions = append(cs.transitions, t)
	f := cs.onTransit
	cs.mu.Unlock()
	if f != nil {
		f(t)
	}
}

func (cs *TestClusterState) SetPolicy(policy Policy) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.policy = policy
}

// OnTransition sets a function called for each requested transition.
func (cs *TestClusterState) OnTransition(f func(Transition)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onTransit = f
}

func (cs *TestClusterState) Transitions() []Transition {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]Transition(nil), cs.transitions...)
}
