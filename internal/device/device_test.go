package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/verrors"
)

var (
	policyLocalOnly = Policy{}
	policySync      = Policy{SendRemote: true, PeerUpToDate: true, Durability: DurabilitySync}
	policyAsync     = Policy{SendRemote: true, PeerUpToDate: true, Durability: DurabilityAsync}
)

type testBio struct {
	*Bio
	mu    sync.Mutex
	calls int
	err   error
}

func newTestBio(sector types.Sector, size uint32, dir types.Direction) *testBio {
	tb := &testBio{}
	tb.Bio = &Bio{
		Sector:    sector,
		Size:      size,
		Direction: dir,
		Data:      make([]byte, size),
		EndIO:     tb.endIO,
	}
	return tb
}

func (tb *testBio) endIO(err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.calls++
	tb.err = err
}

func (tb *testBio) result() (calls int, err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.calls, tb.err
}

func (tb *testBio) requireCompleted(t *testing.T, wantErr error) {
	t.Helper()
	calls, err := tb.result()
	require.Equal(t, 1, calls)
	if wantErr == nil {
		require.NoError(t, err)
	} else {
		require.ErrorIs(t, err, wantErr)
	}
}

func (tb *testBio) requireNotCompleted(t *testing.T) {
	t.Helper()
	calls, _ := tb.result()
	require.Zero(t, calls)
}

type testEnv struct {
	ls   *TestLocalStore
	st   *TestSyncTracker
	link *TestLink
	cs   *TestClusterState
	dev  *Device
}

func newTestEnv(t *testing.T, policy Policy, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		ls:   NewTestLocalStore(),
		st:   NewTestSyncTracker(),
		link: NewTestLink(),
		cs:   NewTestClusterState(policy),
	}
	defaultOpts := []Option{
		WithLocalStore(env.ls),
		WithSyncTracker(env.st),
		WithReplicationLink(env.link),
		WithClusterState(env.cs),
		WithRequestTimeout(0),
		WithLogger(zaptest.NewLogger(t)),
	}
	dev, err := New(append(defaultOpts, opts...)...)
	require.NoError(t, err)
	env.dev = dev
	t.Cleanup(func() {
		assert.NoError(t, dev.Close())
	})
	return env
}

func (env *testEnv) submit(t *testing.T, tb *testBio) {
	t.Helper()
	require.NoError(t, env.dev.Submit(context.Background(), tb.Bio))
}

// takeWork returns the request of the only work item queued on the link.
func (env *testEnv) takeWork(t *testing.T, kind WorkKind) *Request {
	t.Helper()
	works := env.link.Take()
	require.Len(t, works, 1)
	require.Equal(t, kind, works[0].Kind)
	return works[0].Request
}

func TestDevice_InvalidConfig(t *testing.T) {
	ls, st, link, cs := NewTestLocalStore(), NewTestSyncTracker(), NewTestLink(), NewTestClusterState(Policy{})

	_, err := New(WithSyncTracker(st), WithReplicationLink(link), WithClusterState(cs))
	require.Error(t, err)

	_, err = New(WithLocalStore(ls), WithReplicationLink(link), WithClusterState(cs))
	require.Error(t, err)

	_, err = New(WithLocalStore(ls), WithSyncTracker(st), WithClusterState(cs))
	require.Error(t, err)

	_, err = New(WithLocalStore(ls), WithSyncTracker(st), WithReplicationLink(link))
	require.Error(t, err)

	_, err = New(WithLocalStore(ls), WithSyncTracker(st), WithReplicationLink(link), WithClusterState(cs), WithLogger(nil))
	require.Error(t, err)

	_, err = New(WithLocalStore(ls), WithSyncTracker(st), WithReplicationLink(link), WithClusterState(cs), WithMaxWritesPerEpoch(0))
	require.Error(t, err)

	_, err = New(WithLocalStore(ls), WithSyncTracker(st), WithReplicationLink(link), WithClusterState(cs), WithRequestTimeout(-time.Second))
	require.Error(t, err)
}

func TestDevice_InvalidBio(t *testing.T) {
	env := newTestEnv(t, policyLocalOnly)

	tcs := []struct {
		name string
		bio  *Bio
	}{
		{name: "Nil", bio: nil},
		{name: "NoCompletion", bio: &Bio{Size: 512, Data: make([]byte, 512)}},
		{name: "ZeroSize", bio: &Bio{Data: make([]byte, 512), EndIO: func(error) {}}},
		{name: "UnalignedSize", bio: &Bio{Size: 100, Data: make([]byte, 512), EndIO: func(error) {}}},
		{name: "ShortBuffer", bio: &Bio{Size: 1024, Data: make([]byte, 512), EndIO: func(error) {}}},
		{name: "UnknownDirection", bio: &Bio{Size: 512, Direction: 9, Data: make([]byte, 512), EndIO: func(error) {}}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := env.dev.Submit(context.Background(), tc.bio)
			require.ErrorIs(t, err, verrors.ErrInvalid)
		})
	}
	require.Zero(t, env.dev.Stats().Inflight)
}

func TestDevice_LocalWrite(t *testing.T) {
	env := newTestEnv(t, policyLocalOnly)

	tb := newTestBio(100, 4096, types.DirectionWrite)
	env.submit(t, tb)
	require.Equal(t, 1, env.ls.NumPending())
	require.Zero(t, env.link.Len())
	require.True(t, env.st.IsOutOfSync(100))
	require.Equal(t, 1, env.st.NumAcquired(100))
	tb.requireNotCompleted(t)

	require.True(t, env.ls.CompleteNext(nil))
	tb.requireCompleted(t, nil)

	st := env.dev.Stats()
	require.Zero(t, st.Inflight)
	require.Zero(t, st.TransferLogLen)
	require.Zero(t, st.WriteIndexLen)
	require.Zero(t, st.PendingPeerAcks)
	require.Equal(t, 1, env.st.NumReleased(100))
	require.Zero(t, env.ls.NumHandles())
	require.Zero(t, env.ls.NumDoublePuts())
}

func TestDevice_ReplicatedWriteSync(t *testing.T) {
	env := newTestEnv(t, policySync)

	tb := newTestBio(100, 4096, types.DirectionWrite)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendData)
	id := req.ID()
	require.EqualValues(t, 1, req.EpochNumber())

	st := env.dev.Stats()
	require.Equal(t, 1, st.PendingPeerAcks)
	require.Equal(t, 1, st.TransferLogLen)
	require.Equal(t, 1, st.WriteIndexLen)

	require.True(t, env.ls.CompleteNext(nil))
	tb.requireNotCompleted(t)

	env.dev.ApplyEvent(req, EventHandedToNetwork)
	tb.requireNotCompleted(t)

	require.NoError(t, env.dev.PeerWriteAck(id, false))
	tb.requireCompleted(t, nil)

	// The caller has seen the completion, but the write stays in the
	// transfer log until its barrier is acknowledged.
	st = env.dev.Stats()
	require.Equal(t, 1, st.TransferLogLen)
	require.EqualValues(t, 1, st.Inflight)
	require.Zero(t, st.PendingPeerAcks)
	require.Zero(t, st.WriteIndexLen)
	require.Zero(t, env.st.NumReleased(100))

	env.dev.CloseEpoch()
	works := env.link.Take()
	require.Len(t, works, 1)
	require.Equal(t, Work{Kind: WorkSendBarrier, Barrier: 1, SetSize: 1}, works[0])
	require.Equal(t, 1, env.dev.Stats().PendingPeerAcks)

	require.NoError(t, env.dev.BarrierAck(1, 1))
	st = env.dev.Stats()
	require.Zero(t, st.TransferLogLen)
	require.Zero(t, st.Inflight)
	require.Zero(t, st.PendingPeerAcks)
	require.Zero(t, st.PendingBarriers)
	require.Zero(t, st.Anomalies)
	require.False(t, env.st.IsOutOfSync(100))
	require.Equal(t, 1, env.st.NumReleased(100))
	tb.requireCompleted(t, nil)
}

func TestDevice_ReplicatedWriteAsync(t *testing.T) {
	env := newTestEnv(t, policyAsync)

	tb := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendData)

	require.True(t, env.ls.CompleteNext(nil))
	tb.requireNotCompleted(t)

	env.dev.ApplyEvent(req, EventHandedToNetwork)
	tb.requireCompleted(t, nil)

	st := env.dev.Stats()
	require.Zero(t, st.PendingPeerAcks)
	require.Equal(t, 1, st.TransferLogLen)

	env.dev.CloseEpoch()
	require.Len(t, env.link.Take(), 1)
	require.NoError(t, env.dev.BarrierAck(1, 1))
	require.Zero(t, env.dev.Stats().Inflight)
}

func TestDevice_LocalReadInSync(t *testing.T) {
	env := newTestEnv(t, policySync)

	tb := newTestBio(0, 512, types.DirectionRead)
	env.submit(t, tb)
	require.Zero(t, env.link.Len())
	st := env.dev.Stats()
	require.Zero(t, st.TransferLogLen)
	require.Equal(t, 1, st.ReadIndexLen)

	require.True(t, env.ls.CompleteNext(nil))
	tb.requireCompleted(t, nil)
	st = env.dev.Stats()
	require.Zero(t, st.Inflight)
	require.Zero(t, st.ReadIndexLen)
	require.Zero(t, env.st.NumAcquired(0))
}

func TestDevice_RemoteReadFallback(t *testing.T) {
	env := newTestEnv(t, policySync)
	env.ls.SetDetached(true)

	tb := newTestBio(8, 512, types.DirectionRead)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendRead)
	id := req.ID()
	require.Equal(t, 1, env.dev.Stats().TransferLogLen)

	env.dev.ApplyEvent(req, EventHandedToNetwork)
	tb.requireNotCompleted(t)

	data := make([]byte, 512)
	data[0], data[511] = 'a', 'z'
	require.NoError(t, env.dev.PeerReadReply(id, data))
	tb.requireCompleted(t, nil)
	require.Equal(t, data, tb.Data)

	st := env.dev.Stats()
	require.Zero(t, st.Inflight)
	require.Zero(t, st.TransferLogLen)
	require.Zero(t, st.PendingPeerAcks)
}

func TestDevice_ReadOutOfSyncRangeGoesRemote(t *testing.T) {
	env := newTestEnv(t, policySync)
	env.st.SetMayReadLocally(false)

	tb := newTestBio(0, 512, types.DirectionRead)
	env.submit(t, tb)
	env.takeWork(t, WorkSendRead)
	require.Zero(t, env.ls.NumSubmitted())
	require.Zero(t, env.ls.NumHandles())
}

func TestDevice_FailedLocalReadRetriedOnPeer(t *testing.T) {
	env := newTestEnv(t, policySync)

	tb := newTestBio(16, 1024, types.DirectionRead)
	env.submit(t, tb)
	require.Zero(t, env.link.Len())

	require.True(t, env.ls.CompleteNext(errors.New("medium error")))
	tb.requireNotCompleted(t)
	require.True(t, env.st.IsOutOfSync(16))
	require.Equal(t, 1, env.st.NumIOErrors())

	req := env.takeWork(t, WorkSendRead)
	require.Equal(t, 1, env.dev.Stats().TransferLogLen)
	env.dev.ApplyEvent(req, EventHandedToNetwork)
	require.NoError(t, env.dev.PeerReadReply(req.ID(), make([]byte, 1024)))
	tb.requireCompleted(t, nil)
	require.Zero(t, env.dev.Stats().Inflight)
}

func TestDevice_FailedLocalReadWithoutPeer(t *testing.T) {
	env := newTestEnv(t, policyLocalOnly)

	tb := newTestBio(16, 1024, types.DirectionRead)
	env.submit(t, tb)
	require.True(t, env.ls.CompleteNext(errors.New("medium error")))
	tb.requireCompleted(t, verrors.ErrIO)
	require.Zero(t, env.link.Len())
	require.Zero(t, env.dev.Stats().Inflight)
}

func TestDevice_FailedReadAhead(t *testing.T) {
	env := newTestEnv(t, policySync)

	tb := newTestBio(16, 1024, types.DirectionReadAhead)
	env.submit(t, tb)
	require.True(t, env.ls.CompleteNext(errors.New("medium error")))
	tb.requireCompleted(t, verrors.ErrIO)
	require.Zero(t, env.st.NumIOErrors())
	require.Zero(t, env.link.Len())
}

func TestDevice_SynchronousFailures(t *testing.T) {
	t.Run("ReadAheadWithoutLocalDisk", func(t *testing.T) {
		env := newTestEnv(t, policySync)
		env.ls.SetDetached(true)
		tb := newTestBio(0, 512, types.DirectionReadAhead)
		err := env.dev.Submit(context.Background(), tb.Bio)
		require.ErrorIs(t, err, verrors.ErrWouldBlock)
		tb.requireNotCompleted(t)
	})

	t.Run("ReadWithoutAnyDisk", func(t *testing.T) {
		env := newTestEnv(t, policyLocalOnly)
		env.ls.SetDetached(true)
		tb := newTestBio(0, 512, types.DirectionRead)
		err := env.dev.Submit(context.Background(), tb.Bio)
		require.ErrorIs(t, err, verrors.ErrIO)
		tb.requireNotCompleted(t)
	})

	t.Run("WriteWithoutAnyDisk", func(t *testing.T) {
		env := newTestEnv(t, Policy{SendOutOfSync: true})
		env.ls.SetDetached(true)
		tb := newTestBio(0, 512, types.DirectionWrite)
		err := env.dev.Submit(context.Background(), tb.Bio)
		require.ErrorIs(t, err, verrors.ErrIO)
		tb.requireNotCompleted(t)
		require.Zero(t, env.link.Len())
	})

	t.Run("Suspended", func(t *testing.T) {
		env := newTestEnv(t, Policy{SendRemote: true, Suspended: true})
		tb := newTestBio(0, 512, types.DirectionWrite)
		err := env.dev.Submit(context.Background(), tb.Bio)
		require.ErrorIs(t, err, verrors.ErrSuspended)
		require.True(t, verrors.IsTransient(err))
		tb.requireNotCompleted(t)
		require.Zero(t, env.link.Len())
		require.Equal(t, 1, env.st.NumReleased(0))
		require.Zero(t, env.ls.NumHandles())
		require.Zero(t, env.dev.Stats().Inflight)
	})

	t.Run("ActivityLogCanceled", func(t *testing.T) {
		env := newTestEnv(t, policyLocalOnly)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tb := newTestBio(0, 512, types.DirectionWrite)
		err := env.dev.Submit(ctx, tb.Bio)
		require.ErrorIs(t, err, context.Canceled)
		require.Zero(t, env.ls.NumHandles())
		require.Zero(t, env.dev.Stats().Inflight)
	})

	t.Run("OutOfMemory", func(t *testing.T) {
		env := newTestEnv(t, policyLocalOnly, WithMaxInflightRequests(1))
		env.submit(t, newTestBio(0, 512, types.DirectionWrite))
		tb := newTestBio(8, 512, types.DirectionWrite)
		err := env.dev.Submit(context.Background(), tb.Bio)
		require.ErrorIs(t, err, verrors.ErrNoMemory)
		require.EqualValues(t, 1, env.dev.Stats().Inflight)
		require.True(t, env.ls.CompleteNext(nil))
		env.submit(t, tb)
		require.True(t, env.ls.CompleteNext(nil))
		tb.requireCompleted(t, nil)
	})

	t.Run("Closed", func(t *testing.T) {
		env := newTestEnv(t, policyLocalOnly)
		require.NoError(t, env.dev.Close())
		err := env.dev.Submit(context.Background(), newTestBio(0, 512, types.DirectionWrite).Bio)
		require.ErrorIs(t, err, verrors.ErrClosed)
	})
}

func TestDevice_ImmediateLocalSubmitFailure(t *testing.T) {
	env := newTestEnv(t, policySync)
	env.ls.SetSubmitError(errors.New("queue full"))

	tb := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, tb)
	require.Equal(t, 1, env.st.NumIOErrors())
	req := env.takeWork(t, WorkSendData)
	env.dev.ApplyEvent(req, EventHandedToNetwork)
	require.NoError(t, env.dev.PeerWriteAck(req.ID(), false))
	tb.requireCompleted(t, nil)
}

func TestDevice_SuccessIfEitherLegSucceeds(t *testing.T) {
	t.Run("LocalFailedPeerAcked", func(t *testing.T) {
		env := newTestEnv(t, policySync)
		tb := newTestBio(0, 4096, types.DirectionWrite)
		env.submit(t, tb)
		req := env.takeWork(t, WorkSendData)

		require.True(t, env.ls.CompleteNext(errors.New("medium error")))
		tb.requireNotCompleted(t)
		require.Equal(t, 1, env.st.NumIOErrors())

		env.dev.ApplyEvent(req, EventHandedToNetwork)
		require.NoError(t, env.dev.PeerWriteAck(req.ID(), false))
		tb.requireCompleted(t, nil)
	})

	t.Run("LocalOKPeerFailed", func(t *testing.T) {
		env := newTestEnv(t, policySync)
		tb := newTestBio(0, 4096, types.DirectionWrite)
		env.submit(t, tb)
		req := env.takeWork(t, WorkSendData)

		require.True(t, env.ls.CompleteNext(nil))
		env.dev.ApplyEvent(req, EventHandedToNetwork)
		require.NoError(t, env.dev.PeerNegAck(req.ID()))
		tb.requireCompleted(t, nil)

		// The peer does not have the write.
		require.True(t, env.st.IsOutOfSync(0))
		require.Zero(t, env.dev.Stats().Inflight)
	})

	t.Run("BothFailed", func(t *testing.T) {
		env := newTestEnv(t, policySync)
		tb := newTestBio(0, 4096, types.DirectionWrite)
		env.submit(t, tb)
		req := env.takeWork(t, WorkSendData)

		require.True(t, env.ls.CompleteNext(errors.New("medium error")))
		env.dev.ApplyEvent(req, EventHandedToNetwork)
		require.NoError(t, env.dev.PeerNegAck(req.ID()))
		tb.requireCompleted(t, verrors.ErrIO)
		require.Zero(t, env.dev.Stats().PendingPeerAcks)
	})
}

func TestDevice_NegativeAckBeforeHandOff(t *testing.T) {
	tcs := []struct {
		name  string
		event Event
	}{
		{name: "HandedToNetwork", event: EventHandedToNetwork},
		{name: "SendCanceled", event: EventSendFailedOrCanceled},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, policySync)
			tb := newTestBio(0, 4096, types.DirectionWrite)
			env.submit(t, tb)
			req := env.takeWork(t, WorkSendData)
			require.True(t, env.ls.CompleteNext(nil))

			require.NoError(t, env.dev.PeerNegAck(req.ID()))
			env.dev.mu.Lock()
			net := req.net
			env.dev.mu.Unlock()
			require.True(t, net.Queued)
			require.False(t, net.Pending)
			require.False(t, net.Done)
			require.Zero(t, env.dev.Stats().PendingPeerAcks)
			tb.requireNotCompleted(t)

			env.dev.ApplyEvent(req, tc.event)
			tb.requireCompleted(t, nil)
			require.True(t, env.st.IsOutOfSync(0))
			st := env.dev.Stats()
			require.Zero(t, st.Inflight)
			require.Zero(t, st.TransferLogLen)
			require.Zero(t, st.Anomalies)
		})
	}
}

func TestDevice_AckedInSync(t *testing.T) {
	env := newTestEnv(t, policySync)
	env.st.MarkOutOfSync(0, 4096)

	tb := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendData)
	require.True(t, env.ls.CompleteNext(nil))
	env.dev.ApplyEvent(req, EventHandedToNetwork)
	require.NoError(t, env.dev.PeerWriteAck(req.ID(), true))
	tb.requireCompleted(t, nil)
	require.False(t, env.st.IsOutOfSync(0))
}

func TestDevice_OutOfSyncNotice(t *testing.T) {
	env := newTestEnv(t, Policy{SendOutOfSync: true})

	tb := newTestBio(64, 4096, types.DirectionWrite)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendOutOfSync)
	require.Equal(t, 1, env.dev.Stats().TransferLogLen)
	require.Zero(t, env.dev.Stats().PendingPeerAcks)

	require.True(t, env.ls.CompleteNext(nil))
	tb.requireNotCompleted(t)

	env.dev.ApplyEvent(req, EventHandedToNetwork)
	tb.requireCompleted(t, nil)
	require.True(t, env.st.IsOutOfSync(64))

	st := env.dev.Stats()
	require.Zero(t, st.Inflight)
	require.Zero(t, st.TransferLogLen)
}

func TestDevice_PostponedWrite(t *testing.T) {
	env := newTestEnv(t, policySync)

	tb := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendData)
	require.True(t, env.ls.CompleteNext(nil))
	env.dev.ApplyEvent(req, EventHandedToNetwork)

	require.NoError(t, env.dev.PeerPostpone(req.ID()))
	tb.requireCompleted(t, nil)
	require.Equal(t, 1, env.dev.Stats().PendingPeerAcks)

	env.dev.OnConnectionLost()
	st := env.dev.Stats()
	require.Zero(t, st.Inflight)
	require.Zero(t, st.PendingPeerAcks)
}

func TestDevice_ConnectionLost(t *testing.T) {
	t.Run("WhilePending", func(t *testing.T) {
		env := newTestEnv(t, policySync)
		tb := newTestBio(0, 4096, types.DirectionWrite)
		env.submit(t, tb)
		req := env.takeWork(t, WorkSendData)
		env.dev.ApplyEvent(req, EventHandedToNetwork)
		require.True(t, env.ls.CompleteNext(nil))
		tb.requireNotCompleted(t)

		env.dev.OnConnectionLost()
		tb.requireCompleted(t, nil)
		require.True(t, env.st.IsOutOfSync(0))

		st := env.dev.Stats()
		require.Zero(t, st.Inflight)
		require.Zero(t, st.PendingPeerAcks)
		require.Zero(t, st.TransferLogLen)
		require.Zero(t, st.SetAside)
		require.Equal(t, 1, st.OpenEpochs)
		require.EqualValues(t, 2, st.CurrentEpoch)
	})

	t.Run("WhileQueued", func(t *testing.T) {
		env := newTestEnv(t, policySync)
		tb := newTestBio(0, 4096, types.DirectionWrite)
		env.submit(t, tb)
		req := env.takeWork(t, WorkSendData)
		require.True(t, env.ls.CompleteNext(nil))

		env.dev.OnConnectionLost()
		tb.requireNotCompleted(t)
		st := env.dev.Stats()
		require.Zero(t, st.TransferLogLen)
		require.Equal(t, 1, st.SetAside)
		require.Zero(t, st.PendingPeerAcks)

		env.dev.ApplyEvent(req, EventSendFailedOrCanceled)
		tb.requireCompleted(t, nil)
		require.Zero(t, env.dev.Stats().Inflight)
		require.Zero(t, env.dev.Stats().SetAside)
	})

	t.Run("WhileLocalPending", func(t *testing.T) {
		env := newTestEnv(t, policySync)
		tb := newTestBio(0, 4096, types.DirectionWrite)
		env.submit(t, tb)
		req := env.takeWork(t, WorkSendData)
		env.dev.ApplyEvent(req, EventHandedToNetwork)

		env.dev.OnConnectionLost()
		tb.requireNotCompleted(t)
		require.Equal(t, 1, env.dev.Stats().SetAside)

		require.True(t, env.ls.CompleteNext(nil))
		tb.requireCompleted(t, nil)
		require.Zero(t, env.dev.Stats().Inflight)
	})

	t.Run("QueuedBarrier", func(t *testing.T) {
		env := newTestEnv(t, policySync)
		tb := newTestBio(0, 4096, types.DirectionWrite)
		env.submit(t, tb)
		env.dev.CloseEpoch()
		require.Len(t, env.link.Take(), 2)
		require.Equal(t, 2, env.dev.Stats().PendingPeerAcks)

		env.dev.OnConnectionLost()
		st := env.dev.Stats()
		require.Zero(t, st.PendingPeerAcks)
		require.Zero(t, st.PendingBarriers)
		require.False(t, st.BarrierQueued)
	})
}

func TestDevice_EpochOrdering(t *testing.T) {
	env := newTestEnv(t, policySync, WithMaxWritesPerEpoch(2))

	bios := make([]*testBio, 3)
	for i := range bios {
		bios[i] = newTestBio(types.Sector(i*8), 4096, types.DirectionWrite)
		env.submit(t, bios[i])
	}

	works := env.link.Take()
	require.Len(t, works, 4)
	require.Equal(t, WorkSendData, works[0].Kind)
	require.Equal(t, WorkSendData, works[1].Kind)
	require.Equal(t, Work{Kind: WorkSendBarrier, Barrier: 1, SetSize: 2}, works[2])
	require.Equal(t, WorkSendData, works[3].Kind)
	reqs := []*Request{works[0].Request, works[1].Request, works[3].Request}
	require.EqualValues(t, 1, reqs[0].EpochNumber())
	require.EqualValues(t, 1, reqs[1].EpochNumber())
	require.EqualValues(t, 2, reqs[2].EpochNumber())

	for i, req := range reqs {
		require.True(t, env.ls.CompleteNext(nil))
		env.dev.ApplyEvent(req, EventHandedToNetwork)
		require.NoError(t, env.dev.PeerWriteAck(req.ID(), false))
		bios[i].requireCompleted(t, nil)
	}
	require.Equal(t, 3, env.dev.Stats().TransferLogLen)

	// The barrier of the second epoch has not been sent yet.
	err := env.dev.BarrierAck(2, 1)
	require.ErrorIs(t, err, verrors.ErrProtocol)
	require.Equal(t, []Transition{TransitionProtocolError}, env.cs.Transitions())
	require.EqualValues(t, 1, env.dev.Stats().Anomalies)

	require.NoError(t, env.dev.BarrierAck(1, 2))
	st := env.dev.Stats()
	require.Equal(t, 1, st.TransferLogLen)
	require.EqualValues(t, 1, st.Inflight)

	env.dev.CloseEpoch()
	require.Equal(t, []Work{{Kind: WorkSendBarrier, Barrier: 2, SetSize: 1}}, env.link.Take())
	require.NoError(t, env.dev.BarrierAck(2, 1))
	st = env.dev.Stats()
	require.Zero(t, st.TransferLogLen)
	require.Zero(t, st.Inflight)
	require.Zero(t, st.PendingPeerAcks)
}

func TestDevice_BarrierAckMismatch(t *testing.T) {
	env := newTestEnv(t, policySync)
	env.submit(t, newTestBio(0, 4096, types.DirectionWrite))
	env.dev.CloseEpoch()
	require.Len(t, env.link.Take(), 2)

	err := env.dev.BarrierAck(1, 2)
	require.ErrorIs(t, err, verrors.ErrProtocol)
	err = env.dev.BarrierAck(7, 1)
	require.ErrorIs(t, err, verrors.ErrProtocol)
	require.Equal(t, []Transition{TransitionProtocolError, TransitionProtocolError}, env.cs.Transitions())
	require.Equal(t, 1, env.dev.Stats().TransferLogLen)
}

func TestDevice_BarrierAckedWhilePending(t *testing.T) {
	env := newTestEnv(t, policySync)

	tb := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendData)
	id := req.ID()
	require.True(t, env.ls.CompleteNext(nil))
	env.dev.ApplyEvent(req, EventHandedToNetwork)
	env.dev.CloseEpoch()
	require.Len(t, env.link.Take(), 1)

	require.NoError(t, env.dev.BarrierAck(1, 1))
	tb.requireNotCompleted(t)
	st := env.dev.Stats()
	require.EqualValues(t, 1, st.Anomalies)
	require.Zero(t, st.TransferLogLen)
	require.Equal(t, 1, st.SetAside)

	require.NoError(t, env.dev.PeerWriteAck(id, false))
	tb.requireCompleted(t, nil)
	st = env.dev.Stats()
	require.Zero(t, st.Inflight)
	require.Zero(t, st.SetAside)
	require.Zero(t, st.PendingPeerAcks)
}

func TestDevice_ProtocolAnomalyIsDropped(t *testing.T) {
	env := newTestEnv(t, policyLocalOnly)

	tb := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, tb)
	var id types.RequestID
	env.dev.mu.Lock()
	for rid := range env.dev.requests {
		id = rid
	}
	env.dev.mu.Unlock()

	// The peer never received the write.
	require.NoError(t, env.dev.PeerWriteAck(id, false))
	require.NoError(t, env.dev.PeerReadReply(id, nil))
	require.EqualValues(t, 2, env.dev.Stats().Anomalies)
	tb.requireNotCompleted(t)

	require.True(t, env.ls.CompleteNext(nil))
	tb.requireCompleted(t, nil)

	err := env.dev.PeerWriteAck(id, false)
	require.ErrorIs(t, err, verrors.ErrUnknownRequest)
}

func TestDevice_IdempotentRetirement(t *testing.T) {
	env := newTestEnv(t, policyLocalOnly)
	d := env.dev

	tb := newTestBio(0, 512, types.DirectionWrite)
	d.inflight.Add(1)
	req := newRequest(1, tb.Bio)
	req.local = LocalCompletedOK

	var eff effects
	d.mu.Lock()
	d.requests[req.id] = req
	d.markDoneAndMaybeRetire(req, &eff)
	d.markDoneAndMaybeRetire(req, &eff)
	d.applyEvent(req, EventLocalCompletedOK, &eff)
	d.mu.Unlock()
	d.runEffects(&eff)

	tb.requireCompleted(t, nil)
	st := d.Stats()
	require.Zero(t, st.Inflight)
	require.EqualValues(t, 1, st.Anomalies)
}

func TestDevice_ActivityLogReleasedOnceAcrossRestart(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := NewMockSyncTracker(ctrl)
	st.EXPECT().AcquireALExtent(gomock.Any(), types.Sector(0)).Return(nil).Times(1)
	st.EXPECT().HandleIOError(types.Sector(0), uint32(4096), types.DirectionWrite, gomock.Any()).Times(1)
	st.EXPECT().ReleaseALExtent(types.Sector(0)).Times(1)

	ls, link := NewTestLocalStore(), NewTestLink()
	dev, err := New(
		WithLocalStore(ls),
		WithSyncTracker(st),
		WithReplicationLink(link),
		WithClusterState(NewTestClusterState(policySync)),
		WithRequestTimeout(0),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, dev.Close())
	}()

	tb := newTestBio(0, 4096, types.DirectionWrite)
	require.NoError(t, dev.Submit(context.Background(), tb.Bio))
	works := link.Take()
	require.Len(t, works, 1)
	req := works[0].Request
	id := req.ID()

	require.True(t, ls.CompleteNext(errors.New("medium error")))
	tb.requireNotCompleted(t)

	dev.RestartFrozenIO()
	require.Equal(t, 2, ls.NumSubmitted())
	require.True(t, ls.CompleteNext(nil))

	dev.ApplyEvent(req, EventHandedToNetwork)
	require.NoError(t, dev.PeerWriteAck(id, false))
	tb.requireCompleted(t, nil)

	dev.CloseEpoch()
	require.Len(t, link.Take(), 1)
	require.NoError(t, dev.BarrierAck(1, 1))
	require.Zero(t, dev.Stats().Inflight)
	require.Zero(t, ls.NumHandles())
	require.Zero(t, ls.NumDoublePuts())
}

func TestDevice_RestartFrozenIOWhileDetached(t *testing.T) {
	env := newTestEnv(t, policySync)
	tb := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendData)
	require.True(t, env.ls.CompleteNext(errors.New("medium error")))

	env.ls.SetDetached(true)
	env.dev.RestartFrozenIO()
	require.Equal(t, 1, env.ls.NumSubmitted())
	require.Zero(t, env.dev.Stats().Anomalies)

	env.ls.SetDetached(false)
	env.dev.RestartFrozenIO()
	require.Equal(t, 2, env.ls.NumSubmitted())
	require.True(t, env.ls.CompleteNext(nil))

	env.dev.ApplyEvent(req, EventHandedToNetwork)
	require.NoError(t, env.dev.PeerWriteAck(req.ID(), false))
	tb.requireCompleted(t, nil)
}

func TestDevice_ActivityLogNotReleasedAfterDetach(t *testing.T) {
	env := newTestEnv(t, policySync)

	tb := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendData)
	require.True(t, env.ls.CompleteNext(nil))
	env.ls.SetDetached(true)

	env.dev.ApplyEvent(req, EventHandedToNetwork)
	env.dev.OnConnectionLost()
	tb.requireCompleted(t, nil)
	require.Zero(t, env.st.NumReleased(0))
	require.Zero(t, env.dev.Stats().Inflight)
}

func TestDevice_AbortLocalIO(t *testing.T) {
	env := newTestEnv(t, policySync)

	tb := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, tb)
	req := env.takeWork(t, WorkSendData)
	env.dev.ApplyEvent(req, EventHandedToNetwork)

	env.dev.AbortLocalIO()
	require.Zero(t, env.ls.NumHandles())
	tb.requireNotCompleted(t)

	require.NoError(t, env.dev.PeerWriteAck(req.ID(), false))
	tb.requireCompleted(t, nil)

	// The aborted I/O completes late.
	require.True(t, env.ls.CompleteNext(nil))
	require.Zero(t, env.dev.Stats().Anomalies)
}

func TestDevice_CongestionClosesEpoch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cs := NewMockClusterState(ctrl)
	cs.EXPECT().CurrentPolicy().Return(Policy{
		SendRemote:   true,
		PeerUpToDate: true,
		Congested:    true,
		Durability:   DurabilitySync,
	}).AnyTimes()
	cs.EXPECT().RequestTransition(TransitionAhead).Times(1)

	link := NewTestLink()
	dev, err := New(
		WithLocalStore(NewTestLocalStore()),
		WithSyncTracker(NewTestSyncTracker()),
		WithReplicationLink(link),
		WithClusterState(cs),
		WithRequestTimeout(0),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, dev.Close())
	}()

	require.NoError(t, dev.Submit(context.Background(), newTestBio(0, 4096, types.DirectionWrite).Bio))
	works := link.Take()
	require.Len(t, works, 2)
	require.Equal(t, WorkSendData, works[0].Kind)
	require.Equal(t, Work{Kind: WorkSendBarrier, Barrier: 1, SetSize: 1}, works[1])
	require.True(t, dev.Stats().BarrierQueued)
}

func TestDevice_ConflictingWrites(t *testing.T) {
	env := newTestEnv(t, policyLocalOnly)

	w1 := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, w1)

	w2 := newTestBio(0, 4096, types.DirectionWrite)
	errC := make(chan error, 1)
	go func() {
		errC <- env.dev.Submit(context.Background(), w2.Bio)
	}()

	assert.Never(t, func() bool {
		return env.ls.NumSubmitted() > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, 1, env.dev.Stats().WriteIndexLen)

	require.True(t, env.ls.CompleteNext(nil))
	w1.requireCompleted(t, nil)
	require.NoError(t, <-errC)
	require.Equal(t, 2, env.ls.NumSubmitted())
	require.Equal(t, 1, env.dev.Stats().WriteIndexLen)

	require.True(t, env.ls.CompleteNext(nil))
	w2.requireCompleted(t, nil)
	require.Zero(t, env.dev.Stats().WriteIndexLen)
}

func TestDevice_ConflictWaitCanceled(t *testing.T) {
	env := newTestEnv(t, policyLocalOnly)

	w1 := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, w1)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	w2 := newTestBio(4, 512, types.DirectionWrite)
	go func() {
		errC <- env.dev.Submit(ctx, w2.Bio)
	}()
	require.EventuallyWithT(t, func(collect *assert.CollectT) {
		assert.Equal(collect, 1, env.st.NumAcquired(4))
	}, time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errC, context.Canceled)
	w2.requireNotCompleted(t)
	require.Equal(t, 1, env.st.NumReleased(4))

	require.True(t, env.ls.CompleteNext(nil))
	w1.requireCompleted(t, nil)
	require.Zero(t, env.dev.Stats().Inflight)
}

func TestDevice_ConnectionLostDuringConflictWait(t *testing.T) {
	env := newTestEnv(t, policySync)

	w1 := newTestBio(0, 4096, types.DirectionWrite)
	env.submit(t, w1)
	req1 := env.takeWork(t, WorkSendData)
	env.dev.ApplyEvent(req1, EventHandedToNetwork)
	require.True(t, env.ls.CompleteNext(nil))

	w2 := newTestBio(0, 4096, types.DirectionWrite)
	errC := make(chan error, 1)
	go func() {
		errC <- env.dev.Submit(context.Background(), w2.Bio)
	}()
	assert.Never(t, func() bool {
		return env.ls.NumSubmitted() > 1
	}, 100*time.Millisecond, 10*time.Millisecond)

	env.cs.SetPolicy(policyLocalOnly)
	env.dev.OnConnectionLost()
	w1.requireCompleted(t, nil)
	require.NoError(t, <-errC)

	// w2 is served by the local disk only.
	require.Zero(t, env.link.Len())
	st := env.dev.Stats()
	require.Zero(t, st.PendingPeerAcks)
	require.Zero(t, st.TransferLogLen)
	require.Zero(t, st.SetAside)

	require.True(t, env.ls.CompleteNext(nil))
	w2.requireCompleted(t, nil)
	require.True(t, env.st.IsOutOfSync(0))
	require.Zero(t, env.dev.Stats().Inflight)
	require.Zero(t, env.dev.Stats().Anomalies)
}

func TestDevice_ConcurrentOverlappingWrites(t *testing.T) {
	const (
		numWriters = 8
		numWrites  = 50
	)
	env := newTestEnv(t, policyLocalOnly)

	var wg sync.WaitGroup
	bios := make([]*testBio, numWriters*numWrites)
	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < numWrites; j++ {
				tb := newTestBio(types.Sector(j%4*4), 4096, types.DirectionWrite)
				bios[i*numWrites+j] = tb
				assert.NoError(t, env.dev.Submit(context.Background(), tb.Bio))
			}
		}(i)
	}

	done := make(chan struct{})
	var completer sync.WaitGroup
	completer.Add(1)
	go func() {
		defer completer.Done()
		for {
			if env.ls.CompleteNext(nil) {
				continue
			}
			select {
			case <-done:
				for env.ls.CompleteNext(nil) {
				}
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	wg.Wait()
	close(done)
	completer.Wait()

	for _, tb := range bios {
		tb.requireCompleted(t, nil)
	}
	st := env.dev.Stats()
	require.Zero(t, st.Inflight)
	require.Zero(t, st.WriteIndexLen)
	require.Zero(t, env.ls.NumHandles())
}

func TestParseDurability(t *testing.T) {
	tcs := []struct {
		in   string
		want Durability
		ok   bool
	}{
		{in: "A", want: DurabilityAsync, ok: true},
		{in: "async", want: DurabilityAsync, ok: true},
		{in: "b", want: DurabilityMemory, ok: true},
		{in: "Memory", want: DurabilityMemory, ok: true},
		{in: "C", want: DurabilitySync, ok: true},
		{in: "sync", want: DurabilitySync, ok: true},
		{in: "d", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range tcs {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDurability(tc.in)
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			want, err := ParseDurability(got.String())
			require.NoError(t, err)
			require.Equal(t, got, want)
		})
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
