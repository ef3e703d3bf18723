package localstore

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/kakao/replblk/internal/storage"
	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/verrors"
)

const testNumSectors = 1024

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := storage.Open(storage.WithInMemory(), storage.WithSyncWAL(false))
	require.NoError(t, err)
	opts = append([]Option{
		WithStore(db),
		WithNumSectors(testNumSectors),
		WithNumWorkers(2),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	s, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
		assert.NoError(t, db.Close())
	})
	return s
}

// submitAndWait submits an I/O and waits for its completion.
func submitAndWait(t *testing.T, s *Store, sector types.Sector, dir types.Direction, data []byte) error {
	t.Helper()
	doneC := make(chan error, 1)
	err := s.Submit(sector, uint32(len(data)), dir, data, func(err error) {
		doneC <- err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-doneC:
		return err
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for i/o")
		return nil
	}
}

func TestStore_InvalidConfig(t *testing.T) {
	db, err := storage.Open(storage.WithInMemory())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, db.Close())
	}()

	_, err = New(WithNumSectors(1))
	require.Error(t, err)
	_, err = New(WithStore(db))
	require.Error(t, err)
	_, err = New(WithStore(db), WithNumSectors(1), WithNumWorkers(0))
	require.Error(t, err)
	_, err = New(WithStore(db), WithNumSectors(1), WithQueueSize(0))
	require.Error(t, err)
	_, err = New(WithStore(db), WithNumSectors(1), WithLogger(nil))
	require.Error(t, err)
}

func TestStore_ReadWrite(t *testing.T) {
	s := newTestStore(t)

	// Sectors never written read as zeros.
	buf := bytes.Repeat([]byte{0xff}, 2*types.SectorSize)
	require.NoError(t, submitAndWait(t, s, 10, types.DirectionRead, buf))
	require.Equal(t, make([]byte, 2*types.SectorSize), buf)

	data := make([]byte, 4*types.SectorSize)
	for i := range data {
		data[i] = byte(i / types.SectorSize)
	}
	require.NoError(t, submitAndWait(t, s, 10, types.DirectionWrite, data))

	buf = make([]byte, 2*types.SectorSize)
	require.NoError(t, submitAndWait(t, s, 11, types.DirectionReadAhead, buf))
	require.Equal(t, data[types.SectorSize:3*types.SectorSize], buf)

	stats := s.Stats()
	require.EqualValues(t, 1, stats.Writes)
	require.EqualValues(t, 2, stats.Reads)
	require.EqualValues(t, 4*types.SectorSize, stats.BytesWritten)
	require.EqualValues(t, 4*types.SectorSize, stats.BytesRead)
}

func TestStore_InvalidIO(t *testing.T) {
	s := newTestStore(t)
	noop := func(error) {}

	require.ErrorIs(t, s.Submit(0, 0, types.DirectionRead, nil, noop), verrors.ErrInvalid)
	require.ErrorIs(t, s.Submit(0, 100, types.DirectionRead, make([]byte, 100), noop), verrors.ErrInvalid)
	require.ErrorIs(t, s.Submit(0, types.SectorSize, types.DirectionRead, nil, noop), verrors.ErrInvalid)
	require.ErrorIs(t, s.Submit(testNumSectors-1, 2*types.SectorSize, types.DirectionWrite, make([]byte, 2*types.SectorSize), noop), verrors.ErrInvalid)
}

func TestStore_Handles(t *testing.T) {
	s := newTestStore(t)

	h1, ok := s.GetHandle()
	require.True(t, ok)
	h2, ok := s.GetHandle()
	require.True(t, ok)
	require.EqualValues(t, 2, s.Stats().OpenHandles)

	s.Detach()
	require.False(t, s.Attached())
	_, ok = s.GetHandle()
	require.False(t, ok)
	require.ErrorIs(t, submitAndWait(t, s, 0, types.DirectionRead, make([]byte, types.SectorSize)), verrors.ErrDetached)

	h1.Put()
	h1.Put()
	require.EqualValues(t, 1, s.Stats().DoublePuts)
	require.EqualValues(t, 1, s.Stats().OpenHandles)

	s.Attach()
	require.True(t, s.Attached())
	require.NoError(t, submitAndWait(t, s, 0, types.DirectionRead, make([]byte, types.SectorSize)))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		assert.NoError(t, s.Close())
	}()
	assert.Never(t, func() bool {
		select {
		case <-closed:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 10*time.Millisecond)

	h2.Put()
	<-closed
	require.Zero(t, s.Stats().OpenHandles)
	require.ErrorIs(t, s.Submit(0, types.SectorSize, types.DirectionRead, make([]byte, types.SectorSize), func(error) {}), verrors.ErrClosed)
	s.Attach()
	require.False(t, s.Attached())
}

func TestStore_FaultInjection(t *testing.T) {
	errFault := errors.New("fault")
	s := newTestStore(t, WithFaultInjector(func(sector types.Sector, _ uint32, dir types.Direction) error {
		if dir.IsWrite() && sector == 8 {
			return errFault
		}
		return nil
	}))

	data := bytes.Repeat([]byte{1}, types.SectorSize)
	require.ErrorIs(t, submitAndWait(t, s, 8, types.DirectionWrite, data), errFault)
	require.NoError(t, submitAndWait(t, s, 9, types.DirectionWrite, data))

	buf := make([]byte, types.SectorSize)
	require.NoError(t, submitAndWait(t, s, 8, types.DirectionRead, buf))
	require.Equal(t, make([]byte, types.SectorSize), buf)

	s.SetFaultInjector(nil)
	require.NoError(t, submitAndWait(t, s, 8, types.DirectionWrite, data))
	require.EqualValues(t, 1, s.Stats().Errors)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
