// Package localstore is the local disk of a replicated device, a sector
// addressed block store on pebble.
package localstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/device"
	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/util/runner"
	"github.com/kakao/replblk/pkg/verrors"
)

const sectorKeyPrefix = 's'

func sectorKey(sector types.Sector) []byte {
	var key [9]byte
	key[0] = sectorKeyPrefix
	binary.BigEndian.PutUint64(key[1:], uint64(sector))
	return key[:]
}

// Store implements device.LocalStore. I/Os are queued and executed by a
// fixed number of workers; sectors never written read as zeros.
type Store struct {
	config

	// mu guards attached and closed. Submit and GetHandle hold it for
	// reading.
	mu       *xsync.RBMutex
	attached bool
	closed   bool

	handles sync.WaitGroup
	queue   chan *ioTask
	runner  *runner.Runner

	faultInjector atomic.Pointer[FaultInjector]

	stats struct {
		reads        atomic.Int64
		writes       atomic.Int64
		bytesRead    atomic.Int64
		bytesWritten atomic.Int64
		errors       atomic.Int64
		doublePuts   atomic.Int64
		openHandles  atomic.Int64
	}
}

var _ device.LocalStore = (*Store)(nil)

type ioTask struct {
	sector types.Sector
	size   uint32
	dir    types.Direction
	data   []byte
	done   func(error)
}

var ioTaskPool = sync.Pool{
	New: func() any {
		return &ioTask{}
	},
}

func newIOTask(sector types.Sector, size uint32, dir types.Direction, data []byte, done func(error)) *ioTask {
	task := ioTaskPool.Get().(*ioTask)
	task.sector = sector
	task.size = size
	task.dir = dir
	task.data = data
	task.done = done
	return task
}

func (task *ioTask) release() {
	*task = ioTask{}
	ioTaskPool.Put(task)
}

// New returns an attached store and starts its workers.
func New(opts ...Option) (*Store, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	s := &Store{
		config:   cfg,
		mu:       xsync.NewRBMutex(),
		attached: true,
		queue:    make(chan *ioTask, cfg.queueSize),
		runner:   runner.New("localstore", cfg.logger),
	}
	if cfg.faultInjector != nil {
		s.SetFaultInjector(cfg.faultInjector)
	}
	for i := 0; i < cfg.numWorkers; i++ {
		if _, err := s.runner.Run(s.work); err != nil {
			s.runner.Stop()
			return nil, err
		}
	}
	return s, nil
}

type handle struct {
	s   *Store
	put atomic.Bool
}

func (h *handle) Put() {
	if !h.put.CompareAndSwap(false, true) {
		h.s.stats.doublePuts.Add(1)
		h.s.logger.Error("local handle put twice")
		return
	}
	h.s.stats.openHandles.Add(-1)
	h.s.handles.Done()
}

// GetHandle returns a reference to the store if it is attached. Close waits
// for every reference to be put.
func (s *Store) GetHandle() (device.LocalHandle, bool) {
	rt := s.mu.RLock()
	defer s.mu.RUnlock(rt)
	if !s.attached || s.closed {
		return nil, false
	}
	s.handles.Add(1)
	s.stats.openHandles.Add(1)
	return &handle{s: s}, true
}

// Submit queues a block I/O. It blocks while the queue is full.
func (s *Store) Submit(sector types.Sector, size uint32, dir types.Direction, data []byte, done func(error)) error {
	if size == 0 || size%types.SectorSize != 0 || uint64(len(data)) < uint64(size) {
		return fmt.Errorf("localstore: %w: sector=%v size=%d len=%d", verrors.ErrInvalid, sector, size, len(data))
	}
	if uint64(sector.End(size)) > s.numSectors {
		return fmt.Errorf("localstore: %w: sector=%v size=%d beyond %d sectors", verrors.ErrInvalid, sector, size, s.numSectors)
	}

	rt := s.mu.RLock()
	defer s.mu.RUnlock(rt)
	if s.closed {
		return verrors.ErrClosed
	}
	if !s.attached {
		return verrors.ErrDetached
	}
	s.queue <- newIOTask(sector, size, dir, data, done)
	return nil
}

// Detach stops handing out handles and accepting I/Os. I/Os already queued
// are still executed.
func (s *Store) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		s.attached = false
		s.logger.Warn("detached")
	}
}

// Attach undoes Detach.
func (s *Store) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached && !s.closed {
		s.attached = true
		s.logger.Info("attached")
	}
}

func (s *Store) Attached() bool {
	rt := s.mu.RLock()
	defer s.mu.RUnlock(rt)
	return s.attached && !s.closed
}

// SetFaultInjector replaces the fault injector. A nil one disables fault
// injection.
func (s *Store) SetFaultInjector(fi FaultInjector) {
	if fi == nil {
		s.faultInjector.Store(nil)
		return
	}
	s.faultInjector.Store(&fi)
}

func (s *Store) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.queue:
			s.execute(task)
		}
	}
}

func (s *Store) execute(task *ioTask) {
	done := task.done
	err := s.do(task)
	task.release()
	if err != nil {
		s.stats.errors.Add(1)
	}
	done(err)
}

func (s *Store) do(task *ioTask) error {
	if fi := s.faultInjector.Load(); fi != nil {
		if err := (*fi)(task.sector, task.size, task.dir); err != nil {
			return fmt.Errorf("localstore: injected fault: %w", err)
		}
	}
	if task.dir.IsWrite() {
		return s.write(task.sector, task.data[:task.size])
	}
	return s.read(task.sector, task.data[:task.size])
}

// write stores every sector of data in one batch.
func (s *Store) write(sector types.Sector, data []byte) (err error) {
	b := s.store.NewBatch()
	defer func() {
		err = multierr.Append(err, b.Close())
	}()
	for off := 0; off < len(data); off += types.SectorSize {
		if err := b.Set(sectorKey(sector), data[off:off+types.SectorSize]); err != nil {
			return fmt.Errorf("localstore: write: %w", err)
		}
		sector++
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("localstore: write: %w", err)
	}
	s.stats.writes.Add(1)
	s.stats.bytesWritten.Add(int64(len(data)))
	return nil
}

func (s *Store) read(sector types.Sector, data []byte) error {
	for off := 0; off < len(data); off += types.SectorSize {
		buf := data[off : off+types.SectorSize]
		n, err := s.store.GetInto(sectorKey(sector), buf)
		if err != nil {
			return fmt.Errorf("localstore: read: %w", err)
		}
		clear(buf[n:])
		sector++
	}
	s.stats.reads.Add(1)
	s.stats.bytesRead.Add(int64(len(data)))
	return nil
}

// Stats is a snapshot of the store counters.
type Stats struct {
	Reads        int64
	Writes       int64
	BytesRead    int64
	BytesWritten int64
	Errors       int64
	DoublePuts   int64
	OpenHandles  int64
	Queued       int
}

func (s *Store) Stats() Stats {
	return Stats{
		Reads:        s.stats.reads.Load(),
		Writes:       s.stats.writes.Load(),
		BytesRead:    s.stats.bytesRead.Load(),
		BytesWritten: s.stats.bytesWritten.Load(),
		Errors:       s.stats.errors.Load(),
		DoublePuts:   s.stats.doublePuts.Load(),
		OpenHandles:  s.stats.openHandles.Load(),
		Queued:       len(s.queue),
	}
}

// Close detaches the store, waits for the outstanding handles, and stops
// the workers. I/Os still queued fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.attached = false
	s.mu.Unlock()

	s.handles.Wait()
	s.runner.Stop()
	for {
		select {
		case task := <-s.queue:
			done := task.done
			task.release()
			done(verrors.ErrClosed)
		default:
			s.logger.Info("closed", zap.Int64("writes", s.stats.writes.Load()), zap.Int64("reads", s.stats.reads.Load()))
			return nil
		}
	}
}
