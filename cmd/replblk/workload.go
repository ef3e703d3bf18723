package main

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kakao/replblk/internal/device"
	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/verrors"
)

const retryBackoff = time.Millisecond

type workloadConfig struct {
	numSectors uint64
	ioSize     uint32
	readRatio  float64
	numWorkers int
	duration   time.Duration
	seed       int64
}

type workloadResult struct {
	reads       atomic.Int64
	writes      atomic.Int64
	readErrors  atomic.Int64
	writeErrors atomic.Int64
	retries     atomic.Int64
	// sum of latencies in microseconds
	latencySum atomic.Int64
	maxLatency atomic.Int64
	elapsed    time.Duration
}

func (r *workloadResult) completed() int64 {
	return r.reads.Load() + r.writes.Load()
}

func (r *workloadResult) meanLatency() time.Duration {
	n := r.completed()
	if n == 0 {
		return 0
	}
	return time.Duration(r.latencySum.Load()/n) * time.Microsecond
}

func (r *workloadResult) observe(dir types.Direction, err error, latency time.Duration) {
	if dir.IsWrite() {
		r.writes.Add(1)
		if err != nil {
			r.writeErrors.Add(1)
		}
	} else {
		r.reads.Add(1)
		if err != nil {
			r.readErrors.Add(1)
		}
	}
	us := latency.Microseconds()
	r.latencySum.Add(us)
	for {
		cur := r.maxLatency.Load()
		if us <= cur || r.maxLatency.CompareAndSwap(cur, us) {
			return
		}
	}
}

// workload submits random reads and writes of a fixed size to a device
// from several goroutines. Each goroutine has at most one I/O in flight.
type workload struct {
	workloadConfig
	dev    *device.Device
	logger *zap.Logger
	result workloadResult
}

func newWorkload(cfg workloadConfig, dev *device.Device, logger *zap.Logger) *workload {
	if cfg.seed == 0 {
		cfg.seed = time.Now().UnixNano()
	}
	return &workload{
		workloadConfig: cfg,
		dev:            dev,
		logger:         logger.Named("workload"),
	}
}

// run returns once the duration elapses or ctx is done. It fails only if
// the device is closed underneath it.
func (w *workload) run(ctx context.Context) (*workloadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.duration)
	defer cancel()

	w.logger.Info("start",
		zap.Int("workers", w.numWorkers),
		zap.Uint32("io_size", w.ioSize),
		zap.Float64("read_ratio", w.readRatio),
		zap.Int64("seed", w.seed),
	)
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.numWorkers; i++ {
		rng := rand.New(rand.NewSource(w.seed + int64(i)))
		g.Go(func() error {
			return w.worker(ctx, rng)
		})
	}
	err := g.Wait()
	w.result.elapsed = time.Since(start)
	return &w.result, err
}

func (w *workload) worker(ctx context.Context, rng *rand.Rand) error {
	sectorsPerIO := types.NumSectors(w.ioSize)
	slots := w.numSectors / sectorsPerIO
	buf := make([]byte, w.ioSize)
	done := make(chan error, 1)

	for ctx.Err() == nil {
		sector := types.Sector(uint64(rng.Int63n(int64(slots))) * sectorsPerIO)
		dir := types.DirectionWrite
		if rng.Float64() < w.readRatio {
			dir = types.DirectionRead
		} else {
			fillPattern(buf, sector)
		}

		start := time.Now()
		err := w.dev.Submit(ctx, &device.Bio{
			Sector:    sector,
			Size:      w.ioSize,
			Direction: dir,
			Data:      buf,
			EndIO: func(err error) {
				done <- err
			},
		})
		switch {
		case err == nil:
			err = <-done
		case errors.Is(err, verrors.ErrNoMemory), errors.Is(err, verrors.ErrSuspended):
			w.result.retries.Add(1)
			time.Sleep(retryBackoff)
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, verrors.ErrClosed):
			return err
		}
		w.result.observe(dir, err, time.Since(start))
		if err != nil {
			w.logger.Debug("io failed", zap.Stringer("sector", sector), zap.Stringer("dir", dir), zap.Error(err))
		}
	}
	return nil
}

// fillPattern writes the address of every sector into its first bytes so
// that misplaced data can be spotted.
func fillPattern(buf []byte, sector types.Sector) {
	for off := 0; off+8 <= len(buf); off += types.SectorSize {
		s := uint64(sector) + uint64(off/types.SectorSize)
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(s >> (8 * i))
		}
	}
}
