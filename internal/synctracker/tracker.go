// Package synctracker keeps track of the regions of a replicated device that
// are out of sync with the peer and of the regions being written.
package synctracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kakao/replblk/internal/device"
	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/util/runner"
)

var (
	metaKey          = []byte("meta")
	alKey            = []byte("al")
	bitmapPagePrefix = []byte("bm")
)

func bitmapPageKey(page uint64) []byte {
	key := make([]byte, len(bitmapPagePrefix)+8)
	copy(key, bitmapPagePrefix)
	binary.BigEndian.PutUint64(key[len(bitmapPagePrefix):], page)
	return key
}

// Tracker implements device.SyncTracker. The out-of-sync bitmap is kept in
// memory and flushed to the store periodically, whereas newly active extents
// are persisted before they are handed out.
type Tracker struct {
	config

	mu       sync.Mutex
	bitmap   *Bitmap
	upToDate bool
	active   map[uint64]*extent
	resync   map[uint64]struct{}
	changedC chan struct{}
	ioErrors int
	detached bool
	alWrites uint64
	closed   bool

	alMu    sync.Mutex
	flushMu sync.Mutex

	runner *runner.Runner
}

var _ device.SyncTracker = (*Tracker)(nil)

// Open loads the tracker from the store. Extents left in the activity log
// by an unclean shutdown are marked out of sync since writes to them may
// not have reached the peer.
func Open(opts ...Option) (*Tracker, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		config:   cfg,
		bitmap:   NewBitmap(cfg.numSectors),
		upToDate: true,
		active:   make(map[uint64]*extent),
		resync:   make(map[uint64]struct{}),
		changedC: make(chan struct{}),
	}
	if err := t.load(); err != nil {
		return nil, err
	}

	t.runner = runner.New("synctracker", t.logger)
	if _, err := t.runner.Run(t.flushLoop); err != nil {
		t.runner.Stop()
		return nil, err
	}
	return t, nil
}

func (t *Tracker) load() error {
	buf, ok, err := t.store.Get(metaKey)
	if err != nil {
		return fmt.Errorf("synctracker: load meta: %w", err)
	}
	if ok {
		if len(buf) != 8 {
			return fmt.Errorf("synctracker: meta: unexpected size %d", len(buf))
		}
		if numSectors := binary.BigEndian.Uint64(buf); numSectors != t.numSectors {
			return fmt.Errorf("synctracker: device size mismatch: stored %d, expected %d", numSectors, t.numSectors)
		}
	} else {
		buf = make([]byte, 8)
		binary.BigEndian.PutUint64(buf, t.numSectors)
		if err := t.store.Set(metaKey, buf); err != nil {
			return fmt.Errorf("synctracker: store meta: %w", err)
		}
	}

	for page := uint64(0); page < t.bitmap.NumPages(); page++ {
		buf, ok, err := t.store.Get(bitmapPageKey(page))
		if err != nil {
			return fmt.Errorf("synctracker: load bitmap page %d: %w", page, err)
		}
		if !ok {
			continue
		}
		if err := t.bitmap.loadPage(page, buf); err != nil {
			return err
		}
	}

	buf, ok, err = t.store.Get(alKey)
	if err != nil {
		return fmt.Errorf("synctracker: load activity log: %w", err)
	}
	if !ok {
		return nil
	}
	exts, err := decodeExtents(buf)
	if err != nil {
		return err
	}
	if len(exts) == 0 {
		return nil
	}
	for _, ext := range exts {
		t.bitmap.Set(types.Sector(ext*SectorsPerExtent), ExtentSize)
	}
	t.logger.Warn("recovered activity log", zap.Uint64s("extents", exts), zap.Uint("out_of_sync_blocks", t.bitmap.Count()))
	if err := t.Flush(); err != nil {
		return err
	}
	return t.writeActivityLog()
}

func (t *Tracker) MarkOutOfSync(sector types.Sector, size uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bitmap.Set(sector, size)
}

func (t *Tracker) MarkInSync(sector types.Sector, size uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bitmap.Clear(sector, size)
}

// IsOutOfSync reports whether any block of the range is out of sync.
func (t *Tracker) IsOutOfSync(sector types.Sector, size uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitmap.Any(sector, size)
}

func (t *Tracker) MayReadLocally(sector types.Sector, size uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upToDate || !t.bitmap.Any(sector, size)
}

// SetLocalUpToDate sets whether the local disk holds the latest data of the
// whole device. An outdated disk serves only ranges that are in sync.
func (t *Tracker) SetLocalUpToDate(upToDate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upToDate = upToDate
}

// HandleIOError counts a failed local I/O. A failed write leaves its range
// out of sync. Once the error threshold is reached, the detach handler is
// called.
func (t *Tracker) HandleIOError(sector types.Sector, size uint32, dir types.Direction, err error) {
	t.mu.Lock()
	t.ioErrors++
	if dir.IsWrite() {
		t.bitmap.Set(sector, size)
	}
	detach := t.ioErrorThreshold > 0 && t.ioErrors >= t.ioErrorThreshold && !t.detached
	if detach {
		t.detached = true
	}
	numErrors := t.ioErrors
	t.mu.Unlock()

	t.logger.Warn("local i/o error",
		zap.Stringer("sector", sector),
		zap.Uint32("size", size),
		zap.Stringer("direction", dir),
		zap.Int("errors", numErrors),
		zap.Error(err),
	)
	if !detach {
		return
	}
	t.logger.Error("detaching local disk", zap.Int("errors", numErrors))
	if t.onDetach == nil {
		return
	}
	if _, err := t.runner.Run(func(context.Context) { t.onDetach() }); err != nil {
		t.logger.Warn("could not run detach handler", zap.Error(err))
	}
}

// Flush persists the bitmap pages changed since the last flush.
func (t *Tracker) Flush() error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	pages := t.bitmap.takeDirty()
	t.mu.Unlock()
	if len(pages) == 0 {
		return nil
	}

	err := t.writePages(pages)
	if err != nil {
		t.mu.Lock()
		for page := range pages {
			t.bitmap.dirty[page] = struct{}{}
		}
		t.mu.Unlock()
		return fmt.Errorf("synctracker: flush bitmap: %w", err)
	}
	return nil
}

func (t *Tracker) writePages(pages map[uint64][]byte) (err error) {
	b := t.store.NewBatch()
	defer func() {
		err = multierr.Append(err, b.Close())
	}()
	for page, buf := range pages {
		if err := b.Set(bitmapPageKey(page), buf); err != nil {
			return err
		}
	}
	return b.Commit()
}

func (t *Tracker) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Flush(); err != nil {
				t.logger.Error("could not flush bitmap", zap.Error(err))
			}
		}
	}
}

// Stats is a snapshot of the tracker.
type Stats struct {
	OutOfSyncBlocks uint64
	ActiveExtents   int
	ResyncLocked    int
	IOErrors        int
	ALWrites        uint64
	Detached        bool
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		OutOfSyncBlocks: uint64(t.bitmap.Count()),
		ActiveExtents:   len(t.active),
		ResyncLocked:    len(t.resync),
		IOErrors:        t.ioErrors,
		ALWrites:        t.alWrites,
		Detached:        t.detached,
	}
}

// Close stops the flusher and persists the bitmap and the activity log.
// Blocked acquirers fail. The store is left open.
func (t *Tracker) Close() (err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.broadcastLocked()
	t.mu.Unlock()

	t.runner.Stop()
	err = multierr.Append(err, t.Flush())
	err = multierr.Append(err, t.writeActivityLog())
	return err
}
