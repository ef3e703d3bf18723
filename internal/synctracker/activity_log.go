package synctracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kakao/replblk/pkg/types"
	"github.com/kakao/replblk/pkg/verrors"
)

const (
	// ExtentSize is the size of an activity log extent in bytes.
	ExtentSize = 4 << 20
	// SectorsPerExtent is the number of sectors in an extent.
	SectorsPerExtent = ExtentSize / types.SectorSize
)

// ExtentOf returns the activity log extent containing the sector.
func ExtentOf(sector types.Sector) uint64 {
	return uint64(sector) / SectorsPerExtent
}

// extent is an active extent. An extent is usable only once it is durable,
// that is, recorded in the persisted activity log.
type extent struct {
	refs    int
	durable bool
}

// AcquireALExtent makes the extent of the sector active. It blocks while the
// extent is locked for resync, while it is being recorded by another
// request, or while the active set is full.
func (t *Tracker) AcquireALExtent(ctx context.Context, sector types.Sector) error {
	ext := ExtentOf(sector)
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return verrors.ErrClosed
		}
		if _, locked := t.resync[ext]; !locked {
			e, ok := t.active[ext]
			if ok && e.durable {
				e.refs++
				t.mu.Unlock()
				return nil
			}
			if !ok && len(t.active) < t.maxActiveExtents {
				t.active[ext] = &extent{refs: 1}
				t.mu.Unlock()
				return t.recordActive(ext)
			}
		}
		waitC := t.changedC
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitC:
		}
	}
}

// ReleaseALExtent drops a reference to the extent of the sector. An extent
// without references leaves the active set, but stays in the persisted
// activity log until the next record.
func (t *Tracker) ReleaseALExtent(sector types.Sector) {
	ext := ExtentOf(sector)
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[ext]
	if !ok {
		t.logger.Warn("release of inactive extent", zap.Uint64("extent", ext))
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(t.active, ext)
		t.broadcastLocked()
	}
}

// LockResync locks the extent for resync. It waits until no request holds
// the extent, and requests acquiring the extent wait until UnlockResync.
func (t *Tracker) LockResync(ctx context.Context, ext uint64) error {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return verrors.ErrClosed
		}
		_, locked := t.resync[ext]
		_, active := t.active[ext]
		if !locked && !active {
			t.resync[ext] = struct{}{}
			t.mu.Unlock()
			return nil
		}
		waitC := t.changedC
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitC:
		}
	}
}

func (t *Tracker) UnlockResync(ext uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, locked := t.resync[ext]; !locked {
		t.logger.Warn("unlock of extent not locked for resync", zap.Uint64("extent", ext))
		return
	}
	delete(t.resync, ext)
	t.broadcastLocked()
}

// recordActive persists the active set, which includes ext. Records are
// serialized, so the last one written holds every durable extent.
func (t *Tracker) recordActive(ext uint64) error {
	t.alMu.Lock()
	defer t.alMu.Unlock()

	t.mu.Lock()
	if e, ok := t.active[ext]; ok && e.durable {
		// Recorded by a concurrent writer.
		t.mu.Unlock()
		return nil
	}
	snapshot := t.activeExtentsLocked()
	t.mu.Unlock()

	err := t.store.Set(alKey, encodeExtents(snapshot))

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		if e, ok := t.active[ext]; ok {
			e.refs--
			if e.refs == 0 {
				delete(t.active, ext)
			}
		}
		t.broadcastLocked()
		return fmt.Errorf("synctracker: record activity log: %w", err)
	}
	for _, x := range snapshot {
		if e, ok := t.active[x]; ok {
			e.durable = true
		}
	}
	t.alWrites++
	t.broadcastLocked()
	return nil
}

// writeActivityLog persists the current active set.
func (t *Tracker) writeActivityLog() error {
	t.alMu.Lock()
	defer t.alMu.Unlock()
	t.mu.Lock()
	snapshot := t.activeExtentsLocked()
	t.mu.Unlock()
	return t.store.Set(alKey, encodeExtents(snapshot))
}

func (t *Tracker) activeExtentsLocked() []uint64 {
	exts := make([]uint64, 0, len(t.active))
	for ext := range t.active {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool { return exts[i] < exts[j] })
	return exts
}

func (t *Tracker) broadcastLocked() {
	close(t.changedC)
	t.changedC = make(chan struct{})
}

func encodeExtents(exts []uint64) []byte {
	buf := make([]byte, 8*len(exts))
	for i, ext := range exts {
		binary.BigEndian.PutUint64(buf[i*8:], ext)
	}
	return buf
}

func decodeExtents(buf []byte) ([]uint64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("synctracker: activity log: unexpected size %d", len(buf))
	}
	exts := make([]uint64, len(buf)/8)
	for i := range exts {
		exts[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return exts, nil
}
