package types

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

const (
	// SectorShift is the base-2 logarithm of the sector size.
	SectorShift = 9
	// SectorSize is the size of a sector in bytes.
	SectorSize = 1 << SectorShift
)

// Sector is the address of a 512-byte sector on the replicated device.
type Sector uint64

var _ fmt.Stringer = (*Sector)(nil)

func ParseSector(s string) (Sector, error) {
	sector, err := strconv.ParseUint(s, 10, 64)
	return Sector(sector), err
}

func (s Sector) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Bytes returns the byte offset of the sector.
func (s Sector) Bytes() uint64 {
	return uint64(s) << SectorShift
}

// NumSectors returns the number of sectors spanned by size bytes. A partial
// sector counts as a whole one.
func NumSectors(size uint32) uint64 {
	return (uint64(size) + SectorSize - 1) >> SectorShift
}

// End returns the first sector after the range that starts at s and spans
// size bytes.
func (s Sector) End(size uint32) Sector {
	return s + Sector(NumSectors(size))
}

// Overlaps reports whether two sector ranges overlap. Empty ranges never
// overlap anything.
func Overlaps(s1 Sector, size1 uint32, s2 Sector, size2 uint32) bool {
	if size1 == 0 || size2 == 0 {
		return false
	}
	return s1 < s2.End(size2) && s2 < s1.End(size1)
}

// EpochNumber identifies an epoch, that is, a group of writes delimited by
// barriers.
type EpochNumber uint32

var _ fmt.Stringer = (*EpochNumber)(nil)

func (e EpochNumber) String() string {
	return strconv.FormatUint(uint64(e), 10)
}

type AtomicEpochNumber uint32

func (e *AtomicEpochNumber) Load() EpochNumber {
	return EpochNumber(atomic.LoadUint32((*uint32)(e)))
}

func (e *AtomicEpochNumber) Store(epoch EpochNumber) {
	atomic.StoreUint32((*uint32)(e), uint32(epoch))
}

func (e *AtomicEpochNumber) Add(delta uint32) EpochNumber {
	return EpochNumber(atomic.AddUint32((*uint32)(e), delta))
}

// RequestID identifies an in-flight request on the replication link. It is
// issued in submission order and never reused within a device.
type RequestID uint64

const InvalidRequestID = RequestID(0)

var _ fmt.Stringer = (*RequestID)(nil)

func (id RequestID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (id RequestID) Invalid() bool {
	return id == InvalidRequestID
}

// Direction is the direction of a block I/O.
type Direction uint8

const (
	DirectionRead Direction = iota
	// DirectionReadAhead is a speculative read. It is allowed to fail
	// without escalation and is never served by the peer.
	DirectionReadAhead
	DirectionWrite
)

var _ fmt.Stringer = (*Direction)(nil)

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionReadAhead:
		return "readahead"
	case DirectionWrite:
		return "write"
	default:
		return "direction(" + strconv.Itoa(int(d)) + ")"
	}
}

func (d Direction) IsWrite() bool {
	return d == DirectionWrite
}

func (d Direction) IsRead() bool {
	return d == DirectionRead || d == DirectionReadAhead
}
