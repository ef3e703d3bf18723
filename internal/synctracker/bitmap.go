package synctracker

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/bits-and-blooms/bitset"

	"github.com/kakao/replblk/pkg/types"
)

const (
	// BlockSize is the granularity of the bitmap in bytes.
	BlockSize = 4096
	// SectorsPerBit is the number of sectors covered by a bit.
	SectorsPerBit = BlockSize / types.SectorSize

	// pageSize is the unit of persistence in bytes.
	pageSize     = 4096
	wordsPerPage = pageSize / 8
	bitsPerPage  = pageSize * 8
)

// Bitmap records which blocks of the device are out of sync. A set bit means
// the block may differ between the local disk and the peer.
//
// Bitmap is not safe for concurrent use.
type Bitmap struct {
	bits    *bitset.BitSet
	numBits uint
	dirty   map[uint64]struct{}
}

// NewBitmap returns a clear bitmap for a device of numSectors sectors.
func NewBitmap(numSectors uint64) *Bitmap {
	numBits := uint((numSectors + SectorsPerBit - 1) / SectorsPerBit)
	return &Bitmap{
		bits:    bitset.New(numBits),
		numBits: numBits,
		dirty:   make(map[uint64]struct{}),
	}
}

// bitRange returns the bits spanned by the range. If whole is true, only the
// bits entirely covered by the range are returned. ok is false if no bit
// qualifies.
func (bm *Bitmap) bitRange(sector types.Sector, size uint32, whole bool) (first, last uint, ok bool) {
	if size == 0 {
		return 0, 0, false
	}
	start := uint64(sector)
	end := uint64(sector.End(size)) // exclusive
	if whole {
		start = (start + SectorsPerBit - 1) / SectorsPerBit
		end /= SectorsPerBit
	} else {
		start /= SectorsPerBit
		end = (end + SectorsPerBit - 1) / SectorsPerBit
	}
	if end > uint64(bm.numBits) {
		end = uint64(bm.numBits)
	}
	if start >= end {
		return 0, 0, false
	}
	return uint(start), uint(end - 1), true
}

// Set marks every block touched by the range. It returns the number of bits
// newly set.
func (bm *Bitmap) Set(sector types.Sector, size uint32) int {
	first, last, ok := bm.bitRange(sector, size, false)
	if !ok {
		return 0
	}
	n := 0
	for i := first; i <= last; i++ {
		if !bm.bits.Test(i) {
			bm.bits.Set(i)
			bm.markDirty(i)
			n++
		}
	}
	return n
}

// Clear clears the blocks entirely covered by the range. A block partially
// covered stays set since the rest of it may still differ. It returns the
// number of bits cleared.
func (bm *Bitmap) Clear(sector types.Sector, size uint32) int {
	first, last, ok := bm.bitRange(sector, size, true)
	if !ok {
		return 0
	}
	n := 0
	for i := first; i <= last; i++ {
		if bm.bits.Test(i) {
			bm.bits.Clear(i)
			bm.markDirty(i)
			n++
		}
	}
	return n
}

// Any reports whether any block touched by the range is set.
func (bm *Bitmap) Any(sector types.Sector, size uint32) bool {
	first, last, ok := bm.bitRange(sector, size, false)
	if !ok {
		return false
	}
	next, found := bm.bits.NextSet(first)
	return found && next <= last
}

// Count returns the number of blocks out of sync.
func (bm *Bitmap) Count() uint {
	return bm.bits.Count()
}

func (bm *Bitmap) NumPages() uint64 {
	return (uint64(bm.numBits) + bitsPerPage - 1) / bitsPerPage
}

func (bm *Bitmap) markDirty(bit uint) {
	bm.dirty[uint64(bit)/bitsPerPage] = struct{}{}
}

// takeDirty returns the encoded dirty pages and forgets them.
func (bm *Bitmap) takeDirty() map[uint64][]byte {
	if len(bm.dirty) == 0 {
		return nil
	}
	pages := make(map[uint64][]byte, len(bm.dirty))
	for page := range bm.dirty {
		pages[page] = bm.encodePage(page)
		delete(bm.dirty, page)
	}
	return pages
}

func (bm *Bitmap) encodePage(page uint64) []byte {
	words := bm.bits.Bytes()
	buf := make([]byte, pageSize)
	begin := page * wordsPerPage
	for i := uint64(0); i < wordsPerPage && begin+i < uint64(len(words)); i++ {
		binary.LittleEndian.PutUint64(buf[i*8:], words[begin+i])
	}
	return buf
}

// loadPage merges a persisted page into the bitmap.
func (bm *Bitmap) loadPage(page uint64, buf []byte) error {
	if len(buf) != pageSize {
		return fmt.Errorf("synctracker: bitmap page %d: unexpected size %d", page, len(buf))
	}
	base := uint(page * bitsPerPage)
	for w := 0; w < wordsPerPage; w++ {
		word := binary.LittleEndian.Uint64(buf[w*8:])
		for word != 0 {
			bit := base + uint(w*64) + uint(bits.TrailingZeros64(word))
			if bit < bm.numBits {
				bm.bits.Set(bit)
			}
			word &= word - 1
		}
	}
	return nil
}
