// Package interval provides an address-ordered index of in-flight block
// requests keyed by their sector ranges.
//
// Index is not safe for concurrent use. Callers serialize access, usually
// with the device request lock.
package interval

import (
	"fmt"

	"github.com/google/btree"

	"github.com/kakao/replblk/pkg/types"
)

const degree = 32

// Item is an entry of Index. ID must be unique among the entries of an
// index, and Sector and Size must not change while the item is indexed.
type Item interface {
	ID() types.RequestID
	Sector() types.Sector
	Size() uint32
}

type entry struct {
	sector types.Sector
	id     types.RequestID
	item   Item
}

func lessEntry(a, b entry) bool {
	if a.sector != b.sector {
		return a.sector < b.sector
	}
	return a.id < b.id
}

// Index maps sector ranges to items and answers overlap queries.
//
// Entries are ordered by their first sector. To find entries that start
// before a query range but reach into it, the index remembers the length of
// the longest range it has ever held; an overlap query scans only from that
// distance before the query.
type Index struct {
	name       string
	tree       *btree.BTreeG[entry]
	maxSectors uint64
}

func New(name string) *Index {
	return &Index{
		name: name,
		tree: btree.NewG[entry](degree, lessEntry),
	}
}

// Insert adds item to the index. Inserting an item that is already indexed
// is a programming error, and Insert panics.
func (idx *Index) Insert(item Item) {
	e := entry{sector: item.Sector(), id: item.ID(), item: item}
	if _, found := idx.tree.ReplaceOrInsert(e); found {
		panic(fmt.Sprintf("interval: %s index: duplicated item: id=%d, sector=%d, size=%d",
			idx.name, item.ID(), item.Sector(), item.Size()))
	}
	if n := types.NumSectors(item.Size()); n > idx.maxSectors {
		idx.maxSectors = n
	}
}

// Remove deletes item from the index. It returns false if the item was not
// indexed.
func (idx *Index) Remove(item Item) bool {
	_, found := idx.tree.Delete(entry{sector: item.Sector(), id: item.ID()})
	return found
}

// Contains reports whether item is indexed.
func (idx *Index) Contains(item Item) bool {
	_, found := idx.tree.Get(entry{sector: item.Sector(), id: item.ID()})
	return found
}

// FindOverlap returns the first indexed item, in sector order, that
// overlaps the given range. It returns nil if there is none.
func (idx *Index) FindOverlap(sector types.Sector, size uint32) Item {
	var found Item
	idx.ascendOverlaps(sector, size, func(item Item) bool {
		found = item
		return false
	})
	return found
}

// Overlaps calls f for each indexed item overlapping the given range, in
// sector order, until f returns false.
func (idx *Index) Overlaps(sector types.Sector, size uint32, f func(Item) bool) {
	idx.ascendOverlaps(sector, size, f)
}

func (idx *Index) ascendOverlaps(sector types.Sector, size uint32, f func(Item) bool) {
	if size == 0 || idx.tree.Len() == 0 {
		return
	}
	lo := types.Sector(0)
	if uint64(sector) > idx.maxSectors {
		lo = sector - types.Sector(idx.maxSectors)
	}
	end := sector.End(size)
	idx.tree.AscendRange(entry{sector: lo}, entry{sector: end}, func(e entry) bool {
		if !types.Overlaps(e.sector, e.item.Size(), sector, size) {
			return true
		}
		return f(e.item)
	})
}

func (idx *Index) Len() int {
	return idx.tree.Len()
}
