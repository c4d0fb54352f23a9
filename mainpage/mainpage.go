// Package mainpage holds what rowstore and colstore share: the address
// scheme for a "row" inside a compacted main page, the deferred
// CleanAction/PointerAction directives §4.7 describes, and the
// capability-set contract (Design Note "Polymorphism over layouts")
// that both layouts implement as a tagged variant rather than through
// per-record virtual dispatch.
//
// Grounded on maho/storage.Table (storage/storage.go), which plays the
// same role for maho's several interchangeable storage backends
// (basic, rowcols, kvrows, mideng, virtual).
package mainpage

import (
	"fmt"
	"sync/atomic"

	"github.com/Stone1973/tellstore/pagemgr"
)

// MainAddr addresses one row inside a main page: a page number plus a
// row index, shifted left two bits so that record.Head can tag it
// without losing information -- the same "explicit masking" trick
// spec.md §9 calls for, here applied to a page-relative index instead
// of a raw pointer.
type MainAddr uint64

const nilMainAddr MainAddr = 0

func PackMainAddr(pageNum uint32, rowIndex uint32) MainAddr {
	if pageNum == 0 {
		panic("mainpage: page numbers are 1-based; 0 is reserved for nilMainAddr")
	}
	return MainAddr(uint64(pageNum)<<32 | uint64(rowIndex)<<2)
}

func (a MainAddr) Valid() bool     { return a != nilMainAddr }
func (a MainAddr) PageNum() uint32 { return uint32(a >> 32) }
func (a MainAddr) RowIndex() uint32 { return uint32(uint64(a)&0xFFFFFFFF) >> 2 }

// RowAccessor is the per-page half of the layout capability set: it
// lets package record resolve a MainAddr's row-level delta head and
// stored payload without knowing whether the page underneath is a
// rowstore.Page or a colstore.Page.
type RowAccessor interface {
	// Newest returns the row's own "newest" atomic slot (spec.md §3:
	// every main-page row carries one), used by the compactor's publish
	// step to carry forward a delta that raced the CAS installing this
	// row as a record's new main.
	Newest(addr MainAddr) *atomic.Uint64
	Key(addr MainAddr) uint64
	Version(addr MainAddr) uint64
	// Payload returns the row's stored bytes, or ok=false if the row is
	// a delete tombstone.
	Payload(addr MainAddr) (data []byte, ok bool)
	// Reverted and SetReverted implement spec.md §4.4's revert(version)
	// for a version whose only visible copy lives in the main
	// representation (see DESIGN.md's resolution of spec.md §9's open
	// question). A reverted row is skipped by Read exactly like a
	// reverted delta.
	Reverted(addr MainAddr) bool
	SetReverted(addr MainAddr)
}

type layoutFactory func(pg *pagemgr.Page) (RowAccessor, bool)

var factories = map[pagemgr.Kind]layoutFactory{}

// RegisterLayout is called once from each of rowstore and colstore's
// init(), the way database/sql drivers register themselves -- record
// and the compactor never import rowstore/colstore directly, avoiding
// the import cycle that a direct reference back into record would
// otherwise create.
func RegisterLayout(kind pagemgr.Kind, f layoutFactory) {
	factories[kind] = f
}

// Resolve maps a MainAddr back to the RowAccessor for the page it lives
// in, looking the page up through mgr so that a page freed by the
// epoch reclaimer is reported as not-found rather than dereferenced.
func Resolve(mgr *pagemgr.Manager, addr MainAddr) (RowAccessor, error) {
	pg, ok := mgr.Lookup(addr.PageNum())
	if !ok {
		return nil, fmt.Errorf("mainpage: page %d not resident", addr.PageNum())
	}
	f, ok := factories[pg.Kind]
	if !ok {
		return nil, fmt.Errorf("mainpage: no layout registered for kind %d", pg.Kind)
	}
	acc, ok := f(pg)
	if !ok {
		return nil, fmt.Errorf("mainpage: page %d not found in its layout's registry", pg.Num)
	}
	return acc, nil
}

// CleanAction is the compactor's deferred "just copy from source main"
// directive (spec.md §4.7 Batching discipline): a contiguous run of
// rows copied verbatim from a source page into the fill page, with an
// offsetCorrection applied to any variable-size heap offsets the copy
// carries (colstore only; always zero for rowstore).
type CleanAction struct {
	SourceAddr       MainAddr
	StartIdx, EndIdx int // [StartIdx, EndIdx) within the source page
	OffsetCorrection int
}

// PointerAction is the compactor's deferred CAS installing a freshly
// built main row as a record's new head, per spec.md §4.7 Publish step.
type PointerAction struct {
	RecordNewest *atomic.Uint64 // the hash-index Record's newest slot
	Expected     uint64         // the Head observed when compaction started this key
	NewMain      MainAddr       // the freshly built row to install, tag Main
}

// MinVersion is the compactor's low-water mark: versions at or below it
// are candidates for garbage collection per spec.md §3's delete
// coalescing and §4.7 step 4's "floor" rule.
type MinVersion uint64

// SourcePage is the capability set a compaction source page exposes,
// satisfied by both *rowstore.Page and *colstore.Page -- the "tagged
// variant at the page level, not virtual dispatch per record" Design
// Note spec.md §9 calls for.
type SourcePage interface {
	RowAccessor
	PageNum() uint32
	Rows() int
	Addr(idx int) MainAddr
	RowKey(idx int) uint64
	RowVersion(idx int) uint64
	RowDeleted(idx int) bool
	RowData(idx int) []byte
}

// Builder is the capability set a compaction fill page exposes while
// under construction (spec.md §4.7's "fill page").
type Builder interface {
	Len() int
	Overflows(size int) bool
	LastKey() (uint64, bool)
	Append(key, version uint64, data []byte, deleted bool) MainAddr
	RemoveLast()
	Finish() SourcePage
}

// Cloner is implemented by builders that can batch a contiguous
// "just copy from source main" span into one call, spec.md §4.7's
// Batching discipline (CleanAction). A builder without this capability
// falls back to one Append per row, which is correct but forgoes the
// batching spec.md describes as "where the columnar layout pays off".
//
// CloneRun takes the action by pointer so it can report back the
// OffsetCorrection it actually applied (always zero for a layout with
// no heap to re-offset); the compactor constructs the action and reads
// that field back for logging, rather than CloneRun taking bare indices
// and the action never existing as a real value.
type Cloner interface {
	CloneRun(src SourcePage, action *CleanAction) []MainAddr
}

