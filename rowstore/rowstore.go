// Package rowstore implements spec.md §4.5's row-store main page: a
// densely packed sequence of per-key records, each holding a header
// (type, key, a row-level "newest" atomic, base version) followed by
// size-prefixed version slots newest-first. This repository keeps that
// header/slot shape but represents it with typed Go fields rather than
// a hand-rolled byte layout -- byte-exact layout is reserved for the
// on-disk/over-the-wire snapshot format spec.md §6 describes, which
// package snapshot implements; see DESIGN.md.
//
// Grounded on maho/storage/rowcols (storage/rowcols/rowcols.go), the
// teacher's own packed-row storage engine, generalized here to carry a
// row-level delta overlay instead of rowcols's single current value.
package rowstore

import (
	"sync"
	"sync/atomic"

	"github.com/Stone1973/tellstore/logging"
	"github.com/Stone1973/tellstore/mainpage"
	"github.com/Stone1973/tellstore/pagemgr"
)

var log = logging.For("rowstore")

func init() {
	mainpage.RegisterLayout(pagemgr.KindRowMain, func(pg *pagemgr.Page) (mainpage.RowAccessor, bool) {
		return lookup(pg.Num)
	})
}

// row is one versioned entry: a key's current slot plus whatever a
// concurrent compaction race has chained onto its own newest field.
type row struct {
	key      uint64
	version  uint64
	newest   atomic.Uint64 // record.Head, carried-forward overlay chain
	reverted atomic.Bool
	deleted  bool
	data     []byte
}

// Page is one row-store main page: immutable once published except for
// each row's own newest slot and reverted bit, per spec.md §4.4's
// "Main pages are immutable once published, except for the per-record
// newest slot".
type Page struct {
	pg   *pagemgr.Page
	rows []row

	// index maps a key to the (newest-first) run of row indices holding
	// its versions, built once at construction -- the entries-index
	// spec.md §4.5 says readers bsearch over.
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

// Builder accumulates rows for a page under construction (the "fill
// page" of spec.md §4.7) and finalizes it into an immutable *Page.
type Builder struct {
	mgr  *pagemgr.Manager
	pg   *pagemgr.Page
	rows []row

	// MaxDataSize bounds total payload bytes, per spec.md §4.7's
	// MAX_DATA_SIZE overflow check.
	MaxDataSize int
	dataBytes   int
}

// NewBuilder allocates a fresh page from mgr for the builder to fill.
func NewBuilder(mgr *pagemgr.Manager, maxDataSize int) (*Builder, error) {
	pg, err := mgr.Alloc(pagemgr.KindRowMain)
	if err != nil {
		return nil, err
	}
	return &Builder{mgr: mgr, pg: pg, MaxDataSize: maxDataSize}, nil
}

// NewMainBuilder adapts NewBuilder to the mainpage.Builder factory
// signature the compact package's PageModifier takes, so it can target
// either layout without importing either concrete package.
func NewMainBuilder(mgr *pagemgr.Manager, maxDataSize int) (mainpage.Builder, error) {
	return NewBuilder(mgr, maxDataSize)
}

// Len is the number of rows appended so far.
func (b *Builder) Len() int { return len(b.rows) }

// Overflows reports whether appending size more payload bytes would
// exceed MaxDataSize, the compactor's cue to flush and start a new
// builder (spec.md §4.7 step 2's "On overflow, abort... flush...").
func (b *Builder) Overflows(size int) bool {
	return b.MaxDataSize > 0 && b.dataBytes+size > b.MaxDataSize
}

// Append adds one row and returns its address within the page under
// construction.
func (b *Builder) Append(key, version uint64, data []byte, deleted bool) mainpage.MainAddr {
	idx := len(b.rows)
	r := row{key: key, version: version, deleted: deleted}
	if !deleted {
		r.data = append([]byte(nil), data...)
		b.dataBytes += len(data)
	}
	b.rows = append(b.rows, r)
	return mainpage.PackMainAddr(b.pg.Num, uint32(idx))
}

// RemoveLast drops the most recently appended row, used by the
// compactor's "cancel the pair" rule (spec.md §4.7 step 2) when a
// delete turns out to shadow nothing once minVersion is applied.
func (b *Builder) RemoveLast() {
	if len(b.rows) == 0 {
		return
	}
	last := b.rows[len(b.rows)-1]
	b.dataBytes -= len(last.data)
	b.rows = b.rows[:len(b.rows)-1]
}

// CloneRun appends a contiguous run of rows copied verbatim from src,
// satisfying mainpage.Cloner. Row-store has no variable-size heap to
// re-offset, so action.OffsetCorrection is always left at zero and this
// carries no optimization beyond the avoided per-row bookkeeping
// colstore's version also skips.
func (b *Builder) CloneRun(src mainpage.SourcePage, action *mainpage.CleanAction) []mainpage.MainAddr {
	start, end := action.StartIdx, action.EndIdx
	addrs := make([]mainpage.MainAddr, 0, end-start)
	for i := start; i < end; i++ {
		addrs = append(addrs, b.Append(src.RowKey(i), src.RowVersion(i), src.RowData(i), src.RowDeleted(i)))
	}
	return addrs
}

// LastKey returns the key of the most recently appended row, if any.
func (b *Builder) LastKey() (uint64, bool) {
	if len(b.rows) == 0 {
		return 0, false
	}
	return b.rows[len(b.rows)-1].key, true
}

// Finish publishes the builder's rows as an immutable *Page, registers
// it for mainpage.Resolve, and returns it.
func (b *Builder) Finish() mainpage.SourcePage {
	idx := map[uint64][]int{}
	for i, r := range b.rows {
		idx[r.key] = append(idx[r.key], i)
	}
	p := &Page{pg: b.pg, rows: b.rows, index: idx}

	registryMu.Lock()
	registry[b.pg.Num] = p
	registryMu.Unlock()

	log.WithFields(logging.Fields{"page": b.pg.Num, "rows": len(b.rows)}).Debug("published row-store page")
	return p
}

// PageNum is the underlying pagemgr.Page's number.
func (p *Page) PageNum() uint32 { return p.pg.Num }

// Addr addresses the idx'th row of p.
func (p *Page) Addr(idx int) mainpage.MainAddr { return mainpage.PackMainAddr(p.pg.Num, uint32(idx)) }

// Lookup returns the newest-first run of addresses holding key's
// versions in p, per spec.md §4.6's "rows for the same key are stored
// contiguously, newest-first".
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

// Rows returns the number of rows on the page, which the compactor's
// per-key loop and Table.Scan's full-page iteration index through.
func (p *Page) Rows() int { return len(p.rows) }

func (p *Page) RowKey(idx int) uint64      { return p.rows[idx].key }
func (p *Page) RowVersion(idx int) uint64  { return p.rows[idx].version }
func (p *Page) RowDeleted(idx int) bool    { return p.rows[idx].deleted }
func (p *Page) RowData(idx int) []byte     { return p.rows[idx].data }

// Free returns the page to mgr once every reader has quiesced; callers
// hand it to the epoch reclaimer (see pagemgr.Manager.Free) rather than
// calling this directly when the page is still reachable.
func (p *Page) Free(mgr *pagemgr.Manager) {
	registryMu.Lock()
	delete(registry, p.pg.Num)
	registryMu.Unlock()
	mgr.Free(p.pg)
}

// RowAccessor implementation -- the mainpage.Resolve dispatch target.

func (p *Page) Newest(addr mainpage.MainAddr) *atomic.Uint64 {
	return &p.rows[addr.RowIndex()].newest
}

func (p *Page) Key(addr mainpage.MainAddr) uint64 { return p.rows[addr.RowIndex()].key }

func (p *Page) Version(addr mainpage.MainAddr) uint64 { return p.rows[addr.RowIndex()].version }

func (p *Page) Payload(addr mainpage.MainAddr) ([]byte, bool) {
	r := &p.rows[addr.RowIndex()]
	if r.deleted {
		return nil, false
	}
	return r.data, true
}

func (p *Page) Reverted(addr mainpage.MainAddr) bool {
	return p.rows[addr.RowIndex()].reverted.Load()
}

func (p *Page) SetReverted(addr mainpage.MainAddr) {
	p.rows[addr.RowIndex()].reverted.Store(true)
}
