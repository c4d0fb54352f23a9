// Package walog is the append-only, multi-producer log of spec.md §4.2:
// a sequence of pages, each densely packed with 8-byte-aligned entries,
// used both for insert/update/remove deltas and as compaction scratch
// space. It comes in two flavors -- ordered (sealed pages form a linked
// list, read oldest to newest) and unordered (pages are independent,
// reached only through a record's own "newest" pointer) -- matching the
// two log roles spec.md assigns.
//
// Entries live inside a pagemgr.Page's raw bytes, accessed through
// binary.LittleEndian get/set methods the way maho/mvcc/layout.go reads
// and writes its SummaryPage and DirectoryPage header fields, rather
// than being parsed into a separate heap-allocated Go struct per entry.
package walog

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Stone1973/tellstore/pagemgr"
)

// EntryType is the LOG_* record kind from spec.md §6.
type EntryType byte

const (
	TypeInsert EntryType = 1
	TypeUpdate EntryType = 2
	TypeDelete EntryType = 3
	// TypeData tags scratch entries written during compaction (the
	// "multi-version record" of spec.md §6); it is never part of a
	// record's live delta chain.
	TypeData EntryType = 4
)

const (
	flagReverted byte = 1 << 0
)

// headerSize is the fixed part of every entry: size, kind, flags, two
// pad bytes, tableID, key, version, previous. All eight-byte aligned.
const headerSize = 40

func align8(n int) int {
	return (n + 7) &^ 7
}

// Addr addresses an entry as (pageNum, offset), the same RecordPtr-style
// indirection Revolution1-sidb uses for its own on-page records, chosen
// here because a raw Go pointer cannot survive a page being physically
// reused after epoch reclamation.
type Addr uint64

const nilAddr Addr = 0

func PackAddr(pageNum, offset uint32) Addr {
	if pageNum == 0 {
		panic("walog: page numbers are 1-based; 0 is reserved for nilAddr")
	}
	return Addr(uint64(pageNum)<<32 | uint64(offset))
}

func (a Addr) Valid() bool      { return a != nilAddr }
func (a Addr) PageNum() uint32  { return uint32(a >> 32) }
func (a Addr) Offset() uint32   { return uint32(a) }

// Page wraps a pagemgr.Page with the log's append-offset bookkeeping.
type Page struct {
	pg     *pagemgr.Page
	offset atomic.Uint32
	sealed atomic.Bool
	next   atomic.Pointer[Page] // ordered log linkage only
}

func (p *Page) Num() uint32 { return p.pg.Num }

func (p *Page) Next() *Page { return p.next.Load() }

func (p *Page) capacity() uint32 { return uint32(len(p.pg.Bytes)) }

// Entry is a view over bytes physically resident in a Page.
type Entry struct {
	page   *Page
	offset uint32
}

func (e Entry) Addr() Addr { return PackAddr(e.page.pg.Num, e.offset) }

func (e Entry) bytes() []byte { return e.page.pg.Bytes[e.offset:] }

func (e Entry) Size() uint32      { return binary.LittleEndian.Uint32(e.bytes()[0:4]) }
func (e Entry) Kind() EntryType   { return EntryType(e.bytes()[4]) }
func (e Entry) TableID() uint64   { return binary.LittleEndian.Uint64(e.bytes()[8:16]) }
func (e Entry) Key() uint64       { return binary.LittleEndian.Uint64(e.bytes()[16:24]) }
func (e Entry) Version() uint64   { return binary.LittleEndian.Uint64(e.bytes()[24:32]) }
func (e Entry) Previous() Addr    { return Addr(binary.LittleEndian.Uint64(e.bytes()[32:40])) }
func (e Entry) Payload() []byte   { return e.bytes()[headerSize:e.Size()] }

// flagsWord views bytes [4:8) (kind, flags, pad, pad) as one machine
// word so that Reverted can be toggled with a CAS loop instead of racily
// mutating a single byte.
func (e Entry) flagsWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&e.bytes()[4]))
}

const revertedWordBit = uint32(flagReverted) << 8

func (e Entry) Reverted() bool {
	return atomic.LoadUint32(e.flagsWord())&revertedWordBit != 0
}

// SetReverted flips the reverted side-bit described in spec.md §4.4's
// revert(version); it never blocks a concurrent reader, which only ever
// loads the bit.
func (e Entry) SetReverted() {
	p := e.flagsWord()
	for {
		old := atomic.LoadUint32(p)
		if old&revertedWordBit != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(p, old, old|revertedWordBit) {
			return
		}
	}
}

func writeHeader(b []byte, size uint32, kind EntryType, tableID, key, version uint64, prev Addr) {
	binary.LittleEndian.PutUint32(b[0:4], size)
	b[4] = byte(kind)
	b[5] = 0
	b[6] = 0
	b[7] = 0
	binary.LittleEndian.PutUint64(b[8:16], tableID)
	binary.LittleEndian.PutUint64(b[16:24], key)
	binary.LittleEndian.PutUint64(b[24:32], version)
	binary.LittleEndian.PutUint64(b[32:40], uint64(prev))
}

// Variant selects between the ordered and unordered log shapes of
// spec.md §4.2.
type Variant int

const (
	Ordered Variant = iota
	Unordered
)

// Log is a multi-producer, page-chunked entry stream. tryAppend reports
// log-page-full as a plain boolean rather than an error value, since
// spec.md §7 requires that failure never escape the seal-and-retry loop
// in Append.
type Log struct {
	mgr     *pagemgr.Manager
	variant Variant

	mu    sync.Mutex // guards page-rollover only; appends within a page are lock-free
	head  *Page      // oldest page, ordered variant only
	tail  atomic.Pointer[Page]
	pages []*Page // unordered variant: every page ever allocated
}

func New(mgr *pagemgr.Manager, variant Variant) (*Log, error) {
	l := &Log{mgr: mgr, variant: variant}
	p, err := l.newPage()
	if err != nil {
		return nil, err
	}
	l.head = p
	l.tail.Store(p)
	return l, nil
}

func (l *Log) newPage() (*Page, error) {
	pg, err := l.mgr.Alloc(pagemgr.KindLog)
	if err != nil {
		return nil, err
	}
	p := &Page{pg: pg}
	if l.variant == Unordered {
		l.pages = append(l.pages, p)
	}
	return p, nil
}

// Append reserves space for one entry and writes it, returning a view
// onto the written bytes. It retries internally on log-page-full,
// sealing the exhausted page and allocating a new one, exactly as
// spec.md §4.2 and §7 specify.
func (l *Log) Append(kind EntryType, tableID, key, version uint64, prev Addr,
	payload []byte) (Entry, error) {

	total := uint32(align8(headerSize + len(payload)))

	for {
		tail := l.tail.Load()
		if e, ok := l.tryAppend(tail, total, kind, tableID, key, version, prev, payload); ok {
			return e, nil
		}

		l.mu.Lock()
		if l.tail.Load() == tail {
			tail.sealed.Store(true)
			np, err := l.newPage()
			if err != nil {
				l.mu.Unlock()
				return Entry{}, err
			}
			if l.variant == Ordered {
				tail.next.Store(np)
			}
			l.tail.Store(np)
		}
		l.mu.Unlock()
	}
}

func (l *Log) tryAppend(p *Page, total uint32, kind EntryType, tableID, key, version uint64,
	prev Addr, payload []byte) (Entry, bool) {

	for {
		old := p.offset.Load()
		if old+total > p.capacity() {
			return Entry{}, false
		}
		if p.offset.CompareAndSwap(old, old+total) {
			buf := p.pg.Bytes[old : old+total]
			writeHeader(buf, uint32(headerSize+len(payload)), kind, tableID, key, version, prev)
			copy(buf[headerSize:], payload)
			return Entry{page: p, offset: old}, true
		}
	}
}

// Lookup resolves an Addr back to its Entry view, consulting the
// PageManager's page directory.
func (l *Log) Lookup(a Addr) (Entry, bool) {
	if !a.Valid() {
		return Entry{}, false
	}
	pg, ok := l.mgr.Lookup(a.PageNum())
	if !ok || pg.Kind != pagemgr.KindLog {
		return Entry{}, false
	}
	return Entry{page: &Page{pg: pg}, offset: a.Offset()}, true
}

// Pages returns every page currently reachable from the log, oldest
// first for the ordered variant.
func (l *Log) Pages() []*Page {
	if l.variant == Ordered {
		var pages []*Page
		for p := l.head; p != nil; p = p.Next() {
			pages = append(pages, p)
		}
		return pages
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Page(nil), l.pages...)
}
