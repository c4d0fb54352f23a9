// Package pagemgr is the fixed-size page allocator described in
// spec.md §4.1: every other engine component (the log, row-store main
// pages, column-map main pages) obtains its storage from here, never
// from make([]byte, ...) directly. Reclamation uses the epoch scheme of
// spec.md §5: a freed page is not reused until every worker that could
// still hold a reference to it has advanced past the epoch it was freed
// in, the same scoped-acquisition discipline maho/engine/cache.go uses
// for its page pin counts (atomic.AddInt32 on pin, paired Lock/Unlock).
package pagemgr

import (
	"sync"
	"sync/atomic"

	"github.com/Stone1973/tellstore/storeerrors"
)

// Kind tags what a page currently holds, so that a Record's tagged
// "newest" address can be resolved back to the right main-page layout
// without a second lookup.
type Kind byte

const (
	KindFree Kind = iota
	KindLog
	KindRowMain
	KindColMain
)

// DefaultSize is the page size spec.md §1 fixes at 2 MiB. It is a
// const; a Manager takes its own page size at construction (NewManager
// falls back to DefaultSize for pageSize <= 0), which is how tests get
// small pages.
const DefaultSize = 2 * 1024 * 1024

// Page is one region of its Manager's fixed page size. Bytes is zero-initialized
// on allocation, as spec.md §4.1 requires. Num is stable for the page's
// lifetime between Alloc and the moment it is physically reclaimed by
// the epoch GC; tagged atomic addresses elsewhere in the engine (see
// package record) reference pages by Num, not by Go pointer, so that the
// address can be packed into a single CAS-able word.
type Page struct {
	Num   uint32
	Kind  Kind
	Bytes []byte

	freedEpoch uint64
}

// Manager is a thread-safe allocator of identically sized pages. It owns
// the page-number directory that lets a tagged address be resolved back
// to a *Page.
type Manager struct {
	pageSize int
	maxPages int

	mu        sync.Mutex
	directory map[uint32]*Page
	nextNum   uint32
	allocated int
	free      []*Page
	retiring  map[uint64][]*Page // freedEpoch -> pages awaiting reclamation

	epoch atomic.Uint64

	slotsMu sync.Mutex
	slots   []*atomic.Int64 // one per registered worker; -1 means idle
}

// NewManager pre-reserves room for at most maxPages pages of pageSize
// bytes each. maxPages <= 0 means unbounded (bounded only by the Go
// runtime's own memory limits), matching the teacher's own pattern of
// growing its backing file on demand in PageCache.writePage.
func NewManager(pageSize, maxPages int) *Manager {
	if pageSize <= 0 {
		pageSize = DefaultSize
	}
	return &Manager{
		pageSize:  pageSize,
		maxPages:  maxPages,
		directory: map[uint32]*Page{},
		retiring:  map[uint64][]*Page{},
	}
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

// Alloc returns a zero-initialized page of the given kind, or
// storeerrors.ErrOutOfMemory if the manager's reserved region is
// exhausted and the free list is empty. Pages still pending epoch
// reclamation are not on the free list and are not handed out.
func (m *Manager) Alloc(kind Kind) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.free) > 0 {
		p := m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
		for i := range p.Bytes {
			p.Bytes[i] = 0
		}
		p.Kind = kind
		m.directory[p.Num] = p
		return p, nil
	}

	if m.maxPages > 0 && m.allocated >= m.maxPages {
		return nil, storeerrors.ErrOutOfMemory
	}

	m.nextNum++
	p := &Page{
		Num:   m.nextNum,
		Kind:  kind,
		Bytes: make([]byte, m.pageSize),
	}
	m.allocated++
	m.directory[p.Num] = p
	return p, nil
}

// Free enqueues p onto the epoch-tagged retirement list; it is not made
// available to Alloc until every worker has caught up per the epoch
// discipline in spec.md §5.
func (m *Manager) Free(p *Page) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.epoch.Load()
	p.freedEpoch = e
	p.Kind = KindFree
	delete(m.directory, p.Num)
	m.retiring[e] = append(m.retiring[e], p)
}

// Lookup resolves a page number back to its *Page. It returns false if
// the page has been freed (and possibly reclaimed) -- callers that reach
// this state raced a reclaimed pointer and must treat the record as
// decommissioned, which in practice never happens because the tag
// discipline (record.TagInvalid) retires a Record's reachability before
// its pages are freed.
func (m *Manager) Lookup(num uint32) (*Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.directory[num]
	return p, ok
}

// EpochGuard is held by a worker for the duration of one engine
// operation. Enter must be called before dereferencing any page pointer
// obtained through a tagged address, and Exit must run on every return
// path (the scoped-acquisition pattern spec.md §9 calls out).
type EpochGuard struct {
	m    *Manager
	slot *atomic.Int64
}

// Enter registers the calling worker as active in the current epoch.
func (m *Manager) Enter() *EpochGuard {
	e := int64(m.epoch.Load())

	m.slotsMu.Lock()
	for _, s := range m.slots {
		if s.CompareAndSwap(-1, e) {
			m.slotsMu.Unlock()
			return &EpochGuard{m: m, slot: s}
		}
	}
	s := &atomic.Int64{}
	s.Store(e)
	m.slots = append(m.slots, s)
	m.slotsMu.Unlock()
	return &EpochGuard{m: m, slot: s}
}

// Exit releases the worker's epoch registration.
func (g *EpochGuard) Exit() {
	g.slot.Store(-1)
}

// AdvanceEpoch bumps the global epoch and reclaims any page freed at
// least two epochs ago that no active worker could still be observing.
// Callers (normally the compactor, between runs) should call this
// periodically rather than on every free, since it is the one operation
// here that takes the slots lock.
func (m *Manager) AdvanceEpoch() {
	next := m.epoch.Add(1)

	m.slotsMu.Lock()
	minEpoch := int64(next)
	for _, s := range m.slots {
		e := s.Load()
		if e == -1 {
			continue
		}
		if e < minEpoch {
			minEpoch = e
		}
	}
	m.slotsMu.Unlock()

	reclaimBelow := minEpoch - 2
	if reclaimBelow < 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for e, pages := range m.retiring {
		if int64(e) > reclaimBelow {
			continue
		}
		m.free = append(m.free, pages...)
		delete(m.retiring, e)
	}
}

// Stats is a debugging aid reporting the manager's page counts.
type Stats struct {
	Allocated int
	Free      int
	Retiring  int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, pages := range m.retiring {
		n += len(pages)
	}
	return Stats{Allocated: m.allocated, Free: len(m.free), Retiring: n}
}
