// Package record implements the delta-main record of spec.md §4.4: the
// central per-key object the hash index points to. Its "newest" field
// is a 2-bit tagged atomic word -- Delta, Main, Invalid, or untagged
// zero ("read main") -- and its read/write/revert paths are the
// engine's single most subtle invariant (Design Note, spec.md §9): the
// compactor's publish step must carry a racing writer's delta forward
// rather than dropping it.
package record

import (
	"sync/atomic"

	"github.com/Stone1973/tellstore/commit"
	"github.com/Stone1973/tellstore/mainpage"
	"github.com/Stone1973/tellstore/storeerrors"
	"github.com/Stone1973/tellstore/walog"
)

// Tag is the 2-bit discriminant packed into the low bits of a Head.
type Tag uint8

const (
	// TagNone is the untagged-zero case: delta chain empty, fall
	// through to the record's base main pointer.
	TagNone Tag = 0
	// TagDelta: Head.Addr() is a walog.Addr of the newest log entry.
	TagDelta Tag = 1
	// TagMain: Head.Addr() is a mainpage.MainAddr of the newest-built
	// main row; the record has been rebuilt by a compactor.
	TagMain Tag = 2
	// TagInvalid: the record is decommissioned; no reader may
	// dereference it.
	TagInvalid Tag = 3
)

const tagMask = 0x3

// Head is a tagged atomic pointer: an address guaranteed 4-byte aligned
// by every producer (walog entries are 8-byte aligned; mainpage.MainAddr
// shifts its row index left by two) with a 2-bit Tag packed into the
// low bits by explicit masking, per spec.md §9's design note on
// strict-provenance-friendly tagged pointers.
type Head uint64

// Pack builds a Head. It panics if addr is not tag-alignable, which
// would indicate a caller bypassed walog/mainpage's own alignment
// guarantees.
func Pack(tag Tag, addr uint64) Head {
	if addr&tagMask != 0 {
		panic("record: address is not tag-alignable")
	}
	return Head(addr | uint64(tag))
}

func (h Head) Tag() Tag {
	if h == 0 {
		return TagNone
	}
	return Tag(uint64(h) & tagMask)
}

func (h Head) Addr() uint64 { return uint64(h) &^ tagMask }

func (h Head) DeltaAddr() walog.Addr       { return walog.Addr(h.Addr()) }
func (h Head) MainAddr() mainpage.MainAddr { return mainpage.MainAddr(h.Addr()) }

// Result is what a visible Read returns.
type Result struct {
	Data     []byte
	Version  uint64
	IsNewest bool
}

// Resolver maps a mainpage.MainAddr back to its RowAccessor. The table
// front-end supplies one bound to its PageManager; passing it
// explicitly (rather than a package-level singleton) keeps record
// testable against fakes, the way maho/storage/test's helpers take an
// engine.Store parameter instead of reaching for a global.
type Resolver func(mainpage.MainAddr) (mainpage.RowAccessor, error)

// Record is the per-key delta-main object: a tagged "newest" head plus
// a base pointer into the main representation the record had when it
// was last (re)built -- §3's "base pointer to main representation".
// Base is the zero MainAddr for a record that has never survived a
// compaction.
type Record struct {
	TableID uint64
	Key     uint64

	newest atomic.Uint64 // Head
	base   atomic.Uint64 // mainpage.MainAddr, or 0
}

// New returns a freshly inserted record: newest points at the insert
// delta, base is empty.
func New(tableID, key uint64, insertEntry walog.Addr) *Record {
	r := &Record{TableID: tableID, Key: key}
	r.newest.Store(uint64(Pack(TagDelta, uint64(insertEntry))))
	return r
}

// LoadHead returns the current value of newest with acquire semantics.
func (r *Record) LoadHead() Head { return Head(r.newest.Load()) }

// Base returns the record's base main pointer (spec.md §3), or the
// invalid MainAddr if the record has never been compacted.
func (r *Record) Base() mainpage.MainAddr { return mainpage.MainAddr(r.base.Load()) }

// SetBase is called only by package snapshot's restore path, which
// indexes each restored row under a record whose head is untagged zero
// (TagNone) and whose base is that row.
func (r *Record) SetBase(addr mainpage.MainAddr) { r.base.Store(uint64(addr)) }

// newestSlot exposes the raw atomic word for the compactor's
// CAS-and-carry-forward publish step (PublishMain below); nothing else
// should touch it directly.
func (r *Record) newestSlot() *atomic.Uint64 { return &r.newest }

// Insert appends the record's first delta entry to l.
func Insert(l *walog.Log, tableID, key, version uint64, data []byte) (*Record, error) {
	e, err := l.Append(walog.TypeInsert, tableID, key, version, walog.Addr(0), data)
	if err != nil {
		return nil, err
	}
	return New(tableID, key, e.Addr()), nil
}

// walkOutcome is the result of following a single Head chain (either a
// record's top-level chain, or a main row's row-level overlay chain)
// until it resolves to a visible version or bottoms out.
type walkOutcome struct {
	found          bool
	result         Result
	term           Tag // TagNone, TagMain, or TagInvalid (stop, not found)
	mainAddr       mainpage.MainAddr
	absoluteNewest uint64 // 0 means "not yet observed"; versions start at 1
}

func walkChain(l *walog.Log, head Head, absoluteNewest uint64,
	s *commit.SnapshotDescriptor) (walkOutcome, error) {

	for {
		switch head.Tag() {
		case TagInvalid:
			return walkOutcome{term: TagInvalid}, nil

		case TagNone:
			return walkOutcome{term: TagNone, absoluteNewest: absoluteNewest}, nil

		case TagMain:
			return walkOutcome{
				term:           TagMain,
				mainAddr:       head.MainAddr(),
				absoluteNewest: absoluteNewest,
			}, nil

		case TagDelta:
			e, ok := l.Lookup(head.DeltaAddr())
			if !ok {
				return walkOutcome{}, storeerrors.Wrap(storeerrors.ErrNotFound,
					"record: dangling delta address")
			}
			if absoluteNewest == 0 {
				absoluteNewest = e.Version()
			}
			if !e.Reverted() && s.Visible(e.Version()) {
				if e.Kind() == walog.TypeDelete {
					return walkOutcome{term: TagInvalid}, nil
				}
				return walkOutcome{found: true, result: Result{
					Data:     append([]byte(nil), e.Payload()...),
					Version:  e.Version(),
					IsNewest: e.Version() == absoluteNewest,
				}}, nil
			}
			if e.Kind() == walog.TypeInsert {
				return walkOutcome{term: TagInvalid}, nil
			}
			head = Head(e.Previous())
		}
	}
}

// Read walks the delta chain newest-first under snapshot s, per
// spec.md §4.4's read path, falling through to the main representation
// (and any row-level overlay chain layered onto it by a compaction
// race) when the top-level chain bottoms out.
func Read(l *walog.Log, resolve Resolver, r *Record, s *commit.SnapshotDescriptor) (Result, bool, error) {
	out, err := walkChain(l, r.LoadHead(), 0, s)
	if err != nil {
		return Result{}, false, err
	}
	if out.found {
		return out.result, true, nil
	}
	switch out.term {
	case TagNone:
		base := r.Base()
		if !base.Valid() {
			return Result{}, false, nil
		}
		return readMainRow(l, resolve, base, out.absoluteNewest, s)
	case TagMain:
		return readMainRow(l, resolve, out.mainAddr, out.absoluteNewest, s)
	default:
		return Result{}, false, nil
	}
}

func readMainRow(l *walog.Log, resolve Resolver, addr mainpage.MainAddr, absoluteNewest uint64,
	s *commit.SnapshotDescriptor) (Result, bool, error) {

	acc, err := resolve(addr)
	if err != nil {
		return Result{}, false, err
	}

	rowHead := Head(acc.Newest(addr).Load())
	if rowHead.Tag() == TagNone {
		return readRowPayload(acc, addr, absoluteNewest, s)
	}

	out, err := walkChain(l, rowHead, absoluteNewest, s)
	if err != nil {
		return Result{}, false, err
	}
	if out.found {
		return out.result, true, nil
	}
	switch out.term {
	case TagNone:
		return readRowPayload(acc, addr, out.absoluteNewest, s)
	case TagMain:
		return readMainRow(l, resolve, out.mainAddr, out.absoluteNewest, s)
	default:
		return Result{}, false, nil
	}
}

func readRowPayload(acc mainpage.RowAccessor, addr mainpage.MainAddr, absoluteNewest uint64,
	s *commit.SnapshotDescriptor) (Result, bool, error) {

	if absoluteNewest == 0 {
		absoluteNewest = acc.Version(addr)
	}
	// A key's rows sit contiguously on its page, newest-first; a
	// reverted or invisible row falls through to the next older one.
	src, isPage := acc.(mainpage.SourcePage)
	key := acc.Key(addr)
	for {
		v := acc.Version(addr)
		if !acc.Reverted(addr) && s.Visible(v) {
			data, ok := acc.Payload(addr)
			if !ok {
				return Result{}, false, nil
			}
			return Result{Data: data, Version: v, IsNewest: v == absoluteNewest}, true, nil
		}
		next := int(addr.RowIndex()) + 1
		if !isPage || next >= src.Rows() || src.RowKey(next) != key {
			return Result{}, false, nil
		}
		addr = src.Addr(next)
	}
}

// Update appends a new delta on top of r's current head and CASes it
// in, retrying on contention. Each attempt re-validates visibility with
// Read first, so a head that has been rebuilt into Main by a concurrent
// compactor is transparently re-read rather than updated blindly,
// satisfying spec.md §4.4's "must re-read the main version and restart".
func Update(l *walog.Log, resolve Resolver, r *Record, version uint64, data []byte,
	s *commit.SnapshotDescriptor) error {

	for {
		old := r.LoadHead()
		if old.Tag() == TagInvalid {
			return storeerrors.ErrNotFound
		}
		if _, ok, err := Read(l, resolve, r, s); err != nil {
			return err
		} else if !ok {
			return storeerrors.ErrNotFound
		}

		e, err := l.Append(walog.TypeUpdate, r.TableID, r.Key, version, walog.Addr(uint64(old)), data)
		if err != nil {
			return err
		}
		if r.newest.CompareAndSwap(uint64(old), uint64(Pack(TagDelta, uint64(e.Addr())))) {
			return nil
		}
		// Lost the race to a concurrent writer; e is abandoned. walog
		// never reuses space mid-page, so the orphaned entry is simply
		// unreachable and is reclaimed with its page once retired.
	}
}

// Remove appends a delete delta, failing with storeerrors.ErrNotFound if
// there is no currently visible predecessor to remove.
func Remove(l *walog.Log, resolve Resolver, r *Record, version uint64,
	s *commit.SnapshotDescriptor) error {

	for {
		old := r.LoadHead()
		if old.Tag() == TagInvalid {
			return storeerrors.ErrNotFound
		}
		if _, ok, err := Read(l, resolve, r, s); err != nil {
			return err
		} else if !ok {
			return storeerrors.ErrNotFound
		}

		e, err := l.Append(walog.TypeDelete, r.TableID, r.Key, version, walog.Addr(uint64(old)), nil)
		if err != nil {
			return err
		}
		if r.newest.CompareAndSwap(uint64(old), uint64(Pack(TagDelta, uint64(e.Addr())))) {
			return nil
		}
	}
}

// Revert marks the entry at version as reverted, per spec.md §4.4's
// revert(version) and the GLOSSARY's "Compaction physically removes
// reverted entries." It walks the record's own chain first, then (the
// Open Question spec.md §9 leaves for this repository to resolve, see
// DESIGN.md) the main row's own overlay chain and finally the row's own
// stored version, since a version can have already been folded into the
// main representation by the time a caller asks to revert it.
func Revert(l *walog.Log, resolve Resolver, r *Record, version uint64) error {
	head := r.LoadHead()
	for head.Tag() == TagDelta {
		e, ok := l.Lookup(head.DeltaAddr())
		if !ok {
			return storeerrors.ErrNotFound
		}
		if e.Version() == version {
			e.SetReverted()
			return nil
		}
		if e.Version() < version {
			return storeerrors.ErrNotFound
		}
		head = Head(e.Previous())
	}

	var addr mainpage.MainAddr
	switch head.Tag() {
	case TagMain:
		addr = head.MainAddr()
	case TagNone:
		addr = r.Base()
	default:
		return storeerrors.ErrNotFound
	}
	if !addr.Valid() {
		return storeerrors.ErrNotFound
	}
	return revertMain(l, resolve, addr, version)
}

func revertMain(l *walog.Log, resolve Resolver, addr mainpage.MainAddr, version uint64) error {
	acc, err := resolve(addr)
	if err != nil {
		return err
	}

	rowHead := Head(acc.Newest(addr).Load())
	for rowHead.Tag() == TagDelta {
		e, ok := l.Lookup(rowHead.DeltaAddr())
		if !ok {
			return storeerrors.ErrNotFound
		}
		if e.Version() == version {
			e.SetReverted()
			return nil
		}
		if e.Version() < version {
			return storeerrors.ErrNotFound
		}
		rowHead = Head(e.Previous())
	}
	if rowHead.Tag() == TagMain {
		return revertMain(l, resolve, rowHead.MainAddr(), version)
	}

	if acc.Version(addr) == version {
		// The key's only version has no predecessor to fall back to.
		src, isPage := acc.(mainpage.SourcePage)
		next := int(addr.RowIndex()) + 1
		if !isPage || next >= src.Rows() || src.RowKey(next) != acc.Key(addr) {
			return storeerrors.ErrNotFound
		}
		acc.SetReverted(addr)
		return nil
	}
	return storeerrors.ErrNotFound
}

// PendingPublish packages a record's compactor-observed head and its
// freshly built replacement into the mainpage.PointerAction spec.md
// §4.7's Publish step defers and executes, carrying the record's own
// newest slot so PublishMain never needs a second index lookup to find
// it.
func PendingPublish(r *Record, expected Head, newMain mainpage.MainAddr) mainpage.PointerAction {
	return mainpage.PointerAction{
		RecordNewest: r.newestSlot(),
		Expected:     uint64(expected),
		NewMain:      newMain,
	}
}

// PublishMain is the compactor's publish-step CAS (spec.md §4.7): it
// installs action.NewMain as the record's head with tag Main, carrying
// forward any delta a concurrent writer appended after the compactor
// snapshotted the chain at action.Expected by chaining it onto
// action.NewMain's own row-level newest slot instead of dropping it --
// the "single most subtle invariant" Design Note spec.md §9 calls out.
func PublishMain(resolve Resolver, action mainpage.PointerAction) error {
	newMain := action.NewMain
	desired := Pack(TagMain, uint64(newMain))
	slot := action.RecordNewest
	expected := action.Expected

	for {
		if slot.CompareAndSwap(expected, uint64(desired)) {
			return nil
		}
		observed := Head(slot.Load())
		if observed.Tag() == TagInvalid {
			// A concurrent remove (or another compaction cycle)
			// already decommissioned the record; there is nothing left
			// to carry forward.
			return nil
		}
		acc, err := resolve(newMain)
		if err != nil {
			return err
		}
		acc.Newest(newMain).Store(uint64(observed))
		expected = uint64(observed)
	}
}

// Invalidate CASes r's head from expected to Invalid, the compactor's
// "nothing survived for this key" outcome (spec.md §4.7 step 5). It
// reports whether the CAS succeeded; on failure the caller must restart
// its per-record loop, since a new delta arrived concurrently.
func Invalidate(r *Record, expected Head) bool {
	return r.newest.CompareAndSwap(uint64(expected), uint64(Pack(TagInvalid, 0)))
}
