// Package table implements spec.md §4.9's Table front-end:
// get/insert/update/remove/scan routed through a record.Record and the
// shared delta log, plus the Schema/Field types a table's records are
// described by.
//
// Grounded on maho/storage/memrows (storage/memrows/memrows.go and
// tableimpl.go), the teacher's own in-memory row store, generalized
// here from a slice-of-rows table to the delta-main engine.
package table

import (
	"sync"

	"github.com/Stone1973/tellstore/colstore"
	"github.com/Stone1973/tellstore/commit"
	"github.com/Stone1973/tellstore/compact"
	"github.com/Stone1973/tellstore/index"
	"github.com/Stone1973/tellstore/logging"
	"github.com/Stone1973/tellstore/mainpage"
	"github.com/Stone1973/tellstore/pagemgr"
	"github.com/Stone1973/tellstore/record"
	"github.com/Stone1973/tellstore/rowstore"
	"github.com/Stone1973/tellstore/storeerrors"
	"github.com/Stone1973/tellstore/walog"
)

var log = logging.For("table")

// FieldType distinguishes fixed-size scalar fields from variable-size
// ones, the split spec.md §3 requires for the column-map layout's
// recordData/heapData separation. This repository stores every field's
// bytes in the row's payload blob regardless of layout (see
// DESIGN.md), so FieldType today only governs how EncodeRow/DecodeRow
// lay out a row's fields in that blob, not physical page placement.
type FieldType int

const (
	FieldFixed FieldType = iota
	FieldVariable
)

// Field describes one column.
type Field struct {
	Name     string
	Type     FieldType
	Size     int // byte width for FieldFixed; ignored for FieldVariable
	Nullable bool
}

// Schema is a table's ordered, immutable-after-creation field list
// (spec.md §3).
type Schema struct {
	Fields []Field
}

// Encode serializes s into the flat wire form package snapshot embeds
// in an exported table's metadata bucket: a field count followed by,
// per field, a length-prefixed name, its type byte, size and a
// nullable byte.
func (s Schema) Encode() []byte {
	buf := make([]byte, 4)
	putUint32(buf, uint32(len(s.Fields)))
	for _, f := range s.Fields {
		name := []byte(f.Name)
		head := make([]byte, 4+1+4+1)
		putUint32(head, uint32(len(name)))
		head[4] = byte(f.Type)
		putUint32(head[5:], uint32(f.Size))
		if f.Nullable {
			head[9] = 1
		}
		buf = append(buf, head...)
		buf = append(buf, name...)
	}
	return buf
}

// DecodeSchema parses the wire form Encode produces.
func DecodeSchema(buf []byte) (Schema, error) {
	if len(buf) < 4 {
		return Schema{}, storeerrors.Wrap(storeerrors.ErrInvalidTable, "table: truncated schema")
	}
	count := getUint32(buf)
	buf = buf[4:]
	fields := make([]Field, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 10 {
			return Schema{}, storeerrors.Wrap(storeerrors.ErrInvalidTable, "table: truncated schema field")
		}
		nameLen := getUint32(buf)
		typ := FieldType(buf[4])
		size := int(getUint32(buf[5:]))
		nullable := buf[9] != 0
		buf = buf[10:]
		if uint32(len(buf)) < nameLen {
			return Schema{}, storeerrors.Wrap(storeerrors.ErrInvalidTable, "table: truncated schema field name")
		}
		name := string(buf[:nameLen])
		buf = buf[nameLen:]
		fields = append(fields, Field{Name: name, Type: typ, Size: size, Nullable: nullable})
	}
	return Schema{Fields: fields}, nil
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func getUint32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// Layout selects which main-page representation a table compacts into.
type Layout int

const (
	LayoutRowStore Layout = iota
	LayoutColumnMap
)

// Table is the front-end spec.md §4.9 describes: it owns a hash-index
// shard and the list of main pages for one user table.
type Table struct {
	ID     uint64
	Name   string
	Schema Schema
	Layout Layout

	mgr    *pagemgr.Manager
	log    *walog.Log
	commit *commit.Manager
	idx    *index.Table[record.Record]

	pagesMu sync.Mutex
	pages   []mainpage.SourcePage

	maxDataSize int
}

// Params configures a new Table at creation time.
type Params struct {
	Mgr         *pagemgr.Manager
	Commit      *commit.Manager
	Log         *walog.Log
	IndexSize   int
	MaxDataSize int
	Layout      Layout
}

// New constructs an empty table. id is assigned by the owning Store.
func New(id uint64, name string, schema Schema, p Params) *Table {
	return &Table{
		ID:          id,
		Name:        name,
		Schema:      schema,
		Layout:      p.Layout,
		mgr:         p.Mgr,
		log:         p.Log,
		commit:      p.Commit,
		idx:         index.New[record.Record](p.IndexSize),
		maxDataSize: p.MaxDataSize,
	}
}

func (t *Table) resolve(addr mainpage.MainAddr) (mainpage.RowAccessor, error) {
	return mainpage.Resolve(t.mgr, addr)
}

// Get implements the `get` operation of spec.md §6.
func (t *Table) Get(key uint64, snap *commit.SnapshotDescriptor) (record.Result, bool, error) {
	g := t.mgr.Enter()
	defer g.Exit()

	r, ok := t.idx.Get(t.ID, key)
	if !ok {
		return record.Result{}, false, nil
	}
	return record.Read(t.log, t.resolve, r, snap)
}

// Insert implements `insert`. notify controls whether a duplicate key
// is reported as storeerrors.ErrConflict or simply as succeeded=false,
// matching spec.md §6's "succeeded flag ... conflict if duplicate and
// caller requested notification".
func (t *Table) Insert(key uint64, data []byte, snap *commit.SnapshotDescriptor, notify bool) (bool, error) {
	g := t.mgr.Enter()
	defer g.Exit()

	version := snap.Version

	r, err := record.Insert(t.log, t.ID, key, version, data)
	if err != nil {
		return false, err
	}
	if err := t.idx.Insert(t.ID, key, r, false); err != nil {
		if err == storeerrors.ErrConflict {
			if notify {
				return false, storeerrors.ErrConflict
			}
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Update implements `update`.
func (t *Table) Update(key uint64, data []byte, snap *commit.SnapshotDescriptor) (bool, error) {
	g := t.mgr.Enter()
	defer g.Exit()

	r, ok := t.idx.Get(t.ID, key)
	if !ok {
		return false, nil
	}
	if err := record.Update(t.log, t.resolve, r, snap.Version, data, snap); err != nil {
		if err == storeerrors.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Remove implements `remove`.
func (t *Table) Remove(key uint64, snap *commit.SnapshotDescriptor) (bool, error) {
	g := t.mgr.Enter()
	defer g.Exit()

	r, ok := t.idx.Get(t.ID, key)
	if !ok {
		return false, nil
	}
	if err := record.Remove(t.log, t.resolve, r, snap.Version, snap); err != nil {
		if err == storeerrors.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Revert implements `revert`.
func (t *Table) Revert(key uint64, snap *commit.SnapshotDescriptor) (bool, error) {
	g := t.mgr.Enter()
	defer g.Exit()

	r, ok := t.idx.Get(t.ID, key)
	if !ok {
		return false, nil
	}
	if err := record.Revert(t.log, t.resolve, r, snap.Version); err != nil {
		if err == storeerrors.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// newBuilder picks the page layout's Builder factory.
func (t *Table) newBuilder() compact.NewBuilderFunc {
	if t.Layout == LayoutColumnMap {
		return colstore.NewMainBuilder
	}
	return rowstore.NewMainBuilder
}

// freer is implemented by both rowstore.Page and colstore.Page; it is
// not part of mainpage.SourcePage because nothing outside the owning
// table needs to free a retired page.
type freer interface {
	Free(mgr *pagemgr.Manager)
}

func freePage(mgr *pagemgr.Manager, pg mainpage.SourcePage) {
	if f, ok := pg.(freer); ok {
		f.Free(mgr)
	}
}

// Compact runs one PageModifier pass over each of the table's current
// main pages, per spec.md §4.7, and replaces the page list with the
// compactor's fresh output. minVersion is normally
// CommitManager.LowestActiveVersion(); it is taken as a parameter so
// tests can drive specific GC scenarios deterministically (spec.md §8's
// E2).
func (t *Table) Compact(minVersion uint64) error {
	g := t.mgr.Enter()
	defer g.Exit()

	t.pagesMu.Lock()
	src := append([]mainpage.SourcePage(nil), t.pages...)
	t.pagesMu.Unlock()

	var fresh []mainpage.SourcePage
	for _, pg := range src {
		res, err := compact.PageModifier(t.mgr, t.log, t.resolve, t.idx, t.ID, pg,
			minVersion, t.maxDataSize, t.newBuilder())
		if err != nil {
			return err
		}
		fresh = append(fresh, res.Pages...)
	}

	// Records inserted since the table's last compaction (or since its
	// creation) are pure delta chains with no source page for the loop
	// above to have rewritten; fold them into their first main page
	// here, per compact.CompactPageless.
	var pageless []uint64
	t.idx.All(t.ID, func(key uint64, r *record.Record) bool {
		if compact.ChainHasNoMain(t.log, r.LoadHead()) {
			pageless = append(pageless, key)
		}
		return true
	})
	if len(pageless) > 0 {
		res, err := compact.CompactPageless(t.mgr, t.log, t.resolve, t.idx, t.ID, pageless,
			minVersion, t.maxDataSize, t.newBuilder())
		if err != nil {
			return err
		}
		fresh = append(fresh, res.Pages...)
	}

	t.pagesMu.Lock()
	old := t.pages
	t.pages = fresh
	t.pagesMu.Unlock()

	for _, pg := range old {
		freePage(t.mgr, pg)
	}
	// Compaction is this engine's one regular heartbeat, so it is also
	// where the epoch advances: pages freed above become reclaimable
	// once every worker active at free time has moved on, per spec.md
	// §5's epoch discipline (pagemgr.Manager.AdvanceEpoch's doc comment).
	t.mgr.AdvanceEpoch()

	log.WithFields(logging.Fields{
		"table": t.Name, "min_version": minVersion,
		"source_pages": len(src), "fresh_pages": len(fresh),
	}).Info("compaction cycle complete")
	return nil
}

// AdoptMainPage registers a page the compactor built directly into the
// table's live page list, used when a page is built outside of
// Compact (e.g. by package snapshot when restoring an exported table).
func (t *Table) AdoptMainPage(pg mainpage.SourcePage) {
	t.pagesMu.Lock()
	t.pages = append(t.pages, pg)
	t.pagesMu.Unlock()
}

// MainPages returns the table's current main page list, for package
// snapshot's export and for tests.
func (t *Table) MainPages() []mainpage.SourcePage {
	t.pagesMu.Lock()
	defer t.pagesMu.Unlock()
	return append([]mainpage.SourcePage(nil), t.pages...)
}

// Index exposes the hash-index shard, for package snapshot's restore
// path and tests that need to seed a record directly.
func (t *Table) Index() *index.Table[record.Record] { return t.idx }

// Log exposes the delta log, for the same reasons as Index.
func (t *Table) Log() *walog.Log { return t.log }
