// Package tellstore is the top-level Store of spec.md §6: the Storage
// API used by the RPC layer and the scan planner, both of which are
// out of scope here (spec.md §1) but whose contract this package
// implements in full. Store owns the single PageManager and
// CommitManager shared by every table in the process, plus the table
// name/id registry spec.md §6's createTable/getTable describe.
//
// Grounded on maho/engine.Engine (engine/engine.go), which plays the
// same "owns every table, routes by name" role across maho's several
// interchangeable storage backends.
package tellstore

import (
	"sync"
	"sync/atomic"

	"github.com/Stone1973/tellstore/commit"
	"github.com/Stone1973/tellstore/config"
	"github.com/Stone1973/tellstore/logging"
	"github.com/Stone1973/tellstore/pagemgr"
	"github.com/Stone1973/tellstore/record"
	"github.com/Stone1973/tellstore/storeerrors"
	"github.com/Stone1973/tellstore/table"
	"github.com/Stone1973/tellstore/walog"
)

var log = logging.For("tellstore")

// Store is the engine's process-wide handle: one PageManager, one
// CommitManager, and every table created against them.
type Store struct {
	mgr    *pagemgr.Manager
	commit *commit.Manager
	eng    *config.Engine

	mu       sync.RWMutex
	byName   map[string]*table.Table
	byID     map[uint64]*table.Table
	nextID   atomic.Uint64
	scanSlot chan struct{}
}

// Open constructs a Store sized by eng (see config.Default for the
// engine's built-in defaults). A nil eng falls back to config.Default().
func Open(eng *config.Engine) *Store {
	if eng == nil {
		eng = config.Default()
	}
	return &Store{
		mgr:      pagemgr.NewManager(eng.PageSize, 0),
		commit:   commit.New(),
		eng:      eng,
		byName:   map[string]*table.Table{},
		byID:     map[uint64]*table.Table{},
		scanSlot: make(chan struct{}, eng.ScanSlots),
	}
}

// PageManager exposes the store's page allocator, for package snapshot.
func (s *Store) PageManager() *pagemgr.Manager { return s.mgr }

// CommitManager exposes the store's commit manager, so a caller (the
// CLI demo loop, or a test) can draw snapshots without the RPC layer
// this engine does not implement.
func (s *Store) CommitManager() *commit.Manager { return s.commit }

// CreateTable implements spec.md §6's createTable: name, schema -> a
// fresh table-id, or the *name-exists* failure (reported as
// storeerrors.ErrConflict, the nearest of spec.md §7's named kinds).
func (s *Store) CreateTable(name string, schema table.Schema, layout table.Layout) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[name]; exists {
		return 0, storeerrors.Wrap(storeerrors.ErrConflict, "tellstore: table %q already exists", name)
	}

	id := s.nextID.Add(1)
	l, err := walog.New(s.mgr, walog.Unordered)
	if err != nil {
		return 0, err
	}

	t := table.New(id, name, schema, table.Params{
		Mgr:         s.mgr,
		Commit:      s.commit,
		Log:         l,
		IndexSize:   s.eng.GCBatchSize * 64,
		MaxDataSize: pagemgr.DefaultSize / 2,
		Layout:      layout,
	})
	s.byName[name] = t
	s.byID[id] = t

	log.WithFields(logging.Fields{"table": name, "id": id}).Info("created table")
	return id, nil
}

// GetTable implements spec.md §6's getTable: name -> (table-id, schema),
// or *not-found*.
func (s *Store) GetTable(name string) (uint64, table.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byName[name]
	if !ok {
		return 0, table.Schema{}, storeerrors.Wrap(storeerrors.ErrNotFound, "tellstore: table %q", name)
	}
	return t.ID, t.Schema, nil
}

func (s *Store) lookup(tableID uint64) (*table.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[tableID]
	if !ok {
		return nil, storeerrors.Wrap(storeerrors.ErrInvalidTable, "tellstore: table id %d", tableID)
	}
	return t, nil
}

// Get implements spec.md §6's get: (size, data, version, isNewest) or
// *not-found*, represented here as (record.Result, found, err).
func (s *Store) Get(tableID, key uint64, snap *commit.SnapshotDescriptor) (record.Result, bool, error) {
	t, err := s.lookup(tableID)
	if err != nil {
		return record.Result{}, false, err
	}
	return t.Get(key, snap)
}

// Insert implements spec.md §6's insert.
func (s *Store) Insert(tableID, key uint64, data []byte, snap *commit.SnapshotDescriptor, notify bool) (bool, error) {
	t, err := s.lookup(tableID)
	if err != nil {
		return false, err
	}
	return t.Insert(key, data, snap, notify)
}

// Update implements spec.md §6's update.
func (s *Store) Update(tableID, key uint64, data []byte, snap *commit.SnapshotDescriptor) (bool, error) {
	t, err := s.lookup(tableID)
	if err != nil {
		return false, err
	}
	return t.Update(key, data, snap)
}

// Remove implements spec.md §6's remove.
func (s *Store) Remove(tableID, key uint64, snap *commit.SnapshotDescriptor) (bool, error) {
	t, err := s.lookup(tableID)
	if err != nil {
		return false, err
	}
	return t.Remove(key, snap)
}

// Revert implements spec.md §6's revert.
func (s *Store) Revert(tableID, key uint64, snap *commit.SnapshotDescriptor) (bool, error) {
	t, err := s.lookup(tableID)
	if err != nil {
		return false, err
	}
	return t.Revert(key, snap)
}

// Scan implements spec.md §6's scan: it acquires one of the store's
// fixed scan slots (config's "scan-slots" parameter) before running,
// failing fast with storeerrors.ErrServerOverload rather than queuing,
// per spec.md §7's *server-overload* kind.
func (s *Store) Scan(tableID uint64, snap *commit.SnapshotDescriptor, q *table.Query, sink table.Sink) error {
	t, err := s.lookup(tableID)
	if err != nil {
		return err
	}

	select {
	case s.scanSlot <- struct{}{}:
	default:
		return storeerrors.ErrServerOverload
	}
	defer func() { <-s.scanSlot }()

	return t.Scan(snap, q, sink)
}

// Compact runs one compaction cycle over tableID using the commit
// manager's current low-water mark. It is exposed directly (rather
// than only driven by a background loop) so tests and the CLI's
// "compact" demo step can trigger it deterministically.
func (s *Store) Compact(tableID uint64) error {
	t, err := s.lookup(tableID)
	if err != nil {
		return err
	}
	return t.Compact(s.commit.LowestActiveVersion())
}

// Table returns the underlying table.Table for tableID, for package
// snapshot's export/import path.
func (s *Store) Table(tableID uint64) (*table.Table, error) {
	return s.lookup(tableID)
}

// Tables returns every table currently registered, for package
// snapshot's whole-store export.
func (s *Store) Tables() []*table.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*table.Table, 0, len(s.byID))
	for _, t := range s.byID {
		list = append(list, t)
	}
	return list
}

// AdoptTable registers a table.Table constructed outside of CreateTable,
// under its own name and ID. Nothing in this repository calls it;
// package snapshot's restore path goes through CreateTable.
func (s *Store) AdoptTable(t *table.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[t.Name] = t
	s.byID[t.ID] = t
	if t.ID >= s.nextID.Load() {
		s.nextID.Store(t.ID)
	}
}
