// Package commit is the CommitManager of spec.md §4.8: it issues
// monotonically increasing versions, tracks the set of snapshots that
// are currently in flight, and publishes lowestActiveVersion, the
// fleet-wide GC low-water mark the compactor reads.
//
// The active set is guarded by a short mutex, as spec.md §5 requires
// ("held only across pointer updates"); a google/btree.BTree orders the
// active versions so that Min() resolves lowestActiveVersion in
// O(log n) rather than scanning every in-flight transaction, the same
// role a B-tree plays in the teacher's own on-disk storage engines.
package commit

import (
	"sync"

	"github.com/google/btree"

	"github.com/Stone1973/tellstore/logging"
)

var log = logging.For("commit")

// versionItem is the btree.Item wrapping one in-flight version.
type versionItem uint64

func (a versionItem) Less(b btree.Item) bool {
	return a < b.(versionItem)
}

// SnapshotDescriptor is the MVCC visibility set of spec.md §3 and the
// GLOSSARY: a version v is visible iff v <= Version and v is not in
// InFlight.
type SnapshotDescriptor struct {
	LowestActiveVersion uint64
	BaseVersion         uint64
	Version             uint64

	// InFlight holds every version in (BaseVersion, Version] that was
	// concurrently active (and therefore not yet committed) when this
	// snapshot was drawn.
	InFlight map[uint64]bool
}

// Visible reports whether version v is observable under s.
func (s *SnapshotDescriptor) Visible(v uint64) bool {
	if v > s.Version {
		return false
	}
	if s.InFlight[v] {
		return false
	}
	return true
}

// Manager issues versions and tracks the active set. The zero value is
// not usable; construct with New.
type Manager struct {
	mu       sync.Mutex
	next     uint64 // next version to hand out
	active   *btree.BTree
	inFlight map[uint64]struct{} // versions currently running, for InFlight snapshots
}

// New returns a Manager whose first issued version is 1 (version 0 is
// reserved to mean "never committed", matching the untagged-zero
// convention record.Record uses for its newest pointer).
func New() *Manager {
	return &Manager{
		next:     1,
		active:   btree.New(32),
		inFlight: map[uint64]struct{}{},
	}
}

// StartTx draws the next version, adds it to the active set, and
// returns a descriptor snapshotting the rest of the active set as of
// that moment -- everything else currently active becomes this
// snapshot's InFlight set, since those transactions have not committed
// yet and their writes must not be visible.
func (m *Manager) StartTx() *SnapshotDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.next
	m.next++

	inFlight := make(map[uint64]bool, len(m.inFlight))
	base := v - 1
	for other := range m.inFlight {
		inFlight[other] = true
		if other-1 < base {
			base = other - 1
		}
	}

	m.active.ReplaceOrInsert(versionItem(v))
	m.inFlight[v] = struct{}{}

	log.WithFields(logging.Fields{"version": v, "inFlight": len(inFlight)}).Debug("started snapshot")

	return &SnapshotDescriptor{
		LowestActiveVersion: m.lowestActiveLocked(),
		BaseVersion:         base,
		Version:             v,
		InFlight:            inFlight,
	}
}

// Commit removes v from the active set, the way a snapshot is released
// per spec.md §4.8.
func (m *Manager) Commit(v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active.Delete(versionItem(v))
	delete(m.inFlight, v)
}

// Abort is Commit's synonym: the version is retired from the active set
// without its writes ever having been intended to become visible. The
// engine does not distinguish committed from aborted versions once
// retired -- that judgment belongs to the surrounding transactional
// system, per spec.md §1's scope boundary.
func (m *Manager) Abort(v uint64) {
	m.Commit(v)
}

// LowestActiveVersion returns the current low-water mark: the minimum
// of all active versions, or the highest issued version if none are
// active, per spec.md §4.8.
func (m *Manager) LowestActiveVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowestActiveLocked()
}

func (m *Manager) lowestActiveLocked() uint64 {
	if min := m.active.Min(); min != nil {
		return uint64(min.(versionItem))
	}
	if m.next == 0 {
		return 0
	}
	return m.next - 1
}

// NextVersionPeek returns the version StartTx would hand out next,
// without drawing it. It is used only for logging and diagnostics.
func (m *Manager) NextVersionPeek() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}
