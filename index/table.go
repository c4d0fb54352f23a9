// Package index is the open-addressed hash index of spec.md §4.3: a
// concurrent map from (table-id, key) to a record pointer. Slots march
// through empty -> inserting -> occupied -> deleted, every transition a
// CAS, so that lookups stay lock-free and linearizable with the CAS that
// publishes a record.
//
// Go's type parameters let the value type be the concrete *record.Record
// pointer the caller owns, without this package importing record and
// creating a cycle -- the generic Table[V] is this repo's equivalent of
// the capability-set contracts maho/engine.Table implements for several
// unrelated storage backends.
package index

import (
	"sync/atomic"

	"github.com/Stone1973/tellstore/storeerrors"
)

type state int32

const (
	stateEmpty state = iota
	stateInserting
	stateOccupied
	stateDeleted
)

type slot[V any] struct {
	tableID uint64
	key     uint64
	state   atomic.Int32
	value   atomic.Pointer[V]
}

// Table is a fixed-capacity open-addressing hash map. It does not
// resize; a Table sized generously by its owner (see package table)
// returns storeerrors.ErrOutOfMemory if every slot in a key's probe
// sequence is occupied by a different key.
type Table[V any] struct {
	buckets []atomic.Pointer[slot[V]]
	mask    uint64
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// New allocates a table with room for at least capacity live entries
// (actual bucket count is rounded up to a power of two and
// over-provisioned so probing does not thrash at high load factor).
func New[V any](capacity int) *Table[V] {
	n := nextPow2(capacity*2 + 16)
	return &Table[V]{
		buckets: make([]atomic.Pointer[slot[V]], n),
		mask:    uint64(n - 1),
	}
}

func mix(tableID, key uint64) uint64 {
	h := tableID*0x9E3779B97F4A7C15 ^ key
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

// Insert places value under (tableID, key). If the slot is already
// occupied by the same key: with replace=true the value is swapped in;
// with replace=false the call fails with storeerrors.ErrConflict, the
// way spec.md §4.3 requires for a duplicate-key insert.
func (t *Table[V]) Insert(tableID, key uint64, value *V, replace bool) error {
	start := mix(tableID, key) & t.mask
	n := uint64(len(t.buckets))

	for i := uint64(0); i < n; i++ {
		idx := (start + i) & t.mask
		b := &t.buckets[idx]

		for {
			cur := b.Load()
			if cur == nil {
				ns := &slot[V]{tableID: tableID, key: key}
				ns.state.Store(int32(stateInserting))
				ns.value.Store(value)
				if b.CompareAndSwap(nil, ns) {
					ns.state.Store(int32(stateOccupied))
					return nil
				}
				continue // another writer raced us onto this slot; re-examine it
			}

			if cur.tableID != tableID || cur.key != key {
				break // probe the next slot
			}

			switch state(cur.state.Load()) {
			case stateOccupied:
				if !replace {
					return storeerrors.ErrConflict
				}
				cur.value.Store(value)
				return nil
			case stateDeleted:
				if cur.state.CompareAndSwap(int32(stateDeleted), int32(stateInserting)) {
					cur.value.Store(value)
					cur.state.Store(int32(stateOccupied))
					return nil
				}
				continue // lost the resurrection race, re-read state
			case stateInserting:
				continue // spin briefly for the concurrent inserter to finish
			}
		}
	}
	return storeerrors.Wrap(storeerrors.ErrOutOfMemory, "index: no free slot for key %d", key)
}

// Get returns the value published for (tableID, key), or ok=false if no
// live entry exists.
func (t *Table[V]) Get(tableID, key uint64) (*V, bool) {
	start := mix(tableID, key) & t.mask
	n := uint64(len(t.buckets))

	for i := uint64(0); i < n; i++ {
		idx := (start + i) & t.mask
		cur := t.buckets[idx].Load()
		if cur == nil {
			return nil, false
		}
		if cur.tableID != tableID || cur.key != key {
			continue
		}
		if state(cur.state.Load()) == stateOccupied {
			return cur.value.Load(), true
		}
		if state(cur.state.Load()) == stateDeleted {
			return nil, false
		}
		// stateInserting: the writer publishing this slot is still in
		// flight; from the reader's perspective the key is not yet
		// visible, which is a legal outcome of a concurrent insert.
		return nil, false
	}
	return nil, false
}

// All invokes fn once for every live entry under tableID, in bucket
// order (no particular key order). fn returning false stops the walk
// early. All is used by package table's Scan, which needs the set of
// currently-live keys rather than a single lookup.
func (t *Table[V]) All(tableID uint64, fn func(key uint64, value *V) bool) {
	for i := range t.buckets {
		cur := t.buckets[i].Load()
		if cur == nil || cur.tableID != tableID {
			continue
		}
		if state(cur.state.Load()) != stateOccupied {
			continue
		}
		if !fn(cur.key, cur.value.Load()) {
			return
		}
	}
}

// Remove tombstones the slot holding (tableID, key). It reports whether
// a live entry was found.
func (t *Table[V]) Remove(tableID, key uint64) bool {
	start := mix(tableID, key) & t.mask
	n := uint64(len(t.buckets))

	for i := uint64(0); i < n; i++ {
		idx := (start + i) & t.mask
		cur := t.buckets[idx].Load()
		if cur == nil {
			return false
		}
		if cur.tableID != tableID || cur.key != key {
			continue
		}
		for {
			if state(cur.state.Load()) != stateOccupied {
				return false
			}
			if cur.state.CompareAndSwap(int32(stateOccupied), int32(stateDeleted)) {
				return true
			}
		}
	}
	return false
}
