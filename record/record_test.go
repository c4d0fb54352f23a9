package record

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/Stone1973/tellstore/commit"
	"github.com/Stone1973/tellstore/mainpage"
	"github.com/Stone1973/tellstore/pagemgr"
	"github.com/Stone1973/tellstore/storeerrors"
	"github.com/Stone1973/tellstore/walog"
)

func noMain(mainpage.MainAddr) (mainpage.RowAccessor, error) {
	return nil, storeerrors.ErrNotFound
}

func newLog(t *testing.T) *walog.Log {
	t.Helper()
	mgr := pagemgr.NewManager(pagemgr.DefaultSize, 0)
	l, err := walog.New(mgr, walog.Unordered)
	if err != nil {
		t.Fatalf("walog.New() failed with %s", err)
	}
	return l
}

func snap(v uint64) *commit.SnapshotDescriptor {
	return &commit.SnapshotDescriptor{Version: v}
}

func TestInsertThenReadVisibility(t *testing.T) {
	l := newLog(t)
	r, err := Insert(l, 1, 42, 10, []byte("hello"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}

	res, ok, err := Read(l, noMain, r, snap(10))
	if err != nil || !ok || !bytes.Equal(res.Data, []byte("hello")) {
		t.Fatalf("Read() at version 10 = %+v, %v, %v", res, ok, err)
	}
	if !res.IsNewest {
		t.Fatalf("Read() reported IsNewest=false for the only version")
	}

	_, ok, err = Read(l, noMain, r, snap(9))
	if err != nil || ok {
		t.Fatalf("Read() at version 9 found a row inserted at version 10")
	}
}

func TestUpdateChainNewestFirst(t *testing.T) {
	l := newLog(t)
	r, err := Insert(l, 1, 1, 10, []byte("v10"))
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}
	if err := Update(l, noMain, r, 20, []byte("v20"), snap(20)); err != nil {
		t.Fatalf("Update() failed with %s", err)
	}
	if err := Update(l, noMain, r, 30, []byte("v30"), snap(30)); err != nil {
		t.Fatalf("Update() failed with %s", err)
	}

	res, ok, err := Read(l, noMain, r, snap(25))
	if err != nil || !ok || string(res.Data) != "v20" {
		t.Fatalf("Read() at 25 = %+v, %v, %v, want v20", res, ok, err)
	}
	if res.IsNewest {
		t.Fatalf("Read() at 25 reported IsNewest=true, but v30 exists")
	}

	res, ok, err = Read(l, noMain, r, snap(30))
	if err != nil || !ok || string(res.Data) != "v30" || !res.IsNewest {
		t.Fatalf("Read() at 30 = %+v, %v, %v, want v30/true", res, ok, err)
	}
}

func TestRemoveThenReadNotFound(t *testing.T) {
	l := newLog(t)
	r, _ := Insert(l, 1, 1, 10, []byte("v10"))
	if err := Remove(l, noMain, r, 20, snap(20)); err != nil {
		t.Fatalf("Remove() failed with %s", err)
	}

	_, ok, err := Read(l, noMain, r, snap(20))
	if err != nil || ok {
		t.Fatalf("Read() after remove = %v, %v, want false, nil", ok, err)
	}
	// The pre-remove version remains visible to an earlier snapshot.
	res, ok, err := Read(l, noMain, r, snap(15))
	if err != nil || !ok || string(res.Data) != "v10" {
		t.Fatalf("Read() before remove version = %+v, %v, %v, want v10", res, ok, err)
	}
}

func TestUpdateConflictRetriesOntoNewHead(t *testing.T) {
	l := newLog(t)
	r, _ := Insert(l, 1, 1, 10, []byte("v10"))

	// Simulate a writer that observed an older head than the one
	// actually installed: Update always reloads the head itself, so a
	// second concurrent Update must still succeed and chain onto the
	// first, never silently clobbering it.
	if err := Update(l, noMain, r, 20, []byte("a"), snap(20)); err != nil {
		t.Fatalf("first Update() failed with %s", err)
	}
	if err := Update(l, noMain, r, 21, []byte("b"), snap(21)); err != nil {
		t.Fatalf("second Update() failed with %s", err)
	}

	res, ok, err := Read(l, noMain, r, snap(21))
	if err != nil || !ok || string(res.Data) != "b" {
		t.Fatalf("Read() = %+v, %v, %v, want b", res, ok, err)
	}
	// Walk the chain manually and confirm no cycle and strictly
	// decreasing versions, per spec.md §3's invariants.
	seen := map[uint64]bool{}
	head := r.LoadHead()
	var last uint64 = ^uint64(0)
	steps := 0
	for head.Tag() == TagDelta {
		steps++
		if steps > 100 {
			t.Fatalf("delta chain walk did not terminate -- cycle?")
		}
		e, ok := l.Lookup(head.DeltaAddr())
		if !ok {
			t.Fatalf("dangling delta address")
		}
		if seen[uint64(head)] {
			t.Fatalf("cycle detected in delta chain")
		}
		seen[uint64(head)] = true
		if e.Version() >= last {
			t.Fatalf("versions not strictly decreasing: %d then %d", last, e.Version())
		}
		last = e.Version()
		head = Head(e.Previous())
	}
}

func TestRevertSkipsRevertedVersion(t *testing.T) {
	l := newLog(t)
	r, _ := Insert(l, 1, 5, 10, []byte("v10"))
	if err := Update(l, noMain, r, 50, []byte("v50"), snap(50)); err != nil {
		t.Fatalf("Update() failed with %s", err)
	}

	if err := Revert(l, noMain, r, 50); err != nil {
		t.Fatalf("Revert() failed with %s", err)
	}

	res, ok, err := Read(l, noMain, r, snap(60))
	if err != nil || !ok || string(res.Data) != "v10" {
		t.Fatalf("Read() after revert = %+v, %v, %v, want v10", res, ok, err)
	}
}

func TestPublishMainCarriesForwardConcurrentUpdate(t *testing.T) {
	l := newLog(t)
	r, _ := Insert(l, 1, 1, 10, []byte("v10"))
	expected := r.LoadHead()

	// A concurrent writer updates the record after the compactor
	// snapshotted "expected" but before PublishMain runs.
	if err := Update(l, noMain, r, 20, []byte("v20"), snap(20)); err != nil {
		t.Fatalf("Update() failed with %s", err)
	}

	acc := &fakeAccessor{}
	resolve := func(mainpage.MainAddr) (mainpage.RowAccessor, error) { return acc, nil }

	newMain := mainpage.PackMainAddr(1, 0)
	if err := PublishMain(resolve, PendingPublish(r, expected, newMain)); err != nil {
		t.Fatalf("PublishMain() failed with %s", err)
	}

	// The record's own head is now Main; the racing update must have
	// been carried onto the new main row's own newest slot rather than
	// dropped, per spec.md §9's design note.
	if r.LoadHead().Tag() != TagMain {
		t.Fatalf("record head tag = %v, want TagMain", r.LoadHead().Tag())
	}
	overlay := Head(acc.newest.Load())
	if overlay.Tag() != TagDelta {
		t.Fatalf("new main row's overlay tag = %v, want TagDelta (carried update)", overlay.Tag())
	}
	e, ok := l.Lookup(overlay.DeltaAddr())
	if !ok || string(e.Payload()) != "v20" {
		t.Fatalf("carried-forward overlay does not point at the v20 update")
	}
}

// fakeAccessor is a minimal mainpage.RowAccessor standing in for a real
// main page, used only to observe PublishMain's carry-forward write.
type fakeAccessor struct {
	newest   atomic.Uint64
	reverted atomic.Bool
}

func (f *fakeAccessor) Newest(mainpage.MainAddr) *atomic.Uint64 { return &f.newest }
func (f *fakeAccessor) Key(mainpage.MainAddr) uint64            { return 1 }
func (f *fakeAccessor) Version(mainpage.MainAddr) uint64        { return 10 }
func (f *fakeAccessor) Payload(mainpage.MainAddr) ([]byte, bool) {
	return []byte("v10"), true
}
func (f *fakeAccessor) Reverted(mainpage.MainAddr) bool  { return f.reverted.Load() }
func (f *fakeAccessor) SetReverted(mainpage.MainAddr)    { f.reverted.Store(true) }
