package table

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Stone1973/tellstore/commit"
	"github.com/Stone1973/tellstore/pagemgr"
	"github.com/Stone1973/tellstore/storeerrors"
	"github.com/Stone1973/tellstore/walog"
)

func newTestTable(t *testing.T, layout Layout) *Table {
	t.Helper()
	mgr := pagemgr.NewManager(pagemgr.DefaultSize, 0)
	l, err := walog.New(mgr, walog.Unordered)
	if err != nil {
		t.Fatalf("walog.New() failed with %s", err)
	}
	cm := commit.New()
	return New(1, "t", Schema{}, Params{
		Mgr: mgr, Commit: cm, Log: l, IndexSize: 1024, MaxDataSize: 0, Layout: layout,
	})
}

// TestInsertGetSnapshotVisibility is spec.md §8's E1: a snapshot at the
// insert version observes the row; one version earlier does not.
func TestInsertGetSnapshotVisibility(t *testing.T) {
	tb := newTestTable(t, LayoutRowStore)
	snap10 := &commit.SnapshotDescriptor{Version: 10}

	ok, err := tb.Insert(1, []byte("hello"), snap10, true)
	if err != nil || !ok {
		t.Fatalf("Insert() = %v, %v, want true, nil", ok, err)
	}

	res, found, err := tb.Get(1, &commit.SnapshotDescriptor{Version: 10})
	if err != nil || !found || !bytes.Equal(res.Data, []byte("hello")) {
		t.Fatalf("Get() at version 10 = %+v, %v, %v", res, found, err)
	}

	_, found, err = tb.Get(1, &commit.SnapshotDescriptor{Version: 9})
	if err != nil || found {
		t.Fatalf("Get() at version 9 found a row inserted at version 10")
	}
}

// TestUpdateChainVisibility is spec.md §8's E3.
func TestUpdateChainVisibility(t *testing.T) {
	tb := newTestTable(t, LayoutRowStore)

	ok, err := tb.Insert(1, []byte("v10"), &commit.SnapshotDescriptor{Version: 10}, true)
	mustOK(t, ok, err)
	ok, err = tb.Update(1, []byte("v20"), &commit.SnapshotDescriptor{Version: 20})
	mustOK(t, ok, err)
	ok, err = tb.Update(1, []byte("v30"), &commit.SnapshotDescriptor{Version: 30})
	mustOK(t, ok, err)
	ok, err = tb.Remove(1, &commit.SnapshotDescriptor{Version: 40})
	mustOK(t, ok, err)

	cases := []struct {
		version uint64
		want    string
		found   bool
	}{
		{25, "v20", true},
		{35, "v30", true},
		{45, "", false},
	}
	for _, c := range cases {
		res, found, err := tb.Get(1, &commit.SnapshotDescriptor{Version: c.version})
		if err != nil {
			t.Fatalf("Get() at version %d failed with %s", c.version, err)
		}
		if found != c.found {
			t.Fatalf("Get() at version %d found=%v, want %v", c.version, found, c.found)
		}
		if found && string(res.Data) != c.want {
			t.Fatalf("Get() at version %d = %q, want %q", c.version, res.Data, c.want)
		}
	}
}

// TestConcurrentInsertOneWins is spec.md §8's E4.
func TestConcurrentInsertOneWins(t *testing.T) {
	tb := newTestTable(t, LayoutRowStore)
	snap := &commit.SnapshotDescriptor{Version: 1}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := tb.Insert(7, []byte("x"), snap, true)
			results <- err
		}()
	}

	var oks, conflicts int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			oks++
		case errors.Is(err, storeerrors.ErrConflict):
			conflicts++
		default:
			t.Fatalf("Insert() returned unexpected error %s", err)
		}
	}
	if oks != 1 || conflicts != 1 {
		t.Fatalf("got %d successes and %d conflicts, want 1 and 1", oks, conflicts)
	}
}

// TestRevertDeltaRestoresPredecessor is spec.md §8's E5.
func TestRevertDeltaRestoresPredecessor(t *testing.T) {
	tb := newTestTable(t, LayoutRowStore)

	ok, err := tb.Insert(5, []byte("v10"), &commit.SnapshotDescriptor{Version: 10}, true)
	mustOK(t, ok, err)
	ok, err = tb.Update(5, []byte("v50"), &commit.SnapshotDescriptor{Version: 50})
	mustOK(t, ok, err)

	ok, err = tb.Revert(5, &commit.SnapshotDescriptor{Version: 50})
	if err != nil || !ok {
		t.Fatalf("Revert() = %v, %v, want true, nil", ok, err)
	}

	res, found, err := tb.Get(5, &commit.SnapshotDescriptor{Version: 60})
	if err != nil || !found {
		t.Fatalf("Get() after revert = %+v, %v, %v", res, found, err)
	}
	if string(res.Data) != "v10" {
		t.Fatalf("Get() after revert = %q, want the pre-revert value %q", res.Data, "v10")
	}
}

func TestScanMatchesPredicateAcrossKeys(t *testing.T) {
	tb := newTestTable(t, LayoutRowStore)
	snap := &commit.SnapshotDescriptor{Version: 1}

	for i := uint64(0); i < 10; i++ {
		data := []byte{byte(i)}
		ok, err := tb.Insert(i, data, snap, true)
		mustOK(t, ok, err)
	}

	var got []uint64
	q := &Query{Type: ScanFullTable, Predicate: func(data []byte) bool {
		return len(data) == 1 && data[0]%2 == 0
	}}
	err := tb.Scan(snap, q, SinkFunc(func(tup Tuple) error {
		got = append(got, tup.Key)
		return nil
	}))
	if err != nil {
		t.Fatalf("Scan() failed with %s", err)
	}
	if len(got) != 5 {
		t.Fatalf("Scan() matched %d rows, want 5", len(got))
	}
}

func TestScanRespectsSnapshotVisibility(t *testing.T) {
	tb := newTestTable(t, LayoutRowStore)

	before := &commit.SnapshotDescriptor{Version: 0}
	ok, err := tb.Insert(1, []byte("x"), &commit.SnapshotDescriptor{Version: 5}, true)
	mustOK(t, ok, err)
	after := &commit.SnapshotDescriptor{Version: 5}

	var n int
	scan := func(s *commit.SnapshotDescriptor) int {
		n = 0
		tb.Scan(s, &Query{Type: ScanFullTable}, SinkFunc(func(Tuple) error { n++; return nil }))
		return n
	}

	if got := scan(before); got != 0 {
		t.Fatalf("Scan() before insert saw %d rows, want 0", got)
	}
	if got := scan(after); got != 1 {
		t.Fatalf("Scan() after insert saw %d rows, want 1", got)
	}
}

func mustOK(t *testing.T, ok bool, err error) {
	t.Helper()
	if err != nil || !ok {
		t.Fatalf("operation = %v, %v, want true, nil", ok, err)
	}
}
