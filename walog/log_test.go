package walog

import (
	"bytes"
	"testing"

	"github.com/Stone1973/tellstore/pagemgr"
)

func TestAppendAndLookup(t *testing.T) {
	mgr := pagemgr.NewManager(256, 0)
	l, err := New(mgr, Unordered)
	if err != nil {
		t.Fatalf("New() failed with %s", err)
	}

	e, err := l.Append(TypeInsert, 1, 42, 10, nilAddr, []byte("hello"))
	if err != nil {
		t.Fatalf("Append() failed with %s", err)
	}
	if e.Kind() != TypeInsert || e.TableID() != 1 || e.Key() != 42 || e.Version() != 10 {
		t.Fatalf("Append() wrote wrong header: %+v", e)
	}
	if !bytes.Equal(e.Payload(), []byte("hello")) {
		t.Fatalf("Payload() = %q, want %q", e.Payload(), "hello")
	}

	got, ok := l.Lookup(e.Addr())
	if !ok {
		t.Fatalf("Lookup() did not find entry")
	}
	if !bytes.Equal(got.Payload(), []byte("hello")) {
		t.Fatalf("Lookup().Payload() = %q, want %q", got.Payload(), "hello")
	}

	if e.Reverted() {
		t.Fatalf("fresh entry reported Reverted() = true")
	}
	e.SetReverted()
	if !e.Reverted() {
		t.Fatalf("SetReverted() did not stick")
	}
}

func TestAppendRollsOverFullPages(t *testing.T) {
	mgr := pagemgr.NewManager(128, 0)
	l, err := New(mgr, Unordered)
	if err != nil {
		t.Fatalf("New() failed with %s", err)
	}

	var addrs []Addr
	for i := 0; i < 10; i++ {
		e, err := l.Append(TypeUpdate, 1, uint64(i), uint64(i), nilAddr, []byte("payload-data"))
		if err != nil {
			t.Fatalf("Append(%d) failed with %s", i, err)
		}
		addrs = append(addrs, e.Addr())
	}

	if len(l.Pages()) < 2 {
		t.Fatalf("Append() across a small page size did not roll over; got %d pages",
			len(l.Pages()))
	}

	for i, a := range addrs {
		e, ok := l.Lookup(a)
		if !ok {
			t.Fatalf("Lookup(%d) failed", i)
		}
		if e.Key() != uint64(i) {
			t.Fatalf("Lookup(%d).Key() = %d, want %d", i, e.Key(), i)
		}
	}
}

func TestOrderedLogLinksPages(t *testing.T) {
	mgr := pagemgr.NewManager(128, 0)
	l, err := New(mgr, Ordered)
	if err != nil {
		t.Fatalf("New() failed with %s", err)
	}

	for i := 0; i < 8; i++ {
		if _, err := l.Append(TypeInsert, 1, uint64(i), uint64(i), nilAddr,
			[]byte("payload-data")); err != nil {
			t.Fatalf("Append(%d) failed with %s", i, err)
		}
	}

	pages := l.Pages()
	if len(pages) < 2 {
		t.Fatalf("expected an ordered log with multiple linked pages, got %d", len(pages))
	}
	seen := map[uint32]bool{}
	for _, p := range pages {
		if seen[p.Num()] {
			t.Fatalf("Pages() yielded a cycle at page %d", p.Num())
		}
		seen[p.Num()] = true
	}
}
