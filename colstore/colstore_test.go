package colstore

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/Stone1973/tellstore/mainpage"
	"github.com/Stone1973/tellstore/pagemgr"
)

// TestVarSizePayloadsRoundTrip is spec.md §8's E6: store 500 rows of a
// single var-size field with random lengths 0..1024 and byte-compare
// each payload against what was written.
func TestVarSizePayloadsRoundTrip(t *testing.T) {
	mgr := pagemgr.NewManager(pagemgr.DefaultSize, 0)
	b, err := NewBuilder(mgr, 0)
	if err != nil {
		t.Fatalf("NewBuilder() failed with %s", err)
	}

	rnd := rand.New(rand.NewSource(1))
	want := make([][]byte, 500)
	addrs := make([]mainpage.MainAddr, 500)

	for i := 0; i < 500; i++ {
		n := rnd.Intn(1025)
		data := make([]byte, n)
		rnd.Read(data)
		want[i] = data
		addrs[i] = b.Append(uint64(i), uint64(i+1), data, false)
	}

	page := b.Finish().(*Page)
	defer page.Free(mgr)

	for i, a := range addrs {
		data, ok := page.Payload(a)
		if !ok {
			t.Fatalf("Payload(%d) reported a tombstone for a live row", i)
		}
		if !bytes.Equal(data, want[i]) {
			t.Fatalf("row %d payload mismatch: got %d bytes, want %d bytes", i, len(data), len(want[i]))
		}
	}
}

func TestZeroLengthPayloadIsNotATombstone(t *testing.T) {
	mgr := pagemgr.NewManager(pagemgr.DefaultSize, 0)
	b, err := NewBuilder(mgr, 0)
	if err != nil {
		t.Fatalf("NewBuilder() failed with %s", err)
	}
	live := b.Append(1, 1, []byte{}, false)
	dead := b.Append(2, 1, nil, true)
	page := b.Finish().(*Page)
	defer page.Free(mgr)

	if _, ok := page.Payload(live); !ok {
		t.Fatalf("Payload() treated a zero-length live row as a tombstone")
	}
	if _, ok := page.Payload(dead); ok {
		t.Fatalf("Payload() treated a tombstone as live")
	}
}
