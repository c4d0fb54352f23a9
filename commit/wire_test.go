package commit

import "testing"

func TestWireRoundTrip(t *testing.T) {
	s := &SnapshotDescriptor{
		LowestActiveVersion: 3,
		BaseVersion:         5,
		Version:             20,
		InFlight: map[uint64]bool{
			6:  true,
			11: true,
			20: true,
		},
	}

	buf := s.Encode()
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() failed with %s", err)
	}

	if got.LowestActiveVersion != s.LowestActiveVersion ||
		got.BaseVersion != s.BaseVersion || got.Version != s.Version {
		t.Fatalf("Decode() = %+v, want %+v", got, s)
	}
	for v := range s.InFlight {
		if !got.InFlight[v] {
			t.Fatalf("Decode().InFlight missing version %d", v)
		}
	}
	for v := range got.InFlight {
		if !s.InFlight[v] {
			t.Fatalf("Decode().InFlight has unexpected version %d", v)
		}
	}
}

func TestWireRoundTripEmptyInFlight(t *testing.T) {
	s := &SnapshotDescriptor{LowestActiveVersion: 1, BaseVersion: 1, Version: 1}
	got, err := Decode(s.Encode())
	if err != nil {
		t.Fatalf("Decode() failed with %s", err)
	}
	if len(got.InFlight) != 0 {
		t.Fatalf("Decode().InFlight = %v, want empty", got.InFlight)
	}
}

func TestWireFromStartTx(t *testing.T) {
	m := New()
	s1 := m.StartTx()
	s2 := m.StartTx()
	_ = s1

	got, err := Decode(s2.Encode())
	if err != nil {
		t.Fatalf("Decode() failed with %s", err)
	}
	if got.Version != s2.Version || got.BaseVersion != s2.BaseVersion {
		t.Fatalf("Decode() = %+v, want %+v", got, s2)
	}
	if !got.Visible(s2.Version) || got.Visible(s1.Version) {
		t.Fatalf("round-tripped descriptor has wrong visibility: %+v", got)
	}
}
