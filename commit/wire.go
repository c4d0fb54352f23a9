package commit

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes s to the wire form spec.md §6 fixes: 8 bytes
// lowestActiveVersion, 8 bytes baseVersion, 8 bytes version, 4 bytes
// inFlightLength, padding to 8, then ceil(inFlightLength/8) bytes of
// bitset. The bitset's bit i is set iff BaseVersion+1+i is in InFlight,
// the same "offset from a base" compression maho/engine/bbolt/encode.go
// uses for its own sql.Value key tags rather than storing each
// in-flight version as a full 8-byte word.
func (s *SnapshotDescriptor) Encode() []byte {
	span := 0
	if s.Version > s.BaseVersion {
		span = int(s.Version - s.BaseVersion)
	}
	bitsetLen := (span + 7) / 8

	buf := make([]byte, 8+8+8+4+4+bitsetLen)
	binary.LittleEndian.PutUint64(buf[0:8], s.LowestActiveVersion)
	binary.LittleEndian.PutUint64(buf[8:16], s.BaseVersion)
	binary.LittleEndian.PutUint64(buf[16:24], s.Version)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(span))
	// buf[28:32] is the pad-to-8 region, left zero.

	bitset := buf[32:]
	for v := range s.InFlight {
		if v <= s.BaseVersion || v > s.Version {
			continue
		}
		i := int(v - s.BaseVersion - 1)
		bitset[i/8] |= 1 << (i % 8)
	}
	return buf
}

// Decode parses the form Encode produces.
func Decode(buf []byte) (*SnapshotDescriptor, error) {
	if len(buf) < 32 {
		return nil, fmt.Errorf("commit: truncated snapshot descriptor (%d bytes)", len(buf))
	}
	s := &SnapshotDescriptor{
		LowestActiveVersion: binary.LittleEndian.Uint64(buf[0:8]),
		BaseVersion:         binary.LittleEndian.Uint64(buf[8:16]),
		Version:             binary.LittleEndian.Uint64(buf[16:24]),
	}
	span := int(binary.LittleEndian.Uint32(buf[24:28]))
	bitsetLen := (span + 7) / 8
	if len(buf) < 32+bitsetLen {
		return nil, fmt.Errorf("commit: truncated snapshot descriptor bitset (want %d, have %d)",
			bitsetLen, len(buf)-32)
	}

	s.InFlight = make(map[uint64]bool, span)
	bitset := buf[32 : 32+bitsetLen]
	for i := 0; i < span; i++ {
		if bitset[i/8]&(1<<(i%8)) != 0 {
			s.InFlight[s.BaseVersion+1+uint64(i)] = true
		}
	}
	return s, nil
}
