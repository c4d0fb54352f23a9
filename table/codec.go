package table

import (
	"encoding/binary"

	"github.com/Stone1973/tellstore/storeerrors"
)

// EncodeRow packs one row's field values into the opaque payload bytes
// stored as a version's data. Each value must be nil (nullable fields
// only) or a byte slice sized to Field.Size for a FieldFixed field;
// FieldVariable values carry their own 4-byte length prefix so DecodeRow
// can split the blob back apart. This repository's column-map page,
// unlike the original's page-level recordData/heapData split, stores a
// row's whole encoded payload as a single heap entry (see DESIGN.md) --
// EncodeRow/DecodeRow are where the fixed/variable distinction spec.md
// §3 describes actually lives.
func (s Schema) EncodeRow(values [][]byte) ([]byte, error) {
	if len(values) != len(s.Fields) {
		return nil, storeerrors.Wrap(storeerrors.ErrInvalidTable,
			"table: EncodeRow got %d values, schema has %d fields", len(values), len(s.Fields))
	}

	var buf []byte
	for i, f := range s.Fields {
		v := values[i]
		if v == nil {
			if !f.Nullable {
				return nil, storeerrors.Wrap(storeerrors.ErrInvalidTable,
					"table: field %q is not nullable", f.Name)
			}
			buf = append(buf, 0)
			if f.Type == FieldFixed {
				buf = append(buf, make([]byte, f.Size)...)
			}
			continue
		}

		buf = append(buf, 1)
		if f.Type == FieldFixed {
			if len(v) != f.Size {
				return nil, storeerrors.Wrap(storeerrors.ErrInvalidTable,
					"table: field %q wants %d bytes, got %d", f.Name, f.Size, len(v))
			}
			buf = append(buf, v...)
			continue
		}

		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(v)))
		buf = append(buf, lenBuf...)
		buf = append(buf, v...)
	}
	return buf, nil
}

// DecodeRow is EncodeRow's inverse. A nil entry in the result means the
// field was encoded as null.
func (s Schema) DecodeRow(data []byte) ([][]byte, error) {
	values := make([][]byte, len(s.Fields))
	for i, f := range s.Fields {
		if len(data) < 1 {
			return nil, storeerrors.Wrap(storeerrors.ErrInvalidTable, "table: truncated row at field %q", f.Name)
		}
		present := data[0] != 0
		data = data[1:]

		if f.Type == FieldFixed {
			if len(data) < f.Size {
				return nil, storeerrors.Wrap(storeerrors.ErrInvalidTable,
					"table: truncated fixed field %q", f.Name)
			}
			if present {
				values[i] = append([]byte(nil), data[:f.Size]...)
			}
			data = data[f.Size:]
			continue
		}

		if !present {
			continue
		}
		if len(data) < 4 {
			return nil, storeerrors.Wrap(storeerrors.ErrInvalidTable, "table: truncated var field %q length", f.Name)
		}
		n := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, storeerrors.Wrap(storeerrors.ErrInvalidTable, "table: truncated var field %q data", f.Name)
		}
		values[i] = append([]byte(nil), data[:n]...)
		data = data[n:]
	}
	return values, nil
}

// Project decodes data against s and re-encodes only the fields named
// by indices, in the order given -- the projection half of spec.md
// §4.9's "compiled selection/projection" (the compiler that produces
// the index list is out of scope, per spec.md §1).
func (s Schema) Project(data []byte, indices []int) ([]byte, error) {
	values, err := s.DecodeRow(data)
	if err != nil {
		return nil, err
	}

	sub := Schema{Fields: make([]Field, 0, len(indices))}
	subValues := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(s.Fields) {
			return nil, storeerrors.Wrap(storeerrors.ErrInvalidTable, "table: projection index %d out of range", idx)
		}
		sub.Fields = append(sub.Fields, s.Fields[idx])
		subValues = append(subValues, values[idx])
	}
	return sub.EncodeRow(subValues)
}
