// Package snapshot persists a table's current main-page contents to a
// bbolt file and restores them into a freshly opened Store, giving
// TellStore the durable-checkpoint escape hatch spec.md §9 leaves as a
// Design Note ("a log-structured store eventually wants a checkpoint
// format; this repository's is a plain key/value dump, not a redo
// log"). It does not persist the delta log or in-flight transactions:
// a restored table starts with every exported row folded into a single
// main page at its original version and no uncommitted history, which
// is sufficient for cold-start bootstrapping and for tests that
// exercise the full mainpage/compact stack without re-running every
// write.
//
// Grounded on maho/engine/bbolt (engine/bbolt/bbolt.go and encode.go):
// the same nested-bucket-per-table, flat-key-per-row layout, built on
// the same go.etcd.io/bbolt library.
package snapshot

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/Stone1973/tellstore/colstore"
	"github.com/Stone1973/tellstore/logging"
	"github.com/Stone1973/tellstore/mainpage"
	"github.com/Stone1973/tellstore/pagemgr"
	"github.com/Stone1973/tellstore/record"
	"github.com/Stone1973/tellstore/rowstore"
	"github.com/Stone1973/tellstore/storeerrors"
	"github.com/Stone1973/tellstore/table"
	"github.com/Stone1973/tellstore/tellstore"
)

var log = logging.For("snapshot")

var (
	tablesBucket = []byte("tables")
	metaKey      = []byte("meta")
	rowsBucket   = []byte("rows")
)

// Open opens (creating if necessary) a bbolt database at path for use
// by Export/Import.
func Open(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, storeerrors.Annotate(err, storeerrors.ErrInvalidSnapshot, fmt.Sprintf("snapshot: open %s", path))
	}
	return db, nil
}

// Export writes every live row of every table in s into db, one
// top-level bucket per table keyed by the table's name, each holding a
// "meta" key (the table's encoded schema and layout) and a "rows"
// sub-bucket mapping the row's big-endian key to its encoded record.
func Export(db *bbolt.DB, s *tellstore.Store) error {
	return db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(tablesBucket)
		if err != nil {
			return err
		}

		for _, t := range s.Tables() {
			tblBkt, err := root.CreateBucketIfNotExists([]byte(t.Name))
			if err != nil {
				return err
			}
			if err := tblBkt.Put(metaKey, encodeMeta(t)); err != nil {
				return err
			}

			rowsBkt, err := tblBkt.CreateBucketIfNotExists(rowsBucket)
			if err != nil {
				return err
			}
			// Start from a clean slate: Export always writes the
			// table's *current* main-page contents, so any rows from
			// a previous export of the same table must not linger.
			if err := clearBucket(rowsBkt); err != nil {
				return err
			}

			rows := 0
			for _, pg := range t.MainPages() {
				for i := 0; i < pg.Rows(); i++ {
					key := pg.RowKey(i)
					// A key's rows are stored newest-first; only the
					// newest one is exported.
					if i > 0 && pg.RowKey(i-1) == key {
						continue
					}
					if pg.RowDeleted(i) {
						continue
					}
					val := encodeRow(pg.RowVersion(i), pg.RowData(i))
					if err := rowsBkt.Put(keyBytes(key), val); err != nil {
						return err
					}
					rows++
				}
			}

			log.WithFields(logging.Fields{"table": t.Name, "rows": rows}).Info("exported table snapshot")
		}
		return nil
	})
}

// Import populates s with one table per bucket found in db, each table
// re-created (with the layout recorded in its exported meta) via
// s.CreateTable and its rows adopted as a single fresh main page
// through table.Table.AdoptMainPage, each row indexed by a record whose
// base points at it. Imported rows carry whatever
// version Export saw them at, so a CommitManager whose next version is
// already past that point (s.CommitManager().StartTx() after a few
// writes) will see them as ordinary history, not future writes.
func Import(db *bbolt.DB, s *tellstore.Store) error {
	return db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(tablesBucket)
		if root == nil {
			return nil
		}

		return root.ForEach(func(name []byte, _ []byte) error {
			tblBkt := root.Bucket(name)
			if tblBkt == nil {
				return nil
			}
			metaBytes := tblBkt.Get(metaKey)
			if metaBytes == nil {
				return storeerrors.Wrap(storeerrors.ErrInvalidTable, "snapshot: table %q missing meta", name)
			}
			schema, storedLayout, err := decodeMeta(metaBytes)
			if err != nil {
				return err
			}

			id, err := s.CreateTable(string(name), schema, storedLayout)
			if err != nil {
				return storeerrors.Wrap(err, "snapshot: restore table %q", name)
			}
			t, err := s.Table(id)
			if err != nil {
				return err
			}

			b, err := newMainBuilder(storedLayout, s.PageManager())
			if err != nil {
				return err
			}
			addrs := map[uint64]mainpage.MainAddr{}
			rowsBkt := tblBkt.Bucket(rowsBucket)
			if rowsBkt != nil {
				rows := 0
				if err := rowsBkt.ForEach(func(k, v []byte) error {
					key := binary.BigEndian.Uint64(k)
					version, data, err := decodeRow(v)
					if err != nil {
						return err
					}
					addrs[key] = b.Append(key, version, data, false)
					rows++
					return nil
				}); err != nil {
					return err
				}
				log.WithFields(logging.Fields{"table": string(name), "rows": rows}).Info("imported table snapshot")
			}
			t.AdoptMainPage(b.Finish())
			for key, addr := range addrs {
				r := &record.Record{TableID: id, Key: key}
				r.SetBase(addr)
				if err := t.Index().Insert(id, key, r, false); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func clearBucket(b *bbolt.Bucket) error {
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func keyBytes(key uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, key)
	return buf
}

// encodeMeta packs a table's layout byte ahead of its schema wire form
// so Import can reconstruct the same page representation it was
// exported from.
func encodeMeta(t *table.Table) []byte {
	buf := []byte{byte(t.Layout)}
	return append(buf, t.Schema.Encode()...)
}

func decodeMeta(buf []byte) (table.Schema, table.Layout, error) {
	if len(buf) < 1 {
		return table.Schema{}, 0, storeerrors.Wrap(storeerrors.ErrInvalidTable, "snapshot: truncated meta")
	}
	layout := table.Layout(buf[0])
	schema, err := table.DecodeSchema(buf[1:])
	if err != nil {
		return table.Schema{}, 0, err
	}
	return schema, layout, nil
}

// encodeRow packs a row's version ahead of its payload: 8 bytes
// big-endian version, then the raw data.
func encodeRow(version uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf, version)
	copy(buf[8:], data)
	return buf
}

func decodeRow(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, storeerrors.Wrap(storeerrors.ErrInvalidTable, "snapshot: truncated row")
	}
	return binary.BigEndian.Uint64(buf), buf[8:], nil
}

func newMainBuilder(layout table.Layout, mgr *pagemgr.Manager) (mainpage.Builder, error) {
	if layout == table.LayoutColumnMap {
		return colstore.NewMainBuilder(mgr, 0)
	}
	return rowstore.NewMainBuilder(mgr, 0)
}
