package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Stone1973/tellstore/table"
	"github.com/Stone1973/tellstore/tellstore"
)

func TestExportThenImportRoundTrip(t *testing.T) {
	src := tellstore.Open(nil)
	id, err := src.CreateTable("widgets", table.Schema{Fields: []table.Field{
		{Name: "name", Type: table.FieldVariable},
	}}, table.LayoutRowStore)
	if err != nil {
		t.Fatalf("CreateTable() failed with %s", err)
	}

	snap := src.CommitManager().StartTx()
	for key := uint64(1); key <= 5; key++ {
		if ok, err := src.Insert(id, key, []byte("row"), snap, true); err != nil || !ok {
			t.Fatalf("Insert(%d) = %v, %v, want true, nil", key, ok, err)
		}
	}
	src.CommitManager().Commit(snap.Version)
	if err := src.Compact(id); err != nil {
		t.Fatalf("Compact() failed with %s", err)
	}

	path := filepath.Join(t.TempDir(), "snapshot.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	if err := Export(db, src); err != nil {
		t.Fatalf("Export() failed with %s", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("db.Close() failed with %s", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open() failed with %s", err)
	}
	defer db2.Close()

	dst := tellstore.Open(nil)
	if err := Import(db2, dst); err != nil {
		t.Fatalf("Import() failed with %s", err)
	}

	dstID, schema, err := dst.GetTable("widgets")
	if err != nil {
		t.Fatalf("GetTable() failed with %s", err)
	}
	if len(schema.Fields) != 1 || schema.Fields[0].Name != "name" {
		t.Fatalf("restored schema = %+v, want one field named name", schema)
	}

	readSnap := dst.CommitManager().StartTx()
	for key := uint64(1); key <= 5; key++ {
		res, found, err := dst.Get(dstID, key, readSnap)
		if err != nil || !found || string(res.Data) != "row" {
			t.Fatalf("Get(%d) after import = %+v, %v, %v, want row/true", key, res, found, err)
		}
	}
}

func TestOpenCreatesFileIfMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	defer db.Close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Open() did not create %s: %s", path, err)
	}
}
