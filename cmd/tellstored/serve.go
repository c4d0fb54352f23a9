package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Stone1973/tellstore/logging"
	"github.com/Stone1973/tellstore/snapshot"
	"github.com/Stone1973/tellstore/table"
	"github.com/Stone1973/tellstore/tellstore"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the tellstored demo workload",
		RunE:  serveRun,
	}

	demoTable    = "demo"
	snapshotFile = ""
	compactEvery = 2 * time.Second
)

func init() {
	fs := serveCmd.Flags()
	fs.StringVar(&demoTable, "table", demoTable, "`name` of the demo table to drive")
	fs.StringVar(&snapshotFile, "snapshot-file", snapshotFile,
		"`file` to restore from at startup and export to on shutdown; empty disables snapshots")
	fs.DurationVar(&compactEvery, "compact-every", compactEvery,
		"how often the demo loop runs a compaction cycle")

	rootCmd.AddCommand(serveCmd)
}

var serveLog = logging.For("cmd")

// serveRun wires a Store, optionally restores it from --snapshot-file,
// runs a scripted insert/update/remove/compact workload against a
// demo table until interrupted, and -- again only if --snapshot-file
// is set -- exports the final state before exiting. This stands in for
// the RPC front-end spec.md §1 marks out of scope: the server loop
// signal handling below is otherwise exactly maho/cmd/start.go's.
func serveRun(cmd *cobra.Command, args []string) error {
	s := tellstore.Open(engineCfg)

	if snapshotFile != "" {
		if _, err := os.Stat(snapshotFile); err == nil {
			db, err := snapshot.Open(snapshotFile)
			if err != nil {
				return fmt.Errorf("tellstored: %s", err)
			}
			if err := snapshot.Import(db, s); err != nil {
				db.Close()
				return fmt.Errorf("tellstored: restore: %s", err)
			}
			db.Close()
			serveLog.WithField("file", snapshotFile).Info("restored snapshot")
		}
	}

	tableID, _, err := s.GetTable(demoTable)
	if err != nil {
		tableID, err = s.CreateTable(demoTable, table.Schema{
			Fields: []table.Field{{Name: "value", Type: table.FieldVariable}},
		}, table.LayoutRowStore)
		if err != nil {
			return fmt.Errorf("tellstored: %s", err)
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go runDemoLoop(s, tableID, stop, done)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	fmt.Println("tellstored: waiting for ^C to shutdown")
	<-ch
	go func() {
		<-ch
		os.Exit(0)
	}()

	fmt.Println("tellstored: shutting down")
	close(stop)
	<-done

	if snapshotFile != "" {
		db, err := snapshot.Open(snapshotFile)
		if err != nil {
			return fmt.Errorf("tellstored: %s", err)
		}
		defer db.Close()
		if err := snapshot.Export(db, s); err != nil {
			return fmt.Errorf("tellstored: export: %s", err)
		}
		serveLog.WithField("file", snapshotFile).Info("exported snapshot")
	}

	return nil
}

// runDemoLoop drives a small, deterministic workload: insert a batch of
// keys, update half of them, remove a few, compact, repeat. It exists
// purely to give the log, the index, the compactor and the row-store
// page layout something to do when tellstored is run without a client;
// the demo table is row-store, so the column-map layout is not used.
func runDemoLoop(s *tellstore.Store, tableID uint64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(compactEvery)
	defer ticker.Stop()

	const batch = 64
	var cycle uint64

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cycle++
			base := cycle * batch

			snap := s.CommitManager().StartTx()
			for i := uint64(0); i < batch; i++ {
				key := base + i
				data := []byte(fmt.Sprintf("cycle-%d-row-%d", cycle, i))
				if _, err := s.Insert(tableID, key, data, snap, false); err != nil {
					serveLog.WithError(err).Warn("demo insert failed")
				}
			}
			for i := uint64(0); i < batch/2; i++ {
				key := base + i
				if _, err := s.Update(tableID, key, []byte(fmt.Sprintf("updated-%d", i)), snap); err != nil {
					serveLog.WithError(err).Warn("demo update failed")
				}
			}
			for i := uint64(0); i < batch/8; i++ {
				key := base + i
				if _, err := s.Remove(tableID, key, snap); err != nil {
					serveLog.WithError(err).Warn("demo remove failed")
				}
			}
			s.CommitManager().Commit(snap.Version)

			if err := s.Compact(tableID); err != nil {
				serveLog.WithError(err).Warn("demo compaction failed")
				continue
			}

			t, err := s.Table(tableID)
			if err != nil {
				continue
			}
			serveLog.WithFields(logging.Fields{
				"cycle": cycle, "main_pages": len(t.MainPages()),
			}).Info("demo cycle complete")
		}
	}
}
