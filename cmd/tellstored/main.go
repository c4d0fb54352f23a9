// Command tellstored is the demo server binary: it loads config, opens a
// tellstore.Store, and drives a small scripted workload against it so the
// engine can be exercised end to end without the network transport
// spec.md §1 leaves out of scope.
//
// Grounded on maho/cmd (cmd/maho.go): a cobra root command with
// persistent log-file/log-level/config-file flags, an HCL config file
// loaded in PersistentPreRunE, and subcommands registered through
// init().
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
