package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Stone1973/tellstore/config"
	"github.com/Stone1973/tellstore/logging"
)

var (
	rootCmd = &cobra.Command{
		Use:               "tellstored",
		Short:             "An in-memory multi-version key/value store",
		Long:              "tellstored is TellStore's demo server: a single-process, multi-version, snapshot-isolated key/value engine.",
		PersistentPreRunE: rootPreRun,
		PersistentPostRun: rootPostRun,
	}

	logFile   = "tellstored.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "tellstored.hcl"
	noConfig   = false

	engineCfg = config.Default()
	cfgReg    = config.New()
	usedFlags = map[string]struct{}{}
)

func init() {
	fs := rootCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")

	engineCfg.Register(cfgReg)
	fs.IntVar(&engineCfg.PageSize, "page-size", engineCfg.PageSize, "page allocator slab size in bytes")
	fs.IntVar(&engineCfg.CompactionThreshold, "compaction-threshold", engineCfg.CompactionThreshold,
		"compaction threshold (accepted and stored; the engine does not read it)")
	fs.IntVar(&engineCfg.GCBatchSize, "gc-batch-size", engineCfg.GCBatchSize,
		"sizes each table's hash index (capacity = value * 64)")
	fs.IntVar(&engineCfg.ScanSlots, "scan-slots", engineCfg.ScanSlots,
		"maximum number of concurrent table scans")
}

func rootPreRun(cmd *cobra.Command, args []string) error {
	cmd.Flags().Visit(func(flg *pflag.Flag) {
		usedFlags[flg.Name] = struct{}{}
	})

	if configFile != "" && !noConfig {
		if err := loadConfig(); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("tellstored: %s", err)
			}
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("tellstored: %s", err)
		}
		logging.SetOutput(logWriter)
	}

	if err := logging.SetLevel(logLevel); err != nil {
		return fmt.Errorf("tellstored: %s", err)
	}

	logging.For("cmd").WithField("pid", os.Getpid()).Info("tellstored starting")
	return nil
}

func rootPostRun(cmd *cobra.Command, args []string) {
	logging.For("cmd").WithField("pid", os.Getpid()).Info("tellstored done")
	if logWriter != nil {
		logWriter.Close()
	}
}

// loadConfig applies configFile's name=value pairs to whichever
// registered config.Value each one names, the way maho/cmd's
// loadConfig applies "maho.hcl" to cfgVars -- except every param here
// is routed through config.Config.Set instead of a hand-rolled
// map-of-flags lookup, since config.Config already is that lookup.
func loadConfig() error {
	return cfgReg.Load(configFile)
}
