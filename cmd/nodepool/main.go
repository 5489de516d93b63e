package main

import (
	"fmt"
	"os"

	"nodepool/pkg/config"
	"nodepool/pkg/log"

	"github.com/spf13/cobra"
)

var version = "dev"

type app struct {
	cfgFile string
	debug   bool
	cfg     config.Config
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "nodepool",
		Short:         "Self-healing RPC node pool with discovery, profiling and failover routing",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "Path to config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		a.serveCommand(),
		a.discoverCommand(),
		a.prescreenCommand(),
		a.recordsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) setup() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	a.cfg = cfg

	if err := log.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	if a.debug {
		log.SetDebugMode()
		log.Debug().Msg("Debug mode enabled")
	}
	if err := log.SetFileOutput(cfg.Log.File); err != nil {
		return fmt.Errorf("log file: %w", err)
	}
	return nil
}
