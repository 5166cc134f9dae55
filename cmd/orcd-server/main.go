package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/docker/pkg/reexec"
	"github.com/spf13/cobra"

	"github.com/kkovacs/orcd/internal/config"
	"github.com/kkovacs/orcd/internal/orchestrator"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orcd-server [out_dir [slots [fcfs|sjf]]]",
	Short: "orcd-server - local task orchestration daemon",
	Long: `orcd-server accepts job submissions from orcd-client processes over a
named pipe, schedules them under a fixed concurrency cap, runs each as
a subprocess pipeline, and records every completion to an append-only
log under the output directory.

Positional arguments override the config file, which overrides the
built-in defaults.`,
	Args:          cobra.MaximumNArgs(3),
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			cfg.OutDir = args[0]
		}
		if len(args) > 1 {
			n, err := strconv.ParseUint(args[1], 10, 31)
			if err != nil || n == 0 {
				return fmt.Errorf("slots must be a positive integer, got %q", args[1])
			}
			cfg.Slots = int(n)
		}
		if len(args) > 2 {
			cfg.Policy = args[2]
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.OutDir, 0750); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
		o, err := orchestrator.New(cfg)
		if err != nil {
			return err
		}
		defer o.Close()
		return o.Run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "TOML config file with server defaults")
}

func main() {
	// Re-exec'd runner and status children enter here and never
	// return; the registered entry points exit the process.
	if reexec.Init() {
		return
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
