package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kkovacs/orcd/internal/ipcconn"
)

// Exit codes: 0 success, 1 usage or client-side failure, 2
// server-reported error.
const exitServerError = 2

var serverFifo string

var rootCmd = &cobra.Command{
	Use:   "orcd-client",
	Short: "orcd-client - submit and inspect orcd-server tasks",
	Long: `orcd-client talks to a running orcd-server over its named pipe:
submit a program or pipeline with "execute", or stream a snapshot of
completed, running, and queued tasks with "status".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFifo, "fifo", ipcconn.DefaultServerPath, "server fifo path")
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
