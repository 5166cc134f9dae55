package main

import (
	"fmt"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kkovacs/orcd/internal/ipcconn"
	"github.com/kkovacs/orcd/internal/wire"
)

var flagWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "stream a snapshot of completed, running, and queued tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := ipcconn.New(ipcconn.RoleClient, serverFifo)
		if err != nil {
			return fmt.Errorf("connect to server: %w", err)
		}
		defer conn.Close()
		if flagWatch {
			return watchStatus(conn)
		}
		lines, serverErr, err := fetchStatus(conn)
		if err != nil {
			return err
		}
		if serverErr != "" {
			fmt.Fprintln(os.Stderr, serverErr)
			conn.Close()
			os.Exit(exitServerError)
		}
		printStatus(lines)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&flagWatch, "watch", false, "refresh the snapshot continuously")
}

// fetchStatus requests one snapshot and collects every STATUS frame
// until the server's status child closes its write side. A refused
// request comes back as a single ERROR frame instead.
func fetchStatus(conn *ipcconn.Connection) ([]wire.StatusMessage, string, error) {
	req := wire.StatusRequestMessage{ClientPID: uint32(os.Getpid())}
	if err := conn.SendRetry(req.Encode(), submitTries); err != nil {
		return nil, "", fmt.Errorf("send status request: %w", err)
	}
	var lines []wire.StatusMessage
	serverErr := ""
	_, err := conn.Listen(func(payload []byte) {
		t, perr := wire.PeekType(payload)
		if perr != nil {
			return
		}
		switch wire.ServerMsgType(t) {
		case wire.StatusS2C:
			m, derr := wire.DecodeStatus(payload)
			if derr != nil {
				fmt.Fprintf(os.Stderr, "bad status line: %v\n", derr)
				return
			}
			lines = append(lines, m)
		case wire.Error:
			if m, derr := wire.DecodeError(payload); derr == nil {
				serverErr = m.Text
			}
		}
	}, func() int {
		// The stream ends when the writer closes; one cycle is the
		// whole snapshot.
		return 1
	})
	if err != nil {
		return nil, "", fmt.Errorf("receive status: %w", err)
	}
	return lines, serverErr, nil
}

func printStatus(lines []wire.StatusMessage) {
	fmt.Printf("%-6s %-10s %-4s %10s %10s %10s %10s  %s\n",
		"ID", "STATUS", "ERR", "C2S", "WAIT", "EXEC", "S2S", "COMMAND")
	for _, m := range lines {
		errMark := ""
		if m.Error {
			errMark = "E"
		}
		fmt.Printf("%-6d %-10s %-4s %10s %10s %10s %10s  %s\n",
			m.ID, m.Status, errMark,
			formatMicros(m.TimeC2SFifo),
			formatMicros(m.TimeWaiting),
			formatMicros(m.TimeExecuting),
			formatMicros(m.TimeS2SFifo),
			m.CommandLine)
	}
}

// formatMicros renders one wire duration (microseconds, NaN when
// undefined) for humans.
func formatMicros(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return humanize.SIWithDigits(v/1e6, 2, "s")
}
