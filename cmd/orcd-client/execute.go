package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kkovacs/orcd/internal/ipcconn"
	"github.com/kkovacs/orcd/internal/task"
	"github.com/kkovacs/orcd/internal/wire"
)

const submitTries = 5

var (
	flagProgram  bool
	flagPipeline bool
)

var executeCmd = &cobra.Command{
	Use:   "execute <expected_ms> {-u|-p} <command_line>",
	Short: "submit a task and print its assigned id",
	Long: `execute submits a command line with an expected duration hint in
milliseconds. -u submits a single program; -p allows a pipeline of
programs joined with '|'.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagProgram == flagPipeline {
			return fmt.Errorf("exactly one of -u and -p is required")
		}
		expected, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("expected_ms must be a 32-bit unsigned integer, got %q", args[0])
		}
		msgType := wire.SendProgram
		if flagPipeline {
			msgType = wire.SendTask
		}
		return submit(msgType, uint32(expected), args[1])
	},
}

func init() {
	executeCmd.Flags().BoolVarP(&flagProgram, "program", "u", false, "submit a single program")
	executeCmd.Flags().BoolVarP(&flagPipeline, "pipeline", "p", false, "submit a pipeline")
}

func submit(msgType wire.ClientMsgType, expected uint32, commandLine string) error {
	conn, err := ipcconn.New(ipcconn.RoleClient, serverFifo)
	if err != nil {
		return fmt.Errorf("connect to server: %w", err)
	}
	defer conn.Close()

	sent := task.Now()
	msg := wire.SendProgramTaskMessage{
		Type:         msgType,
		ClientPID:    uint32(os.Getpid()),
		TimeSent:     wire.Timespec{Sec: sent.Sec, Nsec: sent.Nsec},
		ExpectedTime: expected,
		CommandLine:  []byte(commandLine),
	}
	b, err := msg.Encode(ipcconn.MaxPayload)
	if err != nil {
		return fmt.Errorf("command line does not fit one message: %w", err)
	}
	if err := conn.SendRetry(b, submitTries); err != nil {
		return fmt.Errorf("send to server: %w", err)
	}

	serverErr := false
	_, err = conn.Listen(func(payload []byte) {
		t, perr := wire.PeekType(payload)
		if perr != nil {
			return
		}
		switch wire.ServerMsgType(t) {
		case wire.TaskID:
			m, derr := wire.DecodeTaskID(payload)
			if derr != nil {
				fmt.Fprintf(os.Stderr, "bad reply: %v\n", derr)
				serverErr = true
				return
			}
			fmt.Printf("Task %d scheduled\n", m.ID)
		case wire.Error:
			m, derr := wire.DecodeError(payload)
			if derr != nil {
				fmt.Fprintf(os.Stderr, "bad reply: %v\n", derr)
			} else {
				fmt.Fprintln(os.Stderr, m.Text)
			}
			serverErr = true
		}
	}, func() int {
		// One reply is all a submission gets.
		return 1
	})
	if err != nil {
		return fmt.Errorf("await reply: %w", err)
	}
	if serverErr {
		conn.Close()
		os.Exit(exitServerError)
	}
	return nil
}
