// Package runner is the entry point of the child process that
// executes one pipeline task. The server re-execs itself under the
// registered name, hands the task over as a payload on stdin, and the
// child wires the stages together with pipes, waits for all of them,
// and reports TASK_DONE back over the server FIFO.
package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/docker/docker/pkg/reexec"

	"github.com/kkovacs/orcd/internal/ipcconn"
	"github.com/kkovacs/orcd/internal/task"
	"github.com/kkovacs/orcd/internal/wire"
)

// Name is the reexec registration name of the runner child.
const Name = "orcd-runner"

// SendTries bounds how many times the completion notification is
// retried. Losing it would cost the orchestrator a slot forever, so
// the bound is generous.
const SendTries = 25

// Payload carries everything a runner child needs, serialized onto
// its stdin by the parent at spawn time.
type Payload struct {
	ID         uint32     `json:"id"`
	Slot       int        `json:"slot"`
	OutDir     string     `json:"out_dir"`
	ServerFifo string     `json:"server_fifo"`
	Stages     [][]string `json:"stages"`
}

func init() {
	reexec.Register(Name, run)
}

// Command builds the (unstarted) child command for a dispatched
// pipeline task.
func Command(p Payload) (*exec.Cmd, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("runner: marshal payload: %w", err)
	}
	cmd := reexec.Command(Name)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

func run() {
	logger := log.New(os.Stderr, "[runner] ", log.LstdFlags)
	var p Payload
	if err := json.NewDecoder(os.Stdin).Decode(&p); err != nil {
		logger.Fatalf("decode payload: %v", err)
	}
	errBit := execute(p, logger)
	ended := task.Now()
	report(p, ended, errBit, logger)
	if errBit {
		os.Exit(1)
	}
	os.Exit(0)
}

// execute runs the pipeline stages and returns true if any stage
// failed to start or exited non-zero.
func execute(p Payload, logger *log.Logger) bool {
	outF := openOrFallback(filepath.Join(p.OutDir, fmt.Sprintf("%d.out", p.ID)), os.Stdout, logger)
	errF := openOrFallback(filepath.Join(p.OutDir, fmt.Sprintf("%d.err", p.ID)), os.Stderr, logger)
	defer closeIfOwned(outF, os.Stdout)
	defer closeIfOwned(errF, os.Stderr)

	cmds := make([]*exec.Cmd, len(p.Stages))
	for i, argv := range p.Stages {
		cmds[i] = exec.Command(argv[0], argv[1:]...)
		cmds[i].Stderr = errF
	}
	cmds[len(cmds)-1].Stdout = outF

	// Connect stdout(i) to stdin(i+1). The parent's copies of the
	// pipe ends are closed right after the stages start; a leaked
	// writer would keep the downstream reader alive forever.
	var pipeEnds []*os.File
	for i := 0; i < len(cmds)-1; i++ {
		pr, pw, err := os.Pipe()
		if err != nil {
			logger.Printf("task %d: pipe: %v", p.ID, err)
			return true
		}
		cmds[i].Stdout = pw
		cmds[i+1].Stdin = pr
		pipeEnds = append(pipeEnds, pr, pw)
	}

	failed := false
	started := make([]bool, len(cmds))
	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			fmt.Fprintf(errF, "stage %d (%s): %v\n", i, p.Stages[i][0], err)
			failed = true
			continue
		}
		started[i] = true
	}
	for _, f := range pipeEnds {
		f.Close()
	}
	for i, cmd := range cmds {
		if !started[i] {
			continue
		}
		if err := cmd.Wait(); err != nil {
			fmt.Fprintf(errF, "stage %d (%s): %v\n", i, p.Stages[i][0], err)
			failed = true
		}
	}
	return failed
}

// report sends the completion notification. This is the mandatory
// send_retry path: the orchestrator frees the slot only on TASK_DONE.
func report(p Payload, ended task.Time, errBit bool, logger *log.Logger) {
	conn, err := ipcconn.Dial(p.ServerFifo)
	if err != nil {
		logger.Fatalf("task %d: dial server fifo: %v", p.ID, err)
	}
	defer conn.Close()
	msg := wire.TaskDoneMessage{
		Slot:      uint32(p.Slot),
		TimeEnded: wire.Timespec{Sec: ended.Sec, Nsec: ended.Nsec},
		IsStatus:  false,
		Error:     errBit,
	}
	if err := conn.SendRetry(msg.Encode(), SendTries); err != nil {
		logger.Fatalf("task %d: notify completion: %v", p.ID, err)
	}
}

func openOrFallback(path string, fallback *os.File, logger *log.Logger) *os.File {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		logger.Printf("open %s: %v, falling back to inherited descriptor", path, err)
		return fallback
	}
	return f
}

func closeIfOwned(f, inherited *os.File) {
	if f != inherited {
		f.Close()
	}
}
