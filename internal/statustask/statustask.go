// Package statustask is the entry point of the child process that
// streams a server-state snapshot to one requesting client: every
// logged completion, then the running slots, then the pending queue.
// The snapshot is fixed at spawn time (the log replay is capped at
// the record count the parent observed, and the running/queued lists
// are serialized into the child's payload), so the stream never sees
// state the server mutated afterward.
package statustask

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"

	"github.com/docker/docker/pkg/reexec"

	"github.com/kkovacs/orcd/internal/ipcconn"
	"github.com/kkovacs/orcd/internal/logstore"
	"github.com/kkovacs/orcd/internal/task"
	"github.com/kkovacs/orcd/internal/wire"
)

// Name is the reexec registration name of the status child.
const Name = "orcd-status"

// SendTries mirrors runner.SendTries for the completion notification.
const SendTries = 25

// State is the opaque procedure state the orchestrator binds into a
// status TaggedTask: who asked, and where to report back.
type State struct {
	ClientPID int
}

// TaskLine is one running or queued task serialized into the payload.
type TaskLine struct {
	ID          uint32                    `json:"id"`
	CommandLine string                    `json:"command_line"`
	Times       [task.NumStages]task.Time `json:"times"`
}

// Payload carries the snapshot a status child streams.
type Payload struct {
	Slot       int        `json:"slot"`
	ClientPID  int        `json:"client_pid"`
	ServerFifo string     `json:"server_fifo"`
	LogPath    string     `json:"log_path"`
	LogCount   int        `json:"log_count"`
	Running    []TaskLine `json:"running"`
	Queued     []TaskLine `json:"queued"`
}

func init() {
	reexec.Register(Name, run)
}

// Command builds the (unstarted) child command for a status task.
func Command(p Payload) (*exec.Cmd, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("statustask: marshal payload: %w", err)
	}
	cmd := reexec.Command(Name)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd, nil
}

func run() {
	logger := log.New(os.Stderr, "[status] ", log.LstdFlags)
	var p Payload
	if err := json.NewDecoder(os.Stdin).Decode(&p); err != nil {
		logger.Fatalf("decode payload: %v", err)
	}
	errBit := stream(p, logger)
	report(p, errBit, logger)
	if errBit {
		os.Exit(1)
	}
	os.Exit(0)
}

// stream sends one STATUS frame per logged, running, and queued task
// to the requesting client. Returns true if the stream failed partway.
func stream(p Payload, logger *log.Logger) bool {
	cli, err := ipcconn.Dial(ipcconn.ClientPath(p.ClientPID))
	if err != nil {
		logger.Printf("dial client %d: %v", p.ClientPID, err)
		return true
	}
	defer cli.Close()

	failed := false
	lg, err := logstore.OpenReader(p.LogPath, p.LogCount)
	if err != nil {
		logger.Printf("open log: %v", err)
		failed = true
	} else {
		err := lg.ReadAll(func(rec logstore.Record) bool {
			msg := statusMessage(wire.StatusDone, rec.ID, rec.Error, rec.Times, rec.CommandLine)
			if err := sendStatus(cli, msg); err != nil {
				logger.Printf("send DONE line for task %d: %v", rec.ID, err)
				failed = true
				return false
			}
			return true
		})
		if err != nil {
			logger.Printf("log replay: %v", err)
			failed = true
		}
		lg.Close()
	}

	for _, line := range p.Running {
		msg := statusMessage(wire.StatusExecuting, line.ID, false, line.Times, line.CommandLine)
		if err := sendStatus(cli, msg); err != nil {
			logger.Printf("send EXECUTING line for task %d: %v", line.ID, err)
			failed = true
			break
		}
	}
	for _, line := range p.Queued {
		msg := statusMessage(wire.StatusQueued, line.ID, false, line.Times, line.CommandLine)
		if err := sendStatus(cli, msg); err != nil {
			logger.Printf("send QUEUED line for task %d: %v", line.ID, err)
			failed = true
			break
		}
	}
	return failed
}

func sendStatus(cli *ipcconn.Connection, msg wire.StatusMessage) error {
	b, err := msg.Encode(ipcconn.MaxPayload)
	if err != nil {
		return err
	}
	return cli.Send(b)
}

// statusMessage computes the four inter-stage gaps in microseconds.
// A gap whose bounding stages are not both set encodes as NaN; the
// client renders those as undefined.
func statusMessage(st wire.TaskStatus, id uint32, errBit bool, times [task.NumStages]task.Time, cmd string) wire.StatusMessage {
	return wire.StatusMessage{
		Status:        st,
		ID:            id,
		Error:         errBit,
		TimeC2SFifo:   gapMicros(times, task.StageSent, task.StageArrived),
		TimeWaiting:   gapMicros(times, task.StageArrived, task.StageDispatched),
		TimeExecuting: gapMicros(times, task.StageDispatched, task.StageEnded),
		TimeS2SFifo:   gapMicros(times, task.StageEnded, task.StageCompleted),
		CommandLine:   []byte(cmd),
	}
}

func gapMicros(times [task.NumStages]task.Time, from, to task.Stage) float64 {
	a, b := times[from], times[to]
	if a.IsZero() || b.IsZero() {
		return math.NaN()
	}
	return float64(b.Sub(a).Microseconds())
}

// report notifies the orchestrator that the status slot may be
// reclaimed.
func report(p Payload, errBit bool, logger *log.Logger) {
	conn, err := ipcconn.Dial(p.ServerFifo)
	if err != nil {
		logger.Fatalf("dial server fifo: %v", err)
	}
	defer conn.Close()
	ended := task.Now()
	msg := wire.TaskDoneMessage{
		Slot:      uint32(p.Slot),
		TimeEnded: wire.Timespec{Sec: ended.Sec, Nsec: ended.Nsec},
		IsStatus:  true,
		Error:     errBit,
	}
	if err := conn.SendRetry(msg.Encode(), SendTries); err != nil {
		logger.Fatalf("notify completion: %v", err)
	}
}
