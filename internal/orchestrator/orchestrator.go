// Package orchestrator is the server's event loop: it owns the two
// schedulers, the completion log, the optional sqlite archive, and
// the server side of the IPC connection, routing every received
// frame to its handler and dispatching queued work whenever the
// receive loop is about to block.
package orchestrator

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kkovacs/orcd/internal/archive"
	"github.com/kkovacs/orcd/internal/config"
	"github.com/kkovacs/orcd/internal/ipcconn"
	"github.com/kkovacs/orcd/internal/logstore"
	"github.com/kkovacs/orcd/internal/runner"
	"github.com/kkovacs/orcd/internal/scheduler"
	"github.com/kkovacs/orcd/internal/statustask"
	"github.com/kkovacs/orcd/internal/task"
	"github.com/kkovacs/orcd/internal/wire"
)

// replyTries bounds reply retries toward a client; a client that
// vanished mid-reply is abandoned after these.
const replyTries = 5

const (
	parseFailureReply = "Parsing failure!"
	noCapacityReply   = "No capacity available!"
)

// Orchestrator is the single-threaded server core. All methods run
// on the goroutine that drives Run; children talk to it only through
// messages on the server FIFO.
type Orchestrator struct {
	cfg         config.Config
	conn        *ipcconn.Connection
	mainSched   *scheduler.Scheduler
	statusSched *scheduler.Scheduler
	completion  *logstore.Log
	arch        *archive.Archive // nil when disabled
	nextID      uint32           // last assigned id; ids start at 1
	logger      *log.Logger
}

// New constructs the server core: the completion log (truncated), the
// optional archive, the server FIFO, and both schedulers. Any failure
// here is a startup failure; the caller exits with code 1.
func New(cfg config.Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:    cfg,
		logger: log.New(os.Stderr, "[orcd] ", log.LstdFlags),
	}

	completion, err := logstore.Create(filepath.Join(cfg.OutDir, logstore.FileName))
	if err != nil {
		return nil, err
	}
	o.completion = completion

	if cfg.ArchivePath != "" {
		arch, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			completion.Close()
			return nil, err
		}
		o.arch = arch
	}

	conn, err := ipcconn.New(ipcconn.RoleServer, cfg.ServerFifo)
	if err != nil {
		o.closePartial()
		return nil, err
	}
	o.conn = conn

	policy, err := scheduler.ParsePolicy(cfg.Policy)
	if err != nil {
		o.Close()
		return nil, err
	}
	o.mainSched, err = scheduler.New(policy, cfg.Slots, cfg.OutDir, scheduler.SpawnFunc(o.spawnRunner))
	if err != nil {
		o.Close()
		return nil, err
	}
	// Status requests always drain in arrival order, whatever the
	// main policy is.
	o.statusSched, err = scheduler.New(scheduler.FCFS, cfg.StatusSlots, cfg.OutDir, scheduler.SpawnFunc(o.spawnStatus))
	if err != nil {
		o.Close()
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) closePartial() {
	if o.completion != nil {
		o.completion.Close()
	}
	if o.arch != nil {
		o.arch.Close()
	}
}

// Close releases the log, archive, and FIFO. Occupied slots are left
// alone: their children are about to die with the process anyway.
func (o *Orchestrator) Close() {
	o.closePartial()
	if o.conn != nil {
		o.conn.Close()
	}
}

// Run drives the receive loop until it fails. It does not return in
// normal operation.
func (o *Orchestrator) Run() error {
	o.logger.Printf("listening on %s, %d slots, policy %s, out dir %s",
		o.cfg.ServerFifo, o.cfg.Slots, o.cfg.Policy, o.cfg.OutDir)
	_, err := o.conn.Listen(o.onMessage, o.onBeforeBlock)
	return err
}

// onBeforeBlock runs between listen cycles: drain the queue into any
// vacant slots, then keep listening.
func (o *Orchestrator) onBeforeBlock() int {
	if n, err := o.mainSched.DispatchPossible(); err != nil {
		o.logger.Printf("dispatch: %v (%d launched)", err, n)
	}
	return 0
}

func (o *Orchestrator) onMessage(payload []byte) {
	t, err := wire.PeekType(payload)
	if err != nil {
		o.logger.Printf("empty frame dropped")
		return
	}
	switch wire.ClientMsgType(t) {
	case wire.SendProgram, wire.SendTask:
		o.handleSubmit(payload)
	case wire.TaskDone:
		o.handleTaskDone(payload)
	case wire.Status:
		o.handleStatus(payload)
	default:
		o.logger.Printf("unknown message type %d dropped", t)
	}
}

// reply sends one frame to a client's FIFO, holding the send
// direction only for the duration of the call.
func (o *Orchestrator) reply(clientPID int, payload []byte) {
	if err := o.conn.OpenSending(clientPID); err != nil {
		o.logger.Printf("reply to pid %d: %v", clientPID, err)
		return
	}
	defer func() {
		if err := o.conn.CloseSending(); err != nil {
			o.logger.Printf("close sending to pid %d: %v", clientPID, err)
		}
	}()
	if err := o.conn.SendRetry(payload, replyTries); err != nil {
		o.logger.Printf("reply to pid %d: %v", clientPID, err)
	}
}

func (o *Orchestrator) replyError(clientPID int, text string) {
	b, err := wire.ErrorMessage{Text: text}.Encode(ipcconn.MaxPayload)
	if err != nil {
		o.logger.Printf("encode error reply: %v", err)
		return
	}
	o.reply(clientPID, b)
}

func (o *Orchestrator) handleSubmit(payload []byte) {
	if _, err := wire.CheckSendProgramTaskLength(len(payload)); err != nil {
		o.logger.Printf("submit frame of %d bytes dropped: %v", len(payload), err)
		return
	}
	m, err := wire.DecodeSendProgramTask(payload)
	if err != nil {
		o.logger.Printf("submit frame dropped: %v", err)
		return
	}
	id := o.nextID + 1
	tt, err := task.New(id, string(m.CommandLine), m.ExpectedTime, m.Type == wire.SendProgram)
	if err != nil {
		o.logger.Printf("pid %d: parse %q: %v", m.ClientPID, m.CommandLine, err)
		o.replyError(int(m.ClientPID), parseFailureReply)
		return
	}
	o.nextID = id
	sent := task.Time{Sec: m.TimeSent.Sec, Nsec: m.TimeSent.Nsec}
	tt.SetTime(task.StageSent, &sent)
	tt.SetTime(task.StageArrived, nil)
	o.mainSched.Add(tt)
	o.logger.Printf("task %d (%s) queued: %q", id, tt.Trace(), tt.CommandLine())
	o.reply(int(m.ClientPID), wire.TaskIDMessage{ID: id}.Encode())
}

func (o *Orchestrator) handleTaskDone(payload []byte) {
	m, err := wire.DecodeTaskDone(payload)
	if err != nil {
		o.logger.Printf("TASK_DONE frame dropped: %v", err)
		return
	}
	sched := o.mainSched
	if m.IsStatus {
		sched = o.statusSched
	}
	ended := task.Time{Sec: m.TimeEnded.Sec, Nsec: m.TimeEnded.Nsec}
	tt, err := sched.MarkDone(int(m.Slot), ended)
	if err != nil {
		o.logger.Printf("TASK_DONE for slot %d (status=%v) dropped: %v", m.Slot, m.IsStatus, err)
		return
	}
	if m.IsStatus {
		o.logger.Printf("status task %d served", tt.ID())
		return
	}
	o.logger.Printf("task %d (%s) completed, error=%v", tt.ID(), tt.Trace(), m.Error)
	if err := o.completion.Write(tt, m.Error); err != nil {
		o.logger.Printf("task %d: append log record: %v", tt.ID(), err)
	}
	if o.arch != nil {
		// Best effort; log.bin stays authoritative.
		if err := o.arch.Add(recordOf(tt, m.Error)); err != nil {
			o.logger.Printf("task %d: archive mirror: %v", tt.ID(), err)
		}
	}
}

func (o *Orchestrator) handleStatus(payload []byte) {
	m, err := wire.DecodeStatusRequest(payload)
	if err != nil {
		o.logger.Printf("STATUS frame dropped: %v", err)
		return
	}
	// Never queue status work: refuse instead, so status traffic
	// cannot starve real tasks or back up.
	if !o.statusSched.CanScheduleNow() {
		o.logger.Printf("pid %d: status refused, no free status slot", m.ClientPID)
		o.replyError(int(m.ClientPID), noCapacityReply)
		return
	}
	o.nextID++
	tt := task.NewProcedureTask(o.nextID, statusEntry, &statustask.State{ClientPID: int(m.ClientPID)})
	tt.SetTime(task.StageArrived, nil)
	o.statusSched.Add(tt)
	if _, err := o.statusSched.DispatchPossible(); err != nil {
		o.logger.Printf("dispatch status task %d: %v", tt.ID(), err)
	}
}

// statusEntry exists so a status TaggedTask is a well-formed
// procedure task; the actual work happens in the re-exec'd child
// (statustask.Name), which spawnStatus hands the snapshot to.
func statusEntry(state any, slot int) int { return 0 }

// spawnRunner launches the re-exec'd runner child for a dispatched
// pipeline task.
func (o *Orchestrator) spawnRunner(t *task.TaggedTask, slotIdx int, outDir string) (*exec.Cmd, error) {
	stages := t.Task().Pipeline()
	argv := make([][]string, len(stages))
	for i, s := range stages {
		argv[i] = []string(s)
	}
	cmd, err := runner.Command(runner.Payload{
		ID:         t.ID(),
		Slot:       slotIdx,
		OutDir:     outDir,
		ServerFifo: o.cfg.ServerFifo,
		Stages:     argv,
	})
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runner for task %d: %w", t.ID(), err)
	}
	return cmd, nil
}

// spawnStatus launches the re-exec'd status child with a snapshot of
// the log cap and the main scheduler's running and queued tasks,
// fixed at this moment.
func (o *Orchestrator) spawnStatus(t *task.TaggedTask, slotIdx int, _ string) (*exec.Cmd, error) {
	state, ok := t.Task().State().(*statustask.State)
	if !ok {
		return nil, fmt.Errorf("status task %d carries no client state", t.ID())
	}
	p := statustask.Payload{
		Slot:       slotIdx,
		ClientPID:  state.ClientPID,
		ServerFifo: o.cfg.ServerFifo,
		LogPath:    o.completion.Path(),
		LogCount:   o.completion.TaskCount(),
	}
	o.mainSched.IterRunning(func(pid int, rt *task.TaggedTask) bool {
		p.Running = append(p.Running, taskLine(rt))
		return true
	})
	o.mainSched.IterQueued(func(qt *task.TaggedTask) bool {
		p.Queued = append(p.Queued, taskLine(qt))
		return true
	})
	cmd, err := statustask.Command(p)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start status child for pid %d: %w", state.ClientPID, err)
	}
	return cmd, nil
}

func taskLine(t *task.TaggedTask) statustask.TaskLine {
	return statustask.TaskLine{
		ID:          t.ID(),
		CommandLine: t.CommandLine(),
		Times:       t.Times(),
	}
}

func recordOf(t *task.TaggedTask, errBit bool) logstore.Record {
	return logstore.Record{
		ID:           t.ID(),
		ExpectedTime: t.ExpectedTime(),
		Error:        errBit,
		Times:        t.Times(),
		CommandLine:  t.CommandLine(),
	}
}
