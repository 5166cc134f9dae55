// Package task defines the job payloads the orcd schedulers own: a
// Program (one argv), a Task (a pipeline of programs, or a procedure
// reference used only by the status subprogram), and a TaggedTask
// that bundles a task with its identity, the client's expected
// duration, and the five lifecycle timestamps.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/kkovacs/orcd/internal/tokenizer"
)

// Time is a monotonic clock reading. The zero value means "not set";
// a stage lookup on an unset stage fails. Sec/Nsec are kept split so
// the value serializes to the wire and log formats without loss.
type Time struct {
	Sec  int64
	Nsec int64
}

// Now reads the monotonic clock. Readings from the orchestrator and
// its children are comparable because everything runs on one machine.
func Now() Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC cannot fail on a configured kernel.
		panic(fmt.Sprintf("task: clock_gettime: %v", err))
	}
	return Time{Sec: ts.Sec, Nsec: ts.Nsec}
}

// IsZero reports whether t is the unset sentinel.
func (t Time) IsZero() bool { return t.Sec == 0 && t.Nsec == 0 }

// Sub returns t - u.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(t.Sec-u.Sec)*time.Second + time.Duration(t.Nsec-u.Nsec)
}

// Before reports whether t precedes u.
func (t Time) Before(u Time) bool {
	if t.Sec != u.Sec {
		return t.Sec < u.Sec
	}
	return t.Nsec < u.Nsec
}

// Stage keys the five lifecycle timestamps of a TaggedTask.
type Stage int

const (
	StageSent       Stage = iota // client's monotonic clock at submission
	StageArrived                 // orchestrator receipt
	StageDispatched              // moved from queue to a slot
	StageEnded                   // child done awaiting its stages
	StageCompleted               // orchestrator observed TASK_DONE

	NumStages = 5
)

func (s Stage) String() string {
	switch s {
	case StageSent:
		return "SENT"
	case StageArrived:
		return "ARRIVED"
	case StageDispatched:
		return "DISPATCHED"
	case StageEnded:
		return "ENDED"
	case StageCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// ErrEmptyPipeline rejects a pipeline with no stages or a stage with
// no argv.
var ErrEmptyPipeline = errors.New("task: pipeline must have at least one stage")

// Program is one argv; the first element is the executable name.
type Program []string

// Clone deep-copies the argv.
func (p Program) Clone() Program {
	c := make(Program, len(p))
	copy(c, p)
	return c
}

// Proc is the signature of an in-process procedure task. Only the
// status subprogram uses this variant; state is opaque to everything
// between the orchestrator and the entry point.
type Proc func(state any, slot int) int

// Task is either a pipeline of programs or a procedure reference.
type Task struct {
	pipeline []Program
	proc     Proc
	state    any
}

// NewPipeline builds a pipeline task. The stage list must be non-empty
// and every stage must be a non-empty argv.
func NewPipeline(stages []Program) (*Task, error) {
	if len(stages) == 0 {
		return nil, ErrEmptyPipeline
	}
	for _, s := range stages {
		if len(s) == 0 {
			return nil, ErrEmptyPipeline
		}
	}
	t := &Task{pipeline: make([]Program, len(stages))}
	for i, s := range stages {
		t.pipeline[i] = s.Clone()
	}
	return t, nil
}

// NewProcedure builds a procedure task. state is carried by reference.
func NewProcedure(proc Proc, state any) *Task {
	return &Task{proc: proc, state: state}
}

// IsProcedure reports which variant this task is.
func (t *Task) IsProcedure() bool { return t.proc != nil }

// Pipeline returns the stages of a pipeline task, nil for procedures.
func (t *Task) Pipeline() []Program { return t.pipeline }

// Run invokes a procedure task's entry point.
func (t *Task) Run(slot int) int { return t.proc(t.state, slot) }

// State returns the opaque state of a procedure task.
func (t *Task) State() any { return t.state }

// Clone deep-copies a pipeline task; procedure tasks are cloned by
// reference (the state pointer is shared).
func (t *Task) Clone() *Task {
	if t.IsProcedure() {
		return &Task{proc: t.proc, state: t.state}
	}
	c := &Task{pipeline: make([]Program, len(t.pipeline))}
	for i, s := range t.pipeline {
		c.pipeline[i] = s.Clone()
	}
	return c
}

// ProcedureCommandLine is the fixed command-line placeholder recorded
// for procedure tasks.
const ProcedureCommandLine = "<status>"

// TaggedTask is a task plus its identity and timing.
type TaggedTask struct {
	id           uint32
	commandLine  string
	expectedTime uint32 // milliseconds, client-reported hint
	times        [NumStages]Time
	task         *Task
	trace        xid.ID
}

// New parses commandLine into a pipeline task. singleStage requires
// the parse to yield exactly one stage (SEND_PROGRAM's contract).
// The id is assigned by the orchestrator; expectedTime is the
// client's hint in milliseconds.
func New(id uint32, commandLine string, expectedTime uint32, singleStage bool) (*TaggedTask, error) {
	stages, err := tokenizer.Tokenize(commandLine)
	if err != nil {
		return nil, err
	}
	if singleStage && len(stages) != 1 {
		return nil, tokenizer.ErrParse
	}
	progs := make([]Program, len(stages))
	for i, argv := range stages {
		progs[i] = Program(argv)
	}
	task, err := NewPipeline(progs)
	if err != nil {
		return nil, err
	}
	return &TaggedTask{
		id:           id,
		commandLine:  commandLine,
		expectedTime: expectedTime,
		task:         task,
		trace:        xid.New(),
	}, nil
}

// NewProcedureTask wraps a procedure in a TaggedTask. The command
// line is the fixed placeholder.
func NewProcedureTask(id uint32, proc Proc, state any) *TaggedTask {
	return &TaggedTask{
		id:          id,
		commandLine: ProcedureCommandLine,
		task:        NewProcedure(proc, state),
		trace:       xid.New(),
	}
}

// Restore rebuilds a TaggedTask from previously recorded fields, such
// as those of a completion-log record. No parsing happens; the task
// payload is absent.
func Restore(id uint32, commandLine string, expectedTime uint32, times [NumStages]Time) *TaggedTask {
	return &TaggedTask{
		id:           id,
		commandLine:  commandLine,
		expectedTime: expectedTime,
		times:        times,
		trace:        xid.New(),
	}
}

// Clone deep-copies the tag and clones the task per its variant.
func (t *TaggedTask) Clone() *TaggedTask {
	c := *t
	if t.task != nil {
		c.task = t.task.Clone()
	}
	return &c
}

func (t *TaggedTask) ID() uint32           { return t.id }
func (t *TaggedTask) CommandLine() string  { return t.commandLine }
func (t *TaggedTask) ExpectedTime() uint32 { return t.expectedTime }
func (t *TaggedTask) Task() *Task          { return t.task }

// Trace is the diagnostic correlation token; it never crosses the
// wire or reaches the log file.
func (t *TaggedTask) Trace() xid.ID { return t.trace }

// SetTime stamps a stage. A nil value means "now" on the monotonic
// clock; a non-nil value records an externally observed reading (the
// client's SENT, a child's ENDED).
func (t *TaggedTask) SetTime(stage Stage, v *Time) {
	if v == nil {
		t.times[stage] = Now()
		return
	}
	t.times[stage] = *v
}

// Time returns the reading for one stage; ok is false when unset.
func (t *TaggedTask) Time(stage Stage) (Time, bool) {
	v := t.times[stage]
	if v.IsZero() {
		return Time{}, false
	}
	return v, true
}

// Times returns the raw five-timestamp array; zero entries are unset.
func (t *TaggedTask) Times() [NumStages]Time { return t.times }
