// Package scheduler implements the fixed-capacity dispatch engine:
// a priority queue of pending tasks drained into a slot table of N
// reservations, each slot holding one running child process. The
// orchestrator owns two of these, one for real work under the
// user-chosen policy and a small FCFS one for status requests.
package scheduler

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/kkovacs/orcd/internal/pqueue"
	"github.com/kkovacs/orcd/internal/task"
)

// Policy selects the queue's total order.
type Policy int

const (
	FCFS Policy = iota // first come, first served: ARRIVED ascending
	SJF                // shortest job first: expected_time ascending
)

func (p Policy) String() string {
	if p == SJF {
		return "sjf"
	}
	return "fcfs"
}

// ParsePolicy parses the CLI spelling of a policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "fcfs":
		return FCFS, nil
	case "sjf":
		return SJF, nil
	}
	return 0, fmt.Errorf("scheduler: unknown policy %q", s)
}

func (p Policy) less() pqueue.Less[*task.TaggedTask] {
	if p == SJF {
		return func(a, b *task.TaggedTask) bool {
			return a.ExpectedTime() < b.ExpectedTime()
		}
	}
	return func(a, b *task.TaggedTask) bool {
		at, aok := a.Time(task.StageArrived)
		bt, bok := b.Time(task.StageArrived)
		if !aok || !bok {
			// Tasks lacking ARRIVED compare equal; they should not
			// occur in steady state.
			return false
		}
		return at.Before(bt)
	}
}

// Spawner launches the child process for a dispatched task and
// returns the started command. The orchestrator provides one that
// re-execs the server binary as a runner or status child.
type Spawner interface {
	Spawn(t *task.TaggedTask, slot int, outDir string) (*exec.Cmd, error)
}

// SpawnFunc adapts a function to the Spawner interface.
type SpawnFunc func(t *task.TaggedTask, slot int, outDir string) (*exec.Cmd, error)

func (f SpawnFunc) Spawn(t *task.TaggedTask, slot int, outDir string) (*exec.Cmd, error) {
	return f(t, slot, outDir)
}

var (
	ErrInvalidArgument = errors.New("scheduler: invalid argument")
	ErrRange           = errors.New("scheduler: slot out of range or vacant")
)

type slot struct {
	occupied bool
	pid      int
	cmd      *exec.Cmd
	task     *task.TaggedTask
}

// Scheduler holds the pending queue and the slot table. All methods
// are called from the orchestrator's single event loop; children
// never touch it directly, they communicate by messages.
type Scheduler struct {
	mu     sync.Mutex
	queue  *pqueue.Queue[*task.TaggedTask]
	slots  []slot
	outDir string
	spawn  Spawner
	logger *log.Logger
}

// New builds a scheduler with n slots writing task output under
// outDir. n must be at least 1 and outDir non-empty.
func New(policy Policy, n int, outDir string, spawn Spawner) (*Scheduler, error) {
	if n == 0 || outDir == "" {
		return nil, ErrInvalidArgument
	}
	return &Scheduler{
		queue:  pqueue.New(policy.less()),
		slots:  make([]slot, n),
		outDir: outDir,
		spawn:  spawn,
		logger: log.New(os.Stderr, "[sched] ", log.LstdFlags),
	}, nil
}

// Add clones t into the pending queue.
func (s *Scheduler) Add(t *task.TaggedTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.Insert(t.Clone())
}

// CanScheduleNow reports whether any slot is vacant.
func (s *Scheduler) CanScheduleNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vacantSlot() >= 0
}

func (s *Scheduler) vacantSlot() int {
	for i := range s.slots {
		if !s.slots[i].occupied {
			return i
		}
	}
	return -1
}

// DispatchPossible launches queued tasks into vacant slots until one
// of the two runs out, returning how many were started. A task whose
// child could not be spawned is re-queued and dispatching stops for
// this round.
func (s *Scheduler) DispatchPossible() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	launched := 0
	for {
		idx := s.vacantSlot()
		if idx < 0 || s.queue.Count() == 0 {
			return launched, nil
		}
		t, _ := s.queue.RemoveTop()
		t.SetTime(task.StageDispatched, nil)
		cmd, err := s.spawn.Spawn(t, idx, s.outDir)
		if err != nil {
			s.logger.Printf("task %d (%s): spawn: %v, re-queued", t.ID(), t.Trace(), err)
			s.queue.Insert(t)
			return launched, err
		}
		s.slots[idx] = slot{
			occupied: true,
			pid:      cmd.Process.Pid,
			cmd:      cmd,
			task:     t,
		}
		launched++
	}
}

// MarkDone reaps the child in the given slot, stamps ENDED with the
// child-reported reading and COMPLETED with the current clock,
// vacates the slot, and hands the task's ownership to the caller.
func (s *Scheduler) MarkDone(slotIdx int, timeEnded task.Time) (*task.TaggedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slotIdx < 0 || slotIdx >= len(s.slots) || !s.slots[slotIdx].occupied {
		return nil, ErrRange
	}
	sl := &s.slots[slotIdx]
	// The child already sent TASK_DONE, so it has reaped its own
	// descendants and is about to exit; this wait is short.
	if err := sl.cmd.Wait(); err != nil {
		s.logger.Printf("slot %d: wait on pid %d: %v", slotIdx, sl.pid, err)
	}
	t := sl.task
	t.SetTime(task.StageEnded, &timeEnded)
	t.SetTime(task.StageCompleted, nil)
	*sl = slot{}
	return t, nil
}

// IterRunning streams the occupied slots in slot order. Read-only;
// fn must not retain the task past the call.
func (s *Scheduler) IterRunning(fn func(pid int, t *task.TaggedTask) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		if !s.slots[i].occupied {
			continue
		}
		if !fn(s.slots[i].pid, s.slots[i].task) {
			return
		}
	}
}

// IterQueued streams pending tasks in the queue's arbitrary heap
// order. Read-only; fn must not retain the task past the call.
func (s *Scheduler) IterQueued(fn func(t *task.TaggedTask) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.IterAll(fn)
}

// QueuedCount is the number of pending tasks.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Count()
}

// RunningCount is the number of occupied slots.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.slots {
		if s.slots[i].occupied {
			n++
		}
	}
	return n
}

// OutDir returns the output directory tasks write under.
func (s *Scheduler) OutDir() string { return s.outDir }
