package scheduler

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/kkovacs/orcd/internal/task"
)

// trueSpawner runs /bin/true for every dispatch and records the order
// in which task ids were handed to it.
type trueSpawner struct {
	order []uint32
}

func (s *trueSpawner) Spawn(t *task.TaggedTask, slot int, outDir string) (*exec.Cmd, error) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s.order = append(s.order, t.ID())
	return cmd, nil
}

func arrived(t *testing.T, id uint32, expected uint32) *task.TaggedTask {
	t.Helper()
	tt, err := task.New(id, "echo hi", expected, true)
	if err != nil {
		t.Fatal(err)
	}
	tt.SetTime(task.StageArrived, nil)
	return tt
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(FCFS, 0, t.TempDir(), &trueSpawner{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("n=0: got %v, want ErrInvalidArgument", err)
	}
	if _, err := New(FCFS, 1, "", &trueSpawner{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty out dir: got %v, want ErrInvalidArgument", err)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("fcfs"); err != nil || p != FCFS {
		t.Fatalf("fcfs: %v %v", p, err)
	}
	if p, err := ParsePolicy("sjf"); err != nil || p != SJF {
		t.Fatalf("sjf: %v %v", p, err)
	}
	if _, err := ParsePolicy("lifo"); err == nil {
		t.Fatal("lifo: want error")
	}
}

// drainOne dispatches whatever fits and completes slot 0.
func drainOne(t *testing.T, s *Scheduler) {
	t.Helper()
	if _, err := s.DispatchPossible(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkDone(0, task.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestSJFDrainOrder(t *testing.T) {
	sp := &trueSpawner{}
	s, err := New(SJF, 1, t.TempDir(), sp)
	if err != nil {
		t.Fatal(err)
	}
	for i, exp := range []uint32{90, 30, 60} {
		s.Add(arrived(t, uint32(i+1), exp))
	}
	for i := 0; i < 3; i++ {
		drainOne(t, s)
	}
	want := []uint32{2, 3, 1} // expected_time 30, 60, 90
	if len(sp.order) != 3 || sp.order[0] != want[0] || sp.order[1] != want[1] || sp.order[2] != want[2] {
		t.Fatalf("dispatch order = %v, want %v", sp.order, want)
	}
}

func TestFCFSDrainOrder(t *testing.T) {
	sp := &trueSpawner{}
	s, err := New(FCFS, 1, t.TempDir(), sp)
	if err != nil {
		t.Fatal(err)
	}
	// Expected times deliberately inverted; FCFS must ignore them.
	for i, exp := range []uint32{90, 30, 60} {
		s.Add(arrived(t, uint32(i+1), exp))
	}
	for i := 0; i < 3; i++ {
		drainOne(t, s)
	}
	want := []uint32{1, 2, 3}
	if len(sp.order) != 3 || sp.order[0] != want[0] || sp.order[1] != want[1] || sp.order[2] != want[2] {
		t.Fatalf("dispatch order = %v, want %v", sp.order, want)
	}
}

func TestDispatchStopsAtCapacity(t *testing.T) {
	sp := &trueSpawner{}
	s, err := New(FCFS, 2, t.TempDir(), sp)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint32(1); i <= 5; i++ {
		s.Add(arrived(t, i, 10))
	}
	n, err := s.DispatchPossible()
	if err != nil || n != 2 {
		t.Fatalf("launched %d (%v), want 2", n, err)
	}
	if s.CanScheduleNow() {
		t.Fatal("CanScheduleNow true with all slots occupied")
	}
	if s.QueuedCount() != 3 || s.RunningCount() != 2 {
		t.Fatalf("queued/running = %d/%d, want 3/2", s.QueuedCount(), s.RunningCount())
	}
}

func TestMarkDoneStampsAndVacates(t *testing.T) {
	sp := &trueSpawner{}
	s, err := New(FCFS, 1, t.TempDir(), sp)
	if err != nil {
		t.Fatal(err)
	}
	s.Add(arrived(t, 1, 10))
	if _, err := s.DispatchPossible(); err != nil {
		t.Fatal(err)
	}
	ended := task.Now()
	tt, err := s.MarkDone(0, ended)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := tt.Time(task.StageEnded); !ok || got != ended {
		t.Fatalf("ENDED = %v/%v, want %v", got, ok, ended)
	}
	if _, ok := tt.Time(task.StageCompleted); !ok {
		t.Fatal("COMPLETED not stamped")
	}
	if s.RunningCount() != 0 {
		t.Fatal("slot not vacated")
	}
}

func TestMarkDoneRangeErrors(t *testing.T) {
	s, err := New(FCFS, 2, t.TempDir(), &trueSpawner{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkDone(5, task.Now()); !errors.Is(err, ErrRange) {
		t.Fatalf("out of bounds: got %v, want ErrRange", err)
	}
	if _, err := s.MarkDone(0, task.Now()); !errors.Is(err, ErrRange) {
		t.Fatalf("vacant slot: got %v, want ErrRange", err)
	}
}

func TestAddClones(t *testing.T) {
	s, err := New(FCFS, 1, t.TempDir(), &trueSpawner{})
	if err != nil {
		t.Fatal(err)
	}
	tt := arrived(t, 1, 10)
	s.Add(tt)
	tt.Task().Pipeline()[0][0] = "mutated"
	s.IterQueued(func(q *task.TaggedTask) bool {
		if q.Task().Pipeline()[0][0] != "echo" {
			t.Error("queued task shares storage with caller's task")
		}
		return true
	})
}
