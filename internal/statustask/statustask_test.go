package statustask

import (
	"math"
	"testing"

	"github.com/kkovacs/orcd/internal/task"
	"github.com/kkovacs/orcd/internal/wire"
)

func TestGapMicros(t *testing.T) {
	var times [task.NumStages]task.Time
	times[task.StageArrived] = task.Time{Sec: 10, Nsec: 0}
	times[task.StageDispatched] = task.Time{Sec: 10, Nsec: 250_000}

	got := gapMicros(times, task.StageArrived, task.StageDispatched)
	if got != 250 {
		t.Fatalf("gap = %v µs, want 250", got)
	}
	if v := gapMicros(times, task.StageDispatched, task.StageEnded); !math.IsNaN(v) {
		t.Fatalf("gap with unset ENDED = %v, want NaN", v)
	}
	if v := gapMicros(times, task.StageSent, task.StageArrived); !math.IsNaN(v) {
		t.Fatalf("gap with unset SENT = %v, want NaN", v)
	}
}

func TestStatusMessageForQueuedTask(t *testing.T) {
	// A queued task has SENT and ARRIVED but nothing later; only the
	// client-to-server fifo time is defined.
	var times [task.NumStages]task.Time
	times[task.StageSent] = task.Time{Sec: 5, Nsec: 0}
	times[task.StageArrived] = task.Time{Sec: 5, Nsec: 1000}

	msg := statusMessage(wire.StatusQueued, 2, false, times, "sleep 30")
	if msg.Status != wire.StatusQueued || msg.ID != 2 {
		t.Fatalf("header = %v/%d", msg.Status, msg.ID)
	}
	if msg.TimeC2SFifo != 1 {
		t.Fatalf("c2s fifo = %v µs, want 1", msg.TimeC2SFifo)
	}
	for name, v := range map[string]float64{
		"waiting":   msg.TimeWaiting,
		"executing": msg.TimeExecuting,
		"s2s fifo":  msg.TimeS2SFifo,
	} {
		if !math.IsNaN(v) {
			t.Fatalf("%s = %v, want NaN", name, v)
		}
	}
	if string(msg.CommandLine) != "sleep 30" {
		t.Fatalf("command line = %q", msg.CommandLine)
	}
}

func TestStatusMessageSurvivesWire(t *testing.T) {
	var times [task.NumStages]task.Time
	for i := range times {
		times[i] = task.Time{Sec: int64(i + 1), Nsec: 0}
	}
	msg := statusMessage(wire.StatusDone, 7, true, times, "echo hi")
	b, err := msg.Encode(4088)
	if err != nil {
		t.Fatal(err)
	}
	got, err := wire.DecodeStatus(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 7 || !got.Error || got.Status != wire.StatusDone {
		t.Fatalf("decoded header = %+v", got)
	}
	// Each stage gap is exactly one second here.
	for _, v := range []float64{got.TimeC2SFifo, got.TimeWaiting, got.TimeExecuting, got.TimeS2SFifo} {
		if v != 1e6 {
			t.Fatalf("gap = %v µs, want 1e6", v)
		}
	}
}
