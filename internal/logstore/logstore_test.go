package logstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kkovacs/orcd/internal/task"
)

func tempLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	l, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func doneTask(t *testing.T, id uint32, cmd string) *task.TaggedTask {
	t.Helper()
	tt, err := task.New(id, cmd, 100, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []task.Stage{task.StageSent, task.StageArrived, task.StageDispatched, task.StageEnded, task.StageCompleted} {
		tt.SetTime(s, nil)
	}
	return tt
}

func TestWriteReadRoundTrip(t *testing.T) {
	l, _ := tempLog(t)
	orig := doneTask(t, 42, "printf ab | tr a X")
	if err := l.Write(orig, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var got []Record
	if err := l.ReadAll(func(r Record) bool {
		got = append(got, r)
		return true
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("read %d records, want 1", len(got))
	}
	r := got[0]
	if r.ID != 42 || r.ExpectedTime != 100 || !r.Error {
		t.Fatalf("record = %+v", r)
	}
	if r.CommandLine != orig.CommandLine() {
		t.Fatalf("command line = %q, want %q", r.CommandLine, orig.CommandLine())
	}
	if r.Times != orig.Times() {
		t.Fatalf("times = %v, want %v", r.Times, orig.Times())
	}
}

func TestReadIsCappedAtTaskCount(t *testing.T) {
	l, path := tempLog(t)
	for i := uint32(1); i <= 3; i++ {
		if err := l.Write(doneTask(t, i, "echo hi"), false); err != nil {
			t.Fatal(err)
		}
	}

	// A reader capped below the physical record count must not see
	// past its cap, mirroring a child that forked before the append.
	r, err := OpenReader(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var ids []uint32
	if err := r.ReadAll(func(rec Record) bool {
		ids = append(ids, rec.ID)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("ids = %v, want [1 2]", ids)
	}
}

func TestReadAllStopsEarlyOnCallback(t *testing.T) {
	l, _ := tempLog(t)
	for i := uint32(1); i <= 3; i++ {
		if err := l.Write(doneTask(t, i, "echo hi"), false); err != nil {
			t.Fatal(err)
		}
	}
	n := 0
	if err := l.ReadAll(func(Record) bool {
		n++
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("callback ran %d times, want 1", n)
	}
}

func TestMalformedLengthIsInvalidSequence(t *testing.T) {
	l, path := tempLog(t)
	if err := l.Write(doneTask(t, 1, "echo hi"), false); err != nil {
		t.Fatal(err)
	}

	// Corrupt command_length past the buffer bound.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 4); err != nil {
		t.Fatal(err)
	}
	f.Close()

	err = l.ReadAll(func(Record) bool { return true })
	if !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("ReadAll on corrupt record: got %v, want ErrInvalidSequence", err)
	}
}

func TestOverlongCommandLineTruncated(t *testing.T) {
	l, _ := tempLog(t)
	long := "echo " + strings.Repeat("x", MaxCommandLine)
	tt, err := task.New(5, long, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Write(tt, false); err != nil {
		t.Fatal(err)
	}
	var rec Record
	if err := l.ReadAll(func(r Record) bool { rec = r; return true }); err != nil {
		t.Fatal(err)
	}
	if len(rec.CommandLine) != MaxCommandLine {
		t.Fatalf("stored %d command bytes, want %d", len(rec.CommandLine), MaxCommandLine)
	}
}
