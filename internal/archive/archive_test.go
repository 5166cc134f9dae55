package archive

import (
	"path/filepath"
	"testing"

	"github.com/kkovacs/orcd/internal/logstore"
	"github.com/kkovacs/orcd/internal/task"
)

func tempArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func record(id uint32, errBit bool) logstore.Record {
	var times [task.NumStages]task.Time
	for i := range times {
		times[i] = task.Time{Sec: int64(10 + i), Nsec: 0}
	}
	return logstore.Record{
		ID:           id,
		ExpectedTime: 100,
		Error:        errBit,
		Times:        times,
		CommandLine:  "echo hi",
	}
}

func TestAddAndFind(t *testing.T) {
	a := tempArchive(t)
	if err := a.Add(record(1, false)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c, err := a.Find(1)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if c.CommandLine != "echo hi" || c.ExpectedMS != 100 || c.Error {
		t.Fatalf("record = %+v", c)
	}
	if !c.WaitingUS.Valid || c.WaitingUS.Int64 != 1_000_000 {
		t.Fatalf("waiting = %+v, want 1s", c.WaitingUS)
	}
	if !c.ExecutingUS.Valid || c.ExecutingUS.Int64 != 1_000_000 {
		t.Fatalf("executing = %+v, want 1s", c.ExecutingUS)
	}
}

func TestFindMissing(t *testing.T) {
	a := tempArchive(t)
	if _, err := a.Find(99); err == nil {
		t.Fatal("Find on empty archive: want error")
	}
}

func TestNullGapsForPartialTimes(t *testing.T) {
	a := tempArchive(t)
	rec := record(2, false)
	rec.Times[task.StageEnded] = task.Time{}
	if err := a.Add(rec); err != nil {
		t.Fatal(err)
	}
	c, err := a.Find(2)
	if err != nil {
		t.Fatal(err)
	}
	if c.ExecutingUS.Valid {
		t.Fatalf("executing = %+v, want NULL with ENDED unset", c.ExecutingUS)
	}
}

func TestFailedListsNewestFirst(t *testing.T) {
	a := tempArchive(t)
	for id := uint32(1); id <= 4; id++ {
		if err := a.Add(record(id, id%2 == 0)); err != nil {
			t.Fatal(err)
		}
	}
	failed, err := a.Failed()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 || failed[0].ID != 4 || failed[1].ID != 2 {
		t.Fatalf("failed ids = %v", failed)
	}
	n, err := a.Count()
	if err != nil || n != 4 {
		t.Fatalf("count = %d (%v), want 4", n, err)
	}
}
