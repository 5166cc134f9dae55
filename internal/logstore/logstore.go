// Package logstore implements the append-only completion log: one
// fixed-size binary record per completed task, written in a single
// call so records are never torn, replayed under a record-count cap
// so a forked reader never observes appends that happened after its
// snapshot was taken.
package logstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kkovacs/orcd/internal/task"
)

// FileName is the log's name inside the server's output directory.
const FileName = "log.bin"

const (
	timeSize   = 16 // sec int64 + nsec int64
	headerSize = 4 + 4 + 4 + 1 + task.NumStages*timeSize

	// MaxCommandLine pads RecordSize out to exactly one 4 KiB page, so
	// an appended record cannot straddle a page boundary mid-record.
	MaxCommandLine = 4096 - headerSize

	// RecordSize is the on-disk size of every record.
	RecordSize = headerSize + MaxCommandLine
)

// ErrInvalidSequence reports a malformed record during replay; the
// reader's offset has been restored to the end of the file.
var ErrInvalidSequence = errors.New("logstore: invalid record sequence")

// Record is one completed task as stored on disk.
type Record struct {
	ID           uint32
	ExpectedTime uint32
	Error        bool
	Times        [task.NumStages]task.Time
	CommandLine  string
}

// Log is an open completion log. A writable log owns the file and
// truncates it on open; a reader is capped at the record count its
// creator observed.
type Log struct {
	f         *os.File
	path      string
	writable  bool
	taskCount int
	logger    *log.Logger
}

// Create opens path for appending, truncating any previous contents.
func Create(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0640)
	if err != nil {
		return nil, fmt.Errorf("logstore: create %s: %w", path, err)
	}
	return &Log{
		f:        f,
		path:     path,
		writable: true,
		logger:   log.New(os.Stderr, "[log] ", log.LstdFlags),
	}, nil
}

// OpenReader opens path read-only, capped at taskCount records. Used
// by the status child: the cap is the count its parent observed at
// spawn time, so records appended afterward stay invisible.
func OpenReader(path string, taskCount int) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s: %w", path, err)
	}
	return &Log{
		f:         f,
		path:      path,
		taskCount: taskCount,
		logger:    log.New(os.Stderr, "[log] ", log.LstdFlags),
	}, nil
}

// Close releases the underlying file.
func (l *Log) Close() error { return l.f.Close() }

// TaskCount is the number of records written (or, for a reader, the
// replay cap it was given).
func (l *Log) TaskCount() int { return l.taskCount }

// Path returns the file path the log was opened with.
func (l *Log) Path() string { return l.path }

// Write appends one record for a completed task. The record is
// serialized into a zeroed fixed-size buffer and written in a single
// call. An over-long command line is truncated to MaxCommandLine.
func (l *Log) Write(t *task.TaggedTask, errBit bool) error {
	if !l.writable {
		return fmt.Errorf("logstore: %s opened read-only", l.path)
	}
	b := make([]byte, RecordSize)
	cmd := t.CommandLine()
	if len(cmd) > MaxCommandLine {
		l.logger.Printf("task %d: command line truncated to %d bytes", t.ID(), MaxCommandLine)
		cmd = cmd[:MaxCommandLine]
	}
	binary.LittleEndian.PutUint32(b[0:4], t.ID())
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(cmd)))
	binary.LittleEndian.PutUint32(b[8:12], t.ExpectedTime())
	if errBit {
		b[12] = 1
	}
	off := 13
	for _, ts := range t.Times() {
		binary.LittleEndian.PutUint64(b[off:off+8], uint64(ts.Sec))
		binary.LittleEndian.PutUint64(b[off+8:off+16], uint64(ts.Nsec))
		off += timeSize
	}
	copy(b[off:], cmd)
	if _, err := l.f.Write(b); err != nil {
		return fmt.Errorf("logstore: append record for task %d: %w", t.ID(), err)
	}
	l.taskCount++
	return nil
}

// ReadAll seeks to the start and streams records to cb in append
// order, stopping early when cb returns false or when taskCount
// records have been delivered, even if the file on disk is longer.
// A malformed record restores the offset to the end and returns
// ErrInvalidSequence.
func (l *Log) ReadAll(cb func(Record) bool) error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("logstore: seek to start: %w", err)
	}
	b := make([]byte, RecordSize)
	for i := 0; i < l.taskCount; i++ {
		if _, err := io.ReadFull(l.f, b); err != nil {
			l.logger.Printf("replay: record %d unreadable: %v", i, err)
			l.seekEnd()
			return ErrInvalidSequence
		}
		rec, err := decodeRecord(b)
		if err != nil {
			l.logger.Printf("replay: record %d malformed: %v", i, err)
			l.seekEnd()
			return ErrInvalidSequence
		}
		if !cb(rec) {
			break
		}
	}
	l.seekEnd()
	return nil
}

func (l *Log) seekEnd() {
	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		l.logger.Printf("seek to end: %v", err)
	}
}

func decodeRecord(b []byte) (Record, error) {
	cmdLen := binary.LittleEndian.Uint32(b[4:8])
	if cmdLen > MaxCommandLine {
		return Record{}, fmt.Errorf("command length %d exceeds buffer", cmdLen)
	}
	rec := Record{
		ID:           binary.LittleEndian.Uint32(b[0:4]),
		ExpectedTime: binary.LittleEndian.Uint32(b[8:12]),
		Error:        b[12] != 0,
	}
	off := 13
	for i := range rec.Times {
		rec.Times[i] = task.Time{
			Sec:  int64(binary.LittleEndian.Uint64(b[off : off+8])),
			Nsec: int64(binary.LittleEndian.Uint64(b[off+8 : off+16])),
		}
		off += timeSize
	}
	rec.CommandLine = string(b[off : off+int(cmdLen)])
	return rec, nil
}
