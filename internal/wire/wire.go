// Package wire implements the orcd client/server message layouts.
//
// Every message starts with a single type-tag byte, followed by fixed
// or length-determined fields, serialized field by field in
// little-endian byte order whatever the host's order is, without
// padding, so the encoded length matches the field
// sizes exactly. A message's total encoded length must never exceed
// ipcconn.MaxPayload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ClientMsgType identifies a client-to-server message.
type ClientMsgType uint8

const (
	SendProgram ClientMsgType = 0
	SendTask    ClientMsgType = 1
	TaskDone    ClientMsgType = 2
	Status      ClientMsgType = 3
)

// ServerMsgType identifies a server-to-client message.
type ServerMsgType uint8

const (
	Error    ServerMsgType = 0
	TaskID   ServerMsgType = 1
	StatusS2C ServerMsgType = 2
)

// TaskStatus is the status_enum carried in a StatusMessage.
type TaskStatus uint8

const (
	StatusQueued    TaskStatus = 0
	StatusExecuting TaskStatus = 1
	StatusDone      TaskStatus = 2
)

func (s TaskStatus) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusExecuting:
		return "EXECUTING"
	case StatusDone:
		return "DONE"
	default:
		return fmt.Sprintf("TaskStatus(%d)", uint8(s))
	}
}

// ErrTooShort and ErrTooLong are returned by the length-checking
// helpers below; the caller diagnoses, drops the frame, and keeps
// the stream going.
var (
	ErrTooShort = errors.New("wire: message too short")
	ErrTooLong  = errors.New("wire: message too long")
	ErrBadType  = errors.New("wire: unrecognized message type")
)

// Timespec mirrors the client monotonic clock reading embedded in
// SendProgramTask messages (struct timespec on the wire: sec+nsec).
type Timespec struct {
	Sec  int64
	Nsec int64
}

const timespecSize = 16 // int64 + int64, packed, little-endian

func putTimespec(b []byte, t Timespec) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(t.Sec))
	binary.LittleEndian.PutUint64(b[8:16], uint64(t.Nsec))
}

func getTimespec(b []byte) Timespec {
	return Timespec{
		Sec:  int64(binary.LittleEndian.Uint64(b[0:8])),
		Nsec: int64(binary.LittleEndian.Uint64(b[8:16])),
	}
}

// --- SEND_PROGRAM / SEND_TASK -------------------------------------------------

// SendProgramTaskHeaderSize is the size of every field in
// SendProgramTaskMessage except CommandLine, whose length is implied
// by the enclosing frame's size.
const SendProgramTaskHeaderSize = 1 + 4 + timespecSize + 4 // type + client_pid + time_sent + expected_time

// SendProgramTaskMessage is SEND_PROGRAM (single-stage only) or
// SEND_TASK (pipelines allowed), client to server.
type SendProgramTaskMessage struct {
	Type         ClientMsgType // SendProgram or SendTask
	ClientPID    uint32
	TimeSent     Timespec
	ExpectedTime uint32
	CommandLine  []byte
}

// CheckSendProgramTaskLength validates a received frame length for
// this message kind and returns the implied CommandLine length.
func CheckSendProgramTaskLength(frameLen int) (int, error) {
	if frameLen < SendProgramTaskHeaderSize+1 {
		return 0, ErrTooShort
	}
	return frameLen - SendProgramTaskHeaderSize, nil
}

// Encode serializes the message. Returns ErrTooLong if the result
// would not fit a single frame.
func (m SendProgramTaskMessage) Encode(maxPayload int) ([]byte, error) {
	n := SendProgramTaskHeaderSize + len(m.CommandLine)
	if n > maxPayload {
		return nil, ErrTooLong
	}
	if len(m.CommandLine) == 0 {
		return nil, ErrTooShort
	}
	b := make([]byte, n)
	b[0] = byte(m.Type)
	binary.LittleEndian.PutUint32(b[1:5], m.ClientPID)
	putTimespec(b[5:5+timespecSize], m.TimeSent)
	off := 5 + timespecSize
	binary.LittleEndian.PutUint32(b[off:off+4], m.ExpectedTime)
	off += 4
	copy(b[off:], m.CommandLine)
	return b, nil
}

// DecodeSendProgramTask parses a frame payload previously validated
// with CheckSendProgramTaskLength.
func DecodeSendProgramTask(b []byte) (SendProgramTaskMessage, error) {
	if len(b) < SendProgramTaskHeaderSize+1 {
		return SendProgramTaskMessage{}, ErrTooShort
	}
	m := SendProgramTaskMessage{
		Type:      ClientMsgType(b[0]),
		ClientPID: binary.LittleEndian.Uint32(b[1:5]),
	}
	m.TimeSent = getTimespec(b[5 : 5+timespecSize])
	off := 5 + timespecSize
	m.ExpectedTime = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	cmd := make([]byte, len(b)-off)
	copy(cmd, b[off:])
	m.CommandLine = cmd
	return m, nil
}

// --- TASK_DONE -----------------------------------------------------------------

// TaskDoneSize is the fixed encoded size of a TaskDoneMessage.
const TaskDoneSize = 1 + 4 + timespecSize + 1 + 1 // type + slot + time_ended + is_status + error

// TaskDoneMessage is sent by a runner/status child back to the orchestrator.
type TaskDoneMessage struct {
	Slot      uint32
	TimeEnded Timespec
	IsStatus  bool
	Error     bool
}

func (m TaskDoneMessage) Encode() []byte {
	b := make([]byte, TaskDoneSize)
	b[0] = byte(TaskDone)
	binary.LittleEndian.PutUint32(b[1:5], m.Slot)
	putTimespec(b[5:5+timespecSize], m.TimeEnded)
	off := 5 + timespecSize
	if m.IsStatus {
		b[off] = 1
	}
	if m.Error {
		b[off+1] = 1
	}
	return b
}

func DecodeTaskDone(b []byte) (TaskDoneMessage, error) {
	if len(b) != TaskDoneSize {
		return TaskDoneMessage{}, ErrTooShort
	}
	m := TaskDoneMessage{
		Slot: binary.LittleEndian.Uint32(b[1:5]),
	}
	m.TimeEnded = getTimespec(b[5 : 5+timespecSize])
	off := 5 + timespecSize
	m.IsStatus = b[off] != 0
	m.Error = b[off+1] != 0
	return m, nil
}

// --- STATUS (client to server) --------------------------------------------------

// StatusRequestSize is the fixed encoded size of a StatusRequestMessage.
const StatusRequestSize = 1 + 4 // type + client_pid

type StatusRequestMessage struct {
	ClientPID uint32
}

func (m StatusRequestMessage) Encode() []byte {
	b := make([]byte, StatusRequestSize)
	b[0] = byte(Status)
	binary.LittleEndian.PutUint32(b[1:5], m.ClientPID)
	return b
}

func DecodeStatusRequest(b []byte) (StatusRequestMessage, error) {
	if len(b) != StatusRequestSize {
		return StatusRequestMessage{}, ErrTooShort
	}
	return StatusRequestMessage{ClientPID: binary.LittleEndian.Uint32(b[1:5])}, nil
}

// --- ERROR (server to client) ---------------------------------------------------

const ErrorHeaderSize = 1

type ErrorMessage struct {
	Text string
}

func (m ErrorMessage) Encode(maxPayload int) ([]byte, error) {
	n := ErrorHeaderSize + len(m.Text)
	if n > maxPayload {
		return nil, ErrTooLong
	}
	b := make([]byte, n)
	b[0] = byte(Error)
	copy(b[1:], m.Text)
	return b, nil
}

func DecodeError(b []byte) (ErrorMessage, error) {
	if len(b) < ErrorHeaderSize {
		return ErrorMessage{}, ErrTooShort
	}
	return ErrorMessage{Text: string(b[1:])}, nil
}

// --- TASK_ID (server to client) --------------------------------------------------

const TaskIDSize = 1 + 4

type TaskIDMessage struct {
	ID uint32
}

func (m TaskIDMessage) Encode() []byte {
	b := make([]byte, TaskIDSize)
	b[0] = byte(TaskID)
	binary.LittleEndian.PutUint32(b[1:5], m.ID)
	return b
}

func DecodeTaskID(b []byte) (TaskIDMessage, error) {
	if len(b) != TaskIDSize {
		return TaskIDMessage{}, ErrTooShort
	}
	return TaskIDMessage{ID: binary.LittleEndian.Uint32(b[1:5])}, nil
}

// --- STATUS (server to client) ---------------------------------------------------

// StatusHeaderSize is every fixed field of StatusMessage except CommandLine.
const StatusHeaderSize = 1 + 1 + 4 + 1 + 8*4 // type + status + id + error + 4 float64s

// StatusMessage reports one task's status line (QUEUED/EXECUTING/DONE)
// to a client. Times are microseconds, NaN when the corresponding
// stage gap is undefined (e.g. a QUEUED task has no executing time).
type StatusMessage struct {
	Status        TaskStatus
	ID            uint32
	Error         bool
	TimeC2SFifo   float64 // ARRIVED - SENT
	TimeWaiting   float64 // DISPATCHED - ARRIVED
	TimeExecuting float64 // ENDED - DISPATCHED
	TimeS2SFifo   float64 // COMPLETED - ENDED
	CommandLine   []byte
}

func (m StatusMessage) Encode(maxPayload int) ([]byte, error) {
	n := StatusHeaderSize + len(m.CommandLine)
	if n > maxPayload {
		return nil, ErrTooLong
	}
	b := make([]byte, n)
	b[0] = byte(StatusS2C)
	b[1] = byte(m.Status)
	binary.LittleEndian.PutUint32(b[2:6], m.ID)
	if m.Error {
		b[6] = 1
	}
	off := 7
	for _, v := range []float64{m.TimeC2SFifo, m.TimeWaiting, m.TimeExecuting, m.TimeS2SFifo} {
		binary.LittleEndian.PutUint64(b[off:off+8], math.Float64bits(v))
		off += 8
	}
	copy(b[off:], m.CommandLine)
	return b, nil
}

func DecodeStatus(b []byte) (StatusMessage, error) {
	if len(b) < StatusHeaderSize {
		return StatusMessage{}, ErrTooShort
	}
	m := StatusMessage{
		Status: TaskStatus(b[1]),
		ID:     binary.LittleEndian.Uint32(b[2:6]),
		Error:  b[6] != 0,
	}
	off := 7
	times := make([]float64, 4)
	for i := range times {
		times[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[off : off+8]))
		off += 8
	}
	m.TimeC2SFifo, m.TimeWaiting, m.TimeExecuting, m.TimeS2SFifo = times[0], times[1], times[2], times[3]
	cmd := make([]byte, len(b)-off)
	copy(cmd, b[off:])
	m.CommandLine = cmd
	return m, nil
}

// PeekType reads the type-tag byte common to every message, without
// fully decoding it. Returns ErrTooShort on an empty payload.
func PeekType(b []byte) (uint8, error) {
	if len(b) == 0 {
		return 0, ErrTooShort
	}
	return b[0], nil
}
