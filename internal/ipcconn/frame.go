package ipcconn

import (
	"encoding/binary"
	"errors"
)

// Signature starts every frame on the wire.
const Signature uint32 = 0xFEEDFEED

// HeaderSize is the signature plus the payload-length field.
const HeaderSize = 8

// PipeBuf is the local pipe write-atomicity guarantee this transport
// depends on: Linux's PIPE_BUF of 4096 bytes. Systems with a smaller
// PIPE_BUF (the POSIX minimum is 512) do not guarantee that a frame
// of this size is written atomically.
const PipeBuf = 4096

// MaxPayload is the largest payload that still fits one atomic write.
const MaxPayload = PipeBuf - HeaderSize

var (
	ErrEmptyPayload = errors.New("ipcconn: payload must not be empty")
	ErrPayloadTooBig = errors.New("ipcconn: payload exceeds MaxPayload")
)

// EncodeFrame wraps payload in a signature+length-prefixed frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooBig
	}
	b := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(b[0:4], Signature)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(payload)))
	copy(b[HeaderSize:], payload)
	return b, nil
}

type frameStatus int

const (
	frameOK frameStatus = iota
	frameNeedMore
	frameInvalid
)

// parseOneFrame looks for one complete frame at the start of buf.
// It never allocates when more data is needed; the caller keeps
// accumulating into buf until a frame completes, is found invalid,
// or EOF is reached with a dangling partial frame.
func parseOneFrame(buf []byte) (payload []byte, consumed int, status frameStatus) {
	if len(buf) < HeaderSize {
		return nil, 0, frameNeedMore
	}
	sig := binary.LittleEndian.Uint32(buf[0:4])
	if sig != Signature {
		return nil, 0, frameInvalid
	}
	length := binary.LittleEndian.Uint32(buf[4:8])
	if length == 0 || int(length) > MaxPayload {
		return nil, 0, frameInvalid
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, frameNeedMore
	}
	return buf[HeaderSize:total], total, frameOK
}
