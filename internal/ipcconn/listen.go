package ipcconn

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// OnMessage receives one complete frame payload. The slice is only
// valid for the duration of the call; implementations that keep it
// must copy.
type OnMessage func(payload []byte)

// OnBeforeBlock runs after the reader reached EOF and its FD was
// closed, before the FIFO is reopened (which blocks until a writer
// appears). A non-zero return stops the loop with that value: clients
// use it to accept exactly one reply, the server uses it to dispatch
// queued tasks between open cycles.
type OnBeforeBlock func() int

// Listen drives the receive loop until onBeforeBlock asks it to stop. Frames arrive in write order; a desynchronized or
// invalid frame is diagnosed, the current reader is drained and
// closed, and the loop reopens and continues.
func (c *Connection) Listen(onMessage OnMessage, onBeforeBlock OnBeforeBlock) (int, error) {
	if c.ownPath == "" {
		return 0, fmt.Errorf("ipcconn: connection %s has no receive fifo", c.sessionID)
	}
	buf := make([]byte, 0, 4*PipeBuf)
	chunk := make([]byte, PipeBuf)
	for {
		f, err := os.OpenFile(c.ownPath, os.O_RDONLY, 0)
		if err != nil {
			return 0, fmt.Errorf("ipcconn: open %s for reading: %w", c.ownPath, err)
		}
		buf = buf[:0]
	readLoop:
		for {
			n, rerr := f.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				for {
					payload, consumed, st := parseOneFrame(buf)
					switch st {
					case frameOK:
						onMessage(payload)
						// Move the remainder to the front; the next
						// read concatenates onto a partial frame.
						buf = append(buf[:0], buf[consumed:]...)
						continue
					case frameNeedMore:
					case frameInvalid:
						c.log.Printf("[ipc %s] invalid frame, draining reader", c.role)
						drain(f, chunk)
						buf = buf[:0]
						break readLoop
					}
					break
				}
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					c.log.Printf("[ipc %s] read: %v", c.role, rerr)
				}
				if len(buf) > 0 {
					// Payload longer than the remaining data at EOF.
					c.log.Printf("[ipc %s] %d dangling bytes at EOF, dropped", c.role, len(buf))
					buf = buf[:0]
				}
				break
			}
		}
		f.Close()
		if rc := onBeforeBlock(); rc != 0 {
			return rc, nil
		}
	}
}

func drain(f *os.File, chunk []byte) {
	for {
		_, err := f.Read(chunk)
		if err != nil {
			return
		}
	}
}
