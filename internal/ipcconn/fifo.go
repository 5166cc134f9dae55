// Package ipcconn implements the framed named-pipe transport between
// the orcd server and its clients (and the runner/status children,
// which connect back to the server in the client role). Frames up to
// MaxPayload are written in one syscall, so they stay atomic however
// many writers share the server FIFO.
package ipcconn

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Role distinguishes the two IPC endpoints.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// DefaultServerPath is the well-known server FIFO path.
const DefaultServerPath = "/tmp/orchestrator.fifo"

var (
	ErrAlreadyExists = errors.New("ipcconn: server fifo already exists")
	ErrNotFound      = errors.New("ipcconn: server fifo not found")
	ErrNotSending    = errors.New("ipcconn: connection is not prepared for sending")
	ErrAlreadySending = errors.New("ipcconn: connection already prepared for sending")
	ErrBrokenPipe    = errors.New("ipcconn: broken pipe")
	ErrTimeout       = errors.New("ipcconn: send_retry exhausted its attempts")
)

// ClientPath derives a client's FIFO path from its PID.
func ClientPath(pid int) string {
	return fmt.Sprintf("/tmp/client%d.fifo", pid)
}

// Connection is one end of a framed named-pipe IPC channel.
type Connection struct {
	role       Role
	serverPath string
	ownPath    string // path this endpoint reads from
	ownPID     int
	sessionID  uuid.UUID
	log        *log.Logger

	mu        sync.Mutex
	writeFile *os.File // open write side; client keeps it for the life of the connection
	sendPID   int       // server only: pid currently prepared for sending
}

// New creates a connection in the given role.
//
// A SERVER connection creates (and does not yet open) its well-known
// FIFO; a CLIENT connection creates its own per-PID FIFO and opens
// the server's FIFO for writing, blocking until the server is
// listening.
func New(role Role, serverPath string) (*Connection, error) {
	if serverPath == "" {
		serverPath = DefaultServerPath
	}
	c := &Connection{
		role:       role,
		serverPath: serverPath,
		ownPID:     os.Getpid(),
		sessionID:  uuid.New(),
		log:        log.New(os.Stderr, "", log.LstdFlags),
	}
	switch role {
	case RoleServer:
		if err := unix.Mkfifo(serverPath, 0620); err != nil {
			if errors.Is(err, os.ErrExist) {
				return nil, ErrAlreadyExists
			}
			return nil, fmt.Errorf("ipcconn: mkfifo server fifo: %w", err)
		}
		c.ownPath = serverPath
	case RoleClient:
		ownPath := ClientPath(c.ownPID)
		if err := unix.Mkfifo(ownPath, 0622); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("ipcconn: mkfifo client fifo: %w", err)
		}
		c.ownPath = ownPath
		f, err := os.OpenFile(serverPath, os.O_WRONLY, 0)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("ipcconn: open server fifo for writing: %w", err)
		}
		c.writeFile = f
	default:
		return nil, fmt.Errorf("ipcconn: invalid role %v", role)
	}
	c.log.Printf("[ipc %s] new connection %s own=%s", role, c.sessionID, c.ownPath)
	return c, nil
}

// Dial opens a write-only connection to destPath without creating a
// receive FIFO. Runner and status children use it: for the TASK_DONE
// notification back to the server, and for the status stream toward
// the requesting client's FIFO.
func Dial(destPath string) (*Connection, error) {
	c := &Connection{
		role:       RoleClient,
		serverPath: destPath,
		ownPID:     os.Getpid(),
		sessionID:  uuid.New(),
		log:        log.New(os.Stderr, "", log.LstdFlags),
	}
	f, err := os.OpenFile(destPath, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ipcconn: open %s for writing: %w", destPath, err)
	}
	c.writeFile = f
	return c, nil
}

// OwnPath is the FIFO path this connection reads from. Empty for
// Dial-created write-only connections.
func (c *Connection) OwnPath() string { return c.ownPath }

// Close releases the connection. Server connections unlink their
// well-known FIFO; client connections unlink their per-PID FIFO.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.writeFile != nil {
		c.writeFile.Close()
		c.writeFile = nil
	}
	c.mu.Unlock()
	if c.ownPath == "" {
		return nil
	}
	if err := os.Remove(c.ownPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ipcconn: unlink %s: %w", c.ownPath, err)
	}
	return nil
}

// OpenSending prepares the server's write direction toward a specific
// client, identified by the PID embedded in a previously received
// message. Server connections start write-unassociated.
func (c *Connection) OpenSending(clientPID int) error {
	if c.role != RoleServer {
		return fmt.Errorf("ipcconn: OpenSending is server-only")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeFile != nil {
		return ErrAlreadySending
	}
	f, err := os.OpenFile(ClientPath(clientPID), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("ipcconn: open client fifo for pid %d: %w", clientPID, err)
	}
	c.writeFile = f
	c.sendPID = clientPID
	return nil
}

// CloseSending releases the server's write direction opened by OpenSending.
func (c *Connection) CloseSending() error {
	if c.role != RoleServer {
		return fmt.Errorf("ipcconn: CloseSending is server-only")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeFile == nil {
		return ErrNotSending
	}
	err := c.writeFile.Close()
	c.writeFile = nil
	c.sendPID = 0
	if err != nil {
		return fmt.Errorf("ipcconn: close client fifo: %w", err)
	}
	return nil
}

// Send wraps payload in a frame and writes it in a single syscall, so
// that writes up to MaxPayload remain atomic on the receiving end.
// A broken pipe (peer gone) is reported to the caller, not treated
// as fatal.
func (c *Connection) Send(payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	f := c.writeFile
	c.mu.Unlock()
	if f == nil {
		return ErrNotSending
	}
	_, err = f.Write(frame)
	if err != nil {
		if errors.Is(err, unix.EPIPE) || errors.Is(err, unix.EINTR) {
			return ErrBrokenPipe
		}
		return fmt.Errorf("ipcconn: write: %w", err)
	}
	return nil
}

// destPath returns the FIFO path this connection should reopen when
// SendRetry needs to reconnect after a broken pipe.
func (c *Connection) destPath() string {
	if c.role == RoleClient {
		return c.serverPath
	}
	return ClientPath(c.sendPID)
}

// SendRetry is Send with reconnect-on-broken-pipe retries, up to
// maxTries total attempts. This is the mandatory path for
// child-to-parent TASK_DONE notifications: losing one silently costs
// the orchestrator a slot forever.
func (c *Connection) SendRetry(payload []byte, maxTries int) error {
	if maxTries <= 0 {
		return fmt.Errorf("ipcconn: SendRetry: max_tries must be > 0")
	}
	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		err := c.Send(payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrBrokenPipe) && !errors.Is(err, ErrNotSending) {
			return err
		}
		c.log.Printf("[ipc] send_retry: attempt %d/%d failed: %v", attempt, maxTries, lastErr)
		if attempt == maxTries {
			break
		}
		c.mu.Lock()
		if c.writeFile != nil {
			c.writeFile.Close()
			c.writeFile = nil
		}
		dest := c.destPath()
		c.mu.Unlock()
		f, openErr := os.OpenFile(dest, os.O_WRONLY, 0)
		if openErr != nil {
			lastErr = openErr
			time.Sleep(10 * time.Millisecond)
			continue
		}
		c.mu.Lock()
		c.writeFile = f
		c.mu.Unlock()
	}
	return fmt.Errorf("%w: %v", ErrTimeout, lastErr)
}
