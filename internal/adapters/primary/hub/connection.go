package hub

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var errConnectionDead = errors.New("connection is dead")

// Connection is one accepted client. Writes are serialized by writeMu; the
// first failed read or write marks it dead so the next broadcast prunes it.
type Connection struct {
	ID       string
	Remote   string
	OpenedAt time.Time

	conn         net.Conn
	br           *bufio.Reader
	writeTimeout time.Duration

	writeMu   sync.Mutex
	open      atomic.Bool
	dead      atomic.Bool
	closeOnce sync.Once
}

func newConnection(conn net.Conn, writeTimeout time.Duration) *Connection {
	return &Connection{
		ID:           uuid.New().String(),
		Remote:       conn.RemoteAddr().String(),
		OpenedAt:     time.Now(),
		conn:         conn,
		br:           bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

// Open reports whether the handshake completed and the connection is live
func (c *Connection) Open() bool {
	return c.open.Load() && !c.dead.Load()
}

// Dead reports whether a read or write has failed
func (c *Connection) Dead() bool {
	return c.dead.Load()
}

func (c *Connection) markDead() {
	c.dead.Store(true)
}

// WriteFrame sends a pre-encoded frame
func (c *Connection) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(frame)
}

func (c *Connection) writeLocked(frame []byte) error {
	if c.dead.Load() {
		return errConnectionDead
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.markDead()
		return err
	}
	return nil
}

// readLoop consumes inbound frames until close, error, or an oversized frame.
// Pings are answered immediately; pongs and data frames are ignored.
func (c *Connection) readLoop(maxFrame int64) error {
	for {
		frame, err := ReadFrame(c.br, maxFrame)
		if err != nil {
			c.markDead()
			return err
		}

		switch frame.Opcode {
		case OpClose:
			var status []byte
			if len(frame.Payload) >= 2 {
				status = frame.Payload[:2]
			}
			_ = c.WriteFrame(EncodeFrame(OpClose, status))
			c.markDead()
			return nil
		case OpPing:
			if err := c.WriteFrame(EncodeFrame(OpPong, frame.Payload)); err != nil {
				return err
			}
		}
	}
}

// Close closes the socket, unblocking a pending read
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.markDead()
		err = c.conn.Close()
	})
	return err
}
