package wire

import (
	"io"
	"net"
	"sync"
	"time"
)

// Channel is the single point through which a protocol loop reads inbound
// frames and writes outbound ones. It is grounded on the teacher's
// TCPSender/TCPReceiver pairing, collapsed into one type with a write
// mutex because, unlike the teacher's one-shot Send/Receive calls, a
// protocol loop and its file tasks share one connection concurrently
// (spec.md §3: "the protocol loop owns the channel exclusively; C tasks
// borrow a write handle via a bounded outbound queue").
type Channel struct {
	conn net.Conn

	writeMu sync.Mutex
}

// NewChannel wraps an established connection.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Dial opens a new TCP channel to addr.
func Dial(addr string, timeout time.Duration) (*Channel, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn), nil
}

// SendMessage writes a JSON control frame, serialized under the channel's
// write lock so it cannot interleave with a concurrent SendChunk.
func (c *Channel) SendMessage(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, m)
}

// SendChunk writes a binary chunk frame for file, under the same write
// lock as SendMessage.
func (c *Channel) SendChunk(file string, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteChunk(c.conn, file, data)
}

// ReadFrame reads the next inbound frame, applying deadline as the read
// timeout for liveness enforcement (spec.md §4.A idle timeout).
func (c *Channel) ReadFrame(deadline time.Time) (*Message, *ChunkFrame, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	m, chunk, err := ReadFrame(c.conn)
	if err != nil {
		if err == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, err
	}
	return m, chunk, nil
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
