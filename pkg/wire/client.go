package wire

import (
	"fmt"
	"net"
)

// Client is the consumer side of one TCP connection to a producer (or, for
// the bootstrap connection, to the lead producer). Unlike Server, a Client
// is always owned by exactly one goroutine at a time (the bootstrap
// goroutine, or one reader thread per spec §4.2), so it exposes plain
// blocking Read/Write calls rather than an event queue — the two are
// equivalent when there is no multiplexing to do, and the blocking form is
// what spec §4.2's reader-thread loop is written against ("read exactly one
// 1-byte tag").
type Client struct {
	conn net.Conn
}

// Dial opens a blocking TCP connection to addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// ReadFrame reads one length-prefixed message.
func (c *Client) ReadFrame() ([]byte, error) {
	return ReadFrame(c.conn)
}

// ReadFrameInto reads one length-prefixed message directly into dst.
func (c *Client) ReadFrameInto(dst []byte) error {
	return ReadFrameInto(c.conn, dst)
}

// WriteFrame writes one length-prefixed message. mode is accepted for
// contract compatibility (see CopyMode doc in frame.go).
func (c *Client) WriteFrame(payload []byte, mode CopyMode) error {
	return WriteFrame(c.conn, payload)
}

// LocalAddr4 returns this client's locally bound IPv4 address and port,
// used to compute the lead consumer id in the handshake (spec §4.1).
func (c *Client) LocalAddr4() (ip [4]byte, port int, err error) {
	return LocalAddr4(c.conn)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
