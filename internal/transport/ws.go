// Package transport adapts concrete client-side connections (WebSocket,
// WebRTC DataChannel) to the send/buffered/close shape the relay pumps use.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// closeGrace bounds how long Close may spend flushing queued messages.
const closeGrace = 5 * time.Second

// WSConn wraps a gorilla WebSocket with a non-blocking Send. Messages are
// queued and written by a single writer goroutine; BufferedAmount reports the
// bytes queued or in flight, like a browser WebSocket's bufferedAmount.
type WSConn struct {
	conn *websocket.Conn

	mu       sync.Mutex
	queue    [][]byte
	buffered int
	closing  bool

	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// NewWSConn wraps conn and starts its writer goroutine.
func NewWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{
		conn: conn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues p as one binary message and takes ownership of it.
func (c *WSConn) Send(p []byte) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, p)
	c.buffered += len(p)
	c.mu.Unlock()

	c.signal()
	return nil
}

// BufferedAmount returns the number of bytes queued but not yet written.
func (c *WSConn) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// Close stops accepting messages. Already queued messages are flushed, then a
// close frame is sent and the connection closed. It does not wait.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		c.signal()

		// A peer that stopped reading must not pin the writer forever.
		time.AfterFunc(closeGrace, func() {
			select {
			case <-c.done:
			default:
				_ = c.conn.NetConn().Close()
			}
		})
	})
	return nil
}

// Done is closed once the underlying connection has been closed.
func (c *WSConn) Done() <-chan struct{} {
	return c.done
}

// ReadLoop delivers each inbound binary message to fn until the connection
// fails or is closed. Text messages are ignored.
func (c *WSConn) ReadLoop(fn func([]byte)) error {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt == websocket.BinaryMessage {
			fn(data)
		}
	}
}

func (c *WSConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writeLoop is the single writer. It exits after flushing the queue once
// Close has been called, or on the first write error.
func (c *WSConn) writeLoop() {
	defer close(c.done)
	defer c.conn.Close()

	deadlineSet := false
	for range c.wake {
		for {
			c.mu.Lock()
			closing := c.closing
			if closing && !deadlineSet {
				// gorilla allows only the writer to touch the write deadline.
				_ = c.conn.SetWriteDeadline(time.Now().Add(closeGrace))
				deadlineSet = true
			}
			if len(c.queue) == 0 {
				c.mu.Unlock()
				if closing {
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				break
			}
			p := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()

			err := c.conn.WriteMessage(websocket.BinaryMessage, p)

			c.mu.Lock()
			c.buffered -= len(p)
			c.mu.Unlock()

			if err != nil {
				c.mu.Lock()
				c.closing = true
				c.queue = nil
				c.buffered = 0
				c.mu.Unlock()
				return
			}
		}
	}
}
