// Package relay owns the lifecycle of one relayed connection: the shared
// Session and the two pumps that move bytes between the client transport
// and the outbound TCP connection.
package relay

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/edgerelay/internal/util"
)

// ClientConn is the client side of an accepted upgrade. Send must not block
// on the network: it queues the message and accounts it in BufferedAmount
// until it has been handed to the wire.
type ClientConn interface {
	Send(p []byte) error
	BufferedAmount() int
	Close() error
}

// Session is the shared liveness record for one relayed connection. It
// exclusively owns the close sequence of both transports; the pumps only
// observe Dead and call Kill.
type Session struct {
	id      uint32
	started time.Time

	dead atomic.Bool
	done chan struct{}

	mu     sync.Mutex
	client ClientConn
	remote io.Closer
}

// NewSession binds a client transport and an outbound connection.
func NewSession(id uint32, client ClientConn, remote io.Closer) *Session {
	util.Stats.AddSession()
	return &Session{
		id:      id,
		started: time.Now(),
		done:    make(chan struct{}),
		client:  client,
		remote:  remote,
	}
}

// ID returns the identifier used in log lines.
func (s *Session) ID() uint32 { return s.id }

// Dead reports whether Kill has been called.
func (s *Session) Dead() bool { return s.dead.Load() }

// Done is closed once the close sequence has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Kill tears the session down. Only the first call has any effect: it marks
// the session dead, detaches both transports and closes them on a separate
// goroutine, ignoring close errors.
func (s *Session) Kill() {
	if !s.dead.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	client, remote := s.client, s.remote
	s.client, s.remote = nil, nil
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		if client != nil {
			_ = client.Close()
		}
		if remote != nil {
			_ = remote.Close()
		}
		util.Stats.RemoveSession(time.Since(s.started))
		util.LogDebug("[%08x] session closed after %v", s.id, time.Since(s.started).Round(time.Millisecond))
	}()
}
