package relay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// fakeClient records every message handed to Send. BufferedAmount is driven
// by the test; with grow set, each Send adds its length as an undrained
// socket buffer would.
type fakeClient struct {
	mu   sync.Mutex
	msgs [][]byte

	buffered atomic.Int64
	grow     bool
	closes   atomic.Int32
	sendErr  error
}

func (c *fakeClient) Send(p []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, p)
	c.mu.Unlock()
	if c.grow {
		c.buffered.Add(int64(len(p)))
	}
	return nil
}

func (c *fakeClient) BufferedAmount() int { return int(c.buffered.Load()) }

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	return errors.New("close errors are ignored")
}

func (c *fakeClient) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

// fakeRemote records writes and counts closes.
type fakeRemote struct {
	mu     sync.Mutex
	writes [][]byte

	block    chan struct{} // when non-nil, Write waits for it to close
	writeErr error
	closes   atomic.Int32
}

func (r *fakeRemote) Write(p []byte) (int, error) {
	if r.block != nil {
		<-r.block
	}
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	r.mu.Lock()
	r.writes = append(r.writes, p)
	r.mu.Unlock()
	return len(p), nil
}

func (r *fakeRemote) Close() error {
	r.closes.Add(1)
	return nil
}

func (r *fakeRemote) written() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.writes...)
}

// chanReader yields one queued chunk per Read (splitting it if p is short)
// and reports io.EOF once ch is closed.
type chanReader struct {
	ch      chan []byte
	reads   atomic.Int32
	pending []byte
}

func newChanReader(chunks ...[]byte) *chanReader {
	r := &chanReader{ch: make(chan []byte, 64)}
	for _, c := range chunks {
		r.ch <- c
	}
	return r
}

func (r *chanReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		b, ok := <-r.ch
		if !ok {
			return 0, io.EOF
		}
		r.reads.Add(1)
		r.pending = b
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// manualScheduler captures drain requests instead of running them.
type manualScheduler struct {
	mu    sync.Mutex
	now   int
	later int
}

func (m *manualScheduler) install(u *Uplink) {
	u.now = func(func()) { m.mu.Lock(); m.now++; m.mu.Unlock() }
	u.later = func(func()) { m.mu.Lock(); m.later++; m.mu.Unlock() }
}

func (m *manualScheduler) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, m.later
}
