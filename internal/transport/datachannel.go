package transport

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DataChannelConn adapts a pion DataChannel to the relay's client side.
// The channel keeps its own send buffer, so Send never blocks and
// BufferedAmount is reported natively.
type DataChannelConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	closeOnce sync.Once
	closeErr  error
}

// NewDataChannelConn wraps dc. Close also closes pc.
func NewDataChannelConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *DataChannelConn {
	return &DataChannelConn{pc: pc, dc: dc}
}

func (c *DataChannelConn) Send(p []byte) error {
	return c.dc.Send(p)
}

func (c *DataChannelConn) BufferedAmount() int {
	return int(c.dc.BufferedAmount())
}

// Close closes the DataChannel and then the PeerConnection.
func (c *DataChannelConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.dc.Close(), c.pc.Close())
	})
	return c.closeErr
}

// OnMessage registers fn for inbound binary messages. String messages are
// ignored. pion hands each callback a fresh slice, so fn may keep it.
func (c *DataChannelConn) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		fn(msg.Data)
	})
}

// OnClose registers fn to run when the channel closes or the peer
// connection fails.
func (c *DataChannelConn) OnClose(fn func()) {
	var once sync.Once
	fire := func() { once.Do(fn) }

	c.dc.OnClose(fire)
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			fire()
		}
	})
}
