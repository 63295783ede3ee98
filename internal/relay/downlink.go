package relay

import (
	"io"
	"runtime"
	"time"

	"github.com/1ureka/edgerelay/internal/protocol"
	"github.com/1ureka/edgerelay/internal/util"
)

// DownlinkOptions tunes the remote → client pump. Zero fields take defaults.
type DownlinkOptions struct {
	HighWater int // pause reading when the client has more than this buffered
	LowWater  int // resume once buffered drops below this
	BatchHigh int // reads per burst when the client buffer is nearly empty
	BatchLow  int // reads per burst when it is between the watermarks
	SpinLimit int // scheduler yields before the pause falls back to 1 ms sleeps
	ReadSize  int // maximum bytes per read from the outbound connection

	// Unframed skips the response header on the first chunk. Used when the
	// pump runs on the dialing side of a relay.
	Unframed bool
}

// DefaultDownlinkOptions returns the production tuning.
func DefaultDownlinkOptions() DownlinkOptions {
	return DownlinkOptions{
		HighWater: 32 * 1024,
		LowWater:  16 * 1024,
		BatchHigh: 8,
		BatchLow:  2,
		SpinLimit: 20,
		ReadSize:  16 * 1024,
	}
}

func (o DownlinkOptions) withDefaults() DownlinkOptions {
	d := DefaultDownlinkOptions()
	if o.HighWater <= 0 {
		o.HighWater = d.HighWater
	}
	if o.LowWater <= 0 || o.LowWater > o.HighWater {
		o.LowWater = o.HighWater / 2
	}
	if o.BatchHigh <= 0 {
		o.BatchHigh = d.BatchHigh
	}
	if o.BatchLow <= 0 {
		o.BatchLow = d.BatchLow
	}
	if o.SpinLimit < 0 {
		o.SpinLimit = d.SpinLimit
	}
	if o.ReadSize <= 0 {
		o.ReadSize = d.ReadSize
	}
	return o
}

// Downlink reads from the outbound connection and forwards each chunk to
// the client, pausing while the client's send buffer sits above the high
// watermark. The first chunk carries protocol.ResponseHeader.
type Downlink struct {
	s      *Session
	client ClientConn
	r      io.Reader
	opts   DownlinkOptions

	firstSent bool
	scratch   []byte
	done      chan struct{}
}

// NewDownlink creates the pump reading r on behalf of s.
func NewDownlink(s *Session, client ClientConn, r io.Reader, opts DownlinkOptions) *Downlink {
	opts = opts.withDefaults()
	return &Downlink{
		s:       s,
		client:  client,
		r:       r,
		opts:    opts,
		scratch: make([]byte, opts.ReadSize),
		done:    make(chan struct{}),
	}
}

// Done is closed when Run has returned.
func (d *Downlink) Done() <-chan struct{} { return d.done }

// Run pumps until the session dies, the outbound stream ends, or an
// error occurs. End of stream and errors kill the session.
func (d *Downlink) Run() {
	defer d.release()

	for !d.s.Dead() {
		if d.client.BufferedAmount() > d.opts.HighWater {
			if !d.waitForLow() {
				return
			}
		}

		batch := d.opts.BatchLow
		if d.client.BufferedAmount() < d.opts.LowWater {
			batch = d.opts.BatchHigh
		}

		for i := 0; i < batch && !d.s.Dead(); i++ {
			if err := d.forward(); err != nil {
				if err != io.EOF && err != errSessionDead {
					util.LogDebug("[%08x] downlink ended: %v", d.s.ID(), err)
				}
				d.s.Kill()
				return
			}
			if d.client.BufferedAmount() > d.opts.HighWater {
				break
			}
		}
	}
}

// waitForLow blocks until the client buffer drops below the low watermark.
// It yields to the scheduler first and falls back to short sleeps so a
// long pause does not spin a core. Returns false if the session died.
func (d *Downlink) waitForLow() bool {
	for spins := 0; ; spins++ {
		if d.s.Dead() {
			return false
		}
		if d.client.BufferedAmount() < d.opts.LowWater {
			return true
		}
		if spins < d.opts.SpinLimit {
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

// forward reads one chunk and sends it. The chunk is copied into a
// right-sized buffer that the client transport takes ownership of; the
// first one gets the response header in front.
func (d *Downlink) forward() error {
	n, err := d.r.Read(d.scratch)
	if n > 0 {
		if d.s.Dead() {
			return errSessionDead
		}

		head := 0
		if !d.firstSent && !d.opts.Unframed {
			head = len(protocol.ResponseHeader)
		}
		out := make([]byte, head+n)
		copy(out, protocol.ResponseHeader[:head])
		copy(out[head:], d.scratch[:n])

		if serr := d.client.Send(out); serr != nil {
			return serr
		}
		d.firstSent = true
		util.Stats.AddDown(n)
	}
	return err
}

// release frees the read side of the outbound connection once the pump has
// stopped, then signals Done.
func (d *Downlink) release() {
	if cr, ok := d.r.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
	}
	close(d.done)
}
