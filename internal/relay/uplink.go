package relay

import (
	"errors"
	"io"
	"runtime"
	"sync"

	"github.com/1ureka/edgerelay/internal/util"
)

// Queue geometry. One slot always stays free, so at most queueMask chunks
// are pending at any time.
const (
	queueSize = 32
	queueMask = queueSize - 1
)

var errSessionDead = errors.New("session is dead")

// UplinkOptions tunes the client → remote pump. Zero fields take defaults.
type UplinkOptions struct {
	MaxQueuedBytes int // hard cap on pending bytes; exceeding it sheds the session
	MergeBytes     int // upper bound of one coalesced write, and the eager-drain threshold
	LargeChunk     int // chunks above this size drain immediately
	HighOccupancy  int // pending chunk count that drains immediately
	MaxBatch       int // chunks gathered per write
}

// DefaultUplinkOptions returns the production tuning.
func DefaultUplinkOptions() UplinkOptions {
	return UplinkOptions{
		MaxQueuedBytes: 256 * 1024,
		MergeBytes:     16 * 1024,
		LargeChunk:     8 * 1024,
		HighOccupancy:  15,
		MaxBatch:       16,
	}
}

// MessageLimit is the largest single client message worth reading: anything
// bigger would overflow the queue on its own.
func (o UplinkOptions) MessageLimit() int64 {
	return int64(o.withDefaults().MaxQueuedBytes)
}

func (o UplinkOptions) withDefaults() UplinkOptions {
	d := DefaultUplinkOptions()
	if o.MaxQueuedBytes <= 0 {
		o.MaxQueuedBytes = d.MaxQueuedBytes
	}
	if o.MergeBytes <= 0 {
		o.MergeBytes = d.MergeBytes
	}
	if o.LargeChunk <= 0 {
		o.LargeChunk = d.LargeChunk
	}
	if o.HighOccupancy <= 0 || o.HighOccupancy >= queueMask {
		o.HighOccupancy = d.HighOccupancy
	}
	if o.MaxBatch <= 0 || o.MaxBatch > queueMask {
		o.MaxBatch = d.MaxBatch
	}
	return o
}

// Uplink queues chunks received from the client and writes them to the
// outbound connection, coalescing runs of small chunks into one write.
// At most one drain runs at a time.
type Uplink struct {
	s    *Session
	w    io.Writer
	opts UplinkOptions

	mu        sync.Mutex
	q         [queueSize][]byte
	head      uint32
	tail      uint32
	queued    int
	draining  bool
	scheduled bool

	// now starts a drain promptly; later starts one after yielding so that
	// a burst of small pushes is absorbed by a single pass.
	now   func(func())
	later func(func())
}

// NewUplink creates the pump writing to w on behalf of s.
func NewUplink(s *Session, w io.Writer, opts UplinkOptions) *Uplink {
	return &Uplink{
		s:    s,
		w:    w,
		opts: opts.withDefaults(),
		now:  func(f func()) { go f() },
		later: func(f func()) {
			go func() {
				runtime.Gosched()
				f()
			}()
		},
	}
}

// Push enqueues one chunk. Overflowing either the slot count or the byte cap
// kills the session and drops the chunk: the connection is shed, not throttled.
// Push takes ownership of chunk.
func (u *Uplink) Push(chunk []byte) {
	if u.s.Dead() || len(chunk) == 0 {
		return
	}

	u.mu.Lock()
	size := int((u.tail - u.head) & queueMask)
	if size >= queueMask || u.queued+len(chunk) > u.opts.MaxQueuedBytes {
		queued := u.queued
		u.mu.Unlock()
		util.UplinkOverloads.Inc()
		util.LogDebug("[%08x] uplink overloaded (%d chunks, %d bytes queued), shedding", u.s.ID(), size, queued)
		u.s.Kill()
		return
	}

	u.q[u.tail&queueMask] = chunk
	u.tail++
	u.queued += len(chunk)

	eager := len(chunk) > u.opts.LargeChunk || u.queued >= u.opts.MergeBytes || size >= u.opts.HighOccupancy

	var start func(func())
	switch {
	case u.draining:
		// The running drain keeps going until the queue is empty.
	case eager:
		start = u.now
	case !u.scheduled:
		u.scheduled = true
		start = u.later
	}
	u.mu.Unlock()

	if start != nil {
		start(u.Drain)
	}
}

// Drain writes queued chunks until the queue is empty or the session dies.
// Calls made while another drain is running return immediately.
func (u *Uplink) Drain() {
	u.mu.Lock()
	u.scheduled = false
	if u.draining || u.head == u.tail || u.s.Dead() {
		u.mu.Unlock()
		return
	}
	u.draining = true

	for u.head != u.tail && !u.s.Dead() {
		data := u.gather()

		u.mu.Unlock()
		err := u.write(data)
		u.mu.Lock()

		if err != nil {
			break
		}
	}

	u.draining = false
	u.mu.Unlock()
}

// gather takes a run of chunks off the head of the queue, bounded by
// MaxBatch and MergeBytes. A single chunk is returned as is; several are
// copied into one buffer. Must hold u.mu.
func (u *Uplink) gather() []byte {
	size := int(u.tail - u.head)
	count, total := 0, 0
	for count < u.opts.MaxBatch && count < size {
		n := len(u.q[(u.head+uint32(count))&queueMask])
		if total > 0 && total+n > u.opts.MergeBytes {
			break
		}
		total += n
		count++
	}

	var data []byte
	if count == 1 {
		data = u.q[u.head&queueMask]
		u.q[u.head&queueMask] = nil
	} else {
		data = make([]byte, 0, total)
		for i := 0; i < count; i++ {
			idx := (u.head + uint32(i)) & queueMask
			data = append(data, u.q[idx]...)
			u.q[idx] = nil
		}
	}

	u.head += uint32(count)
	u.queued -= total
	return data
}

// write issues one blocking write; a blocking net.Conn write is the
// readiness wait. Any failure kills the session.
func (u *Uplink) write(data []byte) error {
	if u.s.Dead() {
		return errSessionDead
	}
	n, err := u.w.Write(data)
	util.Stats.AddUp(n)
	if err != nil {
		util.LogDebug("[%08x] outbound write error: %v", u.s.ID(), err)
		u.s.Kill()
		return err
	}
	return nil
}
