package relay

import (
	"net"
)

// Options carries the tuning for both pumps.
type Options struct {
	Uplink   UplinkOptions
	Downlink DownlinkOptions
}

// DefaultOptions returns the production tuning for both pumps.
func DefaultOptions() Options {
	return Options{Uplink: DefaultUplinkOptions(), Downlink: DefaultDownlinkOptions()}
}

// Relay is a running relayed connection.
type Relay struct {
	Session  *Session
	Uplink   *Uplink
	Downlink *Downlink
}

// New binds client and remote into a Session and queues initial (the
// payload that arrived with the header) as the first uplink chunk. The
// downlink is not started until Run. The caller feeds client messages to
// Relay.Uplink.Push and calls Session.Kill on client close or error.
func New(id uint32, client ClientConn, remote net.Conn, initial []byte, opts Options) *Relay {
	s := NewSession(id, client, remote)
	r := &Relay{
		Session:  s,
		Uplink:   NewUplink(s, remote, opts.Uplink),
		Downlink: NewDownlink(s, client, remote, opts.Downlink),
	}

	if len(initial) > 0 {
		r.Uplink.Push(initial)
	}
	return r
}

// Run starts the downlink pump on its own goroutine.
func (r *Relay) Run() {
	go r.Downlink.Run()
}

// Start is New followed by Run.
func Start(id uint32, client ClientConn, remote net.Conn, initial []byte, opts Options) *Relay {
	r := New(id, client, remote, initial, opts)
	r.Run()
	return r
}
