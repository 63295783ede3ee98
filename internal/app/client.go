package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/edgerelay/internal/config"
	"github.com/1ureka/edgerelay/internal/protocol"
	"github.com/1ureka/edgerelay/internal/relay"
	"github.com/1ureka/edgerelay/internal/transport"
	"github.com/1ureka/edgerelay/internal/util"
)

const (
	// maxEarlyData bounds the payload folded into the header token, which
	// travels in an HTTP request header.
	maxEarlyData = 2048

	// earlyDataWait is how long a new local connection may take to send its
	// first bytes before the relay is dialed without them.
	earlyDataWait = 20 * time.Millisecond

	handshakeTimeout = 10 * time.Second
)

// Forwarder accepts local TCP connections and relays each one through a
// remote relay to a fixed target.
type Forwarder struct {
	relayURL string
	secret   protocol.Secret
	host     string
	port     uint16
	opts     relay.Options

	dialer   *websocket.Dialer
	sessions *relay.Registry
}

// NewForwarder builds a forwarder from the [client] section of cfg.
func NewForwarder(cfg *config.Config) (*Forwarder, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}

	host, portStr, _ := net.SplitHostPort(cfg.Client.Target)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid client target port %q: %w", portStr, err)
	}

	// This side dials, so the downlink carries no response header and the
	// uplink strips the relay's.
	opts := cfg.RelayOptions()
	opts.Downlink.Unframed = true

	return &Forwarder{
		relayURL: cfg.Client.RelayURL,
		secret:   cfg.Secret(),
		host:     host,
		port:     uint16(port),
		opts:     opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		sessions: relay.NewRegistry(),
	}, nil
}

// Serve accepts on ln until ctx is cancelled, then kills open relays.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	// Close the listener when context is done so Accept() returns an error.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer f.sessions.KillAll()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		id := util.ConnID(conn.RemoteAddr().String())
		util.LogDebug("[%08x] new connection from %s", id, conn.RemoteAddr())

		go f.handle(ctx, id, conn)
	}
}

// handle relays one local connection until either side ends.
func (f *Forwarder) handle(ctx context.Context, id uint32, local net.Conn) {
	early, err := readEarlyData(local)
	if err != nil {
		util.LogDebug("[%08x] local connection ended before relaying: %v", id, err)
		local.Close()
		return
	}

	header, err := protocol.EncodeHeader(f.secret, f.host, f.port, early)
	if err != nil {
		util.LogError("[%08x] %v", id, err)
		local.Close()
		return
	}

	d := *f.dialer
	d.Subprotocols = []string{protocol.EncodeToken(header)}
	ws, resp, err := d.DialContext(ctx, f.relayURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		util.LogWarning("[%08x] relay refused %s:%d: %v", id, f.host, f.port, err)
		local.Close()
		return
	}

	ws.SetReadLimit(f.opts.Uplink.MessageLimit())
	client := transport.NewWSConn(ws)
	rl := relay.Start(id, client, local, nil, f.opts)
	f.sessions.Add(rl.Session)

	first := true
	err = client.ReadLoop(func(p []byte) {
		if first {
			first = false
			if len(p) < len(protocol.ResponseHeader) {
				rl.Session.Kill()
				return
			}
			p = p[len(protocol.ResponseHeader):]
		}
		if len(p) > 0 {
			rl.Uplink.Push(p)
		}
	})
	util.LogDebug("[%08x] relay read ended: %v", id, err)
	rl.Session.Kill()
}

// readEarlyData waits briefly for the first bytes of a local connection so
// they can ride along with the header. A client that speaks second yields
// an empty slice.
func readEarlyData(conn net.Conn) ([]byte, error) {
	buf := make([]byte, maxEarlyData)
	if err := conn.SetReadDeadline(time.Now().Add(earlyDataWait)); err != nil {
		return nil, err
	}
	n, err := conn.Read(buf)
	if rerr := conn.SetReadDeadline(time.Time{}); rerr != nil {
		return nil, rerr
	}
	if err != nil && n == 0 && !errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, err
	}
	return buf[:n], nil
}

// RunClient listens on the [client] listen address and forwards every
// connection through the relay until ctx is cancelled.
func RunClient(ctx context.Context, cfg *config.Config) error {
	f, err := NewForwarder(cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Client.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Client.Listen, err)
	}

	if cfg.Stats {
		util.StartStatsReporter(ctx)
	}
	util.LogSuccess("forwarding %s to %s through %s", ln.Addr(), cfg.Client.Target, cfg.Client.RelayURL)

	return f.Serve(ctx, ln)
}
