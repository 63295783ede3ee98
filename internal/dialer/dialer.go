// Package dialer opens the outbound TCP leg of a relay, falling back to a
// fixed upstream relay when the direct attempt fails.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/1ureka/edgerelay/internal/util"
)

// DefaultTimeout bounds each connection attempt.
const DefaultTimeout = 2000 * time.Millisecond

// ErrUnreachable is returned when both the direct and the fallback attempt fail.
var ErrUnreachable = errors.New("target unreachable")

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Dialer dials host:port directly, then Fallback once. It holds no per-call
// state and is safe for concurrent use.
type Dialer struct {
	Timeout  time.Duration // per attempt; DefaultTimeout when zero
	Fallback string        // host:port of the fallback relay; empty disables fallback

	dial DialFunc
}

// New creates a Dialer with the given per-attempt timeout and fallback address.
func New(timeout time.Duration, fallback string) *Dialer {
	return &Dialer{Timeout: timeout, Fallback: fallback}
}

// Dial opens a TCP connection to host:port. On timeout or error it retries
// exactly once against the fallback relay. No further retries happen.
func (d *Dialer) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	conn, err := d.attempt(ctx, addr)
	if err == nil {
		util.DialTotal.WithLabelValues("direct").Inc()
		return conn, nil
	}

	if d.Fallback == "" {
		util.DialTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}

	util.LogDebug("direct dial %s failed (%v), trying fallback %s", addr, err, d.Fallback)

	conn, ferr := d.attempt(ctx, d.Fallback)
	if ferr != nil {
		util.DialTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %s: %v; fallback %s: %v", ErrUnreachable, addr, err, d.Fallback, ferr)
	}

	util.DialTotal.WithLabelValues("fallback").Inc()
	return conn, nil
}

// attempt races a single connection against the timeout. The timer is
// released on every path by the deferred cancel.
func (d *Dialer) attempt(ctx context.Context, addr string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := d.dial
	if dial == nil {
		var nd net.Dialer
		dial = nd.DialContext
	}
	return dial(ctx, "tcp", addr)
}
