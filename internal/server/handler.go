// Package server is the HTTP boundary of the relay: it validates upgrade
// requests, dials the target and hands both legs to the relay pumps.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/1ureka/edgerelay/internal/protocol"
	"github.com/1ureka/edgerelay/internal/relay"
	"github.com/1ureka/edgerelay/internal/transport"
	"github.com/1ureka/edgerelay/internal/util"
)

// Request outcomes, used as the edgerelay_requests_total label.
const (
	outcomeUpgradeRequired = "upgrade_required"
	outcomeBadRequest      = "bad_request"
	outcomeForbidden       = "forbidden"
	outcomeBadGateway      = "bad_gateway"
	outcomeAccepted        = "accepted"
)

// Dialer opens the outbound leg; *dialer.Dialer implements it.
type Dialer interface {
	Dial(ctx context.Context, host string, port uint16) (net.Conn, error)
}

// Handler accepts WebSocket upgrades carrying a connection header in
// Sec-WebSocket-Protocol and relays each one to the target it names.
// The Upgrade header is matched case-insensitively, as RFC 6455 and the
// gorilla upgrader both treat it.
type Handler struct {
	secret protocol.Secret
	dialer Dialer
	opts   relay.Options

	upgrader websocket.Upgrader
	sessions *relay.Registry
}

// NewHandler creates the upgrade handler.
func NewHandler(secret protocol.Secret, d Dialer, opts relay.Options) *Handler {
	return &Handler{
		secret: secret,
		dialer: d,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: relay.NewRegistry(),
	}
}

// Sessions returns the live sessions accepted by h and its ingresses.
func (h *Handler) Sessions() *relay.Registry {
	return h.sessions
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Upgrade", "websocket")
		reject(w, http.StatusUpgradeRequired, outcomeUpgradeRequired)
		return
	}

	token := r.Header.Get("Sec-WebSocket-Protocol")
	remote, initial, ok := h.admit(w, r, token)
	if !ok {
		return
	}

	// Browsers drop the connection unless the chosen protocol is echoed.
	ws, err := h.upgrader.Upgrade(w, r, http.Header{"Sec-Websocket-Protocol": {token}})
	if err != nil {
		// The upgrader has already written an error response.
		util.LogDebug("upgrade from %s failed: %v", r.RemoteAddr, err)
		remote.Close()
		return
	}
	util.RequestsTotal.WithLabelValues(outcomeAccepted).Inc()

	// Oversized frames are refused with 1009 before their payload is read.
	ws.SetReadLimit(h.opts.Uplink.MessageLimit())
	client := transport.NewWSConn(ws)
	rl := relay.Start(util.ConnID(r.RemoteAddr), client, remote, initial, h.opts)
	h.sessions.Add(rl.Session)

	err = client.ReadLoop(func(p []byte) {
		if len(p) > 0 {
			rl.Uplink.Push(p)
		}
	})
	util.LogDebug("[%08x] client read ended: %v", rl.Session.ID(), err)
	rl.Session.Kill()
}

// admit runs the token, header and dial checks shared by every ingress.
// On failure the response has been written and ok is false. initial is the
// payload that followed the header.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, token string) (remote net.Conn, initial []byte, ok bool) {
	if token == "" {
		reject(w, http.StatusBadRequest, outcomeBadRequest)
		return nil, nil, false
	}

	raw, ok := protocol.DecodeToken(token)
	if !ok {
		reject(w, http.StatusBadRequest, outcomeBadRequest)
		return nil, nil, false
	}

	target := protocol.ParseHeader(raw, h.secret)
	if !target.OK {
		reject(w, http.StatusForbidden, outcomeForbidden)
		return nil, nil, false
	}

	remote, err := h.dialer.Dial(r.Context(), target.Host, target.Port)
	if err != nil {
		util.LogDebug("dial %s:%d for %s failed: %v", target.Host, target.Port, r.RemoteAddr, err)
		reject(w, http.StatusBadGateway, outcomeBadGateway)
		return nil, nil, false
	}

	return remote, raw[target.PayloadOffset:], true
}

// reject writes a bodiless status response.
func reject(w http.ResponseWriter, status int, outcome string) {
	util.RequestsTotal.WithLabelValues(outcome).Inc()
	w.WriteHeader(status)
}
