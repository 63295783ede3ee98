package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/edgerelay/internal/relay"
	"github.com/1ureka/edgerelay/internal/transport"
	"github.com/1ureka/edgerelay/internal/util"
)

// TokenHeader carries the encoded connection header on the WebRTC ingress.
const TokenHeader = "X-Relay-Token"

const (
	gatherTimeout = 10 * time.Second
	openTimeout   = 30 * time.Second
	maxOfferSize  = 64 * 1024
)

// RTCHandler relays over a WebRTC DataChannel instead of a WebSocket. The
// peer POSTs its SDP offer as JSON with the token in TokenHeader; the answer
// is returned once ICE gathering has completed, so no trickle exchange is
// needed. The first DataChannel the peer opens becomes the client leg.
type RTCHandler struct {
	*Handler

	newPeer func() (*webrtc.PeerConnection, error)
}

// NewRTCHandler shares the secret, dialer and tuning of h.
func NewRTCHandler(h *Handler, stunServers []string) *RTCHandler {
	return &RTCHandler{
		Handler: h,
		newPeer: func() (*webrtc.PeerConnection, error) {
			return transport.NewPeerConnection(stunServers)
		},
	}
}

func (h *RTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferSize)).Decode(&offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		reject(w, http.StatusBadRequest, outcomeBadRequest)
		return
	}

	remote, initial, ok := h.admit(w, r, r.Header.Get(TokenHeader))
	if !ok {
		return
	}

	answer, err := h.negotiate(r.Context(), offer, remote, initial, util.ConnID(r.RemoteAddr))
	if err != nil {
		util.LogDebug("webrtc negotiation with %s failed: %v", r.RemoteAddr, err)
		remote.Close()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	util.RequestsTotal.WithLabelValues(outcomeAccepted).Inc()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answer)
}

// negotiate answers offer and arranges for the first DataChannel to be
// bound to remote. On error nothing has been bound and remote is still open.
func (h *RTCHandler) negotiate(ctx context.Context, offer webrtc.SessionDescription, remote net.Conn, initial []byte, id uint32) (*webrtc.SessionDescription, error) {
	pc, err := h.newPeer()
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		bound *relay.Relay
		once  sync.Once
	)

	// Nothing bound in time: drop the peer connection and the dialed target.
	timer := time.AfterFunc(openTimeout, func() {
		mu.Lock()
		defer mu.Unlock()
		if bound == nil {
			util.LogDebug("[%08x] no datachannel within %s", id, openTimeout)
			pc.Close()
			remote.Close()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			timer.Stop()

			// The channel is not open yet. Uplink traffic may flow now; the
			// downlink waits for OnOpen so its first Send cannot fail.
			client := transport.NewDataChannelConn(pc, dc)
			rl := relay.New(id, client, remote, initial, h.opts)
			bound = rl
			h.sessions.Add(rl.Session)

			client.OnMessage(func(p []byte) {
				if len(p) > 0 {
					rl.Uplink.Push(p)
				}
			})
			client.OnClose(rl.Session.Kill)
			dc.OnOpen(rl.Run)
		})
	})

	fail := func(err error) (*webrtc.SessionDescription, error) {
		timer.Stop()
		pc.Close()
		return nil, err
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(err)
	}

	gctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()
	select {
	case <-gathered:
	case <-gctx.Done():
		return fail(gctx.Err())
	}

	return pc.LocalDescription(), nil
}
