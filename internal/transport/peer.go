package transport

import (
	"github.com/pion/webrtc/v4"
)

// NewPeerConnection creates a PeerConnection gathering candidates through
// the given STUN servers. No TURN. With no servers only host candidates are
// gathered.
func NewPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	var config webrtc.Configuration
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: stunServers},
		}
	}
	return webrtc.NewPeerConnection(config)
}
