package transport

import (
	"github.com/pion/webrtc/v4"
)

// ChannelLabel names the single data channel a session carries.
const ChannelLabel = "fileTransfer"

// newPeerConnection creates a PeerConnection with no ICE servers. Devices are
// expected to share a local network, so only host candidates are gathered
// and no STUN or TURN traffic leaves the segment.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	var se webrtc.SettingEngine
	if opts.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(webrtc.Configuration{})
}

// newDataChannel creates the ordered, reliable channel the file travels on.
// Only the offering side creates it; the answerer is handed it through
// OnDataChannel once negotiation propagates.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}
