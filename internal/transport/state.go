package transport

import "github.com/pion/webrtc/v4"

// Connectivity is the protocol's view of a PeerConnection state.
type Connectivity string

const (
	Connecting   Connectivity = "connecting"
	Connected    Connectivity = "connected"
	Disconnected Connectivity = "disconnected"
	Failed       Connectivity = "failed"
)

// MapConnectionState maps every PeerConnection state onto the four
// connectivity values. States the library may add later map to Failed.
func MapConnectionState(s webrtc.PeerConnectionState) Connectivity {
	switch s {
	case webrtc.PeerConnectionStateUnknown,
		webrtc.PeerConnectionStateNew,
		webrtc.PeerConnectionStateConnecting:
		return Connecting
	case webrtc.PeerConnectionStateConnected:
		return Connected
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		return Disconnected
	case webrtc.PeerConnectionStateFailed:
		return Failed
	default:
		return Failed
	}
}

// Phase is the lifecycle position of a Session. Phases only move forward;
// PhaseDisconnected, PhaseFailed and PhaseClosed are terminal.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseNegotiating
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

func (p Phase) terminal() bool {
	return p >= PhaseDisconnected
}
