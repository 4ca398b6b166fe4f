// pkg/core/signal.go
package core

// SignalKind identifies a notification sent to the UI layer.
type SignalKind int

const (
	SignalFocus SignalKind = iota + 1
	SignalMarkerTapped
	SignalConnectivityLost
	SignalConnectivityRestored
)

func (k SignalKind) String() string {
	switch k {
	case SignalFocus:
		return "focus"
	case SignalMarkerTapped:
		return "marker_tapped"
	case SignalConnectivityLost:
		return "connectivity_lost"
	case SignalConnectivityRestored:
		return "connectivity_restored"
	default:
		return "unknown"
	}
}

// Signal is emitted by the orchestrator for the UI.
// PeerID and Position are set for focus and tap signals.
type Signal struct {
	Kind     SignalKind
	PeerID   PeerID
	Position Position
}
