package conn

// State is the connection lifecycle phase.
type State int32

const (
	Disconnected State = iota
	Connecting
	AwaitingInfo
	Handshaking
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingInfo:
		return "awaiting_info"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
