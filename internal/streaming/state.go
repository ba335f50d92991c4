// Package streaming implements StreamingProviderBase, the shared
// connect/authenticate/stream/reconnect state machine every
// provider-specific WebSocket streamer embeds.
package streaming

// State is a StreamingProviderBase connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateAuthenticating:
		return "Authenticating"
	case StateAuthenticated:
		return "Authenticated"
	case StateStreaming:
		return "Streaming"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// ReconnectEvent is delivered over a bounded channel rather than a
// callback, replacing a C#-style `event Action` with an explicit
// consumable record. DisconnectedAt and
// ReconnectedAt are UnixNano timestamps from the injected Clock; their
// difference is the gap GapFillTrigger backfills.
type ReconnectEvent struct {
	Provider       string
	DisconnectedAt int64
	ReconnectedAt  int64
	Success        bool
	Err            error
}
