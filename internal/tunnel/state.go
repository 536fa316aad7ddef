// Package tunnel implements the per-connection Tunnel state machine: the
// server side terminates the SOCKS5 method-selection, user/pass, and
// CONNECT request negotiation and then relays to the dialed
// destination; the local side is a transparent relay between a plain
// SOCKS5 client and the encrypted channel to the server.
//
// Both sides exchange all bytes — control messages and relayed payload
// alike — as framecodec frames over one exclusively owned connection
// per Tunnel; nothing is shared or multiplexed between Tunnels.
package tunnel

// State is a server-side Tunnel's position in the negotiation sequence.
type State int

const (
	// Init is waiting for the method-selection message.
	Init State = iota
	// WaitUserPassAuth is waiting for the user/pass sub-negotiation
	// message, entered only when method 0x02 was selected.
	WaitUserPassAuth
	// Authorized has completed authentication and is waiting for the
	// CONNECT request.
	Authorized
	// WaitForConnect is dialing the requested destination.
	WaitForConnect
	// Connected is relaying raw bytes between the two connections.
	Connected
	// ClientMustClose is a terminal state reached after sending a
	// failure reply; the next frame received from the peer, or the peer
	// closing, ends the Tunnel.
	ClientMustClose
	// Destroyed is a terminal state; both connections are closed.
	Destroyed
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case WaitUserPassAuth:
		return "WaitUserPassAuth"
	case Authorized:
		return "Authorized"
	case WaitForConnect:
		return "WaitForConnect"
	case Connected:
		return "Connected"
	case ClientMustClose:
		return "ClientMustClose"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}
