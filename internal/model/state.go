package model

import (
	"fmt"
	"time"
)

// StateKind discriminates the connection state union.
type StateKind int

const (
	// StateDisconnected means there is no tunnel and no attempt in flight.
	StateDisconnected = StateKind(iota)

	// StatePreparing means we are selecting a server, negotiating a
	// transport and refreshing credentials.
	StatePreparing

	// StateConnecting means the tunnel provider received a configuration
	// and is bringing the tunnel up.
	StateConnecting

	// StateConnected means the tunnel provider reported the tunnel up.
	StateConnected

	// StateDisconnecting means the tunnel is being torn down.
	StateDisconnecting

	// StateAborted means a preparation attempt was cancelled.
	StateAborted

	// StateError means the last attempt failed. Error is not terminal:
	// the machine may re-enter StatePreparing for a bounded number of
	// automatic retries.
	StateError
)

// String implements fmt.Stringer.
func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StatePreparing:
		return "preparing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateAborted:
		return "aborted"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// TunnelDetails describes the concrete endpoint of an established tunnel.
type TunnelDetails struct {
	// EntryIP is the entry IP we connected to.
	EntryIP string

	// Port is the port we connected to.
	Port int

	// Transport is the transport in use.
	Transport Transport

	// ConnectedAt is when the tunnel came up.
	ConnectedAt time.Time
}

// ConnectionState is the canonical connection state. It is owned
// exclusively by the connection state machine: all reads and writes happen
// on its owner worker.
type ConnectionState struct {
	// Kind discriminates the union.
	Kind StateKind

	// Server is set for StateConnecting and StateConnected.
	Server *ServerRecord

	// Details is set for StateConnected.
	Details *TunnelDetails

	// Err is set for StateDisconnected (last error, possibly nil)
	// and StateError (the cause).
	Err error

	// UserInitiated is set for StateAborted.
	UserInitiated bool
}

// Disconnected returns a disconnected state recording the last error.
func Disconnected(lastErr error) ConnectionState {
	return ConnectionState{Kind: StateDisconnected, Err: lastErr}
}

// Preparing returns a preparing-connection state.
func Preparing() ConnectionState {
	return ConnectionState{Kind: StatePreparing}
}

// Connecting returns a connecting state for the given server.
func Connecting(server *ServerRecord) ConnectionState {
	return ConnectionState{Kind: StateConnecting, Server: server}
}

// Connected returns a connected state.
func Connected(server *ServerRecord, details *TunnelDetails) ConnectionState {
	return ConnectionState{Kind: StateConnected, Server: server, Details: details}
}

// Disconnecting returns a disconnecting state.
func Disconnecting() ConnectionState {
	return ConnectionState{Kind: StateDisconnecting}
}

// Aborted returns an aborted state.
func Aborted(userInitiated bool) ConnectionState {
	return ConnectionState{Kind: StateAborted, UserInitiated: userInitiated}
}

// Failed returns an error state with the given cause.
func Failed(cause error) ConnectionState {
	return ConnectionState{Kind: StateError, Err: cause}
}

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	switch s.Kind {
	case StateConnecting, StateConnected:
		if s.Server != nil {
			return fmt.Sprintf("%s(%s)", s.Kind, s.Server.Name)
		}
		return s.Kind.String()
	case StateAborted:
		return fmt.Sprintf("aborted(userInitiated=%v)", s.UserInitiated)
	case StateError:
		return fmt.Sprintf("error(%v)", s.Err)
	default:
		return s.Kind.String()
	}
}

// DisplayState is the coarser, user facing projection of the connection
// state.
type DisplayState int

const (
	// DisplayDisconnected shows the app as disconnected.
	DisplayDisconnected = DisplayState(iota)

	// DisplayConnecting shows a connection in progress.
	DisplayConnecting

	// DisplayLoadingConnectionInfo shows that the tunnel is up but the
	// control channel has not confirmed the connection is usable yet.
	DisplayLoadingConnectionInfo

	// DisplayConnected shows the app as fully connected.
	DisplayConnected

	// DisplayDisconnecting shows a teardown in progress.
	DisplayDisconnecting
)

// String implements fmt.Stringer.
func (d DisplayState) String() string {
	switch d {
	case DisplayDisconnected:
		return "disconnected"
	case DisplayConnecting:
		return "connecting"
	case DisplayLoadingConnectionInfo:
		return "loading connection info"
	case DisplayConnected:
		return "connected"
	case DisplayDisconnecting:
		return "disconnecting"
	default:
		return "invalid"
	}
}

// Display projects the connection state into a display state. While the
// tunnel reports connected but the control channel has not confirmed the
// session, we show an intermediate "loading connection info" value rather
// than pretending the connection is ready. An intentional disconnect
// suppresses that intermediate value during teardown.
func (s ConnectionState) Display(controlChannelUp, intentionalDisconnect bool) DisplayState {
	switch s.Kind {
	case StatePreparing, StateConnecting:
		return DisplayConnecting
	case StateConnected:
		if !controlChannelUp && !intentionalDisconnect {
			return DisplayLoadingConnectionInfo
		}
		return DisplayConnected
	case StateDisconnecting:
		return DisplayDisconnecting
	default:
		return DisplayDisconnected
	}
}
