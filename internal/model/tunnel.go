package model

import "context"

// TunnelState is the state reported by the tunnel provider.
type TunnelState int

const (
	// TunnelInvalid means the provider has not initialized yet.
	TunnelInvalid = TunnelState(iota)

	// TunnelDisconnected means no tunnel is active.
	TunnelDisconnected

	// TunnelConnecting means the provider is bringing the tunnel up.
	TunnelConnecting

	// TunnelConnected means the tunnel is up.
	TunnelConnected

	// TunnelReasserting means the provider is re-establishing the tunnel.
	TunnelReasserting

	// TunnelDisconnecting means the provider is tearing the tunnel down.
	TunnelDisconnecting

	// TunnelError means the provider reported a failure.
	TunnelError
)

// String implements fmt.Stringer.
func (s TunnelState) String() string {
	switch s {
	case TunnelInvalid:
		return "invalid"
	case TunnelDisconnected:
		return "disconnected"
	case TunnelConnecting:
		return "connecting"
	case TunnelConnected:
		return "connected"
	case TunnelReasserting:
		return "reasserting"
	case TunnelDisconnecting:
		return "disconnecting"
	case TunnelError:
		return "error"
	default:
		return "unknown"
	}
}

// TunnelConfig is the configuration handed to the tunnel provider. The
// active configuration is owned exclusively by the connection state
// machine; no other component instructs the provider directly.
type TunnelConfig struct {
	// AttemptID tags the preparation attempt that produced this
	// configuration. The provider echoes it back in every event so
	// that stale callbacks can be discarded.
	AttemptID uint64

	// RequestID is a unique identifier for logging and tracing.
	RequestID string

	// Server is the server we are connecting to.
	Server ServerRecord

	// EntryIP is the entry IP to dial.
	EntryIP string

	// Port is the port to dial.
	Port int

	// Transport is the negotiated transport.
	Transport Transport

	// CredentialRef names the credential in the credential store. The
	// material itself never travels through the configuration.
	CredentialRef string

	// Account is the account this configuration belongs to.
	Account string
}

// TunnelEvent is an asynchronous state report from the tunnel provider.
type TunnelEvent struct {
	// AttemptID is echoed from the configuration that the provider is
	// acting upon; zero when no configuration was ever installed.
	AttemptID uint64

	// State is the reported tunnel state.
	State TunnelState

	// Err is set when State is TunnelError.
	Err error
}

// ControlChannelEvent reports whether the post-tunnel control channel
// confirmed the session is usable.
type ControlChannelEvent struct {
	// AttemptID is echoed from the active configuration.
	AttemptID uint64

	// Up reports whether the control channel is established.
	Up bool
}

// TunnelProvider is the platform tunnel process. It accepts a prepared
// configuration and reports state transitions asynchronously.
type TunnelProvider interface {
	// Start installs the configuration and begins connecting. The
	// returned error only covers handing over the configuration; the
	// outcome of the connection arrives through Events.
	Start(ctx context.Context, config *TunnelConfig) error

	// Stop tears down the active tunnel, if any.
	Stop(ctx context.Context) error

	// RemoveConfigurations force-removes any installed configuration.
	// Used to recover from a tunnel stuck in disconnecting.
	RemoveConfigurations(ctx context.Context) error

	// Events returns the channel where the provider posts tunnel
	// state changes.
	Events() <-chan *TunnelEvent

	// ControlChannelEvents returns the channel where the provider
	// posts control channel transitions.
	ControlChannelEvents() <-chan *ControlChannelEvent
}
