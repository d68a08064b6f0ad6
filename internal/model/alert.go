package model

// AlertKind enumerates the typed alerts the core can emit towards the
// presentation layer.
type AlertKind int

const (
	// AlertConnectionFailed is a generic connection failure.
	AlertConnectionFailed = AlertKind(iota)

	// AlertNoServerFound means no server matched the intent.
	AlertNoServerFound

	// AlertResolutionUnavailable means matching servers exist but none
	// can be used (maintenance, tier, protocol support).
	AlertResolutionUnavailable

	// AlertNoAvailableTransport means transport negotiation failed.
	AlertNoAvailableTransport

	// AlertNetworkUnreachable means the network is down.
	AlertNetworkUnreachable

	// AlertTooManyRequests means the credential endpoint rate limited us.
	AlertTooManyRequests

	// AlertMaxSessionsReached means the account has too many concurrent
	// sessions.
	AlertMaxSessionsReached

	// AlertDelinquent means the account is delinquent.
	AlertDelinquent

	// AlertTunnelStuck means the tunnel repeatedly failed to disconnect.
	AlertTunnelStuck
)

// String implements fmt.Stringer.
func (k AlertKind) String() string {
	switch k {
	case AlertConnectionFailed:
		return "connection failed"
	case AlertNoServerFound:
		return "no server found"
	case AlertResolutionUnavailable:
		return "resolution unavailable"
	case AlertNoAvailableTransport:
		return "no available transport"
	case AlertNetworkUnreachable:
		return "network unreachable"
	case AlertTooManyRequests:
		return "too many requests"
	case AlertMaxSessionsReached:
		return "max sessions reached"
	case AlertDelinquent:
		return "account delinquent"
	case AlertTunnelStuck:
		return "tunnel stuck"
	default:
		return "unknown"
	}
}

// Alert is a user facing notification emitted by the core.
type Alert struct {
	// Kind says what happened.
	Kind AlertKind

	// Err carries the underlying error, when any.
	Err error
}

// ConfirmationKind enumerates confirmations the core may require from
// the user before proceeding.
type ConfirmationKind int

const (
	// ConfirmForeignSession asks whether to tear down a tunnel that
	// belongs to a different account.
	ConfirmForeignSession = ConfirmationKind(iota)
)

// ConfirmationRequest asks the presentation layer for a decision. The
// core never blocks on UI input: Resolve posts the answer back into the
// state machine asynchronously. Resolve must be called exactly once.
type ConfirmationRequest struct {
	// Kind says what is being confirmed.
	Kind ConfirmationKind

	// Account is the account the active tunnel belongs to.
	Account string

	// Resolve delivers the user's decision.
	Resolve func(accepted bool)
}
