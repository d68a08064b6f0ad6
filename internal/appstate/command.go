package appstate

import "github.com/helixvpn/connect/internal/model"

// CommandKind enumerates the commands the state machine accepts.
type CommandKind int

const (
	// CommandConnect starts a connection attempt for Intent.
	CommandConnect = CommandKind(iota)

	// CommandConnectLast repeats the most recent recorded intent.
	CommandConnectLast

	// CommandDisconnect tears down the tunnel or aborts an attempt.
	CommandDisconnect

	// CommandCancel aborts an in-flight attempt without touching an
	// established tunnel.
	CommandCancel
)

// Command is a request posted to the state machine.
type Command struct {
	// Kind says what to do.
	Kind CommandKind

	// Intent is the connection intent for CommandConnect.
	Intent model.ConnectionIntent
}
