// Package connect contains the public connection orchestration API.
package connect

import (
	"context"

	"github.com/helixvpn/connect/internal/appstate"
	"github.com/helixvpn/connect/internal/credentials"
	"github.com/helixvpn/connect/internal/directory"
	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/props"
	"github.com/helixvpn/connect/internal/runtimex"
	"github.com/helixvpn/connect/internal/selector"
	"github.com/helixvpn/connect/internal/smartprotocol"
	"github.com/helixvpn/connect/internal/workers"
	"github.com/helixvpn/connect/pkg/config"
)

// Collaborators are the platform pieces the core orchestrates but does
// not own: the server directory, the certificate endpoint, the secure
// store, the tunnel process, and the properties store.
type Collaborators struct {
	// Directory is the local server directory.
	Directory directory.Directory

	// API is the certificate endpoint.
	API credentials.API

	// CredentialStore persists the credential and key pair.
	CredentialStore credentials.Store

	// Provider is the platform tunnel process.
	Provider model.TunnelProvider

	// Props persists connection properties.
	Props *props.Manager

	// Checkers probe transport availability. A nil map means the first
	// candidate always wins.
	Checkers map[model.Transport]smartprotocol.AvailabilityChecker

	// InstalledConfig is the configuration the platform found already
	// installed in the provider at startup, when any.
	InstalledConfig *model.TunnelConfig
}

// Gateway is the public handle over the connection core. Obtain one
// with [Start]; release it with [Gateway.Shutdown].
type Gateway struct {
	commands       chan *appstate.Command
	states         chan model.ConnectionState
	displays       chan model.DisplayState
	alerts         chan model.Alert
	confirmations  chan model.ConfirmationRequest
	workersManager *workers.Manager
}

// connectChannel connects an existing channel (a "signal" in Qt terminology)
// to a nil pointer to channel (a "slot" in Qt terminology).
func connectChannel[T any](signal chan T, slot **chan T) {
	runtimex.Assert(signal != nil, "signal is nil")
	runtimex.Assert(slot == nil || *slot == nil, "slot or *slot aren't nil")
	*slot = &signal
}

// Start wires the connection core together and starts its workers.
func Start(cfg *config.Config, collab *Collaborators) *Gateway {
	workersManager := workers.NewManager(cfg.Logger())

	refresher := credentials.NewRefresher(
		cfg.Logger(), collab.API, collab.CredentialStore,
		cfg.DeviceName(), cfg.CertDuration())

	negotiator := smartprotocol.New(
		cfg.Logger(), cfg.EnabledTransports(), cfg.SmartProtocol(),
		cfg.PinnedTransport(), collab.Checkers, cfg.ProbeTimeout())

	// create the state machine service
	machine := &appstate.Service{
		Commands:             make(chan *appstate.Command, 4),
		TunnelEvents:         make(chan *model.TunnelEvent, 16),
		ControlChannelEvents: make(chan *model.ControlChannelEvent, 16),
		StateChanges:         nil,
		DisplayChanges:       nil,
		Alerts:               nil,
		Confirmations:        nil,
	}

	gw := &Gateway{
		commands:       machine.Commands,
		states:         make(chan model.ConnectionState, 16),
		displays:       make(chan model.DisplayState, 16),
		alerts:         make(chan model.Alert, 16),
		confirmations:  make(chan model.ConfirmationRequest, 4),
		workersManager: workersManager,
	}

	// connect the state machine outputs to the gateway
	connectChannel(gw.states, &machine.StateChanges)
	connectChannel(gw.displays, &machine.DisplayChanges)
	connectChannel(gw.alerts, &machine.Alerts)
	connectChannel(gw.confirmations, &machine.Confirmations)

	machine.StartWorkers(cfg, workersManager, &appstate.Dependencies{
		Selector:    selector.New(collab.Directory),
		Negotiator:  negotiator,
		Credentials: refresher,
		Provider:    collab.Provider,
		Props:       collab.Props,
		Installed:   collab.InstalledConfig,
	})
	refresher.StartRenewalWorker(workersManager)
	startProviderForwarders(cfg.Logger(), workersManager, collab.Provider, machine)

	return gw
}

// startProviderForwarders pumps provider events into the state machine.
func startProviderForwarders(
	logger model.Logger, manager *workers.Manager,
	provider model.TunnelProvider, machine *appstate.Service) {
	manager.StartWorker(func() {
		defer manager.OnWorkerDone("connect: tunnelEventsForwarder")
		for {
			select {
			case event := <-provider.Events():
				select {
				case machine.TunnelEvents <- event:
				case <-manager.ShouldShutdown():
					return
				}
			case <-manager.ShouldShutdown():
				return
			}
		}
	})
	manager.StartWorker(func() {
		defer manager.OnWorkerDone("connect: controlChannelForwarder")
		for {
			select {
			case event := <-provider.ControlChannelEvents():
				select {
				case machine.ControlChannelEvents <- event:
				case <-manager.ShouldShutdown():
					return
				}
			case <-manager.ShouldShutdown():
				return
			}
		}
	})
}

// post delivers a command unless the context expires or we are shutting
// down.
func (gw *Gateway) post(ctx context.Context, cmd *appstate.Command) error {
	select {
	case gw.commands <- cmd:
		return nil
	case <-gw.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect requests a connection for the given intent. The outcome
// arrives asynchronously through [Gateway.States].
func (gw *Gateway) Connect(ctx context.Context, intent model.ConnectionIntent) error {
	return gw.post(ctx, &appstate.Command{Kind: appstate.CommandConnect, Intent: intent})
}

// ConnectLast repeats the most recent recorded intent.
func (gw *Gateway) ConnectLast(ctx context.Context) error {
	return gw.post(ctx, &appstate.Command{Kind: appstate.CommandConnectLast})
}

// Disconnect tears down the tunnel or aborts an in-flight attempt.
func (gw *Gateway) Disconnect(ctx context.Context) error {
	return gw.post(ctx, &appstate.Command{Kind: appstate.CommandDisconnect})
}

// Cancel aborts an in-flight attempt without touching an established
// tunnel.
func (gw *Gateway) Cancel(ctx context.Context) error {
	return gw.post(ctx, &appstate.Command{Kind: appstate.CommandCancel})
}

// States returns the channel posting connection state transitions.
func (gw *Gateway) States() <-chan model.ConnectionState {
	return gw.states
}

// DisplayStates returns the channel posting display state transitions.
func (gw *Gateway) DisplayStates() <-chan model.DisplayState {
	return gw.displays
}

// Alerts returns the channel posting user facing alerts.
func (gw *Gateway) Alerts() <-chan model.Alert {
	return gw.alerts
}

// Confirmations returns the channel posting confirmation requests.
func (gw *Gateway) Confirmations() <-chan model.ConfirmationRequest {
	return gw.confirmations
}

// Shutdown stops all workers and waits for them to finish.
func (gw *Gateway) Shutdown() {
	gw.workersManager.StartShutdown()
	gw.workersManager.WaitWorkersShutdown()
}
