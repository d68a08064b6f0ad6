// Package appstate implements the connection state machine worker. A
// single owner goroutine serializes every state mutation: commands,
// tunnel events, control channel events, and the results of preparation
// attempts all funnel into the same select loop. Preparation itself
// (server selection, transport negotiation, credential refresh) runs
// off the owner and posts its outcome back as an internal event tagged
// with the attempt ID, so that late results from cancelled attempts are
// discarded rather than applied.
package appstate

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/helixvpn/connect/internal/credentials"
	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/props"
	"github.com/helixvpn/connect/internal/selector"
	"github.com/helixvpn/connect/internal/smartprotocol"
	"github.com/helixvpn/connect/internal/workers"
	"github.com/helixvpn/connect/pkg/config"
)

// stuckDisconnectTimeout is how long we wait for the provider to finish
// tearing down before treating the tunnel as stuck. A variable so tests
// can shorten it.
var stuckDisconnectTimeout = 5 * time.Second

// Service is the connection state machine service. Make sure you
// initialize the channels before invoking [Service.StartWorkers].
type Service struct {
	// Commands receives connect/disconnect/cancel requests.
	Commands chan *Command

	// TunnelEvents receives tunnel state reports from the provider.
	TunnelEvents chan *model.TunnelEvent

	// ControlChannelEvents receives control channel reports.
	ControlChannelEvents chan *model.ControlChannelEvent

	// StateChanges is where we post every connection state transition.
	StateChanges *chan model.ConnectionState

	// DisplayChanges is where we post display state transitions.
	DisplayChanges *chan model.DisplayState

	// Alerts is where we post user facing alerts.
	Alerts *chan model.Alert

	// Confirmations is where we post confirmation requests.
	Confirmations *chan model.ConfirmationRequest
}

// Dependencies collects the collaborators the state machine drives.
type Dependencies struct {
	// Selector resolves intents to servers.
	Selector *selector.Selector

	// Negotiator picks a working transport for a server.
	Negotiator *smartprotocol.Negotiator

	// Credentials refreshes the client credential.
	Credentials *credentials.Refresher

	// Provider is the platform tunnel process.
	Provider model.TunnelProvider

	// Props persists connection properties.
	Props *props.Manager

	// Installed is the configuration found already installed in the
	// provider at startup, when any. Used to detect a tunnel belonging
	// to a different account.
	Installed *model.TunnelConfig
}

// StartWorkers starts the state machine worker.
func (s *Service) StartWorkers(
	cfg *config.Config,
	workersManager *workers.Manager,
	deps *Dependencies,
) {
	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.InitialInterval = time.Second
	retryBackoff.MaxElapsedTime = 0

	ws := &workersState{
		logger:               cfg.Logger(),
		config:               cfg,
		deps:                 deps,
		commands:             s.Commands,
		tunnelEvents:         s.TunnelEvents,
		controlChannelEvents: s.ControlChannelEvents,
		stateChanges:         *s.StateChanges,
		displayChanges:       *s.DisplayChanges,
		alerts:               *s.Alerts,
		confirmations:        *s.Confirmations,
		internalEvents:       make(chan *internalEvent, 16),
		activeConfig:         deps.Installed,
		state:                model.Disconnected(nil),
		display:              model.DisplayDisconnected,
		retryBackoff:         retryBackoff,
		workersManager:       workersManager,
	}
	workersManager.StartWorker(ws.stateWorker)
}

// workersState contains the state machine worker state. Every field
// below the channels is owned by stateWorker and must only be touched
// there.
type workersState struct {
	// logger is the logger to use.
	logger model.Logger

	// config holds the immutable configuration.
	config *config.Config

	// deps holds the collaborators.
	deps *Dependencies

	// commands receives requests.
	commands <-chan *Command

	// tunnelEvents receives provider tunnel reports.
	tunnelEvents <-chan *model.TunnelEvent

	// controlChannelEvents receives control channel reports.
	controlChannelEvents <-chan *model.ControlChannelEvent

	// stateChanges is where we post state transitions.
	stateChanges chan<- model.ConnectionState

	// displayChanges is where we post display transitions.
	displayChanges chan<- model.DisplayState

	// alerts is where we post alerts.
	alerts chan<- model.Alert

	// confirmations is where we post confirmation requests.
	confirmations chan<- model.ConfirmationRequest

	// internalEvents carries preparation outcomes and timer expiries
	// back onto the owner worker.
	internalEvents chan *internalEvent

	// state is the canonical connection state.
	state model.ConnectionState

	// display is the last emitted display state.
	display model.DisplayState

	// attemptID tags the current preparation attempt. Events carrying
	// an older ID are stale and dropped.
	attemptID uint64

	// attemptCancel cancels the in-flight preparation, when any.
	attemptCancel context.CancelFunc

	// attemptIntent is the intent of the current attempt chain.
	attemptIntent model.ConnectionIntent

	// activeConfig is the configuration currently installed in the
	// provider, when any.
	activeConfig *model.TunnelConfig

	// controlChannelUp reports whether the control channel confirmed
	// the session.
	controlChannelUp bool

	// userRequestedDisconnect marks the teardown in progress as
	// intentional.
	userRequestedDisconnect bool

	// pendingIntent is an intent awaiting a confirmation answer.
	pendingIntent *model.ConnectionIntent

	// replayHint is the last successful configuration, set when the
	// user asked to repeat the previous connection. It biases transport
	// negotiation towards what worked last time.
	replayHint *props.LastConfiguration

	// retry tracks consecutive failures for the current chain.
	retry model.RetryContext

	// retryBackoff spaces automatic retries.
	retryBackoff *backoff.ExponentialBackOff

	// workersManager controls the workers lifecycle.
	workersManager *workers.Manager
}

// stateWorker is the owner worker: the only goroutine that reads or
// writes the connection state.
func (ws *workersState) stateWorker() {
	workerName := "appstate: stateWorker"
	defer func() {
		ws.cancelAttempt()
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
		ws.logger.Debugf("%s: done", workerName)
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK awaiting the next command or event
		select {
		case cmd := <-ws.commands:
			ws.handleCommand(cmd)

		case event := <-ws.tunnelEvents:
			ws.handleTunnelEvent(event)

		case event := <-ws.controlChannelEvents:
			ws.handleControlChannelEvent(event)

		case event := <-ws.internalEvents:
			ws.handleInternalEvent(event)

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// cancelAttempt cancels the in-flight preparation, when any.
func (ws *workersState) cancelAttempt() {
	if ws.attemptCancel != nil {
		ws.attemptCancel()
		ws.attemptCancel = nil
	}
}

// setState records a transition and emits it together with the derived
// display state.
func (ws *workersState) setState(state model.ConnectionState) {
	ws.state = state
	ws.logger.Infof("appstate: %s", state)
	select {
	case ws.stateChanges <- state:
	case <-ws.workersManager.ShouldShutdown():
	}
	ws.emitDisplay()
}

// emitDisplay recomputes the display projection and emits it when it
// changed.
func (ws *workersState) emitDisplay() {
	display := ws.state.Display(ws.controlChannelUp, ws.deps.Props.IntentionallyDisconnected())
	if display == ws.display {
		return
	}
	ws.display = display
	select {
	case ws.displayChanges <- display:
	case <-ws.workersManager.ShouldShutdown():
	}
}

// emitAlert posts an alert without blocking shutdown.
func (ws *workersState) emitAlert(kind model.AlertKind, err error) {
	select {
	case ws.alerts <- model.Alert{Kind: kind, Err: err}:
	case <-ws.workersManager.ShouldShutdown():
	}
}
