package appstate

import (
	"context"
	"errors"
	"time"

	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/props"
)

// errAttemptTimeout is the cause recorded when a whole connection
// attempt exceeds the configured preparation timeout.
var errAttemptTimeout = errors.New("appstate: connection attempt timed out")

// handleCommand dispatches a user command.
func (ws *workersState) handleCommand(cmd *Command) {
	switch cmd.Kind {
	case CommandConnect:
		ws.replayHint = nil
		ws.handleConnect(cmd.Intent)

	case CommandConnectLast:
		intent, err := ws.deps.Props.LastIntent()
		if err != nil {
			ws.logger.Warn("appstate: no previous connection to repeat")
			return
		}
		ws.replayHint = ws.lastConfigurationHint()
		ws.handleConnect(intent)

	case CommandDisconnect:
		ws.handleDisconnect()

	case CommandCancel:
		ws.handleCancel()
	}
}

// handleConnect starts a fresh attempt chain for the given intent.
func (ws *workersState) handleConnect(intent model.ConnectionIntent) {
	// A tunnel installed for another account needs the user's explicit
	// permission before we replace it.
	if ws.activeConfig != nil && ws.activeConfig.Account != "" &&
		ws.activeConfig.Account != ws.config.Account() && ws.pendingIntent == nil {
		ws.requestForeignSessionConfirmation(intent)
		return
	}
	ws.pendingIntent = nil
	if err := ws.deps.Props.SetLastIntent(intent); err != nil {
		ws.logger.Warnf("appstate: cannot persist intent: %s", err.Error())
	}
	if err := ws.deps.Props.SetIntentionallyDisconnected(false); err != nil {
		ws.logger.Warnf("appstate: cannot persist disconnect flag: %s", err.Error())
	}
	ws.retry.Reset()
	ws.retryBackoff.Reset()
	ws.retry.LastIntent = intent
	ws.retry.Account = ws.config.Account()
	ws.beginAttempt(intent, false)
}

// lastConfigurationHint returns the most recently used of the
// per-family last configurations, when any was recorded.
func (ws *workersState) lastConfigurationHint() *props.LastConfiguration {
	var newest *props.LastConfiguration
	for _, family := range []model.Protocol{model.ProtocolWireGuard, model.ProtocolOpenVPN, model.ProtocolIKEv2} {
		last, err := ws.deps.Props.LastConfiguration(family)
		if err != nil {
			continue
		}
		if newest == nil || last.ConnectedAt.After(newest.ConnectedAt) {
			newest = last
		}
	}
	return newest
}

// requestForeignSessionConfirmation asks the user whether to replace a
// tunnel belonging to a different account. The answer comes back as an
// internal event so the owner worker never blocks on UI input.
func (ws *workersState) requestForeignSessionConfirmation(intent model.ConnectionIntent) {
	ws.pendingIntent = &intent
	request := model.ConfirmationRequest{
		Kind:    model.ConfirmForeignSession,
		Account: ws.activeConfig.Account,
		Resolve: func(accepted bool) {
			ws.postInternal(&internalEvent{kind: eventConfirmationResolved, accepted: accepted})
		},
	}
	select {
	case ws.confirmations <- request:
	case <-ws.workersManager.ShouldShutdown():
	}
}

// handleConfirmationResolved resumes or drops the pending intent.
func (ws *workersState) handleConfirmationResolved(accepted bool) {
	if ws.pendingIntent == nil {
		return
	}
	intent := *ws.pendingIntent
	if !accepted {
		ws.pendingIntent = nil
		ws.logger.Info("appstate: user kept the existing session")
		return
	}
	// Drop the foreign configuration, then connect as usual.
	ws.activeConfig = nil
	ws.stopProvider()
	ws.handleConnect(intent)
}

// handleDisconnect is the user asking to disconnect.
func (ws *workersState) handleDisconnect() {
	ws.pendingIntent = nil
	if err := ws.deps.Props.SetIntentionallyDisconnected(true); err != nil {
		ws.logger.Warnf("appstate: cannot persist disconnect flag: %s", err.Error())
	}
	ws.retry.Reset()
	switch ws.state.Kind {
	case model.StatePreparing:
		ws.cancelAttempt()
		ws.setState(model.Aborted(true))

	case model.StateConnecting, model.StateConnected:
		ws.teardown(true)

	case model.StateError:
		ws.abandonRetry()

	default:
		ws.logger.Debugf("appstate: disconnect while %s: nothing to do", ws.state.Kind)
	}
}

// handleCancel aborts an in-flight attempt.
func (ws *workersState) handleCancel() {
	switch ws.state.Kind {
	case model.StatePreparing:
		ws.cancelAttempt()
		ws.setState(model.Aborted(true))

	case model.StateConnecting:
		ws.teardown(true)

	case model.StateError:
		ws.abandonRetry()

	default:
		ws.logger.Debugf("appstate: cancel while %s: nothing to do", ws.state.Kind)
	}
}

// abandonRetry drops a retry chain parked in the error state. Bumping
// the attempt id invalidates the armed retry timer.
func (ws *workersState) abandonRetry() {
	ws.cancelAttempt()
	ws.attemptID++
	ws.setState(model.Disconnected(nil))
}

// teardown stops the provider and transitions to disconnecting. A timer
// guards against the provider hanging mid-teardown.
func (ws *workersState) teardown(userInitiated bool) {
	ws.cancelAttempt()
	ws.userRequestedDisconnect = userInitiated
	ws.setState(model.Disconnecting())
	ws.stopProvider()
	ws.scheduleStuckCheck()
}

// stopProvider calls Stop off the owner worker. Completion arrives as a
// tunnel event, not as a return value.
func (ws *workersState) stopProvider() {
	provider := ws.deps.Provider
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stuckDisconnectTimeout)
		defer cancel()
		if err := provider.Stop(ctx); err != nil {
			ws.logger.Warnf("appstate: provider stop: %s", err.Error())
		}
	}()
}

// scheduleStuckCheck arms the stuck-disconnecting timer for the current
// attempt.
func (ws *workersState) scheduleStuckCheck() {
	id := ws.attemptID
	time.AfterFunc(stuckDisconnectTimeout, func() {
		ws.postInternal(&internalEvent{attemptID: id, kind: eventStuckDisconnect})
	})
}

// handleTunnelEvent applies a provider report to the machine.
func (ws *workersState) handleTunnelEvent(event *model.TunnelEvent) {
	if event.AttemptID != 0 && event.AttemptID != ws.attemptID {
		ws.logger.Debugf("appstate: dropping stale tunnel event (attempt %d)", event.AttemptID)
		return
	}
	switch event.State {
	case model.TunnelConnected:
		ws.onTunnelConnected()

	case model.TunnelDisconnecting:
		if ws.state.Kind != model.StateDisconnecting {
			ws.setState(model.Disconnecting())
		}

	case model.TunnelDisconnected:
		ws.onTunnelDisconnected()

	case model.TunnelError:
		ws.handleFailure(event.Err)

	default:
		// connecting and reasserting do not move the machine
	}
}

// onTunnelConnected records success: the state, the retry chain, and
// the per-family last configuration.
func (ws *workersState) onTunnelConnected() {
	config := ws.activeConfig
	if config == nil {
		ws.logger.Warn("appstate: tunnel connected without a configuration")
		return
	}
	details := &model.TunnelDetails{
		EntryIP:     config.EntryIP,
		Port:        config.Port,
		Transport:   config.Transport,
		ConnectedAt: time.Now(),
	}
	server := config.Server
	ws.retry.Reset()
	ws.retryBackoff.Reset()
	ws.setState(model.Connected(&server, details))
	last := &props.LastConfiguration{
		ServerID:    config.Server.ID,
		ServerName:  config.Server.Name,
		EntryIP:     config.EntryIP,
		Port:        config.Port,
		Transport:   config.Transport,
		ConnectedAt: details.ConnectedAt,
	}
	if err := ws.deps.Props.SetLastConfiguration(last); err != nil {
		ws.logger.Warnf("appstate: cannot persist last configuration: %s", err.Error())
	}
}

// onTunnelDisconnected finishes a teardown or reports an unexpected
// drop.
func (ws *workersState) onTunnelDisconnected() {
	switch ws.state.Kind {
	case model.StateDisconnecting:
		ws.activeConfig = nil
		ws.controlChannelUp = false
		ws.userRequestedDisconnect = false
		ws.setState(model.Disconnected(nil))

	case model.StateConnected, model.StateConnecting:
		// the tunnel dropped under us
		ws.handleFailure(errors.New("appstate: tunnel dropped unexpectedly"))

	default:
		ws.logger.Debugf("appstate: tunnel disconnected while %s", ws.state.Kind)
	}
}

// handleControlChannelEvent tracks whether the session is confirmed
// usable and refreshes the display projection.
func (ws *workersState) handleControlChannelEvent(event *model.ControlChannelEvent) {
	if event.AttemptID != 0 && event.AttemptID != ws.attemptID {
		ws.logger.Debugf("appstate: dropping stale control channel event (attempt %d)", event.AttemptID)
		return
	}
	ws.controlChannelUp = event.Up
	ws.emitDisplay()
}
