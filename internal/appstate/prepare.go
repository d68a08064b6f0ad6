package appstate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/helixvpn/connect/internal/credentials"
	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/props"
	"github.com/helixvpn/connect/internal/selector"
	"github.com/helixvpn/connect/internal/smartprotocol"
)

// credentialRef is the name under which the credential store keeps the
// active credential. The provider resolves it on its side: material
// never travels through the tunnel configuration.
const credentialRef = "credential"

// internalEventKind discriminates the internal event union.
type internalEventKind int

const (
	// eventPrepared means preparation produced a configuration.
	eventPrepared = internalEventKind(iota)

	// eventPrepareFailed means preparation failed.
	eventPrepareFailed

	// eventPrepareTimeout means the attempt exceeded its deadline.
	eventPrepareTimeout

	// eventRetry means a scheduled automatic retry is due.
	eventRetry

	// eventStuckDisconnect means teardown has been running too long.
	eventStuckDisconnect

	// eventConfirmationResolved carries a confirmation answer.
	eventConfirmationResolved
)

// internalEvent funnels asynchronous outcomes back onto the owner
// worker. Events carrying an attempt ID older than the current one are
// stale and dropped.
type internalEvent struct {
	attemptID uint64
	kind      internalEventKind
	config    *model.TunnelConfig
	err       error
	relaxed   bool
	accepted  bool
}

// postInternal delivers an internal event unless we are shutting down.
func (ws *workersState) postInternal(event *internalEvent) {
	select {
	case ws.internalEvents <- event:
	case <-ws.workersManager.ShouldShutdown():
	}
}

// beginAttempt starts a preparation attempt for the given intent. The
// pipeline runs off the owner worker and reports back through internal
// events.
func (ws *workersState) beginAttempt(intent model.ConnectionIntent, relaxed bool) {
	ws.cancelAttempt()
	ws.attemptID++
	id := ws.attemptID
	ws.attemptIntent = intent
	ctx, cancel := context.WithCancel(context.Background())
	ws.attemptCancel = cancel
	ws.setState(model.Preparing())
	time.AfterFunc(ws.config.PrepareTimeout(), func() {
		ws.postInternal(&internalEvent{attemptID: id, kind: eventPrepareTimeout})
	})
	hint := ws.replayHint
	go ws.prepare(ctx, id, intent, relaxed, hint)
}

// prepare runs the preparation pipeline: select a server, negotiate a
// transport, make sure the credential is valid, assemble the
// configuration.
func (ws *workersState) prepare(ctx context.Context, id uint64,
	intent model.ConnectionIntent, relaxed bool, hint *props.LastConfiguration) {
	config, err := ws.assembleConfig(ctx, id, intent, relaxed, hint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// the attempt was cancelled while a phase was in flight:
			// report the cancellation, not the phase's own error
			err = ctxErr
		}
		ws.postInternal(&internalEvent{attemptID: id, kind: eventPrepareFailed, err: err, relaxed: relaxed})
		return
	}
	ws.postInternal(&internalEvent{attemptID: id, kind: eventPrepared, config: config})
}

func (ws *workersState) assembleConfig(ctx context.Context, id uint64,
	intent model.ConnectionIntent, relaxed bool, hint *props.LastConfiguration) (*model.TunnelConfig, error) {
	server, err := ws.deps.Selector.Select(ctx, intent, ws.config.UserTier(), ws.config.EnabledTransports())
	if err != nil {
		return nil, err
	}
	ws.logger.Infof("appstate: selected %s (load %d)", server.Name, server.Load)
	sel, err := ws.negotiateTransport(ctx, server, relaxed, hint)
	if err != nil {
		return nil, err
	}
	ws.logger.Infof("appstate: negotiated %s", sel.Candidate)
	if _, err := ws.deps.Credentials.EnsureValid(ctx); err != nil {
		return nil, err
	}
	return &model.TunnelConfig{
		AttemptID:     id,
		RequestID:     uuid.NewString(),
		Server:        sel.Server,
		EntryIP:       sel.EntryIP,
		Port:          sel.Candidate.Port,
		Transport:     sel.Candidate.Transport,
		CredentialRef: credentialRef,
		Account:       ws.config.Account(),
	}, nil
}

// negotiateTransport biases negotiation towards the configuration that
// worked last time when we are reconnecting to the same server.
func (ws *workersState) negotiateTransport(ctx context.Context, server *model.ServerRecord,
	relaxed bool, hint *props.LastConfiguration) (*model.SelectedServer, error) {
	if hint != nil && hint.ServerID == server.ID {
		preferred := model.TransportCandidate{Transport: hint.Transport, Port: hint.Port}
		return ws.deps.Negotiator.NegotiatePreferred(ctx, server, preferred, relaxed)
	}
	return ws.deps.Negotiator.Negotiate(ctx, server, relaxed)
}

// handleInternalEvent applies an asynchronous outcome to the machine.
func (ws *workersState) handleInternalEvent(event *internalEvent) {
	if event.kind == eventConfirmationResolved {
		ws.handleConfirmationResolved(event.accepted)
		return
	}
	if event.attemptID != ws.attemptID {
		ws.logger.Debugf("appstate: dropping stale internal event (attempt %d)", event.attemptID)
		return
	}
	switch event.kind {
	case eventPrepared:
		ws.onPrepared(event.config)

	case eventPrepareFailed:
		if errors.Is(event.err, context.Canceled) {
			return
		}
		ws.handleFailure(event.err)

	case eventPrepareTimeout:
		ws.onPrepareTimeout()

	case eventRetry:
		if ws.state.Kind == model.StateError {
			ws.beginAttempt(ws.attemptIntent, event.relaxed)
		}

	case eventStuckDisconnect:
		ws.onStuckDisconnect()
	}
}

// onPrepared hands the configuration to the provider.
func (ws *workersState) onPrepared(config *model.TunnelConfig) {
	if ws.state.Kind != model.StatePreparing {
		ws.logger.Debugf("appstate: dropping prepared config while %s", ws.state.Kind)
		return
	}
	if err := ws.deps.Provider.Start(context.Background(), config); err != nil {
		ws.handleFailure(err)
		return
	}
	ws.activeConfig = config
	ws.retry.LastConfig = config
	server := config.Server
	ws.setState(model.Connecting(&server))
}

// onPrepareTimeout aborts an attempt that exceeded its deadline. The
// deadline covers the whole attempt: a tunnel stuck in connecting is
// torn down too.
func (ws *workersState) onPrepareTimeout() {
	switch ws.state.Kind {
	case model.StatePreparing:
		ws.cancelAttempt()

	case model.StateConnecting:
		ws.cancelAttempt()
		ws.stopProvider()
		ws.activeConfig = nil

	default:
		return
	}
	ws.setState(model.Aborted(false))
	ws.emitAlert(model.AlertConnectionFailed, errAttemptTimeout)
}

// onStuckDisconnect recovers from a teardown that never completes:
// force-remove the installed configuration and retry, then give up with
// an alert.
func (ws *workersState) onStuckDisconnect() {
	if ws.state.Kind != model.StateDisconnecting {
		return
	}
	if ws.retry.StuckRetries < ws.config.StuckDisconnectRetries() {
		ws.retry.StuckRetries++
		ws.logger.Warn("appstate: teardown stuck, removing configurations")
		provider := ws.deps.Provider
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), stuckDisconnectTimeout)
			defer cancel()
			if err := provider.RemoveConfigurations(ctx); err != nil {
				ws.logger.Warnf("appstate: remove configurations: %s", err.Error())
			}
		}()
		ws.stopProvider()
		ws.scheduleStuckCheck()
		return
	}
	ws.emitAlert(model.AlertTunnelStuck, nil)
	ws.activeConfig = nil
	ws.controlChannelUp = false
	ws.userRequestedDisconnect = false
	ws.setState(model.Disconnected(nil))
}

// handleFailure classifies a failure and decides between automatic
// retry and user escalation.
func (ws *workersState) handleFailure(cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	ws.retry.RecordFailure()
	ws.logger.Warnf("appstate: attempt failed: %s", cause.Error())

	var resolutionErr *selector.ResolutionUnavailableError
	var rateLimited *credentials.RateLimitedError
	switch {
	case errors.Is(cause, selector.ErrNoServerFound):
		ws.fail(model.AlertNoServerFound, cause)

	case errors.As(cause, &resolutionErr):
		ws.fail(model.AlertResolutionUnavailable, cause)

	case errors.Is(cause, smartprotocol.ErrNoAvailableTransport):
		// relaxing the candidate set is a smart-mode recovery; with
		// smart mode off the user picked the transport, so surface it
		if ws.deps.Negotiator.Smart() && !ws.retry.RelaxedTried {
			// try again with every enabled transport and full port sets
			ws.retry.RelaxedTried = true
			ws.scheduleRetry(cause, ws.retryBackoff.NextBackOff(), true)
			return
		}
		ws.fail(model.AlertNoAvailableTransport, cause)

	case errors.Is(cause, credentials.ErrMaxSessionsReached):
		ws.fail(model.AlertMaxSessionsReached, cause)

	case errors.Is(cause, credentials.ErrDelinquentAccount):
		ws.fail(model.AlertDelinquent, cause)

	case errors.Is(cause, credentials.ErrNetworkUnavailable):
		ws.fail(model.AlertNetworkUnreachable, cause)

	case errors.As(cause, &rateLimited):
		delay := ws.retryBackoff.NextBackOff()
		if rateLimited.RetryAfter > delay {
			delay = rateLimited.RetryAfter
		}
		ws.emitAlert(model.AlertTooManyRequests, cause)
		ws.scheduleRetry(cause, delay, ws.retry.RelaxedTried)

	default:
		if ws.retry.Failures <= ws.config.TunnelErrorRetries() {
			ws.scheduleRetry(cause, ws.retryBackoff.NextBackOff(), ws.retry.RelaxedTried)
			return
		}
		ws.fail(model.AlertConnectionFailed, cause)
	}
}

// fail records a terminal failure for this chain: the error state and
// the alert are published, then the machine settles back into
// disconnected with the cause on record.
func (ws *workersState) fail(kind model.AlertKind, cause error) {
	ws.cancelAttempt()
	ws.activeConfig = nil
	ws.setState(model.Failed(cause))
	ws.emitAlert(kind, cause)
	ws.setState(model.Disconnected(cause))
}

// scheduleRetry parks the machine in the error state and arms a timer
// for the next attempt of the same chain.
func (ws *workersState) scheduleRetry(cause error, delay time.Duration, relaxed bool) {
	ws.cancelAttempt()
	ws.setState(model.Failed(cause))
	id := ws.attemptID
	ws.logger.Infof("appstate: retrying in %s (relaxed=%v)", delay, relaxed)
	time.AfterFunc(delay, func() {
		ws.postInternal(&internalEvent{attemptID: id, kind: eventRetry, relaxed: relaxed})
	})
}
