package appstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/helixvpn/connect/internal/conntest"
	"github.com/helixvpn/connect/internal/credentials"
	"github.com/helixvpn/connect/internal/directory"
	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/props"
	"github.com/helixvpn/connect/internal/selector"
	"github.com/helixvpn/connect/internal/smartprotocol"
	"github.com/helixvpn/connect/internal/workers"
	"github.com/helixvpn/connect/pkg/config"
)

// staticDirectory returns the same eligible records for every query.
type staticDirectory struct {
	records []model.ServerRecord
}

func (d *staticDirectory) Query(ctx context.Context, filters *directory.Filters, order directory.Ordering) ([]model.ServerRecord, error) {
	return d.records, nil
}

func (d *staticDirectory) IsEmpty(ctx context.Context) (bool, error) {
	return len(d.records) == 0, nil
}

// blockingAPI blocks every certificate request until its context is
// cancelled. Used to park an attempt inside preparation.
type blockingAPI struct{}

func (a *blockingAPI) RefreshCertificate(ctx context.Context, req *credentials.CertificateRequest) (*model.Credential, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// failingAPI always returns the given error.
type failingAPI struct {
	err error
}

func (a *failingAPI) RefreshCertificate(ctx context.Context, req *credentials.CertificateRequest) (*model.Credential, error) {
	return nil, a.err
}

type harness struct {
	t             *testing.T
	cfg           *config.Config
	provider      *conntest.FakeProvider
	props         *props.Manager
	service       *Service
	states        chan model.ConnectionState
	displays      chan model.DisplayState
	alerts        chan model.Alert
	confirmations chan model.ConfirmationRequest
}

func validCredentialStore() *conntest.MemoryCredentialStore {
	store := &conntest.MemoryCredentialStore{}
	now := time.Now()
	_ = store.SaveCredential(&model.Credential{
		Certificate: []byte("cert"),
		IssuedAt:    now,
		ExpiresAt:   now.Add(24 * time.Hour),
	})
	return store
}

func newHarness(t *testing.T, cfgOpts []config.Option, mutate func(cfg *config.Config, deps *Dependencies)) *harness {
	t.Helper()
	opts := append([]config.Option{config.WithAccount("alice", 2)}, cfgOpts...)
	cfg := config.NewConfig(opts...)
	provider := conntest.NewFakeProvider()
	propsManager := props.NewManager(props.NewMemoryStore())
	dir := &staticDirectory{records: []model.ServerRecord{
		conntest.Server("1", "CH#1", "CH", 10, nil),
	}}
	deps := &Dependencies{
		Selector: selector.New(dir),
		Negotiator: smartprotocol.New(cfg.Logger(), cfg.EnabledTransports(),
			cfg.SmartProtocol(), cfg.PinnedTransport(), nil, cfg.ProbeTimeout()),
		Credentials: credentials.NewRefresher(cfg.Logger(), &conntest.FakeAPI{},
			validCredentialStore(), cfg.DeviceName(), cfg.CertDuration()),
		Provider: provider,
		Props:    propsManager,
	}
	if mutate != nil {
		mutate(cfg, deps)
	}

	service := &Service{
		Commands:             make(chan *Command, 4),
		TunnelEvents:         make(chan *model.TunnelEvent, 16),
		ControlChannelEvents: make(chan *model.ControlChannelEvent, 16),
	}
	states := make(chan model.ConnectionState, 64)
	displays := make(chan model.DisplayState, 64)
	alerts := make(chan model.Alert, 16)
	confirmations := make(chan model.ConfirmationRequest, 4)
	service.StateChanges = &states
	service.DisplayChanges = &displays
	service.Alerts = &alerts
	service.Confirmations = &confirmations

	manager := workers.NewManager(cfg.Logger())
	service.StartWorkers(cfg, manager, deps)
	t.Cleanup(func() {
		manager.StartShutdown()
		manager.WaitWorkersShutdown()
	})

	return &harness{
		t:             t,
		cfg:           cfg,
		provider:      provider,
		props:         propsManager,
		service:       service,
		states:        states,
		displays:      displays,
		alerts:        alerts,
		confirmations: confirmations,
	}
}

func (h *harness) connect() {
	h.service.Commands <- &Command{Kind: CommandConnect, Intent: model.FastestIntent()}
}

func (h *harness) awaitState(want model.StateKind) model.ConnectionState {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-h.states:
			if state.Kind == want {
				return state
			}
		case <-deadline:
			h.t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func (h *harness) assertNoState(during time.Duration) {
	h.t.Helper()
	select {
	case state := <-h.states:
		h.t.Fatalf("unexpected state transition: %s", state)
	case <-time.After(during):
	}
}

func (h *harness) awaitDisplay(want model.DisplayState) {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case display := <-h.displays:
			if display == want {
				return
			}
		case <-deadline:
			h.t.Fatalf("timeout waiting for display %s", want)
		}
	}
}

func (h *harness) awaitAlert(want model.AlertKind) model.Alert {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case alert := <-h.alerts:
			if alert.Kind == want {
				return alert
			}
		case <-deadline:
			h.t.Fatalf("timeout waiting for alert %s", want)
		}
	}
}

// awaitStarted waits until the provider received n configurations.
func (h *harness) awaitStarted(n int) []*model.TunnelConfig {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		started := h.provider.Started()
		if len(started) >= n {
			return started
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("timeout waiting for %d provider starts", n)
	return nil
}

// connectUntilConnected drives a full happy-path connection.
func (h *harness) connectUntilConnected() *model.TunnelConfig {
	h.t.Helper()
	h.connect()
	h.awaitState(model.StatePreparing)
	h.awaitState(model.StateConnecting)
	cfg := h.awaitStarted(1)[0]
	h.service.TunnelEvents <- &model.TunnelEvent{AttemptID: cfg.AttemptID, State: model.TunnelConnected}
	h.awaitState(model.StateConnected)
	return cfg
}

func TestConnectHappyPath(t *testing.T) {
	h := newHarness(t, nil, nil)
	cfg := h.connectUntilConnected()

	if cfg.Server.Name != "CH#1" {
		t.Fatalf("unexpected server: %s", cfg.Server.Name)
	}
	if cfg.Account != "alice" {
		t.Fatalf("unexpected account: %s", cfg.Account)
	}
	if cfg.RequestID == "" {
		t.Fatal("missing request id")
	}

	// the tunnel is up but the session is not confirmed yet
	h.awaitDisplay(model.DisplayLoadingConnectionInfo)
	h.service.ControlChannelEvents <- &model.ControlChannelEvent{AttemptID: cfg.AttemptID, Up: true}
	h.awaitDisplay(model.DisplayConnected)

	if !h.props.HasLastConfiguration() {
		t.Fatal("last configuration not recorded")
	}
	last, err := h.props.LastConfiguration(cfg.Transport.Protocol())
	if err != nil {
		t.Fatal(err)
	}
	if last.ServerName != "CH#1" {
		t.Fatalf("unexpected last configuration: %+v", last)
	}
}

func TestDisconnectWhilePreparingAborts(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config, deps *Dependencies) {
		deps.Credentials = credentials.NewRefresher(cfg.Logger(), &blockingAPI{},
			&conntest.MemoryCredentialStore{}, cfg.DeviceName(), cfg.CertDuration())
	})
	h.connect()
	h.awaitState(model.StatePreparing)

	h.service.Commands <- &Command{Kind: CommandDisconnect}
	state := h.awaitState(model.StateAborted)
	if !state.UserInitiated {
		t.Fatal("abort should be user initiated")
	}
	h.assertNoState(200 * time.Millisecond)
	if !h.props.IntentionallyDisconnected() {
		t.Fatal("intentional disconnect flag not set")
	}
}

func TestStaleTunnelEventsIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.connectUntilConnected()

	h.service.TunnelEvents <- &model.TunnelEvent{
		AttemptID: 999,
		State:     model.TunnelError,
		Err:       errors.New("stale failure"),
	}
	h.assertNoState(200 * time.Millisecond)
}

func TestDisconnectFlow(t *testing.T) {
	h := newHarness(t, nil, nil)
	cfg := h.connectUntilConnected()

	h.service.Commands <- &Command{Kind: CommandDisconnect}
	h.awaitState(model.StateDisconnecting)
	h.service.TunnelEvents <- &model.TunnelEvent{AttemptID: cfg.AttemptID, State: model.TunnelDisconnected}
	h.awaitState(model.StateDisconnected)

	if !h.props.IntentionallyDisconnected() {
		t.Fatal("intentional disconnect flag not set")
	}
	if h.provider.StopCalls() == 0 {
		t.Fatal("provider was never stopped")
	}
}

func TestStuckDisconnectRemovesConfigurations(t *testing.T) {
	savedTimeout := stuckDisconnectTimeout
	stuckDisconnectTimeout = 50 * time.Millisecond
	defer func() { stuckDisconnectTimeout = savedTimeout }()

	h := newHarness(t, nil, nil)
	h.connectUntilConnected()

	h.service.Commands <- &Command{Kind: CommandDisconnect}
	h.awaitState(model.StateDisconnecting)

	// the provider never reports disconnected: first the configuration
	// is force-removed and the teardown retried, then we give up
	h.awaitAlert(model.AlertTunnelStuck)
	h.awaitState(model.StateDisconnected)
	if h.provider.RemoveCalls() != 1 {
		t.Fatalf("expected one RemoveConfigurations call, got %d", h.provider.RemoveCalls())
	}
}

func TestPrepareTimeoutAborts(t *testing.T) {
	h := newHarness(t, []config.Option{config.WithPrepareTimeout(50 * time.Millisecond)},
		func(cfg *config.Config, deps *Dependencies) {
			deps.Credentials = credentials.NewRefresher(cfg.Logger(), &blockingAPI{},
				&conntest.MemoryCredentialStore{}, cfg.DeviceName(), cfg.CertDuration())
		})
	h.connect()
	h.awaitState(model.StatePreparing)

	state := h.awaitState(model.StateAborted)
	if state.UserInitiated {
		t.Fatal("timeout abort should not be user initiated")
	}
	alert := h.awaitAlert(model.AlertConnectionFailed)
	if !errors.Is(alert.Err, errAttemptTimeout) {
		t.Fatalf("unexpected alert error: %v", alert.Err)
	}
}

func TestTunnelErrorRetriesOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.connect()
	h.awaitState(model.StateConnecting)
	first := h.awaitStarted(1)[0]

	h.service.TunnelEvents <- &model.TunnelEvent{
		AttemptID: first.AttemptID,
		State:     model.TunnelError,
		Err:       errors.New("handshake failed"),
	}
	h.awaitState(model.StateError)

	// the retry produces a second attempt with a fresh attempt id
	h.awaitState(model.StatePreparing)
	h.awaitState(model.StateConnecting)
	second := h.awaitStarted(2)[1]
	if second.AttemptID == first.AttemptID {
		t.Fatal("retry should use a fresh attempt id")
	}
	h.service.TunnelEvents <- &model.TunnelEvent{AttemptID: second.AttemptID, State: model.TunnelConnected}
	h.awaitState(model.StateConnected)
}

func TestMaxSessionsNotRetried(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config, deps *Dependencies) {
		deps.Credentials = credentials.NewRefresher(cfg.Logger(),
			&failingAPI{err: credentials.ErrMaxSessionsReached},
			&conntest.MemoryCredentialStore{}, cfg.DeviceName(), cfg.CertDuration())
	})
	h.connect()
	h.awaitState(model.StateError)
	h.awaitAlert(model.AlertMaxSessionsReached)

	// the failure is terminal: the machine settles in disconnected
	// with the cause on record and never retries
	state := h.awaitState(model.StateDisconnected)
	if !errors.Is(state.Err, credentials.ErrMaxSessionsReached) {
		t.Fatalf("unexpected cause: %v", state.Err)
	}
	h.assertNoState(300 * time.Millisecond)
}

func TestForeignSessionConfirmation(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config, deps *Dependencies) {
		deps.Installed = &model.TunnelConfig{Account: "bob"}
	})
	h.connect()

	var request model.ConfirmationRequest
	select {
	case request = <-h.confirmations:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for confirmation request")
	}
	if request.Kind != model.ConfirmForeignSession || request.Account != "bob" {
		t.Fatalf("unexpected confirmation request: %+v", request)
	}

	request.Resolve(true)
	h.awaitState(model.StatePreparing)
	h.awaitState(model.StateConnecting)
	cfg := h.awaitStarted(1)[0]
	if cfg.Account != "alice" {
		t.Fatalf("unexpected account: %s", cfg.Account)
	}
}

func TestForeignSessionDeclined(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config, deps *Dependencies) {
		deps.Installed = &model.TunnelConfig{Account: "bob"}
	})
	h.connect()

	var request model.ConfirmationRequest
	select {
	case request = <-h.confirmations:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for confirmation request")
	}
	request.Resolve(false)
	h.assertNoState(200 * time.Millisecond)
	if len(h.provider.Started()) != 0 {
		t.Fatal("declined confirmation must not start an attempt")
	}
}

func TestRelaxedRetryAfterNoTransport(t *testing.T) {
	probes := make(chan model.TransportCandidate, 64)
	failAll := conntest.CheckerFunc(func(ctx context.Context, entryIP string, candidate model.TransportCandidate) error {
		probes <- candidate
		return errors.New("unavailable")
	})
	h := newHarness(t, nil, func(cfg *config.Config, deps *Dependencies) {
		checkers := map[model.Transport]smartprotocol.AvailabilityChecker{}
		for _, transport := range model.AllTransports {
			checkers[transport] = failAll
		}
		deps.Negotiator = smartprotocol.New(cfg.Logger(), cfg.EnabledTransports(),
			cfg.SmartProtocol(), cfg.PinnedTransport(), checkers, 10*time.Millisecond)
	})
	h.connect()
	h.awaitState(model.StatePreparing)
	// the first attempt fails silently and is retried relaxed
	h.awaitState(model.StateError)
	h.awaitState(model.StatePreparing)
	// the relaxed attempt fails too: now the user hears about it
	h.awaitAlert(model.AlertNoAvailableTransport)

	// relaxed candidates include fallback ports, so the second attempt
	// probes more candidates than the first
	close(probes)
	var count int
	for range probes {
		count++
	}
	if count <= 6 {
		t.Fatalf("expected relaxed attempt to probe fallback ports, got %d probes total", count)
	}
}

func TestNoTransportSurfacedWhenSmartDisabled(t *testing.T) {
	probes := make(chan model.TransportCandidate, 64)
	failAll := conntest.CheckerFunc(func(ctx context.Context, entryIP string, candidate model.TransportCandidate) error {
		probes <- candidate
		return errors.New("unavailable")
	})
	h := newHarness(t, []config.Option{config.WithSmartProtocol(false)},
		func(cfg *config.Config, deps *Dependencies) {
			checkers := map[model.Transport]smartprotocol.AvailabilityChecker{}
			for _, transport := range model.AllTransports {
				checkers[transport] = failAll
			}
			deps.Negotiator = smartprotocol.New(cfg.Logger(), cfg.EnabledTransports(),
				cfg.SmartProtocol(), cfg.PinnedTransport(), checkers, 10*time.Millisecond)
		})
	h.connect()
	h.awaitState(model.StatePreparing)

	// without smart mode there is no relaxed fallback: the failure is
	// surfaced right away
	h.awaitState(model.StateError)
	h.awaitAlert(model.AlertNoAvailableTransport)
	h.awaitState(model.StateDisconnected)
	h.assertNoState(2 * time.Second)

	close(probes)
	var count int
	for range probes {
		count++
	}
	if count != 6 {
		t.Fatalf("expected a single pass over the primary ports, got %d probes", count)
	}
}

func TestDisconnectCancelsScheduledRetry(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.connect()
	h.awaitState(model.StateConnecting)
	first := h.awaitStarted(1)[0]

	h.service.TunnelEvents <- &model.TunnelEvent{
		AttemptID: first.AttemptID,
		State:     model.TunnelError,
		Err:       errors.New("handshake failed"),
	}
	h.awaitState(model.StateError)

	// disconnecting while a retry is armed must disarm it
	h.service.Commands <- &Command{Kind: CommandDisconnect}
	h.awaitState(model.StateDisconnected)
	h.assertNoState(2 * time.Second)
	if got := len(h.provider.Started()); got != 1 {
		t.Fatalf("retry fired after disconnect: %d provider starts", got)
	}
	if !h.props.IntentionallyDisconnected() {
		t.Fatal("intentional disconnect flag not set")
	}
}

func TestRateLimitDelaysRetry(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config, deps *Dependencies) {
		deps.Credentials = credentials.NewRefresher(cfg.Logger(),
			&failingAPI{err: &credentials.RateLimitedError{RetryAfter: time.Minute}},
			&conntest.MemoryCredentialStore{}, cfg.DeviceName(), cfg.CertDuration())
	})
	h.connect()
	h.awaitState(model.StatePreparing)

	// the alert is immediate, the retry honors the server delay
	alert := h.awaitAlert(model.AlertTooManyRequests)
	var rateLimited *credentials.RateLimitedError
	if !errors.As(alert.Err, &rateLimited) || rateLimited.RetryAfter != time.Minute {
		t.Fatalf("unexpected alert error: %v", alert.Err)
	}
	h.awaitState(model.StateError)
	h.assertNoState(2 * time.Second)
	if got := len(h.provider.Started()); got != 0 {
		t.Fatalf("retry fired before the server delay: %d provider starts", got)
	}
}

func TestConnectLastPrefersLastConfiguration(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.props.SetLastIntent(model.FastestIntent()); err != nil {
		t.Fatal(err)
	}
	last := &props.LastConfiguration{
		ServerID:    "1",
		ServerName:  "CH#1",
		EntryIP:     "10.0.0.1",
		Port:        88,
		Transport:   model.TransportWireGuardUDP,
		ConnectedAt: time.Now(),
	}
	if err := h.props.SetLastConfiguration(last); err != nil {
		t.Fatal(err)
	}

	h.service.Commands <- &Command{Kind: CommandConnectLast}
	h.awaitState(model.StateConnecting)

	// smart ordering would pick wireguard-tls first: the replay leads
	// with the configuration that worked last time
	cfg := h.awaitStarted(1)[0]
	if cfg.Transport != model.TransportWireGuardUDP || cfg.Port != 88 {
		t.Fatalf("expected replay of wireguard-udp:88, got %s:%d", cfg.Transport, cfg.Port)
	}
}

func TestConnectLastRepeatsIntent(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.props.SetLastIntent(model.RegionIntent("CH")); err != nil {
		t.Fatal(err)
	}
	h.service.Commands <- &Command{Kind: CommandConnectLast}
	h.awaitState(model.StatePreparing)
	h.awaitState(model.StateConnecting)
	cfg := h.awaitStarted(1)[0]
	if cfg.Server.ExitCountry != "CH" {
		t.Fatalf("unexpected server: %+v", cfg.Server)
	}
}
