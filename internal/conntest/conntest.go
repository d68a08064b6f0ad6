// Package conntest contains fakes shared by the connection core tests:
// a scriptable tunnel provider, a scriptable certificate API, an
// in-memory credential store, and server fixtures.
package conntest

import (
	"context"
	"sync"

	"github.com/helixvpn/connect/internal/credentials"
	"github.com/helixvpn/connect/internal/model"
)

// FakeProvider is a scriptable [model.TunnelProvider]. Tests drive it by
// emitting events and inspecting the recorded calls.
type FakeProvider struct {
	mu sync.Mutex

	// StartErr, when set, is returned by Start.
	StartErr error

	// StopErr, when set, is returned by Stop.
	StopErr error

	started       []*model.TunnelConfig
	stopCalls     int
	removeCalls   int
	events        chan *model.TunnelEvent
	controlEvents chan *model.ControlChannelEvent
}

var _ model.TunnelProvider = &FakeProvider{}

// NewFakeProvider creates a [FakeProvider] with buffered event channels.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		events:        make(chan *model.TunnelEvent, 64),
		controlEvents: make(chan *model.ControlChannelEvent, 64),
	}
}

// Start implements [model.TunnelProvider].
func (p *FakeProvider) Start(ctx context.Context, config *model.TunnelConfig) error {
	defer p.mu.Unlock()
	p.mu.Lock()
	if p.StartErr != nil {
		return p.StartErr
	}
	p.started = append(p.started, config)
	return nil
}

// Stop implements [model.TunnelProvider].
func (p *FakeProvider) Stop(ctx context.Context) error {
	defer p.mu.Unlock()
	p.mu.Lock()
	p.stopCalls++
	return p.StopErr
}

// RemoveConfigurations implements [model.TunnelProvider].
func (p *FakeProvider) RemoveConfigurations(ctx context.Context) error {
	defer p.mu.Unlock()
	p.mu.Lock()
	p.removeCalls++
	return nil
}

// Events implements [model.TunnelProvider].
func (p *FakeProvider) Events() <-chan *model.TunnelEvent {
	return p.events
}

// ControlChannelEvents implements [model.TunnelProvider].
func (p *FakeProvider) ControlChannelEvents() <-chan *model.ControlChannelEvent {
	return p.controlEvents
}

// EmitTunnel posts a tunnel event as the platform would.
func (p *FakeProvider) EmitTunnel(attemptID uint64, state model.TunnelState, err error) {
	p.events <- &model.TunnelEvent{AttemptID: attemptID, State: state, Err: err}
}

// EmitControlChannel posts a control channel event.
func (p *FakeProvider) EmitControlChannel(attemptID uint64, up bool) {
	p.controlEvents <- &model.ControlChannelEvent{AttemptID: attemptID, Up: up}
}

// Started returns a copy of the configurations handed to Start.
func (p *FakeProvider) Started() []*model.TunnelConfig {
	defer p.mu.Unlock()
	p.mu.Lock()
	out := make([]*model.TunnelConfig, len(p.started))
	copy(out, p.started)
	return out
}

// StopCalls returns how many times Stop was called.
func (p *FakeProvider) StopCalls() int {
	defer p.mu.Unlock()
	p.mu.Lock()
	return p.stopCalls
}

// RemoveCalls returns how many times RemoveConfigurations was called.
func (p *FakeProvider) RemoveCalls() int {
	defer p.mu.Unlock()
	p.mu.Lock()
	return p.removeCalls
}

// FakeAPI is a scriptable [credentials.API]. Responses are consumed in
// order; when the script runs out, the last response repeats.
type FakeAPI struct {
	mu sync.Mutex

	// Responses is the script: each call pops the head.
	Responses []FakeAPIResponse

	calls []*credentials.CertificateRequest
}

// FakeAPIResponse is one scripted outcome.
type FakeAPIResponse struct {
	Credential *model.Credential
	Err        error
}

var _ credentials.API = &FakeAPI{}

// RefreshCertificate implements [credentials.API].
func (a *FakeAPI) RefreshCertificate(ctx context.Context, req *credentials.CertificateRequest) (*model.Credential, error) {
	defer a.mu.Unlock()
	a.mu.Lock()
	a.calls = append(a.calls, req)
	if len(a.Responses) == 0 {
		return nil, context.Canceled
	}
	head := a.Responses[0]
	if len(a.Responses) > 1 {
		a.Responses = a.Responses[1:]
	}
	return head.Credential, head.Err
}

// Calls returns a copy of the recorded requests.
func (a *FakeAPI) Calls() []*credentials.CertificateRequest {
	defer a.mu.Unlock()
	a.mu.Lock()
	out := make([]*credentials.CertificateRequest, len(a.calls))
	copy(out, a.calls)
	return out
}

// MemoryCredentialStore is an in-memory [credentials.Store].
type MemoryCredentialStore struct {
	mu   sync.Mutex
	cred *model.Credential
	keys *credentials.KeyPair
}

var _ credentials.Store = &MemoryCredentialStore{}

// LoadCredential implements [credentials.Store].
func (s *MemoryCredentialStore) LoadCredential() (*model.Credential, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.cred == nil {
		return nil, credentials.ErrNotFound
	}
	return s.cred, nil
}

// SaveCredential implements [credentials.Store].
func (s *MemoryCredentialStore) SaveCredential(cred *model.Credential) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.cred = cred
	return nil
}

// LoadKeyPair implements [credentials.Store].
func (s *MemoryCredentialStore) LoadKeyPair() (*credentials.KeyPair, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.keys == nil {
		return nil, credentials.ErrNotFound
	}
	return s.keys, nil
}

// SaveKeyPair implements [credentials.Store].
func (s *MemoryCredentialStore) SaveKeyPair(keys *credentials.KeyPair) error {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.keys = keys
	return nil
}

// Clear implements [credentials.Store].
func (s *MemoryCredentialStore) Clear() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.cred, s.keys = nil, nil
	return nil
}
