// Package smartprotocol implements transport negotiation: given a server
// and the set of enabled transports it produces a prioritized sequence of
// transport/port candidates and probes them in order until one is
// available. In smart mode the ordering favors transports least likely to
// be blocked by network middleboxes.
package smartprotocol

import (
	"context"
	"errors"
	"time"

	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/optional"
)

// ErrNoAvailableTransport means no candidate was enabled and available.
var ErrNoAvailableTransport = errors.New("smartprotocol: no available transport")

// defaultPorts maps each transport to its default port set. The first
// port is the primary one; the rest are fallbacks used on relaxed
// negotiation.
var defaultPorts = map[model.Transport][]int{
	model.TransportWireGuardUDP: {51820, 88, 1224},
	model.TransportWireGuardTCP: {443},
	model.TransportWireGuardTLS: {443},
	model.TransportOpenVPNUDP:   {1194, 5060},
	model.TransportOpenVPNTCP:   {443, 7770},
	model.TransportIKEv2:        {500},
}

// smartOrder tries TLS-wrapped and TCP transports before plain UDP, so
// that a middlebox dropping UDP or unknown protocols is bypassed early.
var smartOrder = []model.Transport{
	model.TransportWireGuardTLS,
	model.TransportOpenVPNTCP,
	model.TransportWireGuardTCP,
	model.TransportWireGuardUDP,
	model.TransportOpenVPNUDP,
	model.TransportIKEv2,
}

// defaultOrder is the plain preference order used when smart mode is off.
var defaultOrder = []model.Transport{
	model.TransportWireGuardUDP,
	model.TransportWireGuardTCP,
	model.TransportWireGuardTLS,
	model.TransportOpenVPNUDP,
	model.TransportOpenVPNTCP,
	model.TransportIKEv2,
}

// AvailabilityChecker probes whether a transport endpoint is reachable.
// Checkers are per-transport collaborators; a probe should be cheap and
// respect the context deadline.
type AvailabilityChecker interface {
	Check(ctx context.Context, entryIP string, candidate model.TransportCandidate) error
}

// Negotiator produces and probes transport candidates for a server.
type Negotiator struct {
	logger       model.Logger
	enabled      model.TransportMask
	smart        bool
	pinned       optional.Value[model.Transport]
	checkers     map[model.Transport]AvailabilityChecker
	probeTimeout time.Duration
}

// New creates a [Negotiator]. A nil checker map means every candidate is
// assumed reachable and the first one wins.
func New(logger model.Logger, enabled model.TransportMask, smart bool,
	pinned optional.Value[model.Transport],
	checkers map[model.Transport]AvailabilityChecker,
	probeTimeout time.Duration) *Negotiator {
	return &Negotiator{
		logger:       logger,
		enabled:      enabled,
		smart:        smart,
		pinned:       pinned,
		checkers:     checkers,
		probeTimeout: probeTimeout,
	}
}

// Smart reports whether smart mode is enabled.
func (n *Negotiator) Smart() bool {
	return n.smart
}

// Candidates returns the prioritized candidate list for the server.
// The list is fixed for the whole attempt: candidates are tried in this
// order and never re-ordered mid-attempt. With relaxed set, every
// enabled transport is included with its full port set; otherwise only
// primary ports are used and a pinned transport restricts the list to
// itself.
func (n *Negotiator) Candidates(server *model.ServerRecord, relaxed bool) []model.TransportCandidate {
	order := defaultOrder
	if n.smart {
		order = smartOrder
	}
	var out []model.TransportCandidate
	for _, transport := range order {
		if !n.enabled.Contains(transport) {
			continue
		}
		if !relaxed && !n.pinned.IsNone() && n.pinned.Unwrap() != transport {
			continue
		}
		if !server.Supported.Contains(transport) {
			continue
		}
		ports := n.portsFor(server, transport, relaxed)
		for _, port := range ports {
			out = append(out, model.TransportCandidate{Transport: transport, Port: port})
		}
	}
	return out
}

// portsFor applies per-server overrides: a server may expose a restricted
// port set for a transport; absence of an override falls back to the
// defaults.
func (n *Negotiator) portsFor(server *model.ServerRecord, transport model.Transport, relaxed bool) []int {
	ports := defaultPorts[transport]
	if override, ok := server.Overrides[transport]; ok && len(override.Ports) > 0 {
		ports = override.Ports
	}
	if !relaxed && len(ports) > 1 {
		ports = ports[:1]
	}
	return ports
}

// entryIPFor applies the per-server entry IP override for a transport.
func entryIPFor(server *model.ServerRecord, transport model.Transport) string {
	if override, ok := server.Overrides[transport]; ok && override.IP != "" {
		return override.IP
	}
	return server.EntryIP
}

// Negotiate probes the candidates in priority order and returns the
// first one that is available. A candidate without a registered checker
// is assumed available. Negotiation stops at the first success and
// advances only after a probe fails or times out.
func (n *Negotiator) Negotiate(ctx context.Context, server *model.ServerRecord, relaxed bool) (*model.SelectedServer, error) {
	return n.probe(ctx, server, n.Candidates(server, relaxed))
}

// NegotiatePreferred negotiates with a remembered candidate moved to
// the front of the list, so reconnecting tries what worked last time
// before anything else. A preferred candidate whose transport is
// disabled or unsupported by the server is ignored.
func (n *Negotiator) NegotiatePreferred(ctx context.Context, server *model.ServerRecord,
	preferred model.TransportCandidate, relaxed bool) (*model.SelectedServer, error) {
	candidates := n.Candidates(server, relaxed)
	if n.enabled.Contains(preferred.Transport) && server.Supported.Contains(preferred.Transport) {
		reordered := []model.TransportCandidate{preferred}
		for _, candidate := range candidates {
			if candidate != preferred {
				reordered = append(reordered, candidate)
			}
		}
		candidates = reordered
	}
	return n.probe(ctx, server, candidates)
}

func (n *Negotiator) probe(ctx context.Context, server *model.ServerRecord,
	candidates []model.TransportCandidate) (*model.SelectedServer, error) {
	if len(candidates) == 0 {
		return nil, ErrNoAvailableTransport
	}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entryIP := entryIPFor(server, candidate.Transport)
		checker, ok := n.checkers[candidate.Transport]
		if !ok {
			n.logger.Debugf("smartprotocol: no checker for %s, assuming available", candidate.Transport)
			return selected(server, entryIP, candidate), nil
		}
		probeCtx, cancel := context.WithTimeout(ctx, n.probeTimeout)
		err := checker.Check(probeCtx, entryIP, candidate)
		cancel()
		if err == nil {
			n.logger.Infof("smartprotocol: %s available on %s", candidate, entryIP)
			return selected(server, entryIP, candidate), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		n.logger.Debugf("smartprotocol: %s unavailable: %s", candidate, err.Error())
	}
	return nil, ErrNoAvailableTransport
}

func selected(server *model.ServerRecord, entryIP string, candidate model.TransportCandidate) *model.SelectedServer {
	return &model.SelectedServer{
		Server:    *server,
		EntryIP:   entryIP,
		Candidate: candidate,
	}
}
