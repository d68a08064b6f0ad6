package smartprotocol

import (
	"context"
	"net"
	"strconv"

	"github.com/helixvpn/connect/internal/model"
)

// DialChecker probes availability by opening and immediately closing a
// connection to the candidate endpoint. It is a reasonable default for
// stream transports; datagram transports usually need a protocol-aware
// checker supplied by the tunnel implementation.
type DialChecker struct {
	// Dialer is the dialer to use. The zero value works.
	Dialer net.Dialer
}

var _ AvailabilityChecker = &DialChecker{}

// Check implements [AvailabilityChecker].
func (c *DialChecker) Check(ctx context.Context, entryIP string, candidate model.TransportCandidate) error {
	network := "tcp"
	if candidate.Transport == model.TransportWireGuardUDP ||
		candidate.Transport == model.TransportOpenVPNUDP ||
		candidate.Transport == model.TransportIKEv2 {
		network = "udp"
	}
	conn, err := c.Dialer.DialContext(ctx, network, net.JoinHostPort(entryIP, strconv.Itoa(candidate.Port)))
	if err != nil {
		return err
	}
	return conn.Close()
}
