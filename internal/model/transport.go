package model

import "fmt"

// Protocol is a tunneling protocol family.
type Protocol int

const (
	// ProtocolWireGuard is the WireGuard protocol family.
	ProtocolWireGuard = Protocol(iota)

	// ProtocolOpenVPN is the OpenVPN protocol family.
	ProtocolOpenVPN

	// ProtocolIKEv2 is the IKEv2 protocol family.
	ProtocolIKEv2
)

// String implements fmt.Stringer.
func (p Protocol) String() string {
	switch p {
	case ProtocolWireGuard:
		return "wireguard"
	case ProtocolOpenVPN:
		return "openvpn"
	case ProtocolIKEv2:
		return "ikev2"
	default:
		return "unknown"
	}
}

// Transport is a concrete way of carrying a tunneling protocol
// over the network. Several transports may belong to the same
// protocol family but differ in the wire encapsulation.
type Transport int

const (
	// TransportWireGuardUDP is plain WireGuard over UDP.
	TransportWireGuardUDP = Transport(iota)

	// TransportWireGuardTCP is WireGuard encapsulated in TCP.
	TransportWireGuardTCP

	// TransportWireGuardTLS is WireGuard wrapped in a TLS stream.
	TransportWireGuardTLS

	// TransportOpenVPNUDP is OpenVPN over UDP.
	TransportOpenVPNUDP

	// TransportOpenVPNTCP is OpenVPN over TCP.
	TransportOpenVPNTCP

	// TransportIKEv2 is IKEv2/IPSec.
	TransportIKEv2
)

// AllTransports lists every transport we know about.
var AllTransports = []Transport{
	TransportWireGuardUDP,
	TransportWireGuardTCP,
	TransportWireGuardTLS,
	TransportOpenVPNUDP,
	TransportOpenVPNTCP,
	TransportIKEv2,
}

// Protocol returns the protocol family for this transport.
func (t Transport) Protocol() Protocol {
	switch t {
	case TransportWireGuardUDP, TransportWireGuardTCP, TransportWireGuardTLS:
		return ProtocolWireGuard
	case TransportOpenVPNUDP, TransportOpenVPNTCP:
		return ProtocolOpenVPN
	default:
		return ProtocolIKEv2
	}
}

// String implements fmt.Stringer.
func (t Transport) String() string {
	switch t {
	case TransportWireGuardUDP:
		return "wireguard-udp"
	case TransportWireGuardTCP:
		return "wireguard-tcp"
	case TransportWireGuardTLS:
		return "wireguard-tls"
	case TransportOpenVPNUDP:
		return "openvpn-udp"
	case TransportOpenVPNTCP:
		return "openvpn-tcp"
	case TransportIKEv2:
		return "ikev2"
	default:
		return "unknown"
	}
}

// TransportMask is a bit set of transports.
type TransportMask uint8

// MaskOf builds a mask containing the given transports.
func MaskOf(transports ...Transport) TransportMask {
	var mask TransportMask
	for _, t := range transports {
		mask |= 1 << uint(t)
	}
	return mask
}

// AllTransportsMask matches every known transport.
var AllTransportsMask = MaskOf(AllTransports...)

// Contains returns whether the mask includes the given transport.
func (m TransportMask) Contains(t Transport) bool {
	return m&(1<<uint(t)) != 0
}

// Overlaps returns whether the two masks share at least one transport.
func (m TransportMask) Overlaps(other TransportMask) bool {
	return m&other != 0
}

// TransportCandidate is a concrete (transport, port) pair to be tried
// during negotiation. Candidates are tried strictly in the order they
// were produced and are never re-ordered mid-attempt.
type TransportCandidate struct {
	// Transport is the transport to use.
	Transport Transport

	// Port is the server port to use.
	Port int
}

// String implements fmt.Stringer.
func (c TransportCandidate) String() string {
	return fmt.Sprintf("%s:%d", c.Transport, c.Port)
}
