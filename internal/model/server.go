package model

// Feature is a bit set of features a server supports or an intent requires.
type Feature uint32

const (
	// FeatureSecureCore marks a secure-core (two hop) server.
	FeatureSecureCore = Feature(1 << iota)

	// FeatureTor marks a server routing exit traffic through Tor.
	FeatureTor

	// FeatureP2P marks a server allowing peer-to-peer traffic.
	FeatureP2P

	// FeatureStreaming marks a server optimized for streaming.
	FeatureStreaming

	// FeatureIPv6 marks a server with IPv6 support.
	FeatureIPv6
)

// HasAll returns whether f contains every feature in required.
func (f Feature) HasAll(required Feature) bool {
	return f&required == required
}

// EndpointOverride is a per-transport override of the server entry point.
// Some servers expose an alternate entry IP or a restricted port set for
// a specific transport.
type EndpointOverride struct {
	// IP is the alternate entry IP. Empty means use the server default.
	IP string

	// Ports is the restricted port set. Empty means use the defaults.
	Ports []int
}

// ServerRecord describes a single server in the directory. Records are
// owned by the directory and are read-only to the connection core.
type ServerRecord struct {
	// ID uniquely identifies the server.
	ID string

	// Name is the human facing name, e.g. "CH#12".
	Name string

	// EntryCountry is the country code where traffic enters.
	EntryCountry string

	// ExitCountry is the country code where traffic exits. For
	// ordinary servers it equals EntryCountry.
	ExitCountry string

	// City is the city where the exit is located.
	City string

	// Tier is the minimum account tier required to use this server.
	Tier int

	// Features is the feature bit set of this server.
	Features Feature

	// EntryIP is the default entry IP address.
	EntryIP string

	// Load is the load score; lower is less loaded.
	Load int

	// UnderMaintenance reports whether the server is out of rotation.
	UnderMaintenance bool

	// Supported is the set of transports this server accepts.
	Supported TransportMask

	// Overrides maps a transport to its endpoint override, if any.
	Overrides map[Transport]*EndpointOverride
}

// SupportsAny returns whether the server accepts at least one of the
// transports in the given mask.
func (r *ServerRecord) SupportsAny(mask TransportMask) bool {
	return r.Supported.Overlaps(mask)
}

// SelectedServer is a server record plus the concrete entry point chosen
// by the transport negotiator. It is consumed once to build a tunnel
// configuration and discarded on disconnect.
type SelectedServer struct {
	// Server is the chosen server record.
	Server ServerRecord

	// EntryIP is the entry IP to dial, after applying overrides.
	EntryIP string

	// Candidate is the winning transport candidate.
	Candidate TransportCandidate
}
