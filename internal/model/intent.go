package model

import (
	"fmt"

	"github.com/helixvpn/connect/internal/optional"
)

// LocationKind says which destination the user asked for.
type LocationKind int

const (
	// LocationFastest connects to the fastest server available.
	LocationFastest = LocationKind(iota)

	// LocationRandom connects to a random eligible server.
	LocationRandom

	// LocationRegion connects to the fastest server in a region.
	LocationRegion

	// LocationExact connects to a specific server or city.
	LocationExact

	// LocationSecureCore connects through a secure-core hop.
	LocationSecureCore
)

// SecureCoreKind refines a secure-core destination.
type SecureCoreKind int

const (
	// SecureCoreFastest picks the fastest secure-core server.
	SecureCoreFastest = SecureCoreKind(iota)

	// SecureCoreRandom picks a random secure-core server.
	SecureCoreRandom

	// SecureCoreFastestHop picks the fastest hop exiting in a country.
	SecureCoreFastestHop

	// SecureCoreHop picks a specific entry/exit country pair.
	SecureCoreHop
)

// ConnectionIntent is the user's declarative connection request. It is an
// immutable value: it is never mutated, only replaced.
type ConnectionIntent struct {
	// Location says which destination was requested.
	Location LocationKind

	// Region is the region code for LocationRegion and LocationExact.
	Region string

	// City is the optional subregion for LocationExact.
	City string

	// ServerNumber is the optional server number for LocationExact
	// (zero means unset).
	ServerNumber int

	// Tier is the requested server tier for LocationExact (zero means
	// any tier within the account's reach).
	Tier int

	// SecureCore refines LocationSecureCore.
	SecureCore SecureCoreKind

	// HopTo is the exit country for secure-core hops.
	HopTo string

	// HopVia is the entry country for SecureCoreHop.
	HopVia string

	// Features is the set of features the connection must have.
	Features Feature

	// Profile references the saved profile this intent was created
	// from, when any.
	Profile optional.Value[string]
}

// FastestIntent returns an intent for the fastest server anywhere.
func FastestIntent() ConnectionIntent {
	return ConnectionIntent{Location: LocationFastest, Profile: optional.None[string]()}
}

// RandomIntent returns an intent for a random server.
func RandomIntent() ConnectionIntent {
	return ConnectionIntent{Location: LocationRandom, Profile: optional.None[string]()}
}

// RegionIntent returns an intent for the fastest server in a region.
func RegionIntent(code string) ConnectionIntent {
	return ConnectionIntent{Location: LocationRegion, Region: code, Profile: optional.None[string]()}
}

// ExactIntent returns an intent for a specific server or city.
func ExactIntent(region string, number int, city string, tier int) ConnectionIntent {
	return ConnectionIntent{
		Location:     LocationExact,
		Region:       region,
		ServerNumber: number,
		City:         city,
		Tier:         tier,
		Profile:      optional.None[string](),
	}
}

// SecureCoreIntent returns a secure-core intent without a fixed hop.
func SecureCoreIntent(kind SecureCoreKind, to string) ConnectionIntent {
	return ConnectionIntent{
		Location:   LocationSecureCore,
		SecureCore: kind,
		HopTo:      to,
		Features:   FeatureSecureCore,
		Profile:    optional.None[string](),
	}
}

// SecureCoreHopIntent returns a secure-core intent entering at via and
// exiting at to.
func SecureCoreHopIntent(to, via string) ConnectionIntent {
	return ConnectionIntent{
		Location:   LocationSecureCore,
		SecureCore: SecureCoreHop,
		HopTo:      to,
		HopVia:     via,
		Features:   FeatureSecureCore,
		Profile:    optional.None[string](),
	}
}

// WithFeatures returns a copy of the intent with extra required features.
func (in ConnectionIntent) WithFeatures(features Feature) ConnectionIntent {
	in.Features |= features
	return in
}

// String implements fmt.Stringer.
func (in ConnectionIntent) String() string {
	switch in.Location {
	case LocationFastest:
		return "fastest"
	case LocationRandom:
		return "random"
	case LocationRegion:
		return fmt.Sprintf("region(%s)", in.Region)
	case LocationExact:
		if in.ServerNumber > 0 {
			return fmt.Sprintf("exact(%s#%d)", in.Region, in.ServerNumber)
		}
		return fmt.Sprintf("exact(%s/%s)", in.Region, in.City)
	case LocationSecureCore:
		switch in.SecureCore {
		case SecureCoreFastest:
			return "secure-core(fastest)"
		case SecureCoreRandom:
			return "secure-core(random)"
		case SecureCoreFastestHop:
			return fmt.Sprintf("secure-core(fastest-hop to %s)", in.HopTo)
		default:
			return fmt.Sprintf("secure-core(%s via %s)", in.HopTo, in.HopVia)
		}
	default:
		return "invalid"
	}
}
