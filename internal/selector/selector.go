// Package selector implements server selection: a pure query over the
// server directory that maps a connection intent to a concrete server
// record or a typed unavailability reason.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/helixvpn/connect/internal/directory"
	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/optional"
)

// ErrNoServerFound means no server matched the intent at all.
var ErrNoServerFound = errors.New("selector: no server found")

// ServerType is the coarse category of servers an intent targets.
type ServerType int

const (
	// TypeStandard is an ordinary single-hop server.
	TypeStandard = ServerType(iota)

	// TypeSecureCore is a two-hop secure-core server.
	TypeSecureCore

	// TypeP2P is a peer-to-peer enabled server.
	TypeP2P

	// TypeTor is a Tor exit server.
	TypeTor
)

// String implements fmt.Stringer.
func (t ServerType) String() string {
	switch t {
	case TypeStandard:
		return "standard"
	case TypeSecureCore:
		return "secure-core"
	case TypeP2P:
		return "p2p"
	case TypeTor:
		return "tor"
	default:
		return "unknown"
	}
}

// UnavailableReason says why matching servers cannot be used.
type UnavailableReason int

const (
	// ReasonMaintenance means every matching server is under maintenance.
	ReasonMaintenance = UnavailableReason(iota)

	// ReasonTierTooLow means the account tier is below every matching
	// server's minimum tier: connecting requires an upgrade.
	ReasonTierTooLow

	// ReasonCountryNotFound means the requested country has no servers.
	ReasonCountryNotFound

	// ReasonProtocolNotSupported means no matching server accepts any
	// of the enabled transports.
	ReasonProtocolNotSupported
)

// String implements fmt.Stringer.
func (r UnavailableReason) String() string {
	switch r {
	case ReasonMaintenance:
		return "maintenance"
	case ReasonTierTooLow:
		return "tier too low"
	case ReasonCountryNotFound:
		return "country not found"
	case ReasonProtocolNotSupported:
		return "protocol not supported"
	default:
		return "unknown"
	}
}

// ResolutionUnavailableError reports that servers matching the intent
// exist (or the location itself is unknown) but none can be used.
type ResolutionUnavailableError struct {
	// ForSpecificCountry is true when the intent named a country.
	ForSpecificCountry bool

	// Type is the server category the intent targeted.
	Type ServerType

	// Reason says why resolution failed.
	Reason UnavailableReason
}

// Error implements error.
func (e *ResolutionUnavailableError) Error() string {
	return fmt.Sprintf("selector: resolution unavailable: %s (%s)", e.Reason, e.Type)
}

// randIntn allows tests to make random selection deterministic.
var randIntn = rand.Intn

// Selector resolves connection intents against a directory. Selection is
// a pure query: it never mutates the directory or any shared state.
type Selector struct {
	dir directory.Directory
}

// New creates a new [Selector] reading from the given directory.
func New(dir directory.Directory) *Selector {
	return &Selector{dir: dir}
}

// Select maps the intent to a server record. The caller passes the
// account tier and the set of transports the client can use; servers
// that fail either constraint are reported through a typed
// [ResolutionUnavailableError] rather than silently skipped when no
// alternative exists.
func (s *Selector) Select(ctx context.Context, intent model.ConnectionIntent, userTier int, supported model.TransportMask) (*model.ServerRecord, error) {
	serverType := typeForIntent(intent)

	if intent.Location == model.LocationSecureCore && intent.SecureCore == model.SecureCoreHop {
		return s.selectSecureCoreHop(ctx, intent, userTier, supported)
	}

	filters := filtersForIntent(intent)
	return s.pick(ctx, filters, intent, serverType, userTier, supported)
}

// selectSecureCoreHop resolves Hop(to, via). When no record has the
// requested entry/exit pair we degrade to FastestHop(to); we never
// substitute a different via country silently.
func (s *Selector) selectSecureCoreHop(ctx context.Context, intent model.ConnectionIntent, userTier int, supported model.TransportMask) (*model.ServerRecord, error) {
	filters := &directory.Filters{
		EntryCountry:     intent.HopVia,
		ExitCountry:      intent.HopTo,
		RequiredFeatures: intent.Features | model.FeatureSecureCore,
	}
	records, err := s.dir.Query(ctx, filters, directory.OrderByLoad)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		fallback := model.SecureCoreIntent(model.SecureCoreFastestHop, intent.HopTo)
		return s.Select(ctx, fallback, userTier, supported)
	}
	return chooseEligible(records, intent, TypeSecureCore, userTier, supported, true)
}

func (s *Selector) pick(ctx context.Context, filters *directory.Filters, intent model.ConnectionIntent, serverType ServerType, userTier int, supported model.TransportMask) (*model.ServerRecord, error) {
	records, err := s.dir.Query(ctx, filters, directory.OrderByLoad)
	if err != nil {
		return nil, err
	}
	forCountry := filters.ExitCountry != ""
	if len(records) == 0 {
		if forCountry {
			return nil, &ResolutionUnavailableError{
				ForSpecificCountry: true,
				Type:               serverType,
				Reason:             ReasonCountryNotFound,
			}
		}
		return nil, ErrNoServerFound
	}
	return chooseEligible(records, intent, serverType, userTier, supported, forCountry)
}

// chooseEligible picks the best eligible record, or derives the most
// specific unavailability reason when none is eligible. Records arrive
// ordered by ascending load with id tie-break, so the first eligible
// record is the winner for non-random intents.
func chooseEligible(records []model.ServerRecord, intent model.ConnectionIntent, serverType ServerType, userTier int, supported model.TransportMask, forCountry bool) (*model.ServerRecord, error) {
	var eligible []model.ServerRecord
	var inService, withinTier int
	for _, rec := range records {
		if rec.UnderMaintenance {
			continue
		}
		inService++
		if rec.Tier > userTier {
			continue
		}
		withinTier++
		if !rec.SupportsAny(supported) {
			continue
		}
		eligible = append(eligible, rec)
	}
	if len(eligible) == 0 {
		reason := ReasonMaintenance
		if inService > 0 {
			reason = ReasonTierTooLow
			if withinTier > 0 {
				reason = ReasonProtocolNotSupported
			}
		}
		return nil, &ResolutionUnavailableError{
			ForSpecificCountry: forCountry,
			Type:               serverType,
			Reason:             reason,
		}
	}
	if wantsRandom(intent) {
		rec := eligible[randIntn(len(eligible))]
		return &rec, nil
	}
	rec := eligible[0]
	return &rec, nil
}

func wantsRandom(intent model.ConnectionIntent) bool {
	if intent.Location == model.LocationRandom {
		return true
	}
	return intent.Location == model.LocationSecureCore && intent.SecureCore == model.SecureCoreRandom
}

func typeForIntent(intent model.ConnectionIntent) ServerType {
	if intent.Location == model.LocationSecureCore {
		return TypeSecureCore
	}
	if intent.Features.HasAll(model.FeatureP2P) {
		return TypeP2P
	}
	if intent.Features.HasAll(model.FeatureTor) {
		return TypeTor
	}
	return TypeStandard
}

func filtersForIntent(intent model.ConnectionIntent) *directory.Filters {
	filters := &directory.Filters{RequiredFeatures: intent.Features}
	switch intent.Location {
	case model.LocationRegion:
		filters.ExitCountry = intent.Region
	case model.LocationExact:
		filters.ExitCountry = intent.Region
		if intent.ServerNumber > 0 {
			filters.Name = fmt.Sprintf("%s#%d", intent.Region, intent.ServerNumber)
		} else if intent.City != "" {
			filters.City = intent.City
		}
		if intent.Tier > 0 {
			filters.MaxTier = optional.Some(intent.Tier)
		}
	case model.LocationSecureCore:
		filters.RequiredFeatures |= model.FeatureSecureCore
		switch intent.SecureCore {
		case model.SecureCoreFastestHop:
			filters.ExitCountry = intent.HopTo
		case model.SecureCoreFastest, model.SecureCoreRandom:
			// no location restriction
		}
	}
	// single-hop intents must not land on a secure-core server
	if intent.Location != model.LocationSecureCore && !intent.Features.HasAll(model.FeatureSecureCore) {
		filters.ExcludedFeatures = model.FeatureSecureCore
	}
	return filters
}
