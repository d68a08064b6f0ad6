// Package directory implements the server directory: a queryable store of
// server records supporting filter and order queries. The connection core
// only reads from the directory; writes happen through the sync layer.
package directory

import (
	"context"

	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/optional"
)

// Filters restricts a directory query. The zero value matches everything.
type Filters struct {
	// ExitCountry matches the exit country code when non-empty.
	ExitCountry string

	// EntryCountry matches the entry country code when non-empty.
	EntryCountry string

	// City matches the city when non-empty.
	City string

	// Name matches the exact server name when non-empty.
	Name string

	// MaxTier keeps servers whose tier is less than or equal.
	MaxTier optional.Value[int]

	// RequiredFeatures keeps servers having all these features.
	RequiredFeatures model.Feature

	// ExcludedFeatures drops servers having any of these features.
	ExcludedFeatures model.Feature

	// NotUnderMaintenance drops servers that are out of rotation.
	NotUnderMaintenance bool

	// SupportsAny keeps servers accepting at least one transport in
	// the mask. Zero means no protocol filtering.
	SupportsAny model.TransportMask
}

// Ordering says how query results are ordered.
type Ordering int

const (
	// OrderNone applies no ordering.
	OrderNone = Ordering(iota)

	// OrderByLoad orders by ascending load score, ties broken by
	// record id so selection stays reproducible.
	OrderByLoad

	// OrderByID orders by record id.
	OrderByID
)

// Directory is the read-only view of the server directory consumed by
// the connection core. It is safe for concurrent queries.
type Directory interface {
	// Query returns the records matching the filters in the given order.
	Query(ctx context.Context, filters *Filters, order Ordering) ([]model.ServerRecord, error)

	// IsEmpty reports whether the directory holds no records at all.
	IsEmpty(ctx context.Context) (bool, error)
}
