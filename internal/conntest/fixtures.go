package conntest

import (
	"context"

	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/smartprotocol"
)

// CheckerFunc adapts a function to [smartprotocol.AvailabilityChecker].
type CheckerFunc func(ctx context.Context, entryIP string, candidate model.TransportCandidate) error

// Check implements [smartprotocol.AvailabilityChecker].
func (f CheckerFunc) Check(ctx context.Context, entryIP string, candidate model.TransportCandidate) error {
	return f(ctx, entryIP, candidate)
}

var _ smartprotocol.AvailabilityChecker = CheckerFunc(nil)

// Server builds a server record with sensible defaults that individual
// tests override through the modifier.
func Server(id, name, country string, load int, modify func(*model.ServerRecord)) model.ServerRecord {
	record := model.ServerRecord{
		ID:           id,
		Name:         name,
		EntryCountry: country,
		ExitCountry:  country,
		Tier:         0,
		EntryIP:      "10.0.0.1",
		Load:         load,
		Supported:    model.AllTransportsMask,
	}
	if modify != nil {
		modify(&record)
	}
	return record
}
