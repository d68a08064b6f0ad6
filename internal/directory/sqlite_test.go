package directory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/optional"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "servers.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecords() []model.ServerRecord {
	return []model.ServerRecord{
		{
			ID:           "1",
			Name:         "CH#1",
			EntryCountry: "CH",
			ExitCountry:  "CH",
			City:         "Zurich",
			Tier:         0,
			EntryIP:      "192.0.2.1",
			Load:         50,
			Supported:    model.AllTransportsMask,
		},
		{
			ID:           "2",
			Name:         "CH#2",
			EntryCountry: "CH",
			ExitCountry:  "CH",
			City:         "Geneva",
			Tier:         2,
			EntryIP:      "192.0.2.2",
			Load:         10,
			Supported:    model.MaskOf(model.TransportWireGuardUDP),
			Overrides: map[model.Transport]*model.EndpointOverride{
				model.TransportWireGuardUDP: {IP: "198.51.100.9", Ports: []int{4500, 88}},
			},
		},
		{
			ID:               "3",
			Name:             "IS-CH#1",
			EntryCountry:     "IS",
			ExitCountry:      "CH",
			Tier:             2,
			Features:         model.FeatureSecureCore,
			EntryIP:          "192.0.2.3",
			Load:             30,
			UnderMaintenance: true,
			Supported:        model.AllTransportsMask,
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	empty, err := store.IsEmpty(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Fatal("fresh store should be empty")
	}

	if err := store.Upsert(ctx, sampleRecords()); err != nil {
		t.Fatal(err)
	}
	got, err := store.Query(ctx, nil, OrderByID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sampleRecords(), got); diff != "" {
		t.Fatal(diff)
	}
}

func TestStoreUpsertReplaces(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	records := sampleRecords()
	if err := store.Upsert(ctx, records); err != nil {
		t.Fatal(err)
	}

	records[0].Load = 7
	records[0].Overrides = map[model.Transport]*model.EndpointOverride{
		model.TransportOpenVPNTCP: {Ports: []int{8443}},
	}
	if err := store.Upsert(ctx, records[:1]); err != nil {
		t.Fatal(err)
	}

	got, err := store.Query(ctx, &Filters{Name: "CH#1"}, OrderNone)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one record, got %d", len(got))
	}
	if diff := cmp.Diff(records[0], got[0]); diff != "" {
		t.Fatal(diff)
	}
}

func TestStoreQueryFilters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, sampleRecords()); err != nil {
		t.Fatal(err)
	}

	names := func(records []model.ServerRecord) []string {
		var out []string
		for _, rec := range records {
			out = append(out, rec.Name)
		}
		return out
	}

	tests := []struct {
		name    string
		filters *Filters
		order   Ordering
		want    []string
	}{{
		name:    "by exit country ordered by load",
		filters: &Filters{ExitCountry: "CH"},
		order:   OrderByLoad,
		want:    []string{"CH#2", "IS-CH#1", "CH#1"},
	}, {
		name:    "by entry country",
		filters: &Filters{EntryCountry: "IS"},
		want:    []string{"IS-CH#1"},
	}, {
		name:    "by city",
		filters: &Filters{City: "Geneva"},
		want:    []string{"CH#2"},
	}, {
		name:    "by max tier",
		filters: &Filters{MaxTier: optional.Some(0)},
		want:    []string{"CH#1"},
	}, {
		name:    "required features",
		filters: &Filters{RequiredFeatures: model.FeatureSecureCore},
		want:    []string{"IS-CH#1"},
	}, {
		name:    "excluded features",
		filters: &Filters{ExcludedFeatures: model.FeatureSecureCore},
		order:   OrderByID,
		want:    []string{"CH#1", "CH#2"},
	}, {
		name:    "not under maintenance",
		filters: &Filters{NotUnderMaintenance: true},
		order:   OrderByID,
		want:    []string{"CH#1", "CH#2"},
	}, {
		name:    "supports any",
		filters: &Filters{SupportsAny: model.MaskOf(model.TransportOpenVPNTCP), NotUnderMaintenance: true},
		want:    []string{"CH#1"},
	}, {
		name:    "no match",
		filters: &Filters{ExitCountry: "SE"},
		want:    nil,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Query(ctx, tt.filters, tt.order)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, names(got)); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestStoreSetMaintenance(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, sampleRecords()); err != nil {
		t.Fatal(err)
	}
	if err := store.SetMaintenance(ctx, "1", true); err != nil {
		t.Fatal(err)
	}
	got, err := store.Query(ctx, &Filters{NotUnderMaintenance: true}, OrderByID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "CH#2" {
		t.Fatalf("unexpected result: %+v", got)
	}
}
