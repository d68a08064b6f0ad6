package props

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/optional"
)

const (
	keyLastIntent                = "connection.last.intent"
	keyIntentionallyDisconnected = "connection.intentionally_disconnected"
)

func lastConfigurationKey(family model.Protocol) string {
	return fmt.Sprintf("connection.last.%s", family)
}

// LastConfiguration is the last configuration that successfully
// connected for a given protocol family.
type LastConfiguration struct {
	// ServerID identifies the server we connected to.
	ServerID string `yaml:"server_id"`

	// ServerName is the server's display name.
	ServerName string `yaml:"server_name"`

	// EntryIP is the endpoint address we dialed.
	EntryIP string `yaml:"entry_ip"`

	// Port is the endpoint port we dialed.
	Port int `yaml:"port"`

	// Transport is the transport we used.
	Transport model.Transport `yaml:"transport"`

	// ConnectedAt is when the tunnel came up.
	ConnectedAt time.Time `yaml:"connected_at"`
}

// storedIntent is the serialized form of [model.ConnectionIntent].
type storedIntent struct {
	Location     int     `yaml:"location"`
	Region       string  `yaml:"region,omitempty"`
	City         string  `yaml:"city,omitempty"`
	ServerNumber int     `yaml:"server_number,omitempty"`
	Tier         int     `yaml:"tier,omitempty"`
	SecureCore   int     `yaml:"secure_core,omitempty"`
	HopTo        string  `yaml:"hop_to,omitempty"`
	HopVia       string  `yaml:"hop_via,omitempty"`
	Features     int     `yaml:"features,omitempty"`
	Profile      *string `yaml:"profile,omitempty"`
}

// Manager exposes typed accessors over a [KeyValueStore].
type Manager struct {
	store KeyValueStore
}

// NewManager creates a [Manager] over the given store.
func NewManager(store KeyValueStore) *Manager {
	return &Manager{store: store}
}

// LastConfiguration returns the last successful configuration for the
// given protocol family, or [ErrNoSuchKey] when none was recorded.
func (m *Manager) LastConfiguration(family model.Protocol) (*LastConfiguration, error) {
	raw, err := m.store.Get(lastConfigurationKey(family))
	if err != nil {
		return nil, err
	}
	last := &LastConfiguration{}
	if err := yaml.Unmarshal([]byte(raw), last); err != nil {
		return nil, err
	}
	return last, nil
}

// SetLastConfiguration records the last successful configuration for
// its protocol family.
func (m *Manager) SetLastConfiguration(last *LastConfiguration) error {
	raw, err := yaml.Marshal(last)
	if err != nil {
		return err
	}
	return m.store.Set(lastConfigurationKey(last.Transport.Protocol()), string(raw))
}

// LastIntent returns the most recent connection intent, or
// [ErrNoSuchKey] when none was recorded.
func (m *Manager) LastIntent() (model.ConnectionIntent, error) {
	raw, err := m.store.Get(keyLastIntent)
	if err != nil {
		return model.ConnectionIntent{}, err
	}
	stored := storedIntent{}
	if err := yaml.Unmarshal([]byte(raw), &stored); err != nil {
		return model.ConnectionIntent{}, err
	}
	intent := model.ConnectionIntent{
		Location:     model.LocationKind(stored.Location),
		Region:       stored.Region,
		City:         stored.City,
		ServerNumber: stored.ServerNumber,
		Tier:         stored.Tier,
		SecureCore:   model.SecureCoreKind(stored.SecureCore),
		HopTo:        stored.HopTo,
		HopVia:       stored.HopVia,
		Features:     model.Feature(stored.Features),
		Profile:      optional.None[string](),
	}
	if stored.Profile != nil {
		intent.Profile = optional.Some(*stored.Profile)
	}
	return intent, nil
}

// SetLastIntent records the most recent connection intent.
func (m *Manager) SetLastIntent(intent model.ConnectionIntent) error {
	stored := storedIntent{
		Location:     int(intent.Location),
		Region:       intent.Region,
		City:         intent.City,
		ServerNumber: intent.ServerNumber,
		Tier:         intent.Tier,
		SecureCore:   int(intent.SecureCore),
		HopTo:        intent.HopTo,
		HopVia:       intent.HopVia,
		Features:     int(intent.Features),
	}
	if !intent.Profile.IsNone() {
		profile := intent.Profile.Unwrap()
		stored.Profile = &profile
	}
	raw, err := yaml.Marshal(stored)
	if err != nil {
		return err
	}
	return m.store.Set(keyLastIntent, string(raw))
}

// IntentionallyDisconnected returns whether the most recent disconnect
// was requested by the user. Missing means false.
func (m *Manager) IntentionallyDisconnected() bool {
	raw, err := m.store.Get(keyIntentionallyDisconnected)
	if err != nil {
		return false
	}
	return raw == "true"
}

// SetIntentionallyDisconnected records whether the most recent
// disconnect was requested by the user.
func (m *Manager) SetIntentionallyDisconnected(value bool) error {
	if !value {
		return m.store.Delete(keyIntentionallyDisconnected)
	}
	return m.store.Set(keyIntentionallyDisconnected, "true")
}

// HasLastConfiguration returns whether any protocol family has a
// recorded last configuration.
func (m *Manager) HasLastConfiguration() bool {
	for _, family := range []model.Protocol{model.ProtocolWireGuard, model.ProtocolOpenVPN, model.ProtocolIKEv2} {
		if _, err := m.LastConfiguration(family); err == nil {
			return true
		}
	}
	return false
}
