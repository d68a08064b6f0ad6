// Package config contains the options used to initialize the connection
// core.
package config

import (
	"time"

	"github.com/apex/log"

	"github.com/helixvpn/connect/internal/model"
	"github.com/helixvpn/connect/internal/optional"
)

// Config contains options to initialize the connection core.
type Config struct {
	// logger will be used to log events.
	logger model.Logger

	// account is the logged-in account identifier.
	account string

	// userTier is the account's server tier.
	userTier int

	// deviceName identifies this device in certificate requests.
	deviceName string

	// enabledTransports is the user's allowed transports.
	enabledTransports model.TransportMask

	// pinnedTransport, when set, forces a single transport.
	pinnedTransport optional.Value[model.Transport]

	// smartProtocol enables censorship-resistant candidate ordering.
	smartProtocol bool

	// prepareTimeout bounds a whole preparation attempt.
	prepareTimeout time.Duration

	// probeTimeout bounds a single availability probe.
	probeTimeout time.Duration

	// certDuration is the certificate validity window we request.
	certDuration time.Duration

	// tunnelErrorRetries is how many times a tunnel error is retried
	// automatically before surfacing an alert.
	tunnelErrorRetries int

	// stuckDisconnectRetries is how many times we force-remove a stale
	// configuration and retry when teardown hangs.
	stuckDisconnectRetries int
}

// NewConfig returns a Config ready to initialize the connection core.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		logger:                 log.Log,
		deviceName:             "go-connect",
		enabledTransports:      model.AllTransportsMask,
		pinnedTransport:        optional.None[model.Transport](),
		smartProtocol:          true,
		prepareTimeout:         30 * time.Second,
		probeTimeout:           3 * time.Second,
		certDuration:           24 * time.Hour,
		tunnelErrorRetries:     1,
		stuckDisconnectRetries: 1,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize the connection core.
type Option func(config *Config)

// WithLogger configures the passed [model.Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// WithAccount configures the logged-in account and its tier.
func WithAccount(account string, tier int) Option {
	return func(config *Config) {
		config.account = account
		config.userTier = tier
	}
}

// Account returns the configured account identifier.
func (c *Config) Account() string {
	return c.account
}

// UserTier returns the configured account tier.
func (c *Config) UserTier() int {
	return c.userTier
}

// WithDeviceName configures the device name used in certificate
// requests.
func WithDeviceName(name string) Option {
	return func(config *Config) {
		config.deviceName = name
	}
}

// DeviceName returns the configured device name.
func (c *Config) DeviceName() string {
	return c.deviceName
}

// WithEnabledTransports configures which transports the user allows.
func WithEnabledTransports(mask model.TransportMask) Option {
	return func(config *Config) {
		config.enabledTransports = mask
	}
}

// EnabledTransports returns the allowed transport mask.
func (c *Config) EnabledTransports() model.TransportMask {
	return c.enabledTransports
}

// WithPinnedTransport forces a single transport.
func WithPinnedTransport(transport model.Transport) Option {
	return func(config *Config) {
		config.pinnedTransport = optional.Some(transport)
	}
}

// PinnedTransport returns the pinned transport, when any.
func (c *Config) PinnedTransport() optional.Value[model.Transport] {
	return c.pinnedTransport
}

// WithSmartProtocol enables or disables smart candidate ordering.
func WithSmartProtocol(enabled bool) Option {
	return func(config *Config) {
		config.smartProtocol = enabled
	}
}

// SmartProtocol returns whether smart candidate ordering is enabled.
func (c *Config) SmartProtocol() bool {
	return c.smartProtocol
}

// WithPrepareTimeout bounds a whole preparation attempt.
func WithPrepareTimeout(timeout time.Duration) Option {
	return func(config *Config) {
		config.prepareTimeout = timeout
	}
}

// PrepareTimeout returns the preparation timeout.
func (c *Config) PrepareTimeout() time.Duration {
	return c.prepareTimeout
}

// WithProbeTimeout bounds a single availability probe.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(config *Config) {
		config.probeTimeout = timeout
	}
}

// ProbeTimeout returns the probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return c.probeTimeout
}

// WithCertDuration configures the requested certificate validity.
func WithCertDuration(duration time.Duration) Option {
	return func(config *Config) {
		config.certDuration = duration
	}
}

// CertDuration returns the requested certificate validity.
func (c *Config) CertDuration() time.Duration {
	return c.certDuration
}

// WithTunnelErrorRetries configures how many tunnel errors are retried
// automatically.
func WithTunnelErrorRetries(n int) Option {
	return func(config *Config) {
		config.tunnelErrorRetries = n
	}
}

// TunnelErrorRetries returns the automatic tunnel error retry count.
func (c *Config) TunnelErrorRetries() int {
	return c.tunnelErrorRetries
}

// WithStuckDisconnectRetries configures how many times a stuck teardown
// is recovered by force-removing the configuration.
func WithStuckDisconnectRetries(n int) Option {
	return func(config *Config) {
		config.stuckDisconnectRetries = n
	}
}

// StuckDisconnectRetries returns the stuck teardown retry count.
func (c *Config) StuckDisconnectRetries() int {
	return c.stuckDisconnectRetries
}
