package model

import "time"

// Credential is opaque client authentication material together with its
// validity window. A credential past expiry must never be handed to the
// tunnel provider.
type Credential struct {
	// Certificate is the signed client certificate (PEM).
	Certificate []byte

	// PublicKey is the client public key the certificate signs.
	PublicKey []byte

	// IssuedAt is when the credential was issued.
	IssuedAt time.Time

	// ExpiresAt is when the credential stops being valid.
	ExpiresAt time.Time
}

// Expired returns whether the credential is past expiry at the given time.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// TTL returns how long the credential remains valid from the given time.
// A non-positive duration means the credential already expired.
func (c *Credential) TTL(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Lifetime returns the total validity window of the credential.
func (c *Credential) Lifetime() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}
