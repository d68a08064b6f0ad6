package credentials

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is the client key pair the certificate signs. WireGuard-style
// curve25519 keys.
type KeyPair struct {
	// Private is the private key.
	Private [32]byte

	// Public is the corresponding public key.
	Public [32]byte
}

// randomFn allows tests to inject deterministic key material.
var randomFn = rand.Read

// NewKeyPair generates a fresh key pair.
func NewKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := randomFn(kp.Private[:]); err != nil {
		return nil, err
	}
	// clamp per curve25519 convention
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64
	public, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], public)
	return kp, nil
}
