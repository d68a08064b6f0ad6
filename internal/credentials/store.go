package credentials

import (
	"encoding/json"
	"errors"

	"github.com/zalando/go-keyring"

	"github.com/helixvpn/connect/internal/model"
)

// ErrNotFound means the store holds no such item.
var ErrNotFound = errors.New("credentials: not found")

// Store persists the credential and the client key pair. The stored
// credential is mutated only by the refresher under its single-flight
// lock.
type Store interface {
	// LoadCredential returns the stored credential or [ErrNotFound].
	LoadCredential() (*model.Credential, error)

	// SaveCredential stores the credential.
	SaveCredential(cred *model.Credential) error

	// LoadKeyPair returns the stored key pair or [ErrNotFound].
	LoadKeyPair() (*KeyPair, error)

	// SaveKeyPair stores the key pair.
	SaveKeyPair(keys *KeyPair) error

	// Clear removes everything.
	Clear() error
}

const (
	keyringCredential = "credential"
	keyringKeyPair    = "keypair"
)

// KeyringStore keeps credentials in the system keyring.
type KeyringStore struct {
	// Service is the keyring service name.
	Service string
}

var _ Store = &KeyringStore{}

// LoadCredential implements [Store].
func (s *KeyringStore) LoadCredential() (*model.Credential, error) {
	raw, err := keyring.Get(s.Service, keyringCredential)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cred := &model.Credential{}
	if err := json.Unmarshal([]byte(raw), cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// SaveCredential implements [Store].
func (s *KeyringStore) SaveCredential(cred *model.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return keyring.Set(s.Service, keyringCredential, string(raw))
}

// LoadKeyPair implements [Store].
func (s *KeyringStore) LoadKeyPair() (*KeyPair, error) {
	raw, err := keyring.Get(s.Service, keyringKeyPair)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	keys := &KeyPair{}
	if err := json.Unmarshal([]byte(raw), keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// SaveKeyPair implements [Store].
func (s *KeyringStore) SaveKeyPair(keys *KeyPair) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return keyring.Set(s.Service, keyringKeyPair, string(raw))
}

// Clear implements [Store].
func (s *KeyringStore) Clear() error {
	for _, key := range []string{keyringCredential, keyringKeyPair} {
		if err := keyring.Delete(s.Service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
	}
	return nil
}
