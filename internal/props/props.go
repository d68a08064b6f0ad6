// Package props persists small connection properties across runs: the
// last successful configuration per protocol family, the last intent,
// and whether the user disconnected on purpose.
package props

import (
	"errors"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNoSuchKey means the store holds no value for the key.
var ErrNoSuchKey = errors.New("props: no such key")

// KeyValueStore persists string properties by key.
type KeyValueStore interface {
	// Get returns the value for key or [ErrNoSuchKey].
	Get(key string) (string, error)

	// Set stores value under key.
	Set(key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// FileStore is a [KeyValueStore] backed by a single YAML file.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

var _ KeyValueStore = &FileStore{}

// OpenFileStore opens (or creates) the store at path.
func OpenFileStore(path string) (*FileStore, error) {
	store := &FileStore{
		path:   path,
		values: map[string]string{},
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &store.values); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		// fresh store
	default:
		return nil, err
	}
	return store, nil
}

// Get implements [KeyValueStore].
func (fs *FileStore) Get(key string) (string, error) {
	defer fs.mu.Unlock()
	fs.mu.Lock()
	value, found := fs.values[key]
	if !found {
		return "", ErrNoSuchKey
	}
	return value, nil
}

// Set implements [KeyValueStore].
func (fs *FileStore) Set(key, value string) error {
	defer fs.mu.Unlock()
	fs.mu.Lock()
	fs.values[key] = value
	return fs.persistLocked()
}

// Delete implements [KeyValueStore].
func (fs *FileStore) Delete(key string) error {
	defer fs.mu.Unlock()
	fs.mu.Lock()
	if _, found := fs.values[key]; !found {
		return nil
	}
	delete(fs.values, key)
	return fs.persistLocked()
}

func (fs *FileStore) persistLocked() error {
	data, err := yaml.Marshal(fs.values)
	if err != nil {
		return err
	}
	return os.WriteFile(fs.path, data, 0600)
}

// MemoryStore is an in-memory [KeyValueStore] for tests.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

var _ KeyValueStore = &MemoryStore{}

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

// Get implements [KeyValueStore].
func (ms *MemoryStore) Get(key string) (string, error) {
	defer ms.mu.Unlock()
	ms.mu.Lock()
	value, found := ms.values[key]
	if !found {
		return "", ErrNoSuchKey
	}
	return value, nil
}

// Set implements [KeyValueStore].
func (ms *MemoryStore) Set(key, value string) error {
	defer ms.mu.Unlock()
	ms.mu.Lock()
	ms.values[key] = value
	return nil
}

// Delete implements [KeyValueStore].
func (ms *MemoryStore) Delete(key string) error {
	defer ms.mu.Unlock()
	ms.mu.Lock()
	delete(ms.values, key)
	return nil
}
