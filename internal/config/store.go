package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/99designs/keyring"
)

// ErrNotFound is returned by Store.Get for a record that was never set or
// has been erased.
var ErrNotFound = errors.New("config: record not found")

// Store persists opaque provisioning records by name.
type Store interface {
	Get(name string) ([]byte, error)
	Set(name string, data []byte) error
	Erase(name string) error
}

// keyringService namespaces records in the keyring.
const keyringService = "blesc"

// KeyringStore keeps records in an encrypted file keyring.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyringStore opens (creating if needed) the file keyring in dir,
// encrypted with passphrase.
func OpenKeyringStore(dir, passphrase string) (*KeyringStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("config: keystore dir must not be empty")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("config: keystore passphrase must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("config: creating keystore dir: %w", err)
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      keyringService,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          dir,
		FilePasswordFunc: keyring.FixedStringPrompt(passphrase),
	})
	if err != nil {
		return nil, fmt.Errorf("config: opening keystore: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// Get returns the record stored under name.
func (s *KeyringStore) Get(name string) ([]byte, error) {
	item, err := s.ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("config: get %s: %w", name, err)
	}
	return item.Data, nil
}

// Set stores data under name, replacing any previous record.
func (s *KeyringStore) Set(name string, data []byte) error {
	err := s.ring.Set(keyring.Item{
		Key:   name,
		Data:  slices.Clone(data),
		Label: "blesc " + name,
	})
	if err != nil {
		return fmt.Errorf("config: set %s: %w", name, err)
	}
	return nil
}

// Erase removes the record stored under name. Erasing a missing record is
// not an error.
func (s *KeyringStore) Erase(name string) error {
	err := s.ring.Remove(name)
	if err == nil || errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: erase %s: %w", name, err)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string][]byte)}
}

func (s *MemStore) Get(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return slices.Clone(data), nil
}

func (s *MemStore) Set(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = slices.Clone(data)
	return nil
}

func (s *MemStore) Erase(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	return nil
}

// Names lists the stored record names in order.
func (s *MemStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.records))
}

var (
	_ Store = (*KeyringStore)(nil)
	_ Store = (*MemStore)(nil)
)
