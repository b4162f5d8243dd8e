package keychain

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
)

// EnvPrefix names environment variables that stand in for keychain entries
// where no system keychain exists: MODHARNESS_SECRET_RUNTIME_ADMIN answers
// for the key "runtime/admin". CI jobs inject credentials this way.
const EnvPrefix = "MODHARNESS_SECRET_"

// EnvVar returns the environment variable consulted for key.
func EnvVar(key string) string {
	return EnvPrefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, key)
}

// MemoryStore keeps secrets in process memory, optionally falling back to
// the environment for keys it was never given.
type MemoryStore struct {
	mu        sync.Mutex
	secrets   map[string]string
	lookupEnv func(string) (string, bool)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

// NewEnvStore returns a MemoryStore that resolves unknown keys from
// EnvVar(key).
func NewEnvStore() *MemoryStore {
	s := NewMemoryStore()
	s.lookupEnv = os.LookupEnv
	return s
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = value
	return nil
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.Lock()
	val, ok := s.secrets[key]
	s.mu.Unlock()
	if ok {
		return val, nil
	}
	if s.lookupEnv != nil {
		if val, ok := s.lookupEnv(EnvVar(key)); ok {
			return val, nil
		}
		return "", fmt.Errorf("%w: %s (set %s)", ErrNotFound, key, EnvVar(key))
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// List returns the keys set on this store. Environment fallbacks are not
// enumerated.
func (s *MemoryStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.secrets)), nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, key)
	return nil
}
