// Package keychain stores management endpoint passwords outside the config
// file.
//
// On macOS secrets live in the login Keychain as generic passwords under the
// service "com.modharness", one account per key (e.g. "karaf/admin"), never
// synchronised to iCloud. Elsewhere an in-memory store stands in.
package keychain

import "errors"

// ErrNotFound is returned when a secret does not exist in the store.
var ErrNotFound = errors.New("secret not found")

// Store is the interface for secret storage operations.
type Store interface {
	Set(key, value string) error
	Get(key string) (string, error)
	List() ([]string, error)
	Delete(key string) error
}
