package config

import (
	"fmt"

	"github.com/benaskins/modharness/internal/keychain"
)

// Resolve returns the username and password to present to the management
// endpoint, reading the password from store when Keychain is set.
func (c Credentials) Resolve(store keychain.Store) (string, string, error) {
	if c.Keychain == "" {
		return c.Username, c.Password, nil
	}
	if store == nil {
		return "", "", fmt.Errorf("credentials: keychain %q configured but no store available", c.Keychain)
	}
	password, err := store.Get(c.Keychain)
	if err != nil {
		return "", "", fmt.Errorf("credentials: %w", err)
	}
	return c.Username, password, nil
}
