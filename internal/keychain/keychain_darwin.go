//go:build darwin

package keychain

import (
	"errors"
	"fmt"

	gokeychain "github.com/keybase/go-keychain"
)

// ServiceName is the Keychain service attribute of every harness secret.
const ServiceName = "com.modharness"

// Persistent reports whether NewSystemStore survives process restarts.
const Persistent = true

// SystemStore keeps management passwords in the login Keychain as generic
// passwords, one account per key, local to this device.
type SystemStore struct {
	service string
}

func NewSystemStore() *SystemStore {
	return &SystemStore{service: ServiceName}
}

func (s *SystemStore) query(key string) gokeychain.Item {
	q := gokeychain.NewItem()
	q.SetSecClass(gokeychain.SecClassGenericPassword)
	q.SetService(s.service)
	q.SetAccount(key)
	return q
}

// Set adds the secret or replaces the stored value.
func (s *SystemStore) Set(key, value string) error {
	update := gokeychain.NewItem()
	update.SetData([]byte(value))
	err := gokeychain.UpdateItem(s.query(key), update)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("keychain update %q: %w", key, err)
	}

	item := s.query(key)
	item.SetLabel("modharness: " + key)
	item.SetData([]byte(value))
	item.SetSynchronizable(gokeychain.SynchronizableNo)
	item.SetAccessible(gokeychain.AccessibleWhenUnlockedThisDeviceOnly)
	if err := gokeychain.AddItem(item); err != nil {
		return fmt.Errorf("keychain add %q: %w", key, err)
	}
	return nil
}

func (s *SystemStore) Get(key string) (string, error) {
	q := s.query(key)
	q.SetMatchLimit(gokeychain.MatchLimitOne)
	q.SetReturnData(true)
	results, err := gokeychain.QueryItem(q)
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return "", fmt.Errorf("keychain get %q: %w", key, err)
	}
	if len(results) == 0 || len(results[0].Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return string(results[0].Data), nil
}

func (s *SystemStore) List() ([]string, error) {
	accounts, err := gokeychain.GetGenericPasswordAccounts(s.service)
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return nil, fmt.Errorf("keychain list: %w", err)
	}
	return accounts, nil
}

// Delete removes the secret. A missing key is not an error.
func (s *SystemStore) Delete(key string) error {
	err := gokeychain.DeleteItem(s.query(key))
	if err != nil && !errors.Is(err, gokeychain.ErrorItemNotFound) {
		return fmt.Errorf("keychain delete %q: %w", key, err)
	}
	return nil
}
