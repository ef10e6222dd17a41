package utils

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// SettingsStore is the persistent fallback used when no OS keyring is available
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key string, value string) error
	DeleteSetting(key string) error
}

// SecretStore keeps secrets in the OS keyring, falling back to the settings store on
// headless hosts without a keyring daemon.
type SecretStore struct {
	service  string
	fallback SettingsStore
	logger   *LogsManager
}

func NewSecretStore(service string, fallback SettingsStore, logger *LogsManager) *SecretStore {
	if service == "" {
		service = defaultAppName
	}
	return &SecretStore{
		service:  service,
		fallback: fallback,
		logger:   logger,
	}
}

func (s *SecretStore) fallbackKey(key string) string {
	return "secret." + key
}

// Get returns the secret or an empty string when it was never stored
func (s *SecretStore) Get(key string) (string, error) {
	value, err := keyring.Get(s.service, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		s.logger.Debug(fmt.Sprintf("Keyring unavailable for %s, using settings store: %v", key, err), "secrets")
	}
	if s.fallback == nil {
		return "", nil
	}
	return s.fallback.GetSetting(s.fallbackKey(key))
}

func (s *SecretStore) Set(key, value string) error {
	if err := keyring.Set(s.service, key, value); err == nil {
		return nil
	} else if s.fallback == nil {
		return fmt.Errorf("failed to store secret %s: %w", key, err)
	} else {
		s.logger.Warn(fmt.Sprintf("Keyring unavailable, storing %s in settings store: %v", key, err), "secrets")
	}
	return s.fallback.SetSetting(s.fallbackKey(key), value)
}

func (s *SecretStore) Delete(key string) error {
	err := keyring.Delete(s.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) && s.fallback == nil {
		return fmt.Errorf("failed to delete secret %s: %w", key, err)
	}
	if s.fallback != nil {
		return s.fallback.DeleteSetting(s.fallbackKey(key))
	}
	return nil
}
