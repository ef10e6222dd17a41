package utils

import (
	"testing"

	"github.com/zalando/go-keyring"
)

type memorySettings map[string]string

func (m memorySettings) GetSetting(key string) (string, error) { return m[key], nil }
func (m memorySettings) SetSetting(key, value string) error    { m[key] = value; return nil }
func (m memorySettings) DeleteSetting(key string) error        { delete(m, key); return nil }

func TestSecretStoreKeyring(t *testing.T) {
	keyring.MockInit()
	settings := memorySettings{}
	store := NewSecretStore("comfy-deploy-test", settings, NewDiscardLogsManager())

	if got, err := store.Get("backend_token"); err != nil || got != "" {
		t.Fatalf("Expected empty secret, got %q (%v)", got, err)
	}
	if err := store.Set("backend_token", "tok-123"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, _ := store.Get("backend_token"); got != "tok-123" {
		t.Errorf("Expected tok-123, got %q", got)
	}
	if len(settings) != 0 {
		t.Errorf("Keyring available, settings store should stay empty: %v", settings)
	}
	if err := store.Delete("backend_token"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, _ := store.Get("backend_token"); got != "" {
		t.Errorf("Expected secret to be deleted, got %q", got)
	}
}
