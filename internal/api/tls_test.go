package api

import (
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

func TestAPICertificates(t *testing.T) {
	dir := t.TempDir()
	paths := &utils.AppPaths{DataDir: dir}
	logger := utils.NewDiscardLogsManager()

	t.Run("generated once and reused", func(t *testing.T) {
		cm := utils.NewConfigManagerFromMap(map[string]string{"api_tls_hosts": "gpu-box.local,10.0.0.7"})

		first, err := loadOrGenerateAPICertificates(paths, cm, logger)
		if err != nil {
			t.Fatalf("Failed to generate certificate: %v", err)
		}
		leaf, err := x509.ParseCertificate(first.Certificate[0])
		if err != nil {
			t.Fatalf("Invalid certificate: %v", err)
		}
		if err := leaf.VerifyHostname("gpu-box.local"); err != nil {
			t.Errorf("Expected configured DNS name: %v", err)
		}
		if err := leaf.VerifyHostname("10.0.0.7"); err != nil {
			t.Errorf("Expected configured IP: %v", err)
		}
		if err := leaf.VerifyHostname("localhost"); err != nil {
			t.Errorf("Expected localhost: %v", err)
		}

		second, err := loadOrGenerateAPICertificates(paths, cm, logger)
		if err != nil {
			t.Fatalf("Failed to reload certificate: %v", err)
		}
		if string(second.Certificate[0]) != string(first.Certificate[0]) {
			t.Errorf("Expected the stored certificate to be reused")
		}
	})

	t.Run("configured pair", func(t *testing.T) {
		cm := utils.NewConfigManagerFromMap(map[string]string{
			"api_tls_cert": filepath.Join(dir, "api-cert.pem"),
			"api_tls_key":  filepath.Join(dir, "api-key.pem"),
		})
		if _, err := loadOrGenerateAPICertificates(&utils.AppPaths{DataDir: t.TempDir()}, cm, logger); err != nil {
			t.Errorf("Expected the configured pair to load: %v", err)
		}
	})

	t.Run("configured pair missing", func(t *testing.T) {
		cm := utils.NewConfigManagerFromMap(map[string]string{
			"api_tls_cert": filepath.Join(dir, "nope.pem"),
			"api_tls_key":  filepath.Join(dir, "nope-key.pem"),
		})
		if _, err := loadOrGenerateAPICertificates(paths, cm, logger); err == nil {
			t.Errorf("Expected an error for a missing configured pair")
		}
	})
}
