package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "configs")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestConfigManagerParsing(t *testing.T) {
	path := writeTestConfig(t, `# comment
api_port = 9000
comfyui_url=http://10.0.0.2:8188
empty_value =
upload_max_size = 2mb
job_retention = 90s
api_auth_enabled = yes
input_download_hosts = a.example.com, b.example.com ,
`)
	cm := NewConfigManager(path)

	if got := cm.GetConfigWithDefault("api_port", "1"); got != "9000" {
		t.Errorf("Expected api_port 9000, got %s", got)
	}
	if _, ok := cm.GetConfig("# comment"); ok {
		t.Error("Comment line should not produce a key")
	}
	if got := cm.GetConfigWithDefault("empty_value", "fallback"); got != "fallback" {
		t.Errorf("Expected empty value to fall back, got %s", got)
	}
	if got := cm.GetConfigBytes("upload_max_size", 0); got != 2*1024*1024 {
		t.Errorf("Expected 2MB, got %d", got)
	}
	if got := cm.GetConfigDuration("job_retention", time.Hour); got != 90*time.Second {
		t.Errorf("Expected 90s, got %v", got)
	}
	if !cm.GetConfigBool("api_auth_enabled", false) {
		t.Error("Expected api_auth_enabled to be true")
	}
	hosts := cm.GetConfigSlice("input_download_hosts", nil)
	if len(hosts) != 2 || hosts[0] != "a.example.com" || hosts[1] != "b.example.com" {
		t.Errorf("Unexpected hosts: %v", hosts)
	}
	if got := cm.GetConfigInt("api_port", 1, 1, 100); got != 1 {
		t.Errorf("Expected out-of-range value to fall back to 1, got %d", got)
	}
	if cm.Path() != path {
		t.Errorf("Expected path %s, got %s", path, cm.Path())
	}
}

func TestConfigManagerEnvOverride(t *testing.T) {
	t.Setenv("MACHINE_ID", "machine-from-env")
	path := writeTestConfig(t, "machine_id = machine-from-file\n")

	cm := NewConfigManager(path)
	if got := cm.GetConfigWithDefault("machine_id", ""); got != "machine-from-env" {
		t.Errorf("Expected env override, got %s", got)
	}
}

func TestConfigManagerReload(t *testing.T) {
	path := writeTestConfig(t, "log_level = info\n")
	cm := NewConfigManager(path)
	cm.SetConfig("log_level", "debug")

	if err := os.WriteFile(path, []byte("log_level = warn\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	if err := cm.ReloadConfig(); err != nil {
		t.Fatalf("ReloadConfig failed: %v", err)
	}
	if got := cm.GetConfigWithDefault("log_level", ""); got != "warn" {
		t.Errorf("Expected reloaded value warn, got %s", got)
	}
}

func TestConfigManagerFromMap(t *testing.T) {
	cm := NewConfigManagerFromMap(map[string]string{"execution_slots": "2"})

	if got := cm.GetConfigInt("execution_slots", 1, 1, 8); got != 2 {
		t.Errorf("Expected override 2, got %d", got)
	}
	if got := cm.GetConfigWithDefault("tunnel_binary", ""); got != "cloudflared" {
		t.Errorf("Expected embedded default cloudflared, got %q", got)
	}
	if err := cm.ReloadConfig(); err == nil {
		t.Error("Expected reload of in-memory config to fail")
	}
}

func TestComfyPort(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   int
	}{
		{"explicit port", map[string]string{"tunnel_target_port": "7000"}, 7000},
		{"from comfyui url", map[string]string{"comfyui_url": "http://127.0.0.1:8288"}, 8288},
		{"default", map[string]string{"comfyui_url": "http://localhost"}, 8188},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComfyPort(NewConfigManagerFromMap(tt.values)); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}
