package dependencies

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

func TestCheck(t *testing.T) {
	cm := utils.NewConfigManagerFromMap(map[string]string{
		"tunnel_binary": "/opt/bin/cloudflared",
		"pip_command":   "'/usr/local/bin/python3.11' -m pip",
	})
	dm := NewDependencyManager(cm, utils.NewDiscardLogsManager())

	var looked []string
	dm.lookPath = func(binary string) (string, error) {
		looked = append(looked, binary)
		if binary == "docker" {
			return "", errors.New("not found")
		}
		return "/found/" + binary, nil
	}
	dm.version = func(ctx context.Context, path string) string { return "v1 " + path }

	statuses := dm.Check(context.Background())
	if len(statuses) != 4 {
		t.Fatalf("expected 4 statuses, got %d", len(statuses))
	}
	if strings.Join(looked, ",") != "/opt/bin/cloudflared,git,/usr/local/bin/python3.11,docker" {
		t.Errorf("unexpected lookups %v", looked)
	}
	if !statuses[0].Found || !statuses[0].Required || statuses[0].Version != "v1 /found//opt/bin/cloudflared" {
		t.Errorf("unexpected cloudflared status %+v", statuses[0])
	}
	if statuses[3].Found || statuses[3].Path != "" {
		t.Errorf("docker should be missing: %+v", statuses[3])
	}

	missing := dm.GetMissingDependencies(context.Background())
	if len(missing) != 1 || missing[0] != "docker" {
		t.Errorf("missing = %v", missing)
	}

	if !dm.CheckDependencies(context.Background()) {
		t.Errorf("optional dependencies should not fail the check")
	}

	dm.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if dm.CheckDependencies(context.Background()) {
		t.Errorf("missing cloudflared should fail the check")
	}
}
