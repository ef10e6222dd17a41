package dependencies

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// Dependency is an external binary the gateway shells out to
type Dependency struct {
	Name     string
	Binary   string
	Purpose  string
	Required bool
}

// DependencyStatus is the result of checking one dependency
type DependencyStatus struct {
	Name     string `json:"name"`
	Binary   string `json:"binary"`
	Purpose  string `json:"purpose"`
	Required bool   `json:"required"`
	Found    bool   `json:"found"`
	Path     string `json:"path,omitempty"`
	Version  string `json:"version,omitempty"`
}

// DependencyManager checks the binaries used for tunnels, custom nodes and snapshots
type DependencyManager struct {
	deps     []Dependency
	lookPath func(string) (string, error)
	version  func(ctx context.Context, path string) string
	logger   *utils.LogsManager
}

func NewDependencyManager(config *utils.ConfigManager, logger *utils.LogsManager) *DependencyManager {
	python := "python"
	if pip, err := shlex.Split(config.GetConfigWithDefault("pip_command", "python -m pip")); err == nil && len(pip) > 0 {
		python = pip[0]
	}

	return &DependencyManager{
		deps: []Dependency{
			{Name: "cloudflared", Binary: config.GetConfigWithDefault("tunnel_binary", "cloudflared"), Purpose: "public tunnel", Required: true},
			{Name: "git", Binary: "git", Purpose: "custom node installs"},
			{Name: "python", Binary: python, Purpose: "custom node requirements"},
			{Name: "docker", Binary: "docker", Purpose: "environment snapshots"},
		},
		lookPath: exec.LookPath,
		version:  probeVersion,
		logger:   logger,
	}
}

// Check looks up every dependency on PATH
func (dm *DependencyManager) Check(ctx context.Context) []DependencyStatus {
	statuses := make([]DependencyStatus, 0, len(dm.deps))
	for _, dep := range dm.deps {
		status := DependencyStatus{Name: dep.Name, Binary: dep.Binary, Purpose: dep.Purpose, Required: dep.Required}
		if path, err := dm.lookPath(dep.Binary); err == nil {
			status.Found = true
			status.Path = path
			status.Version = dm.version(ctx, path)
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// GetMissingDependencies returns the names of dependencies not found on PATH
func (dm *DependencyManager) GetMissingDependencies(ctx context.Context) []string {
	missing := []string{}
	for _, status := range dm.Check(ctx) {
		if !status.Found {
			missing = append(missing, status.Name)
		}
	}
	return missing
}

// CheckDependencies prints a report and returns false when a required dependency is missing
func (dm *DependencyManager) CheckDependencies(ctx context.Context) bool {
	fmt.Println("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🔍 Checking dependencies...")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	ok := true
	var missing []string
	for _, status := range dm.Check(ctx) {
		if status.Found {
			fmt.Printf("✅ %-12s %s\n", status.Name, status.Version)
			continue
		}
		missing = append(missing, status.Name)
		if status.Required {
			ok = false
			fmt.Printf("❌ %-12s not found (needed for %s)\n", status.Name, status.Purpose)
		} else {
			fmt.Printf("⚠️  %-12s not found (%s will be unavailable)\n", status.Name, status.Purpose)
		}
	}

	if len(missing) > 0 {
		dm.logger.Warn(fmt.Sprintf("Missing dependencies: %s", strings.Join(missing, ", ")), "dependencies")
		fmt.Println("\nInstall manually:")
		dm.printInstallInstructions(missing)
	}
	return ok
}

func probeVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	return strings.TrimSpace(line)
}

func (dm *DependencyManager) printInstallInstructions(missing []string) {
	for _, name := range missing {
		switch name {
		case "cloudflared":
			switch runtime.GOOS {
			case "darwin":
				fmt.Println("    brew install cloudflared")
			case "windows":
				fmt.Println("    winget install --id Cloudflare.cloudflared")
			default:
				fmt.Println("    https://developers.cloudflare.com/cloudflare-one/connections/connect-networks/downloads/")
			}
		case "git":
			fmt.Println("    https://git-scm.com/downloads")
		case "python":
			fmt.Println("    https://www.python.org/downloads/ (or set pip_command)")
		case "docker":
			if runtime.GOOS == "linux" {
				fmt.Println("    sudo apt install -y docker.io")
			} else {
				fmt.Println("    https://www.docker.com/products/docker-desktop/")
			}
		}
	}
	fmt.Println()
}
