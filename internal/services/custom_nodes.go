package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/google/shlex"
	"golang.org/x/crypto/ssh"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// ComfyUI's own dependencies. Requirements naming them are skipped when the package is
// already installed so a custom node cannot upgrade them underneath ComfyUI.
var protectedPackages = map[string]bool{
	"torch": true, "torchvision": true, "torchaudio": true, "numpy": true, "pillow": true,
	"opencv-python": true, "opencv-contrib-python": true, "transformers": true, "accelerate": true,
	"safetensors": true, "xformers": true, "einops": true, "diffusers": true, "compel": true,
	"tokenizers": true, "huggingface-hub": true, "scipy": true, "scikit-learn": true,
	"matplotlib": true, "requests": true, "aiohttp": true, "websockets": true,
}

var requirementName = regexp.MustCompile(`^([a-zA-Z0-9_.-]+)\s*(\[[^\]]*\])?\s*([<>=!~].*)?$`)

// CustomNode describes one directory under custom_nodes
type CustomNode struct {
	Name     string `json:"name" yaml:"name"`
	Remote   string `json:"remote,omitempty" yaml:"remote,omitempty"`
	Branch   string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
	IsGit    bool   `json:"is_git" yaml:"is_git"`
}

// InstallResult reports what happened to one requested custom node
type InstallResult struct {
	URL       string   `json:"url"`
	Name      string   `json:"name"`
	Status    string   `json:"status"` // installed, skipped, error
	Message   string   `json:"message"`
	Revision  string   `json:"revision,omitempty"`
	Protected []string `json:"protected_requirements,omitempty"`
}

// CommandRunner executes an external command in dir and returns its combined output
type CommandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// CustomNodeService installs and updates ComfyUI custom nodes from git repositories
type CustomNodeService struct {
	dir        string
	pipCommand []string
	gitToken   string
	sshKeyPath string
	knownHosts []string
	// skips host key verification; only for hosts that cannot be pinned
	insecureHostKey bool
	runner          CommandRunner
	logger          *utils.LogsManager

	// one install or update at a time, pip is not safe to run concurrently
	mu sync.Mutex
}

func NewCustomNodeService(cm *utils.ConfigManager, logger *utils.LogsManager) (*CustomNodeService, error) {
	pip, err := shlex.Split(cm.GetConfigWithDefault("pip_command", "python -m pip"))
	if err != nil {
		return nil, fmt.Errorf("invalid pip_command: %w", err)
	}
	if len(pip) == 0 {
		return nil, errors.New("pip_command is empty")
	}

	return &CustomNodeService{
		dir:        utils.GetComfyPaths(cm).CustomNodesDir,
		pipCommand: pip,
		gitToken:   cm.GetConfigWithDefault("git_token", ""),
		sshKeyPath: cm.GetConfigWithDefault("git_ssh_key_path", ""),
		// empty uses SSH_KNOWN_HOSTS or ~/.ssh/known_hosts
		knownHosts:      cm.GetConfigSlice("git_ssh_known_hosts", nil),
		insecureHostKey: cm.GetConfigBool("git_ssh_insecure_host_key", false),
		runner:          execRunner,
		logger:          logger,
	}, nil
}

// SetRunner replaces the command runner used for pip
func (cs *CustomNodeService) SetRunner(runner CommandRunner) {
	cs.runner = runner
}

// getAuth picks token auth for https remotes and key auth for ssh remotes
func (cs *CustomNodeService) getAuth(repoURL string) (transport.AuthMethod, error) {
	if strings.HasPrefix(repoURL, "http") {
		if cs.gitToken == "" {
			return nil, nil
		}
		return &githttp.BasicAuth{Username: "x-access-token", Password: cs.gitToken}, nil
	}

	if strings.HasPrefix(repoURL, "git@") || strings.HasPrefix(repoURL, "ssh://") {
		keyPath := cs.sshKeyPath
		if keyPath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			keyPath = filepath.Join(home, ".ssh", "id_rsa")
		}
		publicKeys, err := gitssh.NewPublicKeysFromFile("git", keyPath, "")
		if err != nil {
			cs.logger.Error(fmt.Sprintf("Failed to load SSH key from %s: %v", keyPath, err), "git")
			return nil, err
		}
		callback, err := cs.hostKeyCallback()
		if err != nil {
			cs.logger.Error(err.Error(), "git")
			return nil, err
		}
		publicKeys.HostKeyCallback = callback
		return publicKeys, nil
	}

	// local paths and file:// remotes
	return nil, nil
}

func (cs *CustomNodeService) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if cs.insecureHostKey {
		cs.logger.Warn("SSH host key verification is disabled (git_ssh_insecure_host_key)", "git")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := gitssh.NewKnownHostsCallback(cs.knownHosts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load SSH known hosts: %w", err)
	}
	return callback, nil
}

// RepoName derives the custom node directory name from a repository URL
func RepoName(repoURL string) string {
	trimmed := strings.TrimRight(repoURL, "/")
	if u, err := url.Parse(trimmed); err == nil && u.Path != "" {
		trimmed = u.Path
	}
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSuffix(trimmed, ".git")
}

// List returns the installed custom nodes sorted by name
func (cs *CustomNodeService) List() ([]CustomNode, error) {
	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []CustomNode{}, nil
		}
		return nil, types.WrapIO(err, "failed to read custom nodes directory")
	}

	nodes := []CustomNode{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || entry.Name() == "__pycache__" {
			continue
		}
		node := CustomNode{Name: entry.Name()}

		repo, err := git.PlainOpen(filepath.Join(cs.dir, entry.Name()))
		if err == nil {
			node.IsGit = true
			if remote, err := repo.Remote("origin"); err == nil && len(remote.Config().URLs) > 0 {
				node.Remote = remote.Config().URLs[0]
			}
			if head, err := repo.Head(); err == nil {
				node.Revision = head.Hash().String()
				if head.Name().IsBranch() {
					node.Branch = head.Name().Short()
				}
			}
		}
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, k int) bool { return nodes[i].Name < nodes[k].Name })
	return nodes, nil
}

// InstallAll installs each repository, continuing past failures
func (cs *CustomNodeService) InstallAll(ctx context.Context, urls []string, ref string) []InstallResult {
	results := make([]InstallResult, 0, len(urls))
	for _, repoURL := range urls {
		result, err := cs.Install(ctx, repoURL, ref)
		if err != nil {
			result = &InstallResult{URL: repoURL, Name: RepoName(repoURL), Status: "error", Message: err.Error()}
		}
		results = append(results, *result)
	}
	return results
}

// Install clones a repository into custom_nodes and installs its requirements. An existing
// directory of the same name is left alone.
func (cs *CustomNodeService) Install(ctx context.Context, repoURL, ref string) (*InstallResult, error) {
	if repoURL == "" {
		return nil, types.InvalidInput("repository url is required")
	}
	name := RepoName(repoURL)
	if name == "" || name == "." || name == ".." {
		return nil, types.InvalidInput("cannot derive a node name from %s", repoURL)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	result := &InstallResult{URL: repoURL, Name: name}
	repoPath := filepath.Join(cs.dir, name)
	if _, err := os.Stat(repoPath); err == nil {
		cs.logger.Info(fmt.Sprintf("Custom node %s already exists, skipping", name), "git")
		result.Status = "skipped"
		result.Message = fmt.Sprintf("custom node %s already exists", name)
		return result, nil
	}

	auth, err := cs.getAuth(repoURL)
	if err != nil {
		return nil, types.InvalidInput("no usable credentials for %s: %v", repoURL, err)
	}

	if err := os.MkdirAll(cs.dir, 0755); err != nil {
		return nil, types.WrapIO(err, "failed to create custom nodes directory")
	}

	cs.logger.Info(fmt.Sprintf("Cloning custom node %s into %s", repoURL, repoPath), "git")
	repo, err := git.PlainCloneContext(ctx, repoPath, false, &git.CloneOptions{URL: repoURL, Auth: auth})
	if err != nil {
		os.RemoveAll(repoPath)
		cs.logger.Error(fmt.Sprintf("Failed to clone %s: %v", repoURL, err), "git")
		return nil, types.Wrap(types.ErrorKindExecution, err, "failed to clone "+repoURL)
	}

	if ref != "" {
		if err := checkoutRef(repo, ref); err != nil {
			os.RemoveAll(repoPath)
			return nil, types.InvalidInput("cannot check out %s: %v", ref, err)
		}
	}

	if head, err := repo.Head(); err == nil {
		result.Revision = head.Hash().String()
	}

	protected, err := cs.installRequirements(ctx, repoPath)
	if err != nil {
		result.Status = "error"
		result.Message = fmt.Sprintf("cloned, but installing requirements failed: %v", err)
		return result, nil
	}
	result.Protected = protected
	result.Status = "installed"
	result.Message = fmt.Sprintf("custom node %s installed", name)
	cs.logger.Info(fmt.Sprintf("Custom node %s installed at %s", name, result.Revision), "git")
	return result, nil
}

// Update pulls the latest changes of an installed custom node and reinstalls its requirements
// when the revision moved
func (cs *CustomNodeService) Update(ctx context.Context, name string) (*InstallResult, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, types.InvalidInput("invalid custom node name %q", name)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	repoPath := filepath.Join(cs.dir, name)
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, types.NotFound("custom node %s is not a git checkout", name)
		}
		return nil, types.WrapIO(err, "failed to open repository")
	}

	result := &InstallResult{Name: name}
	before, _ := repo.Head()
	if remote, err := repo.Remote("origin"); err == nil && len(remote.Config().URLs) > 0 {
		result.URL = remote.Config().URLs[0]
	}

	auth, err := cs.getAuth(result.URL)
	if err != nil {
		return nil, types.InvalidInput("no usable credentials for %s: %v", result.URL, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, types.WrapIO(err, "failed to get worktree")
	}
	err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin", Auth: auth})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		cs.logger.Error(fmt.Sprintf("Failed to pull %s: %v", name, err), "git")
		return nil, types.Wrap(types.ErrorKindExecution, err, "failed to update "+name)
	}

	after, err := repo.Head()
	if err != nil {
		return nil, types.WrapIO(err, "failed to read HEAD")
	}
	result.Revision = after.Hash().String()

	if before != nil && before.Hash() == after.Hash() {
		result.Status = "skipped"
		result.Message = "already up to date"
		return result, nil
	}

	protected, err := cs.installRequirements(ctx, repoPath)
	if err != nil {
		result.Status = "error"
		result.Message = fmt.Sprintf("updated, but installing requirements failed: %v", err)
		return result, nil
	}
	result.Protected = protected
	result.Status = "installed"
	result.Message = fmt.Sprintf("custom node %s updated", name)
	cs.logger.Info(fmt.Sprintf("Custom node %s updated to %s", name, result.Revision), "git")
	return result, nil
}

func checkoutRef(repo *git.Repository, ref string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		hash, err = repo.ResolveRevision(plumbing.Revision("origin/" + ref))
		if err != nil {
			return err
		}
	}
	return worktree.Checkout(&git.CheckoutOptions{Hash: *hash})
}

// installRequirements pip-installs requirements.txt without the protected packages that are
// already present. Returns the requirements it left out.
func (cs *CustomNodeService) installRequirements(ctx context.Context, repoPath string) ([]string, error) {
	reqPath := filepath.Join(repoPath, "requirements.txt")
	file, err := os.Open(reqPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.WrapIO(err, "failed to read requirements.txt")
	}
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	file.Close()
	if err := scanner.Err(); err != nil {
		return nil, types.WrapIO(err, "failed to read requirements.txt")
	}

	installed := cs.installedPackages(ctx, repoPath)
	keep, skipped := FilterRequirements(lines, installed)
	if len(keep) == 0 {
		return skipped, nil
	}

	filtered, err := os.CreateTemp("", "requirements-*.txt")
	if err != nil {
		return nil, types.WrapIO(err, "failed to write filtered requirements")
	}
	defer os.Remove(filtered.Name())
	if _, err := filtered.WriteString(strings.Join(keep, "\n") + "\n"); err != nil {
		filtered.Close()
		return nil, types.WrapIO(err, "failed to write filtered requirements")
	}
	filtered.Close()

	args := append(append([]string{}, cs.pipCommand[1:]...), "install", "-r", filtered.Name())
	cs.logger.Info(fmt.Sprintf("Installing %d requirements for %s", len(keep), filepath.Base(repoPath)), "git")
	if output, err := cs.runner(ctx, repoPath, cs.pipCommand[0], args...); err != nil {
		cs.logger.Error(fmt.Sprintf("pip install failed: %v\n%s", err, output), "git")
		return skipped, fmt.Errorf("pip install failed: %w", err)
	}
	return skipped, nil
}

// installedPackages asks pip for installed package names. Failures yield an empty set.
func (cs *CustomNodeService) installedPackages(ctx context.Context, dir string) map[string]bool {
	args := append(append([]string{}, cs.pipCommand[1:]...), "list", "--format=json")
	output, err := cs.runner(ctx, dir, cs.pipCommand[0], args...)
	if err != nil {
		cs.logger.Warn(fmt.Sprintf("Could not list installed packages: %v", err), "git")
		return map[string]bool{}
	}

	var packages []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(output, &packages); err != nil {
		return map[string]bool{}
	}
	installed := make(map[string]bool, len(packages))
	for _, p := range packages {
		installed[normalizePackage(p.Name)] = true
	}
	return installed
}

func normalizePackage(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// FilterRequirements drops protected packages that are already installed, along with
// comments and blank lines. Pip options pass through.
func FilterRequirements(lines []string, installed map[string]bool) (keep []string, skipped []string) {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		match := requirementName.FindStringSubmatch(trimmed)
		if match == nil {
			keep = append(keep, trimmed)
			continue
		}
		name := normalizePackage(match[1])
		if protectedPackages[name] && installed[name] {
			skipped = append(skipped, trimmed)
			continue
		}
		keep = append(keep, trimmed)
	}
	return keep, skipped
}
