package backend

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/registry"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/services"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

const dependenciesPath = "api/machines/dependencies"

// NodeInstaller installs custom nodes from git
type NodeInstaller interface {
	Install(ctx context.Context, repoURL, ref string) (*services.InstallResult, error)
}

// ModelQueuer queues model downloads into the volume
type ModelQueuer interface {
	Download(req registry.DownloadRequest) (*types.DownloadTask, error)
}

// DependencyItem is one custom node or model the backend wants on this machine
type DependencyItem struct {
	ID               string `json:"id"`
	CustomNodeURL    string `json:"custom_node_url,omitempty"`
	ModelRepoID      string `json:"model_repo_id,omitempty"`
	ModelFilename    string `json:"model_filename,omitempty"`
	ModelIsDirectory bool   `json:"model_is_directory,omitempty"`
	ModelLocalDir    string `json:"model_local_dir,omitempty"`
}

// DependencyResult reports what happened to one item
type DependencyResult struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`   // custom_node or model
	Status  string `json:"status"` // installed, skipped, queued, error
	Message string `json:"msg"`
	TaskID  string `json:"task_id,omitempty"`
}

// DependencySync pulls the machine's declared dependencies from the backend, installs
// custom nodes and queues Hugging Face model files for download
type DependencySync struct {
	client *Client
	nodes  NodeInstaller
	models ModelQueuer
	hfBase string
	logger *utils.LogsManager
}

func NewDependencySync(client *Client, nodes NodeInstaller, models ModelQueuer, cm *utils.ConfigManager, logger *utils.LogsManager) *DependencySync {
	return &DependencySync{
		client: client,
		nodes:  nodes,
		models: models,
		hfBase: strings.TrimRight(cm.GetConfigWithDefault("huggingface_url", "https://huggingface.co"), "/"),
		logger: logger,
	}
}

// Sync fetches and applies the dependency list. Item failures are reported per item.
func (ds *DependencySync) Sync(ctx context.Context) ([]DependencyResult, error) {
	var items []DependencyItem
	if err := ds.client.Get(ctx, dependenciesPath, &items); err != nil {
		return nil, err
	}
	ds.logger.Info(fmt.Sprintf("Fetched %d machine dependencies from backend", len(items)), "backend")

	results := []DependencyResult{}
	for _, item := range items {
		if item.CustomNodeURL != "" {
			results = append(results, ds.installNode(ctx, item))
		}
		if item.ModelRepoID != "" {
			results = append(results, ds.queueModel(item))
		}
	}
	return results, nil
}

func (ds *DependencySync) installNode(ctx context.Context, item DependencyItem) DependencyResult {
	result := DependencyResult{ID: item.ID, Kind: "custom_node"}
	if ds.nodes == nil {
		result.Status, result.Message = "error", "custom node installs are not available"
		return result
	}

	installed, err := ds.nodes.Install(ctx, item.CustomNodeURL, "")
	if err != nil {
		ds.logger.Warn(fmt.Sprintf("Dependency %s: custom node %s failed: %v", item.ID, item.CustomNodeURL, err), "backend")
		result.Status, result.Message = "error", fmt.Sprintf("Failed to install custom node: %s", item.CustomNodeURL)
		return result
	}
	result.Status, result.Message = installed.Status, installed.Message
	return result
}

func (ds *DependencySync) queueModel(item DependencyItem) DependencyResult {
	result := DependencyResult{ID: item.ID, Kind: "model"}
	if ds.models == nil {
		result.Status, result.Message = "error", "model downloads are not available"
		return result
	}
	if item.ModelIsDirectory || item.ModelFilename == "" {
		result.Status = "skipped"
		result.Message = fmt.Sprintf("Repository download of %s is not supported, list its files individually", item.ModelRepoID)
		return result
	}

	folder, err := modelFolder(item.ModelLocalDir, item.ModelFilename)
	if err != nil {
		result.Status, result.Message = "error", err.Error()
		return result
	}

	task, err := ds.models.Download(registry.DownloadRequest{
		URL:      ds.hfBase + "/" + escapePath(item.ModelRepoID) + "/resolve/main/" + escapePath(item.ModelFilename),
		Folder:   folder,
		Filename: path.Base(item.ModelFilename),
	})
	if err != nil {
		result.Status, result.Message = "error", err.Error()
		return result
	}

	result.Status = "queued"
	result.TaskID = task.ID
	result.Message = fmt.Sprintf("Downloading model: %s", item.ModelFilename)
	return result
}

// modelFolder maps the backend's local dir onto a folder under the models root. Files
// inside a repo subdirectory land in the matching subfolder.
func modelFolder(localDir, filename string) (string, error) {
	dir := strings.TrimSpace(localDir)
	if path.IsAbs(dir) {
		return "", types.InvalidInput("model_local_dir %q must be relative to the models directory", localDir)
	}
	dir = strings.TrimPrefix(path.Clean("/"+dir), "/")
	if dir == "models" || strings.HasPrefix(dir, "models/") {
		dir = strings.TrimPrefix(strings.TrimPrefix(dir, "models"), "/")
	}
	if dir == "" {
		dir = "huggingface"
	}
	if sub := path.Dir(filename); sub != "." {
		dir = path.Join(dir, sub)
	}
	return dir, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
