package services

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/loader"
	composetypes "github.com/compose-spec/compose-go/types"
	"github.com/docker/cli/cli/config"
	dockerConfigTypes "github.com/docker/cli/cli/config/types"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"gopkg.in/yaml.v3"

	comfytypes "github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

const (
	snapshotManifestFile = "comfy-snapshot.yaml"
	snapshotComposeFile  = "docker-compose.yml"
)

var imageTagPattern = regexp.MustCompile(`^[a-z0-9]+([._/:-][a-z0-9]+)*$`)

// DockerAPI is the part of the docker client the snapshot builder needs
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	Info(ctx context.Context) (system.Info, error)
}

// ModelLister lists the models present on this machine
type ModelLister interface {
	List(ctx context.Context) ([]comfytypes.ModelDescriptor, error)
}

// SnapshotRequest asks for the current environment to be captured as an image
type SnapshotRequest struct {
	Tag            string `json:"tag"`
	Push           bool   `json:"push"`
	ComfyUIVersion string `json:"-"`
}

// SnapshotManifest records what an environment snapshot contains
type SnapshotManifest struct {
	CreatedAt      time.Time       `yaml:"created_at" json:"created_at"`
	MachineID      string          `yaml:"machine_id,omitempty" json:"machine_id,omitempty"`
	ComfyUIVersion string          `yaml:"comfyui_version,omitempty" json:"comfyui_version,omitempty"`
	BaseImage      string          `yaml:"base_image" json:"base_image"`
	CustomNodes    []SnapshotNode  `yaml:"custom_nodes" json:"custom_nodes"`
	Unreproducible []string        `yaml:"unreproducible_nodes,omitempty" json:"unreproducible_nodes,omitempty"`
	Models         []SnapshotModel `yaml:"models" json:"models"`
	Platform       *specs.Platform `yaml:"platform,omitempty" json:"platform,omitempty"`
}

type SnapshotNode struct {
	Name     string `yaml:"name" json:"name"`
	Remote   string `yaml:"remote" json:"remote"`
	Revision string `yaml:"revision" json:"revision"`
}

type SnapshotModel struct {
	Path string `yaml:"path" json:"path"`
	Size int64  `yaml:"size" json:"size"`
}

// SnapshotResult is returned by a successful snapshot
type SnapshotResult struct {
	Image       string            `json:"image"`
	Pushed      bool              `json:"pushed"`
	ContextDir  string            `json:"context_dir"`
	ComposeFile string            `json:"compose_file"`
	Manifest    *SnapshotManifest `json:"manifest"`
}

// SnapshotService captures the running ComfyUI environment (custom nodes at their current
// revisions plus a model inventory) as a docker image with a compose file to run it
type SnapshotService struct {
	nodes     *CustomNodeService
	models    ModelLister
	machineID string
	baseImage string
	outputDir string
	push      bool
	username  string
	password  string
	comfyPort int
	newClient func() (DockerAPI, func(), error)
	logger    *utils.LogsManager
}

func NewSnapshotService(nodes *CustomNodeService, models ModelLister, machineID string, cm *utils.ConfigManager, logger *utils.LogsManager) *SnapshotService {
	outputDir := cm.GetConfigWithDefault("snapshot_output_dir", "")
	if outputDir == "" {
		outputDir = filepath.Join(utils.GetAppPaths("").DataDir, "snapshots")
	}

	return &SnapshotService{
		nodes:     nodes,
		models:    models,
		machineID: machineID,
		baseImage: cm.GetConfigWithDefault("snapshot_base_image", "ghcr.io/comfy-deploy/comfyui-base:latest"),
		outputDir: outputDir,
		push:      cm.GetConfigBool("snapshot_push", false),
		username:  cm.GetConfigWithDefault("snapshot_registry_username", ""),
		password:  cm.GetConfigWithDefault("snapshot_registry_password", ""),
		comfyPort: utils.ComfyPort(cm),
		newClient: dockerClient,
		logger:    logger,
	}
}

func dockerClient() (DockerAPI, func(), error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nil, err
	}
	return cli, func() { cli.Close() }, nil
}

// SetClientFactory replaces how docker clients are created
func (ss *SnapshotService) SetClientFactory(factory func() (DockerAPI, func(), error)) {
	ss.newClient = factory
}

// Snapshot writes a build context for the current environment, builds it and optionally
// pushes the image
func (ss *SnapshotService) Snapshot(ctx context.Context, req SnapshotRequest) (*SnapshotResult, error) {
	tag := req.Tag
	if tag == "" {
		tag = fmt.Sprintf("comfy-deploy/snapshot:%s", time.Now().UTC().Format("20060102-150405"))
	}
	if !imageTagPattern.MatchString(tag) {
		return nil, comfytypes.InvalidInput("invalid image tag %q", tag)
	}

	cli, closeClient, err := ss.newClient()
	if err != nil {
		return nil, comfytypes.Wrap(comfytypes.ErrorKindUnavailable, err, "docker is not available")
	}
	defer closeClient()

	manifest, err := ss.Manifest(ctx, req.ComfyUIVersion)
	if err != nil {
		return nil, err
	}
	manifest.Platform = ss.getPlatform(ctx, cli)

	contextDir := filepath.Join(ss.outputDir, sanitizeTag(tag))
	composePath, err := ss.WriteContext(contextDir, tag, manifest)
	if err != nil {
		return nil, err
	}

	if err := ss.buildImage(ctx, cli, contextDir, tag, manifest.Platform); err != nil {
		return nil, err
	}

	result := &SnapshotResult{Image: tag, ContextDir: contextDir, ComposeFile: composePath, Manifest: manifest}
	if req.Push || ss.push {
		if err := ss.pushImage(ctx, cli, tag); err != nil {
			return nil, err
		}
		result.Pushed = true
	}

	ss.logger.Info(fmt.Sprintf("Environment snapshot %s built (%d custom nodes, %d models)", tag, len(manifest.CustomNodes), len(manifest.Models)), "docker")
	return result, nil
}

// Manifest inventories custom nodes and models
func (ss *SnapshotService) Manifest(ctx context.Context, comfyVersion string) (*SnapshotManifest, error) {
	manifest := &SnapshotManifest{
		CreatedAt:      time.Now().UTC(),
		MachineID:      ss.machineID,
		ComfyUIVersion: comfyVersion,
		BaseImage:      ss.baseImage,
		CustomNodes:    []SnapshotNode{},
		Models:         []SnapshotModel{},
	}

	nodes, err := ss.nodes.List()
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if !node.IsGit || node.Remote == "" || node.Revision == "" {
			ss.logger.Warn(fmt.Sprintf("Custom node %s has no git remote and cannot be reproduced", node.Name), "docker")
			manifest.Unreproducible = append(manifest.Unreproducible, node.Name)
			continue
		}
		manifest.CustomNodes = append(manifest.CustomNodes, SnapshotNode{Name: node.Name, Remote: node.Remote, Revision: node.Revision})
	}

	if ss.models != nil {
		models, err := ss.models.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, m := range models {
			manifest.Models = append(manifest.Models, SnapshotModel{Path: m.Path, Size: m.Size})
		}
	}
	return manifest, nil
}

// WriteContext writes the Dockerfile, manifest and compose file into dir. Returns the compose
// file path.
func (ss *SnapshotService) WriteContext(dir, tag string, manifest *SnapshotManifest) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", comfytypes.WrapIO(err, "failed to create snapshot directory")
	}

	manifestYAML, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotManifestFile), manifestYAML, 0644); err != nil {
		return "", comfytypes.WrapIO(err, "failed to write snapshot manifest")
	}

	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(ss.dockerfile(manifest)), 0644); err != nil {
		return "", comfytypes.WrapIO(err, "failed to write Dockerfile")
	}

	composePath := filepath.Join(dir, snapshotComposeFile)
	compose := ss.composeConfig(tag)
	if _, err := ss.validateCompose(dir, compose); err != nil {
		return "", err
	}
	composeYAML, err := yaml.Marshal(compose)
	if err != nil {
		return "", fmt.Errorf("failed to encode compose file: %w", err)
	}
	if err := os.WriteFile(composePath, composeYAML, 0644); err != nil {
		return "", comfytypes.WrapIO(err, "failed to write compose file")
	}
	return composePath, nil
}

func (ss *SnapshotService) dockerfile(manifest *SnapshotManifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", manifest.BaseImage)
	b.WriteString("WORKDIR /comfyui\n")
	for _, node := range manifest.CustomNodes {
		fmt.Fprintf(&b,
			"RUN git clone %s custom_nodes/%s && git -C custom_nodes/%s checkout %s && "+
				"if [ -f custom_nodes/%s/requirements.txt ]; then pip install --no-cache-dir -r custom_nodes/%s/requirements.txt; fi\n",
			shellQuote(node.Remote), node.Name, node.Name, node.Revision, node.Name, node.Name)
	}
	fmt.Fprintf(&b, "COPY %s /comfyui/%s\n", snapshotManifestFile, snapshotManifestFile)
	fmt.Fprintf(&b, "EXPOSE %d\n", ss.comfyPort)
	fmt.Fprintf(&b, "CMD [\"python\", \"main.py\", \"--listen\", \"0.0.0.0\", \"--port\", \"%d\"]\n", ss.comfyPort)
	return b.String()
}

func (ss *SnapshotService) composeConfig(tag string) map[string]any {
	port := fmt.Sprintf("%d", ss.comfyPort)
	return map[string]any{
		"name": "comfy-snapshot",
		"services": map[string]any{
			"comfyui": map[string]any{
				"image":   tag,
				"ports":   []any{port + ":" + port},
				"volumes": []any{"./models:/comfyui/models", "./output:/comfyui/output"},
				"restart": "unless-stopped",
				"deploy": map[string]any{
					"resources": map[string]any{
						"reservations": map[string]any{
							"devices": []any{map[string]any{"driver": "nvidia", "capabilities": []any{"gpu"}}},
						},
					},
				},
			},
		},
	}
}

// validateCompose loads the generated compose config the way docker compose would
func (ss *SnapshotService) validateCompose(dir string, compose map[string]any) (*composetypes.Project, error) {
	project, err := loader.Load(composetypes.ConfigDetails{
		ConfigFiles: []composetypes.ConfigFile{{
			Filename: filepath.Join(dir, snapshotComposeFile),
			Config:   compose,
		}},
		WorkingDir:  dir,
		Environment: map[string]string{},
	})
	if err != nil {
		return nil, fmt.Errorf("generated compose file is invalid: %w", err)
	}
	return project, nil
}

func (ss *SnapshotService) buildImage(ctx context.Context, cli DockerAPI, contextDir, tag string, platform *specs.Platform) error {
	ss.logger.Info(fmt.Sprintf("Building snapshot image %s from %s", tag, contextDir), "docker")

	tarBuf, err := tarDirectory(contextDir)
	if err != nil {
		return comfytypes.WrapIO(err, "failed to create build context")
	}

	var platformStr string
	if platform != nil {
		platformStr = fmt.Sprintf("%s/%s", platform.OS, platform.Architecture)
	}

	resp, err := cli.ImageBuild(ctx, bytes.NewReader(tarBuf.Bytes()), types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
		Platform:   platformStr,
	})
	if err != nil {
		return comfytypes.Wrap(comfytypes.ErrorKindExecution, err, "image build failed")
	}
	defer resp.Body.Close()

	return ss.processOutput(resp.Body, "build")
}

func (ss *SnapshotService) pushImage(ctx context.Context, cli DockerAPI, tag string) error {
	authConfig := ss.getAuthConfig(tag)
	encoded, err := json.Marshal(authConfig)
	if err != nil {
		return fmt.Errorf("failed to encode registry auth: %w", err)
	}

	ss.logger.Info(fmt.Sprintf("Pushing snapshot image %s", tag), "docker")
	reader, err := cli.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: base64.URLEncoding.EncodeToString(encoded)})
	if err != nil {
		return comfytypes.Wrap(comfytypes.ErrorKindExecution, err, "image push failed")
	}
	defer reader.Close()
	return ss.processOutput(reader, "push")
}

// processOutput follows the daemon's JSON message stream and fails on the first error message
func (ss *SnapshotService) processOutput(reader io.Reader, stage string) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Stream string `json:"stream"`
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Stream != "" {
			ss.logger.Debug(strings.TrimSpace(msg.Stream), "docker")
		}
		if msg.Status != "" {
			ss.logger.Debug(fmt.Sprintf("%s: %s", stage, msg.Status), "docker")
		}
		if msg.Error != "" {
			ss.logger.Error(fmt.Sprintf("Snapshot %s error: %s", stage, msg.Error), "docker")
			return comfytypes.ExecutionError("image %s failed: %s", stage, msg.Error)
		}
	}
	return scanner.Err()
}

func (ss *SnapshotService) getAuthConfig(tag string) dockerConfigTypes.AuthConfig {
	if ss.username != "" || ss.password != "" {
		return dockerConfigTypes.AuthConfig{Username: ss.username, Password: ss.password}
	}

	registry := "https://index.docker.io/v1/"
	if parts := strings.SplitN(tag, "/", 2); len(parts) == 2 && strings.ContainsAny(parts[0], ".:") {
		registry = parts[0]
	}

	configFile, err := config.Load(config.Dir())
	if err != nil {
		return dockerConfigTypes.AuthConfig{}
	}
	authConfig, err := configFile.GetAuthConfig(registry)
	if err != nil {
		return dockerConfigTypes.AuthConfig{}
	}
	return authConfig
}

func (ss *SnapshotService) getPlatform(ctx context.Context, cli DockerAPI) *specs.Platform {
	if env := os.Getenv("DOCKER_DEFAULT_PLATFORM"); env != "" {
		if parts := strings.Split(env, "/"); len(parts) == 2 {
			return &specs.Platform{OS: parts[0], Architecture: parts[1]}
		}
	}

	info, err := cli.Info(ctx)
	if err != nil {
		ss.logger.Warn(fmt.Sprintf("Could not detect platform: %v", err), "docker")
		return nil
	}
	return &specs.Platform{OS: info.OSType, Architecture: info.Architecture}
}

func tarDirectory(dir string) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

func sanitizeTag(tag string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(tag)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
