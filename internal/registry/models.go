package registry

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// ModelRegistry lists model files under ComfyUI's models directory. The listing is cached
// until Invalidate is called.
type ModelRegistry struct {
	modelsDir  string
	extensions map[string]bool
	logger     *utils.LogsManager

	mu     sync.RWMutex
	cached []types.ModelDescriptor
	valid  bool
}

func NewModelRegistry(cm *utils.ConfigManager, logger *utils.LogsManager) *ModelRegistry {
	extensions := make(map[string]bool)
	for _, ext := range cm.GetConfigSlice("model_extensions", []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin"}) {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions[ext] = true
	}

	return &ModelRegistry{
		modelsDir:  utils.GetComfyPaths(cm).ModelsDir,
		extensions: extensions,
		logger:     logger,
	}
}

// Dir is the models root
func (mr *ModelRegistry) Dir() string {
	return mr.modelsDir
}

// List returns models ordered by folder then name
func (mr *ModelRegistry) List(ctx context.Context) ([]types.ModelDescriptor, error) {
	mr.mu.RLock()
	if mr.valid {
		models := append([]types.ModelDescriptor(nil), mr.cached...)
		mr.mu.RUnlock()
		return models, nil
	}
	mr.mu.RUnlock()

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.valid {
		return append([]types.ModelDescriptor(nil), mr.cached...), nil
	}

	models, err := mr.scan(ctx)
	if err != nil {
		return nil, err
	}
	mr.cached = models
	mr.valid = true
	mr.logger.Debug(fmt.Sprintf("Model cache rebuilt with %d entries", len(models)), "models")

	return append([]types.ModelDescriptor(nil), models...), nil
}

func (mr *ModelRegistry) scan(ctx context.Context) ([]types.ModelDescriptor, error) {
	models := []types.ModelDescriptor{}

	err := filepath.WalkDir(mr.modelsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == mr.modelsDir && os.IsNotExist(err) {
				return fs.SkipDir
			}
			mr.logger.Debug(fmt.Sprintf("Skipping %s: %v", p, err), "models")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != mr.modelsDir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !mr.extensions[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}

		rel, err := filepath.Rel(mr.modelsDir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		folder, name, found := strings.Cut(rel, "/")
		if !found {
			// files directly under models/ have no folder
			folder, name = "", rel
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		models = append(models, types.ModelDescriptor{
			Name:       name,
			Folder:     folder,
			Path:       rel,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil && err != fs.SkipDir {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, types.WrapIO(err, "failed to scan models directory")
	}

	sort.Slice(models, func(i, k int) bool {
		if models[i].Folder != models[k].Folder {
			return models[i].Folder < models[k].Folder
		}
		return models[i].Name < models[k].Name
	})
	return models, nil
}

// Filenames returns the cached model paths relative to the models root
func (mr *ModelRegistry) Filenames(ctx context.Context) ([]string, error) {
	models, err := mr.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Path)
	}
	return names, nil
}

// Invalidate drops the cached listing
func (mr *ModelRegistry) Invalidate() {
	mr.mu.Lock()
	mr.valid = false
	mr.cached = nil
	mr.mu.Unlock()
	mr.logger.Debug("Model cache invalidated", "models")
}

// Resolve maps a folder and filename to a path inside the models root
func (mr *ModelRegistry) Resolve(folder, filename string) (string, error) {
	if folder == "" {
		return "", types.InvalidInput("folder is required")
	}
	if err := validateFilename(filename); err != nil {
		return "", err
	}
	p, err := utils.SafeJoin(mr.modelsDir, filepath.ToSlash(filepath.Join(folder, filename)))
	if err != nil {
		return "", types.InvalidInput("invalid model path: %v", err)
	}
	return p, nil
}

// Delete removes a model file and invalidates the cache
func (mr *ModelRegistry) Delete(folder, filename string) error {
	p, err := mr.Resolve(folder, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return types.NotFound("model %s/%s not found", folder, filename)
		}
		return types.WrapIO(err, "failed to delete model")
	}
	mr.logger.Info(fmt.Sprintf("Deleted model %s/%s", folder, filename), "models")
	mr.Invalidate()
	return nil
}
