package utils

import (
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const defaultAppName = "comfy-deploy"

type AppPaths struct {
	AppDir    string
	ConfigDir string
	LogDir    string
	DataDir   string
	TempDir   string
}

func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = defaultAppName
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		if homeDir, err = os.Getwd(); err != nil {
			homeDir = "."
		}
	}

	paths := &AppPaths{TempDir: os.TempDir()}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths.AppDir = filepath.Join(appData, appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = paths.AppDir
		paths.DataDir = paths.AppDir

	case "darwin":
		paths.AppDir = filepath.Join(homeDir, "Library", "Application Support", appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = filepath.Join(homeDir, "Library", "Logs", appName)
		paths.DataDir = paths.AppDir

	case "linux":
		// XDG Base Directory Specification
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			configHome = filepath.Join(homeDir, ".config")
		}
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}

		paths.AppDir = filepath.Join(dataHome, appName)
		paths.ConfigDir = filepath.Join(configHome, appName)
		paths.LogDir = filepath.Join(cacheHome, appName, "logs")
		paths.DataDir = filepath.Join(dataHome, appName)

	default:
		paths.AppDir = filepath.Join(homeDir, "."+appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = paths.AppDir
		paths.DataDir = paths.AppDir
	}

	for _, dir := range []string{paths.AppDir, paths.ConfigDir, paths.LogDir, paths.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			paths.AppDir = "."
			paths.ConfigDir = "."
			paths.LogDir = "."
			paths.DataDir = "."
			break
		}
	}

	return paths
}

// GetDataPath returns the path to a data file
func (ap *AppPaths) GetDataPath(filename string) string {
	return filepath.Join(ap.DataDir, filename)
}

// GetTempPath returns the path to a temporary file
func (ap *AppPaths) GetTempPath(filename string) string {
	return filepath.Join(ap.TempDir, filename)
}

// ComfyPaths locates the ComfyUI installation this node fronts
type ComfyPaths struct {
	RootDir        string
	ModelsDir      string
	InputDir       string
	OutputDir      string
	CustomNodesDir string
}

// GetComfyPaths resolves ComfyUI directories from config. Explicit directory keys win over
// locations derived from comfyui_dir.
func GetComfyPaths(cm *ConfigManager) *ComfyPaths {
	root := cm.GetConfigWithDefault("comfyui_dir", "./ComfyUI")
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	return &ComfyPaths{
		RootDir:        root,
		ModelsDir:      cm.GetConfigWithDefault("models_dir", filepath.Join(root, "models")),
		InputDir:       cm.GetConfigWithDefault("input_dir", filepath.Join(root, "input")),
		OutputDir:      filepath.Join(root, "output"),
		CustomNodesDir: cm.GetConfigWithDefault("custom_nodes_dir", filepath.Join(root, "custom_nodes")),
	}
}

// ComfyPort returns the port the local ComfyUI listens on. tunnel_target_port wins,
// then the port of comfyui_url, then 8188.
func ComfyPort(cm *ConfigManager) int {
	if port := cm.GetConfigInt("tunnel_target_port", 0, 0, 65535); port > 0 {
		return port
	}
	if u, err := url.Parse(cm.GetConfigWithDefault("comfyui_url", "")); err == nil {
		if port, err := strconv.Atoi(u.Port()); err == nil && port > 0 {
			return port
		}
	}
	return 8188
}
