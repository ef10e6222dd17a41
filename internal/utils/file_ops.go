package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrPathEscapesRoot is returned when a relative path resolves outside its root
var ErrPathEscapesRoot = errors.New("path escapes root directory")

// SafeJoin joins an untrusted relative path onto root and rejects results outside root
func SafeJoin(root, rel string) (string, error) {
	if rel == "" {
		return filepath.Clean(root), nil
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, rel)
	}

	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(cleanRoot, filepath.FromSlash(rel))
	relToRoot, err := filepath.Rel(cleanRoot, joined)
	if err != nil || relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, rel)
	}
	return joined, nil
}

// ValidateDirectory checks if a directory exists and is accessible
func ValidateDirectory(path string) error {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory not found: %s", path)
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}

	if !fileInfo.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	return nil
}

// FileExists checks if a file exists with proper error handling
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FileStat is the JSON view of a filesystem entry
type FileStat struct {
	Path       string    `json:"path"`
	Exists     bool      `json:"exists"`
	IsDir      bool      `json:"is_dir"`
	Size       int64     `json:"size"`
	Mode       string    `json:"mode,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	Entries    int       `json:"entries,omitempty"`
}

// StatPath describes path. A missing path is not an error, Exists is false instead.
func StatPath(path string) (*FileStat, error) {
	stat := &FileStat{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return stat, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	stat.Exists = true
	stat.IsDir = info.IsDir()
	stat.Size = info.Size()
	stat.Mode = info.Mode().String()
	stat.ModifiedAt = info.ModTime()

	if stat.IsDir {
		if entries, err := os.ReadDir(path); err == nil {
			stat.Entries = len(entries)
		}
	}

	return stat, nil
}

// MoveFile renames src to dst, falling back to copy+remove across filesystems
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// CopyFile copies src to dst and syncs the result
func CopyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	destFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}

	if err := destFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync destination file: %w", err)
	}

	return nil
}
