package utils

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		rel     string
		want    string
		wantErr bool
	}{
		{"empty path is root", "", root, false},
		{"plain file", "a.png", filepath.Join(root, "a.png"), false},
		{"nested file", "sub/dir/a.png", filepath.Join(root, "sub", "dir", "a.png"), false},
		{"dot segments inside root", "sub/../a.png", filepath.Join(root, "a.png"), false},
		{"parent escape", "../etc/passwd", "", true},
		{"nested parent escape", "sub/../../x", "", true},
		{"absolute path", "/etc/passwd", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeJoin(root, tt.rel)
			if tt.wantErr {
				if !errors.Is(err, ErrPathEscapesRoot) {
					t.Fatalf("Expected ErrPathEscapesRoot, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestValidateDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	if err := ValidateDirectory(dir); err != nil {
		t.Errorf("Expected directory to validate, got %v", err)
	}
	if err := ValidateDirectory(file); err == nil {
		t.Error("Expected error for regular file")
	}
	if err := ValidateDirectory(filepath.Join(dir, "missing")); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestStatPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "model.safetensors")
	if err := os.WriteFile(file, []byte("12345"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	t.Run("file", func(t *testing.T) {
		stat, err := StatPath(file)
		if err != nil {
			t.Fatalf("StatPath failed: %v", err)
		}
		if !stat.Exists || stat.IsDir || stat.Size != 5 {
			t.Errorf("Unexpected stat: %+v", stat)
		}
	})

	t.Run("directory", func(t *testing.T) {
		stat, err := StatPath(dir)
		if err != nil {
			t.Fatalf("StatPath failed: %v", err)
		}
		if !stat.IsDir || stat.Entries != 1 {
			t.Errorf("Expected directory with 1 entry, got %+v", stat)
		}
	})

	t.Run("missing", func(t *testing.T) {
		stat, err := StatPath(filepath.Join(dir, "nope"))
		if err != nil {
			t.Fatalf("StatPath failed: %v", err)
		}
		if stat.Exists {
			t.Error("Expected Exists to be false")
		}
	})
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "nested", "dst.bin")

	if err := os.WriteFile(src, []byte("payload"), 0644); err != nil {
		t.Fatalf("Failed to create source: %v", err)
	}
	if err := MoveFile(src, dst); err != nil {
		t.Fatalf("MoveFile failed: %v", err)
	}

	if exists, _ := FileExists(src); exists {
		t.Error("Source should not exist after move")
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("Failed to read destination: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("Expected 'payload', got '%s'", string(data))
	}
}
