package utils

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashConsistency(t *testing.T) {
	content := "comfy deploy upload payload"
	path := filepath.Join(t.TempDir(), "input.png")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	fromFile, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	fromReader, err := HashReader(strings.NewReader(content))
	if err != nil {
		t.Fatalf("HashReader failed: %v", err)
	}

	hasher := NewHasher()
	if _, err := io.Copy(io.MultiWriter(io.Discard, hasher), strings.NewReader(content)); err != nil {
		t.Fatalf("Streaming hash failed: %v", err)
	}
	streamed := HexSum(hasher)

	if fromFile != fromReader || fromReader != streamed || streamed != HashBytes([]byte(content)) {
		t.Errorf("Hashes differ: file=%s reader=%s stream=%s", fromFile, fromReader, streamed)
	}
	if len(fromFile) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(fromFile))
	}
	if HashBytes([]byte("other")) == fromFile {
		t.Error("Different content produced the same hash")
	}
}
