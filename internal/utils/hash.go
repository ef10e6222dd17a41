package utils

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// NewHasher returns a streaming BLAKE3 hasher for use with io.MultiWriter
func NewHasher() hash.Hash {
	return blake3.New()
}

// HexSum finalizes a hasher into a hex string
func HexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// HashFile calculates the BLAKE3 hash of a file as a hex string
func HashFile(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return HashReader(file)
}

// HashReader hashes everything read from r
func HashReader(r io.Reader) (string, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("failed to hash stream: %w", err)
	}
	return HexSum(hasher), nil
}

// HashBytes calculates the BLAKE3 hash of a byte slice
func HashBytes(data []byte) string {
	hasher := blake3.New()
	hasher.Write(data)
	return HexSum(hasher)
}
