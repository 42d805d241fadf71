package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// newChecksumHash returns a fresh hash for the named algorithm.
func newChecksumHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "xxh64":
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("unknown checksum algorithm: %s", algorithm)
	}
}

// fileChecksum computes the hex digest of a file's on-disk bytes.
func fileChecksum(path, algorithm string) (string, error) {
	h, err := newChecksumHash(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
