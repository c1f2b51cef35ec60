package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// BlobRef points at a content-addressed object in a Store.
type BlobRef struct {
	Kind   string `json:"kind"`
	SHA256 string `json:"sha256"`
	Size   int    `json:"size"`
	Path   string `json:"path"`
}

// Store manages a content-addressed blob archive. Heavy job output is kept
// here so identical logs across runs are stored once.
type Store struct {
	BasePath string
}

// NewStore creates a new archive store rooted at basePath.
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, fmt.Errorf("archive base path is required")
	}
	if err := os.MkdirAll(filepath.Join(basePath, "objects"), 0o755); err != nil {
		return nil, err
	}
	return &Store{BasePath: basePath}, nil
}

// StoreBlob stores raw bytes by their SHA256 content hash in a sharded
// directory structure and returns a ref.
func (s *Store) StoreBlob(kind string, data []byte) (BlobRef, error) {
	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])

	// Shard by first 2 chars
	dir := filepath.Join(s.BasePath, "objects", hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BlobRef{}, err
	}

	path := filepath.Join(dir, hash)
	ref := BlobRef{Kind: kind, SHA256: hash, Size: len(data), Path: path}
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return BlobRef{}, err
	}
	return ref, nil
}

// LoadBlob reads a blob back by hash.
func (s *Store) LoadBlob(hash string) ([]byte, error) {
	if len(hash) < 2 {
		return nil, fmt.Errorf("invalid blob hash %q", hash)
	}
	return os.ReadFile(filepath.Join(s.BasePath, "objects", hash[:2], hash))
}
