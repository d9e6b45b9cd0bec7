// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tududes/websophon/internal/sophon"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir"`
	// MaxBytes caps total stored bytes; 0 means unlimited. Exceeding the
	// cap surfaces sophon.ErrQuotaExceeded so callers can evict.
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// BlobStore writes screenshots to the local filesystem.
type BlobStore struct {
	baseDir  string
	maxBytes int64
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &BlobStore{baseDir: cfg.BaseDir, maxBytes: cfg.MaxBytes}, nil
}

// PutObject writes data to a file and returns a file:// URI. When the
// configured byte cap would be exceeded it reports
// sophon.ErrQuotaExceeded without writing.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if s.maxBytes > 0 {
		used, err := s.usedBytes()
		if err != nil {
			return "", err
		}
		if used+int64(len(data)) > s.maxBytes {
			return "", fmt.Errorf("store %d bytes: %w", len(data), sophon.ErrQuotaExceeded)
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return "file://" + full, nil
}

// DeleteObject removes a stored blob; a missing blob is not an error.
func (s *BlobStore) DeleteObject(_ context.Context, path string) error {
	full, err := s.resolve(strings.TrimPrefix(path, "file://"))
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *BlobStore) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		if !strings.HasPrefix(filepath.Clean(path), s.baseDir) {
			return "", fmt.Errorf("path escapes base directory")
		}
		return filepath.Clean(path), nil
	}
	full := filepath.Join(s.baseDir, filepath.Clean(path))
	if !strings.HasPrefix(full, s.baseDir) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return full, nil
}

func (s *BlobStore) usedBytes() (int64, error) {
	var total int64
	err := filepath.Walk(s.baseDir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure blob usage: %w", err)
	}
	return total, nil
}
