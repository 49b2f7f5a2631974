package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
)

// ErrObjectNotFound is returned when a key does not exist in the backend
var ErrObjectNotFound = errors.New("object not found")

// Storage interface for catalog object storage operations
type Storage interface {
	// Upload stores data under key, replacing any existing object
	Upload(ctx context.Context, key string, data io.Reader) error

	// Download retrieves the object stored under key
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object stored under key
	Delete(ctx context.Context, key string) error
}

// StorageType represents the storage backend type
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

// StorageConfig holds configuration for storage
type StorageConfig struct {
	Type         StorageType
	LocalPath    string // For local storage
	S3Bucket     string // For S3 storage
	S3Region     string // For S3 storage
	AWSAccessKey string
	AWSSecretKey string
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(cfg StorageConfig) (Storage, error) {
	switch cfg.Type {
	case StorageTypeLocal, "":
		return NewLocalStorage(cfg.LocalPath)
	case StorageTypeS3:
		if cfg.S3Bucket == "" {
			return nil, errors.New("S3 bucket is required for S3 storage")
		}
		return NewS3Storage(cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// cleanKey normalizes an object key to a slash separated relative path
func cleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	key = path.Clean("/" + key)
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", fmt.Errorf("invalid storage key: %q", key)
	}
	return key, nil
}

// getContentType determines content type from the key extension
func getContentType(key string) string {
	switch filepath.Ext(key) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
