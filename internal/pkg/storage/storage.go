package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a missing key
var ErrNotFound = errors.New("object not found")

// Storage is the object store behind the usage archive.
// Keys are slash separated and never start with a slash.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Config holds object storage settings. R2AccountID selects Cloudflare R2,
// Endpoint selects an S3 compatible server such as MinIO, neither means AWS.
type Config struct {
	Endpoint    string
	Region      string
	AccessKey   string
	SecretKey   string
	Bucket      string
	R2AccountID string
}
