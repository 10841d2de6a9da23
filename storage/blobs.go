package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/wayjake/innbox/models"
)

// BlobStore is the object store attachments and raw messages are uploaded to
type BlobStore interface {
	Upload(ctx context.Context, data []byte, filename, mimeType string) (models.BlobRef, error)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileBlobStore keeps blobs as files in one directory and hands out URLs
// under baseURL.
type FileBlobStore struct {
	dir     string
	baseURL string
}

// NewFileBlobStore creates the blob directory if needed
func NewFileBlobStore(dir, baseURL string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir is the directory blobs are written to
func (s *FileBlobStore) Dir() string {
	return s.dir
}

// Upload writes data under a fresh key built from a uuid and the sanitized filename
func (s *FileBlobStore) Upload(ctx context.Context, data []byte, filename, mimeType string) (models.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return models.BlobRef{}, err
	}

	key := uuid.New().String()
	if name := sanitizeFilename(filename); name != "" {
		key += "-" + name
	}

	path := filepath.Join(s.dir, key)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return models.BlobRef{}, fmt.Errorf("failed to write blob %s (%s): %w", key, mimeType, err)
	}

	return models.BlobRef{
		Key: key,
		URL: s.baseURL + "/blobs/" + key,
	}, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}
