package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FolderWriter writes records as files below a local directory.
type FolderWriter struct {
	perm   os.FileMode
	logger *zap.Logger
}

// NewFolderWriter creates a FOLDER destination.
func NewFolderWriter(logger *zap.Logger) *FolderWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FolderWriter{perm: 0o644, logger: logger}
}

// Write stores data at location/name, creating directories as needed.
// The file is written under a temporary name and renamed so readers never see a partial record.
func (f *FolderWriter) Write(ctx context.Context, location, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	location = strings.TrimPrefix(location, "file://")
	if location == "" {
		return "", fmt.Errorf("folder location is required")
	}
	path := filepath.Join(location, filepath.FromSlash(name))
	if !strings.HasPrefix(path, filepath.Clean(location)+string(filepath.Separator)) {
		return "", fmt.Errorf("record name %q escapes %s", name, location)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, f.perm); err != nil {
		return "", fmt.Errorf("failed to write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to commit record: %w", err)
	}

	f.logger.Debug("Wrote record", zap.String("path", path), zap.Int("size_bytes", len(data)))
	return "file://" + filepath.ToSlash(path), nil
}
