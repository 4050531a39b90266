// Package storage persists screenshot snapshots, either on the local
// filesystem or in a GCS bucket.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Storage stores and retrieves snapshot objects by relative path.
type Storage interface {
	// Write writes data to a path, creating parents as needed.
	Write(ctx context.Context, path string, data []byte) error

	// Read reads data from a path.
	Read(ctx context.Context, path string) ([]byte, error)

	// Delete deletes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List lists the objects directly under a directory prefix.
	List(ctx context.Context, dir string) ([]string, error)
}

// LocalStorage implements Storage on the local filesystem.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a local storage instance rooted at baseDir.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Write writes data to a file under the base directory.
func (s *LocalStorage) Write(_ context.Context, path string, data []byte) error {
	fullPath := filepath.Join(s.baseDir, path)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Read reads data from a file.
func (s *LocalStorage) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Delete deletes a file.
func (s *LocalStorage) Delete(_ context.Context, path string) error {
	if err := os.Remove(filepath.Join(s.baseDir, path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists checks if a file exists.
func (s *LocalStorage) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.baseDir, path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}
	return true, nil
}

// List lists the files directly under a directory.
func (s *LocalStorage) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}
