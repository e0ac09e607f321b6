package lake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemWriter lands files in a local directory. Useful for development and as a
// stand-in for the remote lakes in tests.
type FilesystemWriter struct {
	baseDir string
}

func NewFilesystemWriter(baseDir string) *FilesystemWriter {
	return &FilesystemWriter{baseDir: baseDir}
}

func (f *FilesystemWriter) Backend() string { return BackendFilesystem }

func (f *FilesystemWriter) CreateFile(_ context.Context, name string) error {
	path, err := f.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", name, ErrAlreadyExists)
		}
		return err
	}
	return file.Close()
}

func (f *FilesystemWriter) AppendAndFlush(_ context.Context, name string, data []byte) error {
	path, err := f.path(name)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteAt(data, 0); err != nil {
		return err
	}
	if err := file.Truncate(int64(len(data))); err != nil {
		return err
	}
	return file.Sync()
}

func (f *FilesystemWriter) ReadFile(name string) ([]byte, error) {
	path, err := f.path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (f *FilesystemWriter) path(name string) (string, error) {
	clean := filepath.Base(name)
	if clean != name || clean == "." || clean == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(f.baseDir, clean), nil
}
