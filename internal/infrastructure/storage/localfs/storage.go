package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

type Storage struct {
	basePath string
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/storage"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

// Put writes data under ref. The file appears atomically: it is written to a
// temp file next to the target and renamed into place.
func (s *Storage) Put(ctx context.Context, ref domain.BlobRef, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.WrapError(domain.ErrStorageFailure, "put blob", fmt.Errorf("mkdir: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return domain.WrapError(domain.ErrStorageFailure, "put blob", fmt.Errorf("create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return domain.WrapError(domain.ErrStorageFailure, "put blob", fmt.Errorf("write file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return domain.WrapError(domain.ErrStorageFailure, "put blob", fmt.Errorf("close file: %w", err))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return domain.WrapError(domain.ErrStorageFailure, "put blob", fmt.Errorf("rename file: %w", err))
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, ref domain.BlobRef) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrBlobNotFound, "get blob", fmt.Errorf("ref=%s", ref))
		}
		return nil, domain.WrapError(domain.ErrStorageFailure, "get blob", fmt.Errorf("open file: %w", err))
	}
	return f, nil
}

func (s *Storage) Delete(ctx context.Context, ref domain.BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.WrapError(domain.ErrBlobNotFound, "delete blob", fmt.Errorf("ref=%s", ref))
		}
		return domain.WrapError(domain.ErrStorageFailure, "delete blob", fmt.Errorf("remove file: %w", err))
	}
	// Drop the per-document directory once its last version is gone.
	if dir := filepath.Dir(path); dir != filepath.Clean(s.basePath) {
		_ = os.Remove(dir)
	}
	return nil
}

func (s *Storage) resolve(ref domain.BlobRef) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(string(ref)))
	if ref == "" || clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", domain.WrapError(domain.ErrInvalidInput, "resolve blob", fmt.Errorf("invalid ref %q", ref))
	}
	return filepath.Join(s.basePath, clean), nil
}
