package files

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// FSArchive implements Archive using the local filesystem.
type FSArchive struct {
	basePath string
}

// NewFSArchive creates a filesystem-backed archive rooted at basePath.
func NewFSArchive(basePath string) (*FSArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &FSArchive{basePath: basePath}, nil
}

func (a *FSArchive) path(code string) (string, error) {
	if !ValidCode(code) {
		return "", ErrInvalidCode
	}
	return filepath.Join(a.basePath, code+".json"), nil
}

// Put writes the manifest atomically, replacing any previous one.
func (a *FSArchive) Put(ctx context.Context, m *Manifest) error {
	p, err := a.path(m.Code)
	if err != nil {
		return err
	}
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(a.basePath, ".manifest-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (a *FSArchive) Load(ctx context.Context, code string) (*Manifest, error) {
	p, err := a.path(code)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

func (a *FSArchive) Delete(ctx context.Context, code string) error {
	p, err := a.path(code)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
