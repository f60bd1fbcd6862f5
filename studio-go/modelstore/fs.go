package modelstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/embeddingstudio/embeddingstudio/studio-golib/errors"
	"github.com/spf13/afero"
)

// FsStore keeps models as files below a root directory.
type FsStore struct {
	fs   afero.Fs
	root string
}

// NewFsStore creates a store rooted at root on fs.
func NewFsStore(fs afero.Fs, root string) *FsStore {
	return &FsStore{fs: fs, root: root}
}

func (s *FsStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// URI implements Store
func (s *FsStore) URI(key string) string {
	return "file://" + filepath.ToSlash(s.path(key))
}

// Put implements Store. The blob is written to a temporary file first so readers never see a
// partial model.
func (s *FsStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	dst := s.path(key)
	if err := s.fs.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return "", errors.Wrapf(err, "unable to create directory for %s", key)
	}

	tmp, err := afero.TempFile(s.fs, filepath.Dir(dst), ".upload-")
	if err != nil {
		return "", errors.Wrapf(err, "unable to create temporary file for %s", key)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		s.fs.Remove(tmp.Name())
		return "", errors.Wrapf(err, "unable to write %s", key)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmp.Name())
		return "", errors.Wrapf(err, "unable to close %s", key)
	}
	if err := s.fs.Rename(tmp.Name(), dst); err != nil {
		s.fs.Remove(tmp.Name())
		return "", errors.Wrapf(err, "unable to move %s into place", key)
	}
	return s.URI(key), nil
}

// Get implements Store
func (s *FsStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", key)
	}
	return f, nil
}

// Delete implements Store; deleting a missing key is not an error.
func (s *FsStore) Delete(ctx context.Context, key string) error {
	err := s.fs.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to delete %s", key)
	}
	return nil
}
