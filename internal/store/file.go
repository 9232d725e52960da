package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
)

// FileStore keeps one JSON document per channel under <root>/channels.
type FileStore struct {
	fs   afero.Fs
	root string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at root on fs.
func NewFileStore(fs afero.Fs, root string) *FileStore {
	return &FileStore{fs: fs, root: root}
}

// Path returns the snapshot location of a channel.
func (s *FileStore) Path(channel string) string {
	return filepath.Join(s.root, "channels", channel+".json")
}

func (s *FileStore) Load(_ context.Context, channel string) (crud.State, error) {
	if err := checkName(channel); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.Path(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("read %s: %w", s.Path(channel), err)
	}
	return decode(data)
}

// Save overwrites the snapshot. The document is written to a temporary file
// in the same directory and renamed over the old one.
func (s *FileStore) Save(_ context.Context, channel string, state crud.State) error {
	if err := checkName(channel); err != nil {
		return err
	}
	data, err := encode(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.Path(channel))
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Errorf("create %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(s.fs, dir, channel+".*.tmp")
	if err != nil {
		return xerrors.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = s.fs.Remove(name)
		if werr != nil {
			return xerrors.Errorf("write %s: %w", name, werr)
		}
		return xerrors.Errorf("close %s: %w", name, cerr)
	}
	if err := s.fs.Rename(name, s.Path(channel)); err != nil {
		_ = s.fs.Remove(name)
		return xerrors.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func (*FileStore) Close() error { return nil }
