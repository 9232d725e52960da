package client

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/electr1fy0/tandem/internal/protocol"
)

// Identity is the stable per-user data a client reuses across reconnects
// and restarts.
type Identity struct {
	UserUUID    string `yaml:"userUuid"`
	DisplayName string `yaml:"displayName,omitempty"`
	// Colors remembers the color the server assigned per channel.
	Colors map[string]string `yaml:"colors,omitempty"`
}

// Color returns the remembered color for channel, or the derived default.
func (id Identity) Color(channel string) string {
	if c, ok := id.Colors[channel]; ok {
		return c
	}
	return protocol.ColorFor(channel, id.UserUUID)
}

// DefaultIdentityPath is the identity file under the user's XDG config dir.
func DefaultIdentityPath() (string, error) {
	path, err := xdg.ConfigFile(filepath.Join("tandem", "identity.yaml"))
	if err != nil {
		return "", xerrors.Errorf("resolve identity path: %w", err)
	}
	return path, nil
}

// IdentityStore reads and writes an Identity as YAML.
type IdentityStore struct {
	fs   afero.Fs
	path string
}

func NewIdentityStore(fs afero.Fs, path string) *IdentityStore {
	return &IdentityStore{fs: fs, path: path}
}

// Load returns the stored identity, creating and saving a fresh one on first
// use.
func (s *IdentityStore) Load() (Identity, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if os.IsNotExist(err) {
		id := Identity{UserUUID: uuid.NewString()}
		if err := s.Save(id); err != nil {
			return Identity{}, err
		}
		return id, nil
	}
	if err != nil {
		return Identity{}, xerrors.Errorf("read identity: %w", err)
	}

	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return Identity{}, xerrors.Errorf("parse identity %s: %w", s.path, err)
	}
	if id.UserUUID == "" {
		id.UserUUID = uuid.NewString()
		if err := s.Save(id); err != nil {
			return Identity{}, err
		}
	}
	return id, nil
}

func (s *IdentityStore) Save(id Identity) error {
	data, err := yaml.Marshal(id)
	if err != nil {
		return xerrors.Errorf("encode identity: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return xerrors.Errorf("create identity dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.path, data, 0o600); err != nil {
		return xerrors.Errorf("write identity: %w", err)
	}
	return nil
}
