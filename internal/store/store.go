// Package store persists channel snapshots. A snapshot is the full entity
// state of one channel, always written as a whole.
package store

import (
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
	"github.com/electr1fy0/tandem/internal/protocol"
)

var (
	ErrNotFound       = xerrors.New("snapshot not found")
	ErrInvalidChannel = xerrors.New("invalid channel name")
)

// Store loads and saves channel snapshots.
type Store interface {
	// Load returns ErrNotFound when the channel has never been saved.
	Load(ctx context.Context, channel string) (crud.State, error)
	Save(ctx context.Context, channel string, state crud.State) error
	Close() error
}

func checkName(channel string) error {
	if !protocol.ValidChannelName(channel) {
		return xerrors.Errorf("%q: %w", channel, ErrInvalidChannel)
	}
	return nil
}

func encode(state crud.State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, xerrors.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decode(data []byte) (crud.State, error) {
	var st crud.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, xerrors.Errorf("decode snapshot: %w", err)
	}
	return st, nil
}
