package store

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
)

// BadgerStore keeps snapshots in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, xerrors.Errorf("open badger %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(channel string) []byte {
	return []byte("channel/" + channel)
}

func (s *BadgerStore) Load(_ context.Context, channel string) (crud.State, error) {
	if err := checkName(channel); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(channel))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if xerrors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("badger get %s: %w", channel, err)
	}
	return decode(data)
}

func (s *BadgerStore) Save(_ context.Context, channel string, state crud.State) error {
	if err := checkName(channel); err != nil {
		return err
	}
	data, err := encode(state)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(channel), data)
	})
	if err != nil {
		return xerrors.Errorf("badger set %s: %w", channel, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
