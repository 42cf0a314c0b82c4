// Package bundle serves the engine's resource bundle: fonts, formats and
// support files requested by name over a pair of inherited pipes. Served
// resources come from a local cache store, filled on miss by an HTTP
// fetcher.
package bundle

import (
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound reports a resource absent from the store.
var ErrNotFound = errors.New("resource not found")

// Store is the bundle resource cache.
type Store interface {
	Get(name string) ([]byte, error)
	Put(name string, data []byte) error
	Close() error
}

// memoryStore keeps resources in memory; useful for tests and for
// one-shot runs where a disk cache buys nothing.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string][]byte)}
}

func (s *memoryStore) Get(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *memoryStore) Put(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.data[name] = stored
	return nil
}

func (s *memoryStore) Close() error { return nil }

// badgerStore persists the cache across driver runs, so a restart does
// not re-download the whole bundle.
type badgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open bundle cache: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Get(name string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bundle cache get %s: %w", name, err)
	}
	return data, nil
}

func (s *badgerStore) Put(name string, data []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("bundle cache put %s: %w", name, err)
	}
	return nil
}

func (s *badgerStore) Close() error { return s.db.Close() }
