// Package store keeps charge point state in badger: configuration keys,
// transaction bookkeeping and the frame audit journal.
//
// Missing keys read as the zero value rather than an error.
package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

type Store struct {
	db *badger.DB
}

// Item is one key as listed by List.
type Item struct {
	Key       string
	Value     string
	ExpiresAt uint64
}

// Open opens (or creates) the database directory at path.
func Open(path string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path))
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Exists reports whether key is set.
func (s *Store) Exists(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := getTX(txn, key)
		value = v
		return err
	})
	return value, err
}

func (s *Store) GetInt(key string) (int, error) {
	var value int
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := getIntTX(txn, key)
		value = v
		return err
	})
	return value, err
}

// MustGetInt returns 0 for missing or unparsable values.
func (s *Store) MustGetInt(key string) int {
	v, _ := s.GetInt(key)
	return v
}

func (s *Store) Set(key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

// SetDefaults writes every key that is not set yet, in one transaction.
func (s *Store) SetDefaults(values map[string]string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for k, v := range values {
			_, err := txn.Get([]byte(k))
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Increment adds by (1 when zero) to an integer key, creating it if needed.
func (s *Store) Increment(key string, by int) error {
	if by == 0 {
		by = 1
	}
	return s.db.Update(func(txn *badger.Txn) error {
		cur, err := getIntTX(txn, key)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), []byte(strconv.Itoa(cur+by)))
	})
}

func (s *Store) Delete(keys ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns up to limit keys with the given prefix (all when limit <= 0).
// Values longer than 150 bytes are truncated.
func (s *Store) List(prefix string, limit int) ([]Item, error) {
	var items []Item
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			value := string(v)
			if len(value) > 150 {
				value = value[:150] + "..."
			}
			items = append(items, Item{Key: string(item.Key()), Value: value, ExpiresAt: item.ExpiresAt()})
			if limit > 0 && len(items) >= limit {
				break
			}
		}
		return nil
	})
	return items, err
}

func getTX(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", nil
		}
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func getIntTX(txn *badger.Txn, key string) (int, error) {
	v, err := getTX(txn, key)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(v))
}
