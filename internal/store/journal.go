package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const journalPrefix = "audit/"

// Entry is one audited frame.
type Entry struct {
	Time      time.Time `json:"time"`
	Node      string    `json:"node"`
	Direction string    `json:"direction"`
	Data      string    `json:"data"`
}

// Journal appends audit entries under the audit/ prefix. Entries expire after
// the retention period; zero keeps them forever.
type Journal struct {
	store     *Store
	node      string
	retention time.Duration
	seq       atomic.Uint64
	now       func() time.Time
}

func NewJournal(s *Store, node string, retention time.Duration) *Journal {
	return &Journal{store: s, node: node, retention: retention, now: time.Now}
}

// Record stores one frame. Line breaks are stripped from data.
func (j *Journal) Record(direction string, data []byte) error {
	e := Entry{
		Time:      j.now(),
		Node:      j.node,
		Direction: direction,
		Data:      strings.NewReplacer("\n", "", "\r", "").Replace(string(data)),
	}
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d-%08d", journalPrefix, e.Time.UnixNano(), j.seq.Add(1))

	return j.store.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if j.retention > 0 {
			entry = entry.WithTTL(j.retention)
		}
		return txn.SetEntry(entry)
	})
}

// Entries returns the newest limit entries (all when limit <= 0), oldest first.
func (j *Journal) Entries(limit int) ([]Entry, error) {
	var out []Entry
	err := j.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(journalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(journalPrefix + "\xff")); it.Valid(); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, err
}
