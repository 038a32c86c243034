// Package correlation remembers which action every outbound CALL carried, so
// that a later CALLRESULT or CALLERROR, which has no action on the wire, can be
// attributed to it.
//
// Records are removed exactly once, when the matching reply arrives. A call the
// central system never answers stays in an unbounded table for the lifetime of
// the connection; set a capacity to bound it with LRU eviction.
package correlation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

// UnknownAction is reported for replies that match no recorded call.
const UnknownAction = "unknown"

// ErrDuplicateID is returned when an id is already waiting for its reply.
var ErrDuplicateID = errors.New("message id already in flight")

// Record is one outbound call awaiting its reply.
type Record struct {
	ID     string
	Action string
	SentAt time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithCapacity bounds the table; the least recently sent record is evicted
// when full. Zero or negative means unbounded.
func WithCapacity(n int) Option {
	return func(t *Table) {
		t.capacity = n
	}
}

// WithEvictHook is called, under the table lock, for each record dropped by
// the capacity bound.
func WithEvictHook(fn func(Record)) Option {
	return func(t *Table) {
		t.onEvict = fn
	}
}

// WithNow overrides the time source for SentAt.
func WithNow(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// Table is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	capacity int
	records  map[string]Record
	lru      *simplelru.LRU
	removing bool
	onEvict  func(Record)
	now      func() time.Time
}

// NewTable creates an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	if t.capacity > 0 {
		// only fails for a non-positive size
		t.lru, _ = simplelru.NewLRU(t.capacity, t.evicted)
	} else {
		t.records = make(map[string]Record)
	}
	return t
}

func (t *Table) evicted(_, value interface{}) {
	if t.removing || t.onEvict == nil {
		return
	}
	t.onEvict(value.(Record))
}

// RecordSent registers an outbound call. It fails with ErrDuplicateID when a
// call with the same id is still waiting for its reply.
func (t *Table) RecordSent(id, action string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := Record{ID: id, Action: action, SentAt: t.now()}
	if t.lru != nil {
		if t.lru.Contains(id) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		t.lru.Add(id, rec)
		return nil
	}
	if _, ok := t.records[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t.records[id] = rec
	return nil
}

// Resolve removes the record for id and returns its action. Replies with no
// record (late, duplicate or bogus) yield UnknownAction and false.
func (t *Table) Resolve(id string) (string, bool) {
	rec, ok := t.take(id)
	if !ok {
		return UnknownAction, false
	}
	return rec.Action, true
}

// Forget drops a record without resolving it, e.g. when transmission failed.
func (t *Table) Forget(id string) {
	t.take(id)
}

func (t *Table) take(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lru != nil {
		v, ok := t.lru.Peek(id)
		if !ok {
			return Record{}, false
		}
		t.removing = true
		t.lru.Remove(id)
		t.removing = false
		return v.(Record), true
	}
	rec, ok := t.records[id]
	if ok {
		delete(t.records, id)
	}
	return rec, ok
}

// Len returns the number of calls awaiting a reply.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lenLocked()
}

// Snapshot returns the waiting records, oldest first.
func (t *Table) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, t.lenLocked())
	if t.lru != nil {
		for _, k := range t.lru.Keys() {
			if v, ok := t.lru.Peek(k); ok {
				out = append(out, v.(Record))
			}
		}
	} else {
		for _, rec := range t.records {
			out = append(out, rec)
		}
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

func (t *Table) lenLocked() int {
	if t.lru != nil {
		return t.lru.Len()
	}
	return len(t.records)
}
