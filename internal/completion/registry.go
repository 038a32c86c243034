// Package completion holds the inbound CALLs that were handed to the
// application and are waiting for it to supply a result.
//
// Each slot ends exactly once: either Complete claims it or its deadline fires.
// Expiry is silent towards the peer; the registry only reports it through the
// OnExpire hook.
package completion

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/raulk/clock"

	"ocppj_cp/internal/msgid"
)

// DefaultTTL is how long an inbound call waits for its result.
const DefaultTTL = 120 * time.Second

const defaultSettledMemory = 4096

// Status is the outcome of Complete.
type Status int

const (
	// Delivered means the slot was claimed; the caller must transmit the result.
	Delivered Status = iota
	// AlreadySettled means the slot was completed before or its deadline fired.
	AlreadySettled
	// Unknown means no slot with that id was ever registered.
	Unknown
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case AlreadySettled:
		return "already_settled"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Handle identifies a slot. LocalID is the key the application completes with;
// WireID is echoed in the CALLRESULT.
type Handle struct {
	LocalID string
	WireID  string
	Action  string
}

// Pending describes a registered slot.
type Pending struct {
	Handle
	CreatedAt time.Time
	ExpiresAt time.Time
}

type entry struct {
	Pending
	timer *clock.Timer
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source used for deadlines.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithIDGenerator sets how local ids are minted.
func WithIDGenerator(gen msgid.Generator) Option {
	return func(r *Registry) {
		r.newID = gen
	}
}

// WithSettledMemory sets how many settled ids are remembered to tell
// AlreadySettled from Unknown. Non-positive values keep the default.
func WithSettledMemory(n int) Option {
	return func(r *Registry) {
		r.settledSize = n
	}
}

// OnExpire is called, outside the registry lock, for every slot whose deadline
// fired before it was completed.
func OnExpire(fn func(Pending)) Option {
	return func(r *Registry) {
		r.onExpire = fn
	}
}

// Registry is safe for concurrent use; timer callbacks and Complete race
// through the same lock, so each slot is claimed once.
type Registry struct {
	mu          sync.Mutex
	clock       clock.Clock
	newID       msgid.Generator
	entries     map[string]*entry
	settled     *simplelru.LRU
	settledSize int
	onExpire    func(Pending)
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:       clock.New(),
		newID:       msgid.New,
		entries:     make(map[string]*entry),
		settledSize: defaultSettledMemory,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.settledSize <= 0 {
		r.settledSize = defaultSettledMemory
	}
	r.settled, _ = simplelru.NewLRU(r.settledSize, nil)
	return r
}

// Register opens a slot for an inbound call and starts its deadline.
// A non-positive ttl means DefaultTTL.
func (r *Registry) Register(wireID, action string, ttl time.Duration) Handle {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	localID := r.newID()
	for r.taken(localID) {
		localID = r.newID()
	}

	now := r.clock.Now()
	e := &entry{Pending: Pending{
		Handle:    Handle{LocalID: localID, WireID: wireID, Action: action},
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}}
	r.entries[localID] = e
	e.timer = r.clock.AfterFunc(ttl, func() {
		r.expire(localID, e)
	})
	return e.Handle
}

func (r *Registry) taken(id string) bool {
	if _, ok := r.entries[id]; ok {
		return true
	}
	return r.settled.Contains(id)
}

// Complete claims the slot for localID. Only a Delivered result carries a
// valid Pending.
//
// AlreadySettled is reported only while localID is among the most recently
// settled ids (WithSettledMemory, 4096 by default). Older settled ids report
// Unknown; either way nothing is delivered.
func (r *Registry) Complete(localID string) (Pending, Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[localID]
	if !ok {
		if r.settled.Contains(localID) {
			return Pending{}, AlreadySettled
		}
		return Pending{}, Unknown
	}
	r.settleLocked(localID, e)
	return e.Pending, Delivered
}

func (r *Registry) expire(localID string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[localID]; !ok || cur != e {
		r.mu.Unlock()
		return
	}
	r.settleLocked(localID, e)
	r.mu.Unlock()

	if r.onExpire != nil {
		r.onExpire(e.Pending)
	}
}

func (r *Registry) settleLocked(localID string, e *entry) {
	delete(r.entries, localID)
	r.settled.Add(localID, struct{}{})
	if e.timer != nil {
		e.timer.Stop()
	}
}

// CancelAll stops every deadline and drops every slot, e.g. when the
// connection they belong to is gone. It returns the number of dropped slots.
// The registry stays usable.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	for id, e := range r.entries {
		r.settleLocked(id, e)
	}
	return n
}

// Len returns the number of open slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns the open slots ordered by deadline.
func (r *Registry) Snapshot() []Pending {
	r.mu.Lock()
	out := make([]Pending, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Pending)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}
