package rpcstate

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a Request's lifecycle state (spec.md §3 Request).
type Status int

const (
	StatusCreated Status = iota
	StatusRegistered
	StatusInPipeline
	StatusAwaitingResult
	StatusCompleted
	StatusFailed
	StatusTimedOut
)

// ErrDuplicateID is returned by Register when id is already active in
// the registry (spec.md §4.2: duplicate ids cause InvalidRequest).
var ErrDuplicateID = errors.New("rpcstate: duplicate request id")

// ErrNotFound is returned by registry lookups for an unregistered id.
var ErrNotFound = errors.New("rpcstate: request id not found")

// Entry is one request's registry record.
type Entry struct {
	ID           string
	AgentID      string
	Method       string
	RegisteredAt time.Time
	Status       Status
}

// DefaultTTL is the registry entry time-to-live (spec.md §3 Request).
const DefaultTTL = 60 * time.Second

// DefaultReapInterval is how often the reaper scans for expired entries
// (spec.md §4.2).
const DefaultReapInterval = 5 * time.Second

// Registry owns request lifecycles: id uniqueness, TTL expiry, and
// status transitions (spec.md §3 Ownership: "The registry owns request
// lifecycles and reaps on TTL").
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
}

// NewRegistry constructs a Registry with the given TTL (DefaultTTL if
// ttl <= 0).
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		entries: make(map[string]*Entry),
		ttl:     ttl,
	}
}

// Register records a new Request's id and timestamp, or returns
// ErrDuplicateID if id is already active.
func (r *Registry) Register(id, agentID, method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return ErrDuplicateID
	}
	r.entries[id] = &Entry{
		ID:           id,
		AgentID:      agentID,
		Method:       method,
		RegisteredAt: time.Now(),
		Status:       StatusRegistered,
	}
	return nil
}

// Transition moves an entry to a new status.
func (r *Registry) Transition(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	return nil
}

// Resolve marks an entry as terminal (Completed or Failed) and removes
// it from the active set: exactly one terminal outcome per id
// (spec.md §8 invariant 4).
func (r *Registry) Resolve(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return ErrNotFound
	}
	delete(r.entries, id)
	return nil
}

// Cancel removes an active entry, signalling that any suspended
// external call associated with it should abort (spec.md §5
// Cancellation & timeouts). A no-op if id is not active.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len reports the number of active (in-flight) entries, for the
// pipeline's busy signal against the concurrency ceiling (spec.md §5
// Backpressure, default ceiling 32).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a copy of every active entry, for telemetry.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// reapExpired removes and returns every entry older than the TTL.
func (r *Registry) reapExpired(now time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []Entry
	for id, e := range r.entries {
		if now.Sub(e.RegisteredAt) > r.ttl {
			expired = append(expired, *e)
			delete(r.entries, id)
		}
	}
	return expired
}

// NewRequestID generates a UUIDv4 request id for calls the kernel itself
// originates (spec.md §3 Request: "UUIDv4 for calls").
func NewRequestID() string {
	return uuid.NewString()
}
