// Package guard serializes bot turns per ticket and filters re-delivered
// inbound events.
package guard

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity is the number of event ids remembered for dedupe
const DefaultCapacity = 1000

// Guard holds the process-wide turn registries. Build one per process and
// share it by reference.
type Guard struct {
	mu     sync.Mutex
	active map[int64]struct{}
	empty  map[int64]int
	seen   *lru.Cache[string, struct{}]
}

// New creates a guard remembering up to capacity event ids
func New(capacity int) (*Guard, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// Only ContainsOrAdd touches the cache, so recency is never refreshed and
	// eviction order is insertion order.
	seen, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	return &Guard{
		active: make(map[int64]struct{}),
		empty:  make(map[int64]int),
		seen:   seen,
	}, nil
}

// TryEnter marks the ticket busy. It returns false when another turn for the
// same ticket is in flight.
func (g *Guard) TryEnter(ticketID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[ticketID]; busy {
		return false
	}
	g.active[ticketID] = struct{}{}
	return true
}

// Exit releases the ticket
func (g *Guard) Exit(ticketID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, ticketID)
}

// Acquire is TryEnter with a release func for defer
func (g *Guard) Acquire(ticketID int64) (release func(), ok bool) {
	if !g.TryEnter(ticketID) {
		return func() {}, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.Exit(ticketID) })
	}, true
}

// Active reports whether a turn for the ticket is in flight
func (g *Guard) Active(ticketID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[ticketID]
	return busy
}

// IsDuplicate reports whether eventID was already seen and records it if not.
// Empty ids are never considered duplicates.
func (g *Guard) IsDuplicate(eventID string) bool {
	if eventID == "" {
		return false
	}
	found, _ := g.seen.ContainsOrAdd(eventID, struct{}{})
	return found
}

// IncrementEmpty bumps the consecutive empty-reply counter and returns it
func (g *Guard) IncrementEmpty(ticketID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.empty[ticketID]++
	return g.empty[ticketID]
}

// ResetEmpty zeroes the empty-reply counter
func (g *Guard) ResetEmpty(ticketID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.empty, ticketID)
}

// EmptyCount returns the current empty-reply counter
func (g *Guard) EmptyCount(ticketID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.empty[ticketID]
}
