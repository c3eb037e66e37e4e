package ipproxy

import (
	"net/netip"
	"sync"
)

// ClientKey identifies the overlay-side endpoint that originated a
// connection: the (ipv4, port) pair the NAT table is keyed on.
type ClientKey struct {
	IP   netip.Addr
	Port uint16
}

// Target is the original destination a client was trying to reach
// before the Rewriter redirected the connection to the local anchor.
type Target struct {
	IP   netip.Addr
	Port uint16
}

// Table is the NAT map shared between the Packet Rewriter and the
// Relay Engine. Entries are inserted by RecvHandle and consumed by the
// engine's accept loop; they are never evicted eagerly (see DESIGN.md
// for the eviction open question) — a key is simply overwritten when
// the client reuses the (ip, port) pair.
//
// Every access is a single O(1) map operation under the lock, so the
// critical section never overlaps with I/O, per the concurrency model.
type Table struct {
	mu sync.RWMutex
	m  map[ClientKey]Target
}

// NewTable returns an empty, ready-to-use NAT table.
func NewTable() *Table {
	return &Table{m: make(map[ClientKey]Target, 16)}
}

// Insert records the target a client was redirected away from.
func (t *Table) Insert(key ClientKey, target Target) {
	t.mu.Lock()
	t.m[key] = target
	t.mu.Unlock()
}

// Lookup returns the target previously recorded for key, if any.
func (t *Table) Lookup(key ClientKey) (Target, bool) {
	t.mu.RLock()
	target, ok := t.m[key]
	t.mu.RUnlock()
	return target, ok
}

// Delete removes an entry. Nothing in this module calls it (the relay
// does not free entries on flow teardown); it is exposed for callers
// that want a TTL or FIN-triggered sweep.
func (t *Table) Delete(key ClientKey) {
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
}

// Len returns the number of entries currently tracked. Intended for
// diagnostics/tests, not the data path.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
