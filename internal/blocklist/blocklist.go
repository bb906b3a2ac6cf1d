package blocklist

import (
	"container/heap"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/dnaka91/veto/internal/domain"
)

// Blocklist is the single source of truth for which addresses are blocked
// and until when. A map keyed by address is paired with a min-heap on the
// expiration instant; extending a block pushes a fresh heap record and the
// stale one is discarded when it surfaces.
//
// The mutex guards map and heap only. Callers must not hold it across I/O,
// which the API makes structural: every operation returns before the caller
// can touch the firewall.
type Blocklist struct {
	mu        sync.Mutex
	entries   map[netip.Addr]domain.BlockEntry
	deadlines deadlineHeap
	whitelist []netip.Prefix
}

// New creates an empty blocklist. Addresses inside any of the whitelist
// prefixes are never admitted.
func New(whitelist []netip.Prefix) *Blocklist {
	return &Blocklist{
		entries:   make(map[netip.Addr]domain.BlockEntry),
		whitelist: whitelist,
	}
}

// Add records a block for addr according to the rule's timeout. An existing
// block is only ever extended, never shortened.
func (b *Blocklist) Add(addr netip.Addr, rule domain.Rule, now time.Time) domain.Event {
	addr = addr.Unmap()

	if b.whitelisted(addr) {
		return domain.Event{Kind: domain.EventIgnored, Addr: addr, Rule: rule.Name}
	}

	expires := now.Add(rule.Timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	current, exists := b.entries[addr]
	if exists && !current.ExpiresAt.Before(expires) {
		return domain.Event{Kind: domain.EventUnchanged, Addr: addr, Rule: rule.Name}
	}

	b.entries[addr] = domain.BlockEntry{Addr: addr, Rule: rule.Name, ExpiresAt: expires}
	heap.Push(&b.deadlines, deadline{at: expires, addr: addr})

	kind := domain.EventAdded
	if exists {
		kind = domain.EventExtended
	}

	return domain.Event{Kind: kind, Addr: addr, Rule: rule.Name}
}

// Tick removes every entry whose expiration is at or before now, in
// expiration order with address order breaking ties.
func (b *Blocklist) Tick(now time.Time) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed []domain.Event
	for b.deadlines.Len() > 0 {
		next := b.deadlines[0]
		if next.at.After(now) {
			break
		}
		heap.Pop(&b.deadlines)

		current, exists := b.entries[next.addr]
		if !exists || !current.ExpiresAt.Equal(next.at) {
			continue // stale heap record from an extension
		}

		delete(b.entries, next.addr)
		removed = append(removed, domain.Event{
			Kind: domain.EventRemoved,
			Addr: next.addr,
			Rule: current.Rule,
		})
	}

	return removed
}

// NextExpiry returns the soonest live deadline, skipping stale heap records.
func (b *Blocklist) NextExpiry() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.deadlines.Len() > 0 {
		next := b.deadlines[0]
		current, exists := b.entries[next.addr]
		if exists && current.ExpiresAt.Equal(next.at) {
			return next.at, true
		}
		heap.Pop(&b.deadlines)
	}

	return time.Time{}, false
}

// Drain empties the blocklist on clean shutdown, yielding a Removed event
// per entry in expiration order.
func (b *Blocklist) Drain() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.sortedLocked()

	b.entries = make(map[netip.Addr]domain.BlockEntry)
	b.deadlines = nil

	removed := make([]domain.Event, 0, len(entries))
	for _, entry := range entries {
		removed = append(removed, domain.Event{
			Kind: domain.EventRemoved,
			Addr: entry.Addr,
			Rule: entry.Rule,
		})
	}

	return removed
}

// Snapshot returns the current entries in expiration order.
func (b *Blocklist) Snapshot() []domain.BlockEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sortedLocked()
}

// Restore loads snapshot entries, drops anything already expired and
// re-emits Added events for the remainder. Runs before any watcher starts
// so that backfill duplicates collapse via the idempotent Add.
func (b *Blocklist) Restore(entries []domain.BlockEntry, now time.Time) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var added []domain.Event
	for _, entry := range entries {
		if !entry.ExpiresAt.After(now) {
			continue
		}
		addr := entry.Addr.Unmap()
		if b.whitelisted(addr) {
			continue
		}

		current, exists := b.entries[addr]
		if exists && !current.ExpiresAt.Before(entry.ExpiresAt) {
			continue
		}

		b.entries[addr] = domain.BlockEntry{Addr: addr, Rule: entry.Rule, ExpiresAt: entry.ExpiresAt}
		heap.Push(&b.deadlines, deadline{at: entry.ExpiresAt, addr: addr})

		if !exists {
			added = append(added, domain.Event{Kind: domain.EventAdded, Addr: addr, Rule: entry.Rule})
		}
	}

	return added
}

// Len returns the number of active blocks.
func (b *Blocklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.entries)
}

func (b *Blocklist) whitelisted(addr netip.Addr) bool {
	for _, prefix := range b.whitelist {
		if prefix.Contains(addr) {
			return true
		}
	}

	return false
}

func (b *Blocklist) sortedLocked() []domain.BlockEntry {
	entries := make([]domain.BlockEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ExpiresAt.Equal(entries[j].ExpiresAt) {
			return entries[i].ExpiresAt.Before(entries[j].ExpiresAt)
		}
		return entries[i].Addr.Less(entries[j].Addr)
	})

	return entries
}

// deadline is one heap record. Extensions leave stale records behind; the
// consumers above verify each popped record against the map.
type deadline struct {
	at   time.Time
	addr netip.Addr
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].addr.Less(h[j].addr)
}

func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) {
	*h = append(*h, x.(deadline))
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
