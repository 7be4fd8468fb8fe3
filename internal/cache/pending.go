// Package cache holds the small in-process maps that bridge gateway events:
// the pending-join cache and the handled-request-flag set. Both are owned,
// mutex-guarded values injected into the handlers that need them.
package cache

import (
	"sync"
	"time"
)

// PendingIdentity is a resolved-but-unconfirmed VRChat identity captured at
// join-request time, waiting for the member-joined notice.
type PendingIdentity struct {
	VRCUserID string
	VRCName   string
	At        time.Time
}

// PendingJoinCache maps chat account ids to pending identities. The gateway
// may deliver the join notice late or out of order relative to the request;
// entries older than the TTL are treated as absent.
type PendingJoinCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[uint64]PendingIdentity
	now     func() time.Time
}

// NewPendingJoinCache creates a cache with the given entry TTL.
func NewPendingJoinCache(ttl time.Duration) *PendingJoinCache {
	return &PendingJoinCache{
		ttl:     ttl,
		entries: make(map[uint64]PendingIdentity),
		now:     time.Now,
	}
}

// Put stores the resolved identity for a chat account, replacing any
// earlier entry.
func (c *PendingJoinCache) Put(chatID uint64, vrcUserID, vrcName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[chatID] = PendingIdentity{VRCUserID: vrcUserID, VRCName: vrcName, At: c.now()}
}

// Take removes and returns the entry for a chat account. Entries past the
// TTL are dropped and reported absent.
func (c *PendingJoinCache) Take(chatID uint64) (PendingIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[chatID]
	if !ok {
		return PendingIdentity{}, false
	}
	delete(c.entries, chatID)
	if c.now().Sub(entry.At) >= c.ttl {
		return PendingIdentity{}, false
	}
	return entry, true
}

// Peek returns the entry without consuming it, applying the same TTL rule.
func (c *PendingJoinCache) Peek(chatID uint64) (PendingIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[chatID]
	if !ok || c.now().Sub(entry.At) >= c.ttl {
		return PendingIdentity{}, false
	}
	return entry, true
}

// Prune drops every expired entry. Registered as a cleanup job so
// abandoned joins do not accumulate.
func (c *PendingJoinCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for chatID, entry := range c.entries {
		if c.now().Sub(entry.At) >= c.ttl {
			delete(c.entries, chatID)
			removed++
		}
	}
	return removed
}

// FlagSet deduplicates join-request flags so a replayed request event
// produces exactly one side effect. Each flag is evicted individually
// once it outlives the retention window, so a cleanup pass never forgets
// a flag the gateway could still redeliver.
type FlagSet struct {
	mu    sync.Mutex
	ttl   time.Duration
	flags map[string]time.Time
	now   func() time.Time
}

// NewFlagSet creates an empty flag set with the given retention window.
func NewFlagSet(ttl time.Duration) *FlagSet {
	return &FlagSet{
		ttl:   ttl,
		flags: make(map[string]time.Time),
		now:   time.Now,
	}
}

// MarkHandled records the flag and reports whether it was new. A flag
// seen within the retention window is a replay; its original timestamp
// is kept so replays never extend retention.
func (f *FlagSet) MarkHandled(flag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if at, seen := f.flags[flag]; seen && f.now().Sub(at) < f.ttl {
		return false
	}
	f.flags[flag] = f.now()
	return true
}

// Prune drops flags past the retention window. Registered as a cleanup
// job so handled flags do not accumulate forever.
func (f *FlagSet) Prune() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for flag, at := range f.flags {
		if f.now().Sub(at) >= f.ttl {
			delete(f.flags, flag)
			removed++
		}
	}
	return removed
}
