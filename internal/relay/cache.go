package relay

import (
	"sync/atomic"
	"time"
)

// Cache is a single-slot "latest value wins" cell shared by the poller
// (writer) and every destination timer (readers).
//
// Reads never block and always observe a whole snapshot: the slot holds one
// immutable entry that Set replaces with a pointer swap.
type Cache struct {
	cur atomic.Pointer[cacheEntry]
}

type cacheEntry struct {
	snap    *Snapshot
	version uint64
	at      time.Time
}

func NewCache() *Cache { return &Cache{} }

// Set replaces the held snapshot. A nil snapshot is ignored.
func (c *Cache) Set(s *Snapshot) {
	if s == nil {
		return
	}
	now := time.Now()
	for {
		old := c.cur.Load()
		var v uint64 = 1
		if old != nil {
			v = old.version + 1
		}
		if c.cur.CompareAndSwap(old, &cacheEntry{snap: s, version: v, at: now}) {
			return
		}
	}
}

// Current returns the most recently set snapshot, or (nil, false) when
// nothing has been set yet.
func (c *Cache) Current() (*Snapshot, bool) {
	e := c.cur.Load()
	if e == nil {
		return nil, false
	}
	return e.snap, true
}

// Version counts Set calls; 0 means empty.
func (c *Cache) Version() uint64 {
	if e := c.cur.Load(); e != nil {
		return e.version
	}
	return 0
}

// UpdatedAt is the time of the last Set (zero when empty).
func (c *Cache) UpdatedAt() time.Time {
	if e := c.cur.Load(); e != nil {
		return e.at
	}
	return time.Time{}
}
