package main

import (
	"log"
	"sort"
	"sync"
	"time"
)

// sessionBinding ties a conversation fingerprint to the account and upstream
// session currently serving it.
type sessionBinding struct {
	AccountID string
	SessionID string
	UpdatedAt time.Time
}

// sessionCache maps conversation fingerprints to session bindings, with TTL
// eviction and a capacity cap, plus a bounded per-fingerprint lock table.
//
// Callers must hold the fingerprint's lock for the whole read-modify-use
// sequence of a binding within one request, so two concurrent turns on the
// same conversation never create divergent upstream sessions.
type sessionCache struct {
	mu       sync.Mutex
	bindings map[string]*sessionBinding
	locks    map[string]*sync.Mutex

	ttl          time.Duration
	maxSize      int
	lockTableMax int
}

func newSessionCache(ttl time.Duration, maxSize, lockTableMax int) *sessionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	if lockTableMax <= 0 {
		lockTableMax = 2000
	}
	return &sessionCache{
		bindings:     make(map[string]*sessionBinding),
		locks:        make(map[string]*sync.Mutex),
		ttl:          ttl,
		maxSize:      maxSize,
		lockTableMax: lockTableMax,
	}
}

// lockFor returns the mutex for a fingerprint, creating it lazily. When the
// lock table exceeds its cap, half of the locks whose fingerprint no longer
// exists in the cache are pruned, which bounds cleanup cost per call.
func (c *sessionCache) lockFor(fingerprint string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[fingerprint]; ok {
		return l
	}
	if len(c.locks) >= c.lockTableMax {
		orphans := make([]string, 0)
		for fp := range c.locks {
			if _, live := c.bindings[fp]; !live {
				orphans = append(orphans, fp)
			}
		}
		pruned := 0
		for _, fp := range orphans[:len(orphans)/2] {
			delete(c.locks, fp)
			pruned++
		}
		if pruned > 0 {
			log.Printf("session lock table pruned %d orphaned locks (%d remain)", pruned, len(c.locks))
		}
	}
	l := &sync.Mutex{}
	c.locks[fingerprint] = l
	return l
}

// get returns the live binding for a fingerprint. Entries past their TTL are
// dropped on read rather than waiting for the next sweep.
func (c *sessionCache) get(fingerprint string) (sessionBinding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[fingerprint]
	if !ok {
		return sessionBinding{}, false
	}
	if time.Since(b.UpdatedAt) > c.ttl {
		delete(c.bindings, fingerprint)
		return sessionBinding{}, false
	}
	return *b, true
}

// set upserts a binding with a fresh timestamp and enforces the size cap.
func (c *sessionCache) set(fingerprint, accountID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[fingerprint] = &sessionBinding{
		AccountID: accountID,
		SessionID: sessionID,
		UpdatedAt: time.Now(),
	}
	c.enforceCapLocked()
}

// touch refreshes updated_at without changing the binding, keeping a reused
// session alive under the TTL.
func (c *sessionCache) touch(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bindings[fingerprint]; ok {
		b.UpdatedAt = time.Now()
	}
}

func (c *sessionCache) remove(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bindings, fingerprint)
}

// removeAccount drops every binding pointing at an account, used when the
// account is deleted or vanishes on reload.
func (c *sessionCache) removeAccount(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for fp, b := range c.bindings {
		if b.AccountID == accountID {
			delete(c.bindings, fp)
			n++
		}
	}
	return n
}

func (c *sessionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bindings)
}

// sweep removes TTL-expired entries, then trims to 80% of capacity
// oldest-first if the cache is still over its cap.
func (c *sessionCache) sweep() (expired, trimmed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for fp, b := range c.bindings {
		if now.Sub(b.UpdatedAt) > c.ttl {
			delete(c.bindings, fp)
			expired++
		}
	}
	trimmed = c.enforceCapLocked()
	if expired > 0 || trimmed > 0 {
		log.Printf("session cache sweep: %d expired, %d trimmed, %d remain", expired, trimmed, len(c.bindings))
	}
	return expired, trimmed
}

// enforceCapLocked trims the cache to 80% of maxSize, oldest-updated first.
// Caller holds c.mu.
func (c *sessionCache) enforceCapLocked() int {
	if len(c.bindings) <= c.maxSize {
		return 0
	}
	type entry struct {
		fp string
		at time.Time
	}
	entries := make([]entry, 0, len(c.bindings))
	for fp, b := range c.bindings {
		entries = append(entries, entry{fp, b.UpdatedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	target := c.maxSize * 8 / 10
	n := 0
	for _, e := range entries {
		if len(c.bindings) <= target {
			break
		}
		delete(c.bindings, e.fp)
		n++
	}
	return n
}
