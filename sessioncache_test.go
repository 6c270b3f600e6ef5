package main

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheGetExpiresByTTL(t *testing.T) {
	c := newSessionCache(30*time.Millisecond, 10, 20)
	c.set("fp1", "a1", "s1")

	if b, ok := c.get("fp1"); !ok || b.SessionID != "s1" {
		t.Fatalf("fresh binding missing: %+v %v", b, ok)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.get("fp1"); ok {
		t.Fatalf("binding should expire after the TTL")
	}
}

func TestCacheTouchKeepsBindingAlive(t *testing.T) {
	c := newSessionCache(60*time.Millisecond, 10, 20)
	c.set("fp1", "a1", "s1")

	time.Sleep(40 * time.Millisecond)
	c.touch("fp1")
	time.Sleep(40 * time.Millisecond)

	if _, ok := c.get("fp1"); !ok {
		t.Fatalf("touched binding should survive past the original TTL")
	}
}

func TestCacheSweepRemovesExpired(t *testing.T) {
	c := newSessionCache(20*time.Millisecond, 10, 20)
	for i := 0; i < 3; i++ {
		c.set(fmt.Sprintf("fp%d", i), "a1", "s1")
	}
	time.Sleep(40 * time.Millisecond)

	expired, _ := c.sweep()
	if expired != 3 {
		t.Fatalf("sweep expired %d entries, want 3", expired)
	}
	if c.len() != 0 {
		t.Fatalf("cache length after sweep = %d, want 0", c.len())
	}
}

func TestCacheCapacityTrimsOldestFirst(t *testing.T) {
	c := newSessionCache(time.Hour, 10, 40)
	for i := 0; i < 11; i++ {
		c.set(fmt.Sprintf("fp%02d", i), "a1", "s1")
		time.Sleep(2 * time.Millisecond)
	}

	// Inserting past the cap trims down to 80%.
	if got := c.len(); got != 8 {
		t.Fatalf("cache length after overflow = %d, want 8", got)
	}
	if _, ok := c.get("fp00"); ok {
		t.Fatalf("oldest entry should have been trimmed")
	}
	if _, ok := c.get("fp10"); !ok {
		t.Fatalf("newest entry should survive the trim")
	}
}

func TestLockTablePrunesOrphans(t *testing.T) {
	c := newSessionCache(time.Hour, 10, 4)

	// Locks without live bindings are orphans.
	for i := 0; i < 4; i++ {
		c.lockFor(fmt.Sprintf("orphan%d", i))
	}
	c.lockFor("fresh")

	c.mu.Lock()
	n := len(c.locks)
	c.mu.Unlock()
	// Half of the four orphans pruned, plus the new lock.
	if n != 3 {
		t.Fatalf("lock table size after pruning = %d, want 3", n)
	}
}

func TestLockTableSingleOrphanLeftAlone(t *testing.T) {
	c := newSessionCache(time.Hour, 10, 2)

	orphan := c.lockFor("orphan")
	c.set("live", "a1", "s1")
	c.lockFor("live")

	// Table at cap with one orphan: half of one rounds down to zero
	// deletions, so the orphan's mutex must survive.
	c.lockFor("fresh")
	if c.lockFor("orphan") != orphan {
		t.Fatalf("orphan lock replaced; pruning removed more than half")
	}
	c.mu.Lock()
	n := len(c.locks)
	c.mu.Unlock()
	if n != 3 {
		t.Fatalf("lock table size = %d, want 3", n)
	}
}

func TestLockForReturnsSameMutex(t *testing.T) {
	c := newSessionCache(time.Hour, 10, 20)
	if c.lockFor("fp1") != c.lockFor("fp1") {
		t.Fatalf("lockFor must return a stable mutex per fingerprint")
	}
	if c.lockFor("fp1") == c.lockFor("fp2") {
		t.Fatalf("distinct fingerprints must get distinct mutexes")
	}
}

func TestCacheRemoveAccount(t *testing.T) {
	c := newSessionCache(time.Hour, 10, 20)
	c.set("fp1", "a1", "s1")
	c.set("fp2", "a1", "s2")
	c.set("fp3", "a2", "s3")

	if n := c.removeAccount("a1"); n != 2 {
		t.Fatalf("removeAccount dropped %d bindings, want 2", n)
	}
	if _, ok := c.get("fp3"); !ok {
		t.Fatalf("bindings of other accounts must survive")
	}
}
