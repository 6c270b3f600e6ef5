package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testRecord(id string) CredentialRecord {
	return CredentialRecord{
		AccountID:     id,
		SecureSession: "ses-" + id,
		SessionIndex:  id,
		ConfigID:      "cfg-" + id,
	}
}

func newTestPool(t *testing.T, ids ...string) *accountPool {
	t.Helper()
	p := newAccountPool(3, time.Minute, nil)
	for _, id := range ids {
		if err := p.add(testRecord(id)); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	return p
}

func TestRoundRobinVisitsEachAccountOnce(t *testing.T) {
	p := newTestPool(t, "a1", "a2", "a3", "a4")

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		acc, err := p.selectAccount("", nil)
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		seen[acc.id()]++
	}
	if len(seen) != 4 {
		t.Fatalf("4 selections over 4 accounts visited %d distinct accounts, want a permutation: %v", len(seen), seen)
	}
}

func TestSelectExplicitAccount(t *testing.T) {
	p := newTestPool(t, "a1", "a2")

	acc, err := p.selectAccount("a2", nil)
	if err != nil {
		t.Fatalf("explicit select: %v", err)
	}
	if acc.id() != "a2" {
		t.Fatalf("explicit select returned %s, want a2", acc.id())
	}

	if _, err := p.selectAccount("missing", nil); !errors.Is(err, errAccountNotFound) {
		t.Fatalf("unknown id error = %v, want errAccountNotFound", err)
	}

	if err := p.disable("a2"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := p.selectAccount("a2", nil); !errors.Is(err, errAccountUnavailable) {
		t.Fatalf("disabled explicit select error = %v, want errAccountUnavailable", err)
	}
}

func TestDisabledAccountExcludedFromRotation(t *testing.T) {
	p := newTestPool(t, "a1", "a2")
	if err := p.disable("a1"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	// a1's health is untouched; the operator flag alone excludes it.
	if !p.get("a1").health.shouldRetry() {
		t.Fatalf("disable should not alter health state")
	}
	for i := 0; i < 5; i++ {
		acc, err := p.selectAccount("", nil)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if acc.id() == "a1" {
			t.Fatalf("disabled account selected")
		}
	}
}

func TestExpiredAccountExcluded(t *testing.T) {
	p := newTestPool(t, "a1")
	expired := testRecord("old")
	expired.ExpiresAt = "2020-01-01 00:00:00"
	if err := p.add(expired); err != nil {
		t.Fatalf("add expired: %v", err)
	}

	for i := 0; i < 4; i++ {
		acc, err := p.selectAccount("", nil)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if acc.id() == "old" {
			t.Fatalf("expired account selected")
		}
	}
	if _, err := p.selectAccount("old", nil); !errors.Is(err, errAccountUnavailable) {
		t.Fatalf("expired explicit select error = %v, want errAccountUnavailable", err)
	}
}

func TestPoolExhausted(t *testing.T) {
	p := newTestPool(t, "a1", "a2")
	exclude := map[string]bool{"a1": true, "a2": true}
	if _, err := p.selectAccount("", exclude); !errors.Is(err, errPoolExhausted) {
		t.Fatalf("exhausted error = %v, want errPoolExhausted", err)
	}
}

func TestReloadPreservesRuntimeState(t *testing.T) {
	p := newTestPool(t, "a1", "a2")
	p.get("a1").health.recordFailure("a1", errors.New("boom"))
	p.get("a1").health.recordFailure("a1", errors.New("boom"))
	p.get("a1").conversations.Store(7)

	p.reload([]CredentialRecord{testRecord("a1"), testRecord("a3")})

	if p.count() != 2 {
		t.Fatalf("pool count after reload = %d, want 2", p.count())
	}
	if p.get("a2") != nil {
		t.Fatalf("removed account survived reload")
	}
	a1 := p.get("a1")
	if got := a1.health.snapshot().ErrorCount; got != 2 {
		t.Fatalf("a1 error count after reload = %d, want 2", got)
	}
	if got := a1.conversations.Load(); got != 7 {
		t.Fatalf("a1 conversation count after reload = %d, want 7", got)
	}
	a3 := p.get("a3")
	if a3 == nil || !a3.eligible(time.Now()) {
		t.Fatalf("new account should start eligible")
	}
}

func TestReloadWithNewSecretsDropsCachedToken(t *testing.T) {
	p := newTestPool(t, "a1")
	acc := p.get("a1")
	acc.mu.Lock()
	acc.token = "cached"
	acc.tokenExp = time.Now().Add(time.Hour)
	acc.mu.Unlock()

	rec := testRecord("a1")
	rec.SecureSession = "rotated"
	p.reload([]CredentialRecord{rec})

	acc = p.get("a1")
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.token != "" {
		t.Fatalf("cached token should be dropped when secrets change")
	}
}

func TestAddRestoresConversationCountFromStats(t *testing.T) {
	stats, err := newStatsStore(filepath.Join(t.TempDir(), "stats.db"), 1)
	if err != nil {
		t.Fatalf("open stats: %v", err)
	}
	defer stats.Close()
	if err := stats.addConversation("a1", 9); err != nil {
		t.Fatalf("seed stats: %v", err)
	}

	p := newAccountPool(3, time.Minute, stats)
	if err := p.add(testRecord("a1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := p.get("a1").conversations.Load(); got != 9 {
		t.Fatalf("restored conversation count = %d, want 9", got)
	}
}
