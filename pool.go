package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// pooledAccount pairs a credential record with its runtime health state and
// a cached minted token.
type pooledAccount struct {
	mu     sync.Mutex
	record CredentialRecord
	health *accountHealth

	conversations atomic.Int64

	token    string
	tokenExp time.Time
}

func (a *pooledAccount) id() string { return a.record.AccountID }

func (a *pooledAccount) snapshotRecord() CredentialRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record
}

// mintToken returns a valid bearer token for the account, reusing the cached
// one while it still has at least a minute of life. Health bookkeeping
// happens here so callers only classify the returned error.
func (a *pooledAccount) mintToken(ctx context.Context, minter *tokenMinter) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Until(a.tokenExp) > time.Minute {
		tok := a.token
		a.mu.Unlock()
		return tok, nil
	}
	rec := a.record
	a.mu.Unlock()

	tok, exp, err := minter.mint(ctx, rec)
	if err != nil {
		if errors.Is(err, errCredentialExpired) {
			a.health.markExpired(rec.AccountID)
		} else if isRateLimited(err) {
			a.health.recordRateLimit(rec.AccountID)
		} else {
			a.health.recordFailure(rec.AccountID, err)
		}
		return "", err
	}
	a.health.recordSuccess()

	a.mu.Lock()
	a.token = tok
	a.tokenExp = exp
	a.mu.Unlock()
	return tok, nil
}

// cachedToken returns the cached token if one is still live.
func (a *pooledAccount) cachedToken() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.tokenExp) {
		return a.token, true
	}
	return "", false
}

// dropToken discards the cached token so the next use mints a fresh one.
func (a *pooledAccount) dropToken() {
	a.mu.Lock()
	a.token = ""
	a.tokenExp = time.Time{}
	a.mu.Unlock()
}

// eligible reports whether the account may serve new work right now.
func (a *pooledAccount) eligible(now time.Time) bool {
	a.mu.Lock()
	rec := a.record
	a.mu.Unlock()
	return !rec.Disabled && !rec.expired(now) && a.health.shouldRetry()
}

// accountPool coordinates selection over the registered accounts. Accounts
// keep their registration order; implicit selection walks a shared
// round-robin cursor.
type accountPool struct {
	mu       sync.RWMutex
	accounts []*pooledAccount
	byID     map[string]*pooledAccount

	rrMu sync.Mutex
	rr   int

	failureThreshold int
	cooldown         time.Duration
	stats            *statsStore
}

func newAccountPool(failureThreshold int, cooldown time.Duration, stats *statsStore) *accountPool {
	return &accountPool{
		byID:             make(map[string]*pooledAccount),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		stats:            stats,
	}
}

// add registers a new account in AVAILABLE state. The lifetime conversation
// counter is restored from persisted stats when present.
func (p *accountPool) add(rec CredentialRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[rec.AccountID]; ok {
		return fmt.Errorf("%w: duplicate account_id %s", errConfigInvalid, rec.AccountID)
	}
	acc := &pooledAccount{
		record: rec,
		health: newAccountHealth(p.failureThreshold, p.cooldown),
	}
	if p.stats != nil {
		acc.conversations.Store(p.stats.conversationCount(rec.AccountID))
	}
	p.accounts = append(p.accounts, acc)
	p.byID[rec.AccountID] = acc
	return nil
}

func (p *accountPool) get(id string) *pooledAccount {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

func (p *accountPool) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// selectAccount picks an account for a new upstream session.
//
// With an explicit id the lookup is direct and fails with errAccountNotFound
// or errAccountUnavailable. Otherwise the eligible set is filtered
// optimistically against the live pool and only the cursor increment is
// serialized; eligibility can change between filter and use, which is
// tolerated because a stale selection just fails over on the next attempt.
// Rotation is fair, not strictly ordered.
func (p *accountPool) selectAccount(explicitID string, exclude map[string]bool) (*pooledAccount, error) {
	now := time.Now()

	if explicitID != "" {
		acc := p.get(explicitID)
		if acc == nil {
			return nil, fmt.Errorf("%w: %s", errAccountNotFound, explicitID)
		}
		if !acc.eligible(now) {
			return nil, fmt.Errorf("%w: %s", errAccountUnavailable, explicitID)
		}
		return acc, nil
	}

	p.mu.RLock()
	eligible := make([]*pooledAccount, 0, len(p.accounts))
	for _, acc := range p.accounts {
		if exclude[acc.id()] {
			continue
		}
		if acc.eligible(now) {
			eligible = append(eligible, acc)
		}
	}
	p.mu.RUnlock()

	if len(eligible) == 0 {
		return nil, errPoolExhausted
	}

	p.rrMu.Lock()
	idx := p.rr % len(eligible)
	p.rr++
	p.rrMu.Unlock()
	return eligible[idx], nil
}

func (p *accountPool) eligibleCount() int {
	now := time.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, acc := range p.accounts {
		if acc.eligible(now) {
			n++
		}
	}
	return n
}

func (p *accountPool) disable(id string) error {
	acc := p.get(id)
	if acc == nil {
		return fmt.Errorf("%w: %s", errAccountNotFound, id)
	}
	acc.mu.Lock()
	acc.record.Disabled = true
	acc.mu.Unlock()
	log.Printf("account %s disabled by operator", id)
	return nil
}

// enable clears the operator flag and resets the health tracker.
func (p *accountPool) enable(id string) error {
	acc := p.get(id)
	if acc == nil {
		return fmt.Errorf("%w: %s", errAccountNotFound, id)
	}
	acc.mu.Lock()
	acc.record.Disabled = false
	acc.mu.Unlock()
	acc.health.enable()
	log.Printf("account %s enabled by operator", id)
	return nil
}

func (p *accountPool) delete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[id]; !ok {
		return fmt.Errorf("%w: %s", errAccountNotFound, id)
	}
	delete(p.byID, id)
	for i, acc := range p.accounts {
		if acc.id() == id {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			break
		}
	}
	log.Printf("account %s removed from pool", id)
	return nil
}

// reload swaps in a new set of credential records. Surviving accounts keep
// their health state, cached token and conversation counter, matched by
// account_id. Removed accounts are dropped; new ones start AVAILABLE.
func (p *accountPool) reload(recs []CredentialRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.byID
	accounts := make([]*pooledAccount, 0, len(recs))
	byID := make(map[string]*pooledAccount, len(recs))
	kept, added := 0, 0
	for _, rec := range recs {
		if prev, ok := old[rec.AccountID]; ok {
			prev.mu.Lock()
			sameSecrets := prev.record.SecureSession == rec.SecureSession &&
				prev.record.HostSession == rec.HostSession
			prev.record = rec
			if !sameSecrets {
				prev.token = ""
				prev.tokenExp = time.Time{}
			}
			prev.mu.Unlock()
			accounts = append(accounts, prev)
			byID[rec.AccountID] = prev
			kept++
			continue
		}
		acc := &pooledAccount{
			record: rec,
			health: newAccountHealth(p.failureThreshold, p.cooldown),
		}
		if p.stats != nil {
			acc.conversations.Store(p.stats.conversationCount(rec.AccountID))
		}
		accounts = append(accounts, acc)
		byID[rec.AccountID] = acc
		added++
	}
	removed := len(old) - kept
	p.accounts = accounts
	p.byID = byID
	log.Printf("pool reloaded: %d kept, %d added, %d removed", kept, added, removed)
}

// dropTokens invalidates every cached token, forcing fresh mints. Called
// after a transport swap so new connections pick up the new proxy path.
func (p *accountPool) dropTokens() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, acc := range p.accounts {
		acc.dropToken()
	}
}

// accountStatus is the admin-facing view of one account.
type accountStatus struct {
	AccountID       string    `json:"account_id"`
	Disabled        bool      `json:"disabled"`
	Available       bool      `json:"available"`
	ErrorCount      int       `json:"error_count"`
	CooldownSeconds int       `json:"cooldown_seconds"`
	CooldownReason  string    `json:"cooldown_reason,omitempty"`
	Conversations   int64     `json:"conversations"`
	ExpiresAt       string    `json:"expires_at,omitempty"`
	Expired         bool      `json:"expired"`
	LastErrorTime   time.Time `json:"last_error_time,omitzero"`
	LastRateLimit   time.Time `json:"last_rate_limit_time,omitzero"`
	RemainingHours  float64   `json:"remaining_hours,omitempty"`
}

func (p *accountPool) statuses() []accountStatus {
	now := time.Now()
	p.mu.RLock()
	accounts := make([]*pooledAccount, len(p.accounts))
	copy(accounts, p.accounts)
	p.mu.RUnlock()

	out := make([]accountStatus, 0, len(accounts))
	for _, acc := range accounts {
		rec := acc.snapshotRecord()
		hs := acc.health.snapshot()
		remaining, reason := acc.health.cooldownInfo()
		st := accountStatus{
			AccountID:       rec.AccountID,
			Disabled:        rec.Disabled,
			Available:       hs.Available,
			ErrorCount:      hs.ErrorCount,
			CooldownSeconds: remaining,
			CooldownReason:  reason,
			Conversations:   acc.conversations.Load(),
			ExpiresAt:       rec.ExpiresAt,
			Expired:         rec.expired(now),
			LastErrorTime:   hs.LastErrorTime,
			LastRateLimit:   hs.LastRateLimitTime,
		}
		if exp, ok := rec.expiresTime(); ok {
			st.RemainingHours = time.Until(exp).Hours()
		}
		out = append(out, st)
	}
	return out
}

// records returns the current credential records in registration order,
// used when persisting admin mutations back to disk.
func (p *accountPool) records() []CredentialRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]CredentialRecord, 0, len(p.accounts))
	for _, acc := range p.accounts {
		out = append(out, acc.snapshotRecord())
	}
	return out
}

// sweepExpired deactivates accounts whose credentials have lapsed so they
// stop showing up as failed selections.
func (p *accountPool) sweepExpired() int {
	now := time.Now()
	p.mu.RLock()
	accounts := make([]*pooledAccount, len(p.accounts))
	copy(accounts, p.accounts)
	p.mu.RUnlock()

	n := 0
	for _, acc := range accounts {
		rec := acc.snapshotRecord()
		if rec.expired(now) && acc.health.snapshot().Available {
			acc.health.markExpired(rec.AccountID)
			n++
		}
	}
	return n
}
