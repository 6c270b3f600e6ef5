package main

import (
	"log"
	"sync"
	"time"
)

// accountHealth tracks the runtime availability of one account. It is not
// persisted; every process start begins with a clean slate.
//
// States: available, cooling down after a 429, or disabled after repeated
// failures. Cooldown recovery happens lazily on the next eligibility check.
// Failure-triggered disablement only clears through an explicit enable.
type accountHealth struct {
	mu                sync.Mutex
	available         bool
	errorCount        int
	lastErrorTime     time.Time
	lastRateLimitTime time.Time

	failureThreshold int
	cooldown         time.Duration
}

func newAccountHealth(failureThreshold int, cooldown time.Duration) *accountHealth {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 600 * time.Second
	}
	return &accountHealth{
		available:        true,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
	}
}

// recordFailure counts a token-mint or request failure and disables the
// account once the threshold is reached.
func (h *accountHealth) recordFailure(accountID string, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.lastErrorTime = time.Now()
	if h.errorCount >= h.failureThreshold {
		h.available = false
		log.Printf("account %s disabled after %d consecutive errors: %v", accountID, h.errorCount, cause)
	} else {
		log.Printf("warning: account %s error %d/%d: %v", accountID, h.errorCount, h.failureThreshold, cause)
	}
}

// recordRateLimit starts the cooldown window. The account recovers on its
// own once the window has elapsed.
func (h *accountHealth) recordRateLimit(accountID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRateLimitTime = time.Now()
	log.Printf("warning: account %s rate limited, cooling down for %v", accountID, h.cooldown)
}

// recordSuccess resets the failure counter. A single success clears prior
// transient failures.
func (h *accountHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount = 0
	h.available = true
}

// markExpired takes the account out of rotation immediately, regardless of
// the error counter. Used when the credential itself has expired.
func (h *accountHealth) markExpired(accountID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.available {
		log.Printf("account %s credential expired, marking unavailable", accountID)
	}
	h.available = false
}

// enable is the operator reset: clears counters, cooldown and disablement.
func (h *accountHealth) enable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.available = true
	h.errorCount = 0
	h.lastErrorTime = time.Time{}
	h.lastRateLimitTime = time.Time{}
}

// shouldRetry reports whether the account is eligible for new work.
// An elapsed cooldown window restores availability as a side effect.
func (h *accountHealth) shouldRetry() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.lastRateLimitTime.IsZero() {
		if time.Since(h.lastRateLimitTime) < h.cooldown {
			return false
		}
		// Cooldown elapsed; automatic recovery.
		h.lastRateLimitTime = time.Time{}
		h.available = true
		h.errorCount = 0
	}
	return h.available
}

// cooldownInfo returns (seconds remaining, reason). Healthy accounts report
// (0, ""). A live rate-limit cooldown reports its remaining seconds; it is
// checked before permanent disablement because a 429 can land on an already
// disabled account and the remaining time is the more actionable signal.
// Permanently disabled accounts report (-1, "error_disabled").
func (h *accountHealth) cooldownInfo() (int, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.lastRateLimitTime.IsZero() {
		remaining := h.cooldown - time.Since(h.lastRateLimitTime)
		if remaining > 0 {
			return int(remaining.Seconds()) + 1, "rate_limited"
		}
	}
	if !h.available {
		return -1, "error_disabled"
	}
	return 0, ""
}

type healthSnapshot struct {
	Available         bool      `json:"available"`
	ErrorCount        int       `json:"error_count"`
	LastErrorTime     time.Time `json:"last_error_time,omitzero"`
	LastRateLimitTime time.Time `json:"last_rate_limit_time,omitzero"`
}

func (h *accountHealth) snapshot() healthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return healthSnapshot{
		Available:         h.available,
		ErrorCount:        h.errorCount,
		LastErrorTime:     h.lastErrorTime,
		LastRateLimitTime: h.lastRateLimitTime,
	}
}

// restore reinstates previously captured runtime state. Used by hot reload
// so a surviving account keeps its counters across a configuration swap.
func (h *accountHealth) restore(s healthSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.available = s.Available
	h.errorCount = s.ErrorCount
	h.lastErrorTime = s.LastErrorTime
	h.lastRateLimitTime = s.LastRateLimitTime
}
