package main

import (
	"errors"
	"testing"
	"time"
)

func TestFailureThresholdDisables(t *testing.T) {
	h := newAccountHealth(3, time.Minute)
	cause := errors.New("boom")

	h.recordFailure("a1", cause)
	h.recordFailure("a1", cause)
	if !h.shouldRetry() {
		t.Fatalf("account should stay eligible below the failure threshold")
	}

	h.recordFailure("a1", cause)
	if h.shouldRetry() {
		t.Fatalf("account should be disabled at the failure threshold")
	}
	if sec, reason := h.cooldownInfo(); sec != -1 || reason != "error_disabled" {
		t.Fatalf("cooldownInfo = (%d, %q), want (-1, error_disabled)", sec, reason)
	}

	// Only an explicit enable recovers from error disablement.
	time.Sleep(10 * time.Millisecond)
	if h.shouldRetry() {
		t.Fatalf("error disablement must not recover on its own")
	}
	h.enable()
	if !h.shouldRetry() {
		t.Fatalf("enable should restore eligibility")
	}
	if h.snapshot().ErrorCount != 0 {
		t.Fatalf("enable should reset the error counter")
	}
}

func TestRateLimitCooldownRecovers(t *testing.T) {
	h := newAccountHealth(3, 50*time.Millisecond)

	h.recordRateLimit("a1")
	if h.shouldRetry() {
		t.Fatalf("account should be ineligible during cooldown")
	}
	if sec, reason := h.cooldownInfo(); sec <= 0 || reason != "rate_limited" {
		t.Fatalf("cooldownInfo = (%d, %q), want positive rate_limited", sec, reason)
	}

	time.Sleep(70 * time.Millisecond)
	if !h.shouldRetry() {
		t.Fatalf("cooldown should lapse without operator action")
	}
	if sec, reason := h.cooldownInfo(); sec != 0 || reason != "" {
		t.Fatalf("cooldownInfo after recovery = (%d, %q), want (0, empty)", sec, reason)
	}
}

func TestRateLimitReportedBeforeDisable(t *testing.T) {
	h := newAccountHealth(2, 50*time.Millisecond)
	cause := errors.New("boom")

	h.recordFailure("a1", cause)
	h.recordFailure("a1", cause)
	h.recordRateLimit("a1")

	// The live cooldown takes priority over the permanent disablement in
	// status reporting.
	if sec, reason := h.cooldownInfo(); sec <= 0 || reason != "rate_limited" {
		t.Fatalf("cooldownInfo = (%d, %q), want rate_limited while cooling down", sec, reason)
	}

	// Once the cooldown lapses the account comes back even though it was
	// independently error-disabled.
	time.Sleep(70 * time.Millisecond)
	if !h.shouldRetry() {
		t.Fatalf("cooldown recovery should restore the account")
	}
}

func TestSuccessResetsErrors(t *testing.T) {
	h := newAccountHealth(3, time.Minute)
	cause := errors.New("boom")

	h.recordFailure("a1", cause)
	h.recordFailure("a1", cause)
	h.recordSuccess()
	if got := h.snapshot().ErrorCount; got != 0 {
		t.Fatalf("error count after success = %d, want 0", got)
	}
	h.recordFailure("a1", cause)
	h.recordFailure("a1", cause)
	if !h.shouldRetry() {
		t.Fatalf("counter should have restarted after the success")
	}
}

func TestMarkExpired(t *testing.T) {
	h := newAccountHealth(3, time.Minute)
	h.markExpired("a1")
	if h.shouldRetry() {
		t.Fatalf("expired account must be ineligible")
	}
	if sec, reason := h.cooldownInfo(); sec != -1 || reason != "error_disabled" {
		t.Fatalf("cooldownInfo = (%d, %q), want (-1, error_disabled)", sec, reason)
	}
}

func TestRestorePreservesState(t *testing.T) {
	h := newAccountHealth(3, time.Minute)
	h.recordFailure("a1", errors.New("boom"))
	snap := h.snapshot()

	fresh := newAccountHealth(3, time.Minute)
	fresh.restore(snap)
	got := fresh.snapshot()
	if got.ErrorCount != 1 || !got.Available {
		t.Fatalf("restored snapshot = %+v, want error_count=1 available=true", got)
	}
}
