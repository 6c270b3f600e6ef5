package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

// retrySettings bounds the failover behavior of a single turn.
type retrySettings struct {
	maxNewSessionTries    int
	maxRequestRetries     int
	maxAccountSwitchTries int
}

func defaultRetrySettings() retrySettings {
	return retrySettings{
		maxNewSessionTries:    5,
		maxRequestRetries:     3,
		maxAccountSwitchTries: 5,
	}
}

// orchestrator drives one chat turn end to end: resolve the session binding
// under the conversation lock, call upstream, and on retriable failure
// rotate to another account with a full-context resend.
type orchestrator struct {
	pool     *accountPool
	cache    *sessionCache
	minter   *tokenMinter
	upstream upstreamClient
	stats    *statsStore
	metrics  *gatewayMetrics
	recent   *recentErrors

	retry       retrySettings
	turnTimeout time.Duration
	debug       bool
}

type turnRequest struct {
	RequestID         string
	Fingerprint       string
	Messages          []ChatMessage
	Model             string
	ExplicitAccountID string
	Attachments       []attachmentData
}

// clientWriteError marks a failure to write to the caller. Not retriable:
// the client is gone.
type clientWriteError struct{ err error }

func (e *clientWriteError) Error() string { return "write to client: " + e.err.Error() }
func (e *clientWriteError) Unwrap() error { return e.err }

// runTurn executes one chat turn, streaming assistant text through emit.
// The per-fingerprint lock is held for the whole turn so concurrent turns
// on one conversation serialize instead of racing to create sessions.
//
// A non-nil return means the turn failed; the caller decides whether that
// becomes an HTTP error or an inline stream error depending on how much
// output was already written.
func (o *orchestrator) runTurn(ctx context.Context, req turnRequest, emit func(text string) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	lock := o.cache.lockFor(req.Fingerprint)
	lock.Lock()
	defer lock.Unlock()

	excluded := make(map[string]bool)

	acct, sessionID, reused, err := o.resolveSession(ctx, req, excluded)
	if err != nil {
		o.metrics.turnFinished("resolve_failed")
		return err
	}
	if o.debug {
		log.Printf("[%s] conversation %.12s bound to account %s session %.12s (reused=%v)",
			req.RequestID, req.Fingerprint, acct.id(), sessionID, reused)
	}

	// A fresh session has no memory, so a turn with prior history must
	// resend the whole conversation instead of only the newest message.
	fullContext := !reused && len(req.Messages) > 1
	createdSession := !reused
	uploaded := false
	var fileIDs []string
	emitted := false
	retries := 0

	for {
		// The binding can be evicted by a concurrent sweep between lock
		// acquisition and use. Recover transparently with a fresh session
		// and a full-context resend.
		if b, ok := o.cache.get(req.Fingerprint); !ok || b.AccountID != acct.id() || b.SessionID != sessionID {
			log.Printf("[%s] %v for conversation %.12s, minting replacement session", req.RequestID, errSessionLost, req.Fingerprint)
			sid, serr := o.openSessionOn(ctx, acct, req.Fingerprint)
			if serr != nil {
				var ok2 bool
				acct, sessionID, ok2 = o.trySwitch(ctx, req, excluded)
				if !ok2 {
					o.metrics.turnFinished("failed")
					return fmt.Errorf("%w: %v", errPoolExhausted, serr)
				}
			} else {
				sessionID = sid
			}
			fullContext = len(req.Messages) > 1
			createdSession = true
			uploaded = false
			fileIDs = nil
		}

		text := incrementalText(req.Messages)
		if fullContext {
			text = fullContextText(req.Messages)
		}

		attemptErr := o.attempt(ctx, acct, sessionID, req, text, &uploaded, &fileIDs, &emitted, emit)
		if attemptErr == nil {
			acct.health.recordSuccess()
			o.cache.touch(req.Fingerprint)
			if createdSession {
				acct.conversations.Add(1)
				if o.stats != nil {
					go o.stats.addConversation(acct.id(), 1)
				}
			}
			o.metrics.turnFinished("ok")
			return nil
		}

		var cw *clientWriteError
		if errors.As(attemptErr, &cw) {
			o.metrics.turnFinished("client_gone")
			return attemptErr
		}
		o.recent.add(fmt.Sprintf("[%s] account %s: %v", req.RequestID, acct.id(), attemptErr))
		if emitted {
			// A partial prefix already reached the client; a retry on a
			// fresh session would replay it. Surface the error inline.
			o.metrics.turnFinished("failed_midstream")
			return attemptErr
		}
		if ctx.Err() != nil {
			o.metrics.turnFinished("timeout")
			return attemptErr
		}

		excluded[acct.id()] = true
		retries++
		o.metrics.turnRetries.Inc()
		if retries >= o.retry.maxRequestRetries {
			o.metrics.turnFinished("failed")
			return attemptErr
		}

		next, nextSid, ok := o.trySwitch(ctx, req, excluded)
		if !ok {
			o.metrics.turnFinished("failed")
			return fmt.Errorf("%w: last error: %v", errPoolExhausted, attemptErr)
		}
		log.Printf("[%s] switching conversation %.12s from account %s to %s", req.RequestID, req.Fingerprint, acct.id(), next.id())
		// The session on the failing account is abandoned; drop it upstream
		// instead of letting it linger until server-side expiry.
		go o.discardSession(acct, sessionID)
		acct, sessionID = next, nextSid
		fullContext = len(req.Messages) > 1
		createdSession = true
		// Attachment refs are scoped to the session that created them;
		// a rebind invalidates them and forces a re-upload.
		uploaded = false
		fileIDs = nil
	}
}

// attempt performs one upstream call: mint, upload pending attachments,
// send the turn and stream its chunks out. Health bookkeeping for upstream
// failures happens here, next to where they occur.
func (o *orchestrator) attempt(ctx context.Context, acct *pooledAccount, sessionID string, req turnRequest, text string, uploaded *bool, fileIDs *[]string, emitted *bool, emit func(string) error) error {
	token, err := acct.mintToken(ctx, o.minter)
	if err != nil {
		return err
	}

	if len(req.Attachments) > 0 && !*uploaded {
		refs := make([]string, 0, len(req.Attachments))
		for _, att := range req.Attachments {
			ref, uerr := o.upstream.UploadAttachment(ctx, sessionID, token, att.Data, att.MimeType)
			if uerr != nil {
				o.recordUpstreamFailure(acct, uerr)
				return uerr
			}
			refs = append(refs, ref)
		}
		*uploaded = true
		*fileIDs = refs
	}

	stream, err := o.upstream.SendTurn(ctx, sessionID, token, req.Model, text, *fileIDs)
	if err != nil {
		o.recordUpstreamFailure(acct, err)
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			o.recordUpstreamFailure(acct, err)
			return err
		}
		if chunk.Text == "" {
			continue
		}
		if werr := emit(chunk.Text); werr != nil {
			return &clientWriteError{err: werr}
		}
		*emitted = true
	}
}

// resolveSession returns the account and upstream session for this turn.
// Cache hit with a still-eligible account reuses the binding; otherwise a
// new session is opened on up to maxNewSessionTries distinct accounts.
func (o *orchestrator) resolveSession(ctx context.Context, req turnRequest, excluded map[string]bool) (*pooledAccount, string, bool, error) {
	now := time.Now()
	if b, ok := o.cache.get(req.Fingerprint); ok {
		if acct := o.pool.get(b.AccountID); acct != nil && acct.eligible(now) {
			o.cache.touch(req.Fingerprint)
			o.metrics.cacheHits.Inc()
			return acct, b.SessionID, true, nil
		}
		// Bound account vanished or became ineligible; rebind below.
		o.cache.remove(req.Fingerprint)
	}
	o.metrics.cacheMisses.Inc()

	tries := min(o.retry.maxNewSessionTries, o.pool.count())
	if req.ExplicitAccountID != "" {
		tries = 1
	}
	var lastErr error
	for i := 0; i < tries; i++ {
		acct, err := o.pool.selectAccount(req.ExplicitAccountID, excluded)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		sid, serr := o.openSessionOn(ctx, acct, req.Fingerprint)
		if serr != nil {
			lastErr = serr
			excluded[acct.id()] = true
			continue
		}
		return acct, sid, false, nil
	}
	if lastErr == nil {
		lastErr = errPoolExhausted
	}
	if errors.Is(lastErr, errAccountNotFound) || errors.Is(lastErr, errAccountUnavailable) || errors.Is(lastErr, errPoolExhausted) {
		return nil, "", false, lastErr
	}
	return nil, "", false, fmt.Errorf("%w: last error: %v", errPoolExhausted, lastErr)
}

// openSessionOn mints a token for the account, creates a session and binds
// the fingerprint to it.
func (o *orchestrator) openSessionOn(ctx context.Context, acct *pooledAccount, fingerprint string) (string, error) {
	token, err := acct.mintToken(ctx, o.minter)
	if err != nil {
		return "", err
	}
	sid, err := o.upstream.CreateSession(ctx, token)
	if err != nil {
		o.recordUpstreamFailure(acct, err)
		return "", err
	}
	o.cache.set(fingerprint, acct.id(), sid)
	o.metrics.sessionsCreated.Inc()
	return sid, nil
}

// trySwitch picks a replacement account and opens a session on it, making
// up to maxAccountSwitchTries selection attempts. Turns pinned to an
// explicit account never switch.
func (o *orchestrator) trySwitch(ctx context.Context, req turnRequest, excluded map[string]bool) (*pooledAccount, string, bool) {
	if req.ExplicitAccountID != "" {
		return nil, "", false
	}
	for i := 0; i < o.retry.maxAccountSwitchTries; i++ {
		acct, err := o.pool.selectAccount("", excluded)
		if err != nil {
			return nil, "", false
		}
		sid, serr := o.openSessionOn(ctx, acct, req.Fingerprint)
		if serr != nil {
			excluded[acct.id()] = true
			continue
		}
		o.metrics.accountSwitches.Inc()
		return acct, sid, true
	}
	return nil, "", false
}

// discardSession best-effort deletes an abandoned upstream session. It only
// runs with an already-cached token: minting here could mutate the health of
// an account that just failed, and cleanup is not worth that.
func (o *orchestrator) discardSession(acct *pooledAccount, sessionID string) {
	token, ok := acct.cachedToken()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = o.upstream.DeleteSession(ctx, sessionID, token)
}

// recordUpstreamFailure applies the health transition for an upstream call
// failure: 429 starts a cooldown, anything else counts toward disablement.
func (o *orchestrator) recordUpstreamFailure(acct *pooledAccount, err error) {
	if isRateLimited(err) {
		acct.health.recordRateLimit(acct.id())
		return
	}
	acct.health.recordFailure(acct.id(), err)
}
