package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenMinter exchanges an account's session cookies for a short-lived
// upstream bearer token. The transport is shared and swapped atomically
// when outbound proxy configuration changes.
type tokenMinter struct {
	base *url.URL

	mu sync.RWMutex
	rt http.RoundTripper
}

func newTokenMinter(base *url.URL, rt http.RoundTripper) *tokenMinter {
	return &tokenMinter{base: base, rt: rt}
}

func (m *tokenMinter) transport() http.RoundTripper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rt
}

// swapTransport substitutes the network transport without restarting.
// In-flight mints finish on the old transport.
func (m *tokenMinter) swapTransport(rt http.RoundTripper) {
	m.mu.Lock()
	m.rt = rt
	m.mu.Unlock()
}

// mint fetches a fresh token for the record. Expired credentials fail fast
// without contacting upstream.
func (m *tokenMinter) mint(ctx context.Context, rec CredentialRecord) (string, time.Time, error) {
	if rec.expired(time.Now()) {
		return "", time.Time{}, fmt.Errorf("account %s: %w", rec.AccountID, errCredentialExpired)
	}

	endpoint := m.base.JoinPath("/auth/session")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(url.Values{
		"csesidx":   {rec.SessionIndex},
		"config_id": {rec.ConfigID},
	}.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	var cookie strings.Builder
	cookie.WriteString("__Secure-C_SES=" + rec.SecureSession)
	if rec.HostSession != "" {
		cookie.WriteString("; __Host-C_OSES=" + rec.HostSession)
	}
	req.Header.Set("Cookie", cookie.String())

	resp, err := m.transport().RoundTrip(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint token for %s: %w", rec.AccountID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", time.Time{}, fmt.Errorf("account %s: %w: %s: %s", rec.AccountID, errCredentialRevoked, resp.Status, readBodySample(resp.Body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, &upstreamError{Op: "mint", Status: resp.StatusCode, Body: readBodySample(resp.Body)}
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response for %s: %w", rec.AccountID, err)
	}
	if payload.Token == "" {
		return "", time.Time{}, fmt.Errorf("account %s: empty token in mint response", rec.AccountID)
	}

	exp := tokenExpiry(payload.Token)
	if exp.IsZero() {
		exp = time.Now().Add(10 * time.Minute)
	}
	return payload.Token, exp, nil
}

// tokenExpiry extracts the exp claim from a JWT without verifying the
// signature. Returns the zero time when the token is not a parseable JWT.
func tokenExpiry(token string) time.Time {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}
	}
	return time.Unix(claims.Exp, 0)
}
