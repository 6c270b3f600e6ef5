package main

import (
	"errors"
	"fmt"
)

var (
	errConfigInvalid      = errors.New("invalid account configuration")
	errCredentialExpired  = errors.New("credential expired")
	errCredentialRevoked  = errors.New("credential revoked")
	errAccountNotFound    = errors.New("account not found")
	errAccountUnavailable = errors.New("account unavailable")
	errPoolExhausted      = errors.New("no eligible accounts")
	errSessionLost        = errors.New("session binding lost")
)

// upstreamError carries the HTTP status of a failed upstream call so the
// retry engine can tell rate limits apart from other failures.
type upstreamError struct {
	Op     string
	Status int
	Body   string
}

func (e *upstreamError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Op, e.Status)
}

func (e *upstreamError) rateLimited() bool { return e.Status == 429 }

// isRateLimited reports whether err represents an upstream 429.
func isRateLimited(err error) bool {
	var ue *upstreamError
	return errors.As(err, &ue) && ue.rateLimited()
}
