package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Timestamps in account records are written by the registration tooling in
// Beijing time without a zone suffix.
var beijingTZ = time.FixedZone("UTC+8", 8*3600)

const expiresAtLayout = "2006-01-02 15:04:05"

// CredentialRecord holds the secrets for one upstream account. Records are
// created by configuration load and mutated only through admin operations,
// never by request-serving code.
type CredentialRecord struct {
	AccountID     string `json:"account_id"`
	SecureSession string `json:"secure_c_ses"`
	HostSession   string `json:"host_c_oses,omitempty"`
	SessionIndex  string `json:"csesidx"`
	ConfigID      string `json:"config_id"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	Disabled      bool   `json:"disabled,omitempty"`
}

func (r *CredentialRecord) validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: missing account_id", errConfigInvalid)
	}
	if r.SecureSession == "" {
		return fmt.Errorf("%w: account %s missing secure_c_ses", errConfigInvalid, r.AccountID)
	}
	if r.SessionIndex == "" {
		return fmt.Errorf("%w: account %s missing csesidx", errConfigInvalid, r.AccountID)
	}
	if r.ConfigID == "" {
		return fmt.Errorf("%w: account %s missing config_id", errConfigInvalid, r.AccountID)
	}
	if r.ExpiresAt != "" {
		if _, err := time.ParseInLocation(expiresAtLayout, r.ExpiresAt, beijingTZ); err != nil {
			return fmt.Errorf("%w: account %s bad expires_at %q: %v", errConfigInvalid, r.AccountID, r.ExpiresAt, err)
		}
	}
	return nil
}

// expiresTime returns the parsed expiry, or false if none is set.
func (r *CredentialRecord) expiresTime() (time.Time, bool) {
	if r.ExpiresAt == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(expiresAtLayout, r.ExpiresAt, beijingTZ)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (r *CredentialRecord) expired(now time.Time) bool {
	t, ok := r.expiresTime()
	if !ok {
		return false
	}
	return now.After(t)
}

// loadCredentials reads the accounts JSON file and validates every record.
// A malformed record fails the whole load; the pool never starts half-configured.
func loadCredentials(path string) ([]CredentialRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var recs []CredentialRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errConfigInvalid, path, err)
	}
	seen := make(map[string]bool, len(recs))
	for i := range recs {
		if err := recs[i].validate(); err != nil {
			return nil, err
		}
		if seen[recs[i].AccountID] {
			return nil, fmt.Errorf("%w: duplicate account_id %s", errConfigInvalid, recs[i].AccountID)
		}
		seen[recs[i].AccountID] = true
	}
	return recs, nil
}

func saveCredentials(path string, recs []CredentialRecord) error {
	return atomicWriteJSON(path, recs)
}

// atomicWriteJSON writes via a temp file and rename so a crash mid-write
// never leaves a truncated accounts file behind.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
