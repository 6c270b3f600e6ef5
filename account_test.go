package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateRequiresSecretFields(t *testing.T) {
	base := testRecord("a1")

	missing := base
	missing.SecureSession = ""
	if err := missing.validate(); !errors.Is(err, errConfigInvalid) {
		t.Fatalf("missing secure_c_ses error = %v, want errConfigInvalid", err)
	}

	missing = base
	missing.SessionIndex = ""
	if err := missing.validate(); !errors.Is(err, errConfigInvalid) {
		t.Fatalf("missing csesidx error = %v, want errConfigInvalid", err)
	}

	missing = base
	missing.ConfigID = ""
	if err := missing.validate(); !errors.Is(err, errConfigInvalid) {
		t.Fatalf("missing config_id error = %v, want errConfigInvalid", err)
	}

	missing = base
	missing.AccountID = ""
	if err := missing.validate(); !errors.Is(err, errConfigInvalid) {
		t.Fatalf("missing account_id error = %v, want errConfigInvalid", err)
	}

	if err := base.validate(); err != nil {
		t.Fatalf("complete record rejected: %v", err)
	}
}

func TestValidateRejectsBadExpiry(t *testing.T) {
	rec := testRecord("a1")
	rec.ExpiresAt = "not-a-date"
	if err := rec.validate(); !errors.Is(err, errConfigInvalid) {
		t.Fatalf("bad expires_at error = %v, want errConfigInvalid", err)
	}
}

func TestExpiryParsedInBeijingTime(t *testing.T) {
	rec := testRecord("a1")
	rec.ExpiresAt = "2030-06-01 12:00:00"

	exp, ok := rec.expiresTime()
	if !ok {
		t.Fatalf("expiry not parsed")
	}
	want := time.Date(2030, 6, 1, 12, 0, 0, 0, beijingTZ)
	if !exp.Equal(want) {
		t.Fatalf("parsed expiry = %v, want %v", exp, want)
	}
	if rec.expired(time.Now()) {
		t.Fatalf("2030 expiry should not be expired yet")
	}

	rec.ExpiresAt = "2020-01-01 00:00:00"
	if !rec.expired(time.Now()) {
		t.Fatalf("2020 expiry should be expired")
	}
}

func TestLoadCredentialsFailsFast(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	if err := os.WriteFile(path, []byte(`[{"account_id":"a1"}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadCredentials(path); !errors.Is(err, errConfigInvalid) {
		t.Fatalf("incomplete record error = %v, want errConfigInvalid", err)
	}

	if err := os.WriteFile(path, []byte(`not json`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadCredentials(path); !errors.Is(err, errConfigInvalid) {
		t.Fatalf("malformed file error = %v, want errConfigInvalid", err)
	}
}

func TestLoadCredentialsRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	recs := []CredentialRecord{testRecord("a1"), testRecord("a1")}
	if err := saveCredentials(path, recs); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := loadCredentials(path); !errors.Is(err, errConfigInvalid) {
		t.Fatalf("duplicate id error = %v, want errConfigInvalid", err)
	}
}

func TestSaveThenLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	in := []CredentialRecord{testRecord("a1"), testRecord("a2")}
	in[1].Disabled = true

	if err := saveCredentials(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := loadCredentials(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 2 || out[0].AccountID != "a1" || !out[1].Disabled {
		t.Fatalf("round trip lost data: %+v", out)
	}
}
