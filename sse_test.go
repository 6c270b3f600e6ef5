package main

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestLimitedWriterCapsOutputButDrainsInput(t *testing.T) {
	var b strings.Builder
	lw := &limitedWriter{w: &b, n: 4}

	n, err := lw.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("write = (%d, %v), want full length reported", n, err)
	}
	n, err = lw.Write([]byte("ghi"))
	if err != nil || n != 3 {
		t.Fatalf("write past cap = (%d, %v), want accepted and discarded", n, err)
	}
	if b.String() != "abcd" {
		t.Fatalf("captured = %q, want the first 4 bytes", b.String())
	}
}

func TestReadBodySampleTruncatesAndEscapes(t *testing.T) {
	body := "  line one\nline two" + strings.Repeat("x", 8*1024) + "  "
	got := readBodySample(strings.NewReader(body))
	if len(got) > 4*1024+16 {
		t.Fatalf("sample length = %d, want capped near 4KB", len(got))
	}
	if strings.Contains(got, "\n") {
		t.Fatalf("sample contains a raw newline: %q", got[:40])
	}
	if !strings.HasPrefix(got, "line one") {
		t.Fatalf("sample = %q, want trimmed content", got[:40])
	}
}

// stallReader blocks until released, then returns its scripted error the way
// a transport surfaces a canceled request context.
type stallReader struct {
	release chan struct{}
	err     error
}

func (r *stallReader) Read(p []byte) (int, error) {
	<-r.release
	return 0, r.err
}

func (r *stallReader) Close() error { return nil }

func TestIdleWatchdogReportsTimeout(t *testing.T) {
	sr := &stallReader{release: make(chan struct{})}
	sr.err = &url.Error{Op: "Post", URL: "https://upstream/x", Err: context.Canceled}

	r := newIdleTimeoutReader(sr, 30*time.Millisecond, func() { close(sr.release) })
	defer r.Close()

	_, err := r.Read(make([]byte, 16))
	if err == nil || !strings.Contains(err.Error(), "stream idle") {
		t.Fatalf("err = %v, want the idle watchdog message", err)
	}
}

func TestIdleReaderPassesThroughForeignErrors(t *testing.T) {
	sr := &stallReader{release: make(chan struct{}), err: context.Canceled}
	close(sr.release)

	// The watchdog never fired here, so a canceled context means the caller
	// went away and the error must pass through untouched.
	r := newIdleTimeoutReader(sr, time.Minute, func() {})
	defer r.Close()

	if _, err := r.Read(make([]byte, 16)); err != context.Canceled {
		t.Fatalf("err = %v, want the original cancellation", err)
	}
}
