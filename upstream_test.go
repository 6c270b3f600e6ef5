package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func testGeminiClient(t *testing.T, handler http.HandlerFunc) *geminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	base, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	return newGeminiClient(base, http.DefaultTransport)
}

func TestCreateSessionDecodesID(t *testing.T) {
	var gotAuth string
	c := testGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"conversation_id":"conv-42"}`)
	})

	sid, err := c.CreateSession(context.Background(), "tok")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sid != "conv-42" {
		t.Fatalf("session id = %q", sid)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestSendTurnParsesSSE(t *testing.T) {
	c := testGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\":\"hel\"}\n\n")
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: {\"text\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := c.SendTurn(context.Background(), "s1", "tok", "auto", "hi", nil)
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	defer stream.Close()

	var out string
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out += chunk.Text
	}
	if out != "hello" {
		t.Fatalf("streamed text = %q, want hello", out)
	}
}

func TestSendTurnSurfacesInlineError(t *testing.T) {
	c := testGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"quota exceeded\",\"code\":429}}\n\n")
	})

	stream, err := c.SendTurn(context.Background(), "s1", "tok", "auto", "hi", nil)
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	defer stream.Close()

	_, err = stream.Next()
	var ue *upstreamError
	if !errors.As(err, &ue) || ue.Status != 429 {
		t.Fatalf("error = %v, want upstream 429", err)
	}
	if !isRateLimited(err) {
		t.Fatalf("429 inline error should classify as rate limited")
	}
}

func TestSendTurnNonOKStatus(t *testing.T) {
	c := testGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	})

	_, err := c.SendTurn(context.Background(), "s1", "tok", "auto", "hi", nil)
	if err == nil || !isRateLimited(err) {
		t.Fatalf("error = %v, want rate limited", err)
	}
}

func TestUploadAttachmentDecodesFileID(t *testing.T) {
	var gotMime, gotPath string
	c := testGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMime = r.Header.Get("Content-Type")
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"file_id":"file-7"}`)
	})

	id, err := c.UploadAttachment(context.Background(), "s1", "tok", []byte("bytes"), "image/png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if id != "file-7" || gotMime != "image/png" {
		t.Fatalf("id=%q mime=%q", id, gotMime)
	}
	if gotPath != "/v1/conversations/s1/files" {
		t.Fatalf("path = %q", gotPath)
	}
}
