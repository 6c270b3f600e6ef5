package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// turnChunk is one piece of streamed assistant output.
type turnChunk struct {
	Text string
}

// turnStream yields chunks of a streamed turn. Next returns io.EOF once the
// upstream signals completion.
type turnStream interface {
	Next() (turnChunk, error)
	Close() error
}

// upstreamClient is the surface the retry engine needs from the backend:
// sessions, turns and session-scoped file uploads. Attachment refs returned
// by UploadAttachment are only valid within the session that created them.
type upstreamClient interface {
	CreateSession(ctx context.Context, token string) (string, error)
	SendTurn(ctx context.Context, sessionID, token, model, text string, fileIDs []string) (turnStream, error)
	UploadAttachment(ctx context.Context, sessionID, token string, data []byte, mimeType string) (string, error)
	DeleteSession(ctx context.Context, sessionID, token string) error
}

// geminiClient talks to the Gemini Business conversation API over the
// fingerprinted transport.
type geminiClient struct {
	base *url.URL

	mu sync.RWMutex
	rt http.RoundTripper

	streamIdleTimeout time.Duration
}

func newGeminiClient(base *url.URL, rt http.RoundTripper) *geminiClient {
	return &geminiClient{
		base:              base,
		rt:                rt,
		streamIdleTimeout: 2 * time.Minute,
	}
}

func (c *geminiClient) transport() http.RoundTripper {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rt
}

func (c *geminiClient) swapTransport(rt http.RoundTripper) {
	c.mu.Lock()
	c.rt = rt
	c.mu.Unlock()
}

func (c *geminiClient) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	return req, nil
}

func (c *geminiClient) do(req *http.Request, op string) (*http.Response, error) {
	resp, err := c.transport().RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBodySample(resp.Body)
		resp.Body.Close()
		return nil, &upstreamError{Op: op, Status: resp.StatusCode, Body: body}
	}
	return resp, nil
}

func (c *geminiClient) CreateSession(ctx context.Context, token string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/conversations", token, strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, "create session")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode create session response: %w", err)
	}
	if payload.ConversationID == "" {
		return "", fmt.Errorf("upstream create session: empty conversation_id")
	}
	return payload.ConversationID, nil
}

func (c *geminiClient) SendTurn(ctx context.Context, sessionID, token, model, text string, fileIDs []string) (turnStream, error) {
	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model":    model,
		"file_ids": fileIDs,
		"stream":   true,
	})
	if err != nil {
		return nil, err
	}

	// The idle watchdog cancels this context when the upstream goes quiet
	// without closing the connection.
	sctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(sctx, http.MethodPost, "/v1/conversations/"+sessionID+"/messages", token, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.do(req, "send turn")
	if err != nil {
		cancel()
		return nil, err
	}

	rc := newIdleTimeoutReader(resp.Body, c.streamIdleTimeout, cancel)
	return &sseStream{r: bufio.NewReader(rc), body: rc, cancel: cancel}, nil
}

func (c *geminiClient) UploadAttachment(ctx context.Context, sessionID, token string, data []byte, mimeType string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/conversations/"+sessionID+"/files", token, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := c.do(req, "upload attachment")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		FileID string `json:"file_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if payload.FileID == "" {
		return "", fmt.Errorf("upstream upload attachment: empty file_id")
	}
	return payload.FileID, nil
}

func (c *geminiClient) DeleteSession(ctx context.Context, sessionID, token string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/v1/conversations/"+sessionID, token, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "delete session")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// sseStream parses a text/event-stream body into turn chunks. Events carry
// JSON payloads of the form {"text": "..."}; the stream ends with [DONE].
type sseStream struct {
	r      *bufio.Reader
	body   io.Closer
	cancel func()
}

func (s *sseStream) Next() (turnChunk, error) {
	for {
		data, err := nextSSEData(s.r)
		if err != nil {
			return turnChunk{}, err
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			return turnChunk{}, io.EOF
		}
		var payload struct {
			Text  string `json:"text"`
			Error *struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			// Tolerate keepalive or unknown event payloads.
			continue
		}
		if payload.Error != nil {
			status := payload.Error.Code
			if status == 0 {
				status = http.StatusBadGateway
			}
			return turnChunk{}, &upstreamError{Op: "send turn", Status: status, Body: payload.Error.Message}
		}
		if payload.Text == "" {
			continue
		}
		return turnChunk{Text: payload.Text}, nil
	}
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// nextSSEData reads lines until a complete event is assembled and returns
// the concatenated data payload.
func nextSSEData(r *bufio.Reader) ([]byte, error) {
	var data []byte
	for {
		line, err := r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if err == io.EOF && len(data) > 0 {
				return data, nil
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(data) > 0 {
				return data, nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.TrimPrefix(rest, []byte(" "))...)
		}
		if err != nil {
			if len(data) > 0 {
				return data, nil
			}
			return nil, err
		}
	}
}
