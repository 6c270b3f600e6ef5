package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

func (h *gatewayHandler) serveHealth(w http.ResponseWriter) {
	respondJSON(w, map[string]any{
		"ok":                true,
		"uptime_seconds":    int(time.Since(h.startTime).Seconds()),
		"accounts":          h.pool.count(),
		"accounts_eligible": h.pool.eligibleCount(),
		"sessions_cached":   h.cache.len(),
		"inflight":          atomic.LoadInt64(&h.inflight),
		"recent_errors":     h.recent.snapshot(),
	})
}

func (h *gatewayHandler) serveModels(w http.ResponseWriter) {
	names := make([]string, 0, len(modelCatalog))
	for name := range modelCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	created := h.startTime.Unix()
	data := make([]map[string]any, 0, len(names))
	for _, name := range names {
		data = append(data, map[string]any{
			"id":       name,
			"object":   "model",
			"created":  created,
			"owned_by": "gemini-business",
		})
	}
	respondJSON(w, map[string]any{"object": "list", "data": data})
}

// httpStatusFor maps orchestrator failures onto OpenAI-style HTTP statuses.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, errAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, errAccountUnavailable), errors.Is(err, errPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, errCredentialExpired), errors.Is(err, errCredentialRevoked):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func (h *gatewayHandler) handleChatCompletions(w http.ResponseWriter, r *http.Request, reqID string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(r, h.cfg.apiKey) {
		respondError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	clientIP := getClientIP(r)
	last := req.Messages[len(req.Messages)-1]
	turn := turnRequest{
		RequestID:         reqID,
		Fingerprint:       conversationFingerprint(clientIP, req.Messages),
		Messages:          req.Messages,
		Model:             resolveModel(req.Model),
		ExplicitAccountID: req.AccountID,
		Attachments:       last.attachments(),
	}

	atomic.AddInt64(&h.inflight, 1)
	defer atomic.AddInt64(&h.inflight, -1)

	start := time.Now()
	completionID := "chatcmpl-" + uuid.NewString()
	var err error
	if req.Stream {
		err = h.streamCompletion(w, r, completionID, req.Model, turn)
	} else {
		err = h.bufferedCompletion(w, r, completionID, req.Model, turn)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if h.stats != nil {
		entry := requestLogEntry{
			RequestID: reqID,
			Model:     req.Model,
			Outcome:   outcome,
			Timestamp: start,
		}
		go h.stats.record(entry)
	}
	if h.cfg.debug {
		log.Printf("[%s] chat completion finished in %v (outcome=%s)", reqID, time.Since(start), outcome)
	}
}

func (h *gatewayHandler) streamCompletion(w http.ResponseWriter, r *http.Request, completionID, model string, turn turnRequest) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fw := &flushWriter{w: w, f: flusher, flushInterval: h.cfg.flushInterval}

	created := time.Now().Unix()
	first := true
	writeChunk := func(delta map[string]any, finishReason any) error {
		chunk := map[string]any{
			"id":      completionID,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			}},
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(fw, "data: %s\n\n", data)
		return err
	}

	err := h.orch.runTurn(r.Context(), turn, func(text string) error {
		delta := map[string]any{"content": text}
		if first {
			delta["role"] = "assistant"
			first = false
		}
		return writeChunk(delta, nil)
	})
	if err != nil {
		var cw *clientWriteError
		if errors.As(err, &cw) {
			return err
		}
		// Preserve any successful prefix and terminate the stream with an
		// inline error event rather than a raw disconnect.
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"message": err.Error(),
				"type":    "upstream_error",
				"code":    httpStatusFor(err),
			},
		})
		fmt.Fprintf(fw, "data: %s\n\n", payload)
		fmt.Fprint(fw, "data: [DONE]\n\n")
		flusher.Flush()
		return err
	}

	_ = writeChunk(map[string]any{}, "stop")
	fmt.Fprint(fw, "data: [DONE]\n\n")
	flusher.Flush()
	return nil
}

func (h *gatewayHandler) bufferedCompletion(w http.ResponseWriter, r *http.Request, completionID, model string, turn turnRequest) error {
	var content strings.Builder
	err := h.orch.runTurn(r.Context(), turn, func(text string) error {
		content.WriteString(text)
		return nil
	})
	if err != nil {
		respondError(w, httpStatusFor(err), err.Error())
		return err
	}

	respondJSON(w, map[string]any{
		"id":      completionID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": content.String(),
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	})
	return nil
}

// authorized checks a bearer key. An empty configured key leaves the
// endpoint open, matching local single-user deployments.
func (h *gatewayHandler) authorized(r *http.Request, key string) bool {
	if key == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(auth, "Bearer "); ok && tok == key {
		return true
	}
	return r.Header.Get("X-Admin-Key") == key
}

func (h *gatewayHandler) serveAccounts(w http.ResponseWriter) {
	respondJSON(w, h.pool.statuses())
}

func (h *gatewayHandler) serveStats(w http.ResponseWriter) {
	counts, err := h.stats.allConversationCounts()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"account_conversations": counts})
}

func (h *gatewayHandler) disableAccount(w http.ResponseWriter, id string) {
	if err := h.pool.disable(id); err != nil {
		respondError(w, httpStatusFor(err), err.Error())
		return
	}
	h.persistRecords()
	respondJSON(w, map[string]any{"ok": true, "account_id": id, "disabled": true})
}

func (h *gatewayHandler) enableAccount(w http.ResponseWriter, id string) {
	if err := h.pool.enable(id); err != nil {
		respondError(w, httpStatusFor(err), err.Error())
		return
	}
	h.persistRecords()
	respondJSON(w, map[string]any{"ok": true, "account_id": id, "disabled": false})
}

func (h *gatewayHandler) deleteAccount(w http.ResponseWriter, id string) {
	if err := h.pool.delete(id); err != nil {
		respondError(w, httpStatusFor(err), err.Error())
		return
	}
	dropped := h.cache.removeAccount(id)
	if dropped > 0 {
		log.Printf("dropped %d session bindings for deleted account %s", dropped, id)
	}
	h.persistRecords()
	respondJSON(w, map[string]any{"ok": true, "account_id": id, "deleted": true})
}

// persistRecords writes the pool's current records back to the accounts
// file so admin mutations survive a restart.
func (h *gatewayHandler) persistRecords() {
	if err := saveCredentials(h.cfg.accountsPath, h.pool.records()); err != nil {
		log.Printf("warning: persist accounts: %v", err)
	}
}

// reloadAccounts re-reads the accounts file and swaps the pool contents,
// preserving runtime health for surviving accounts. Bindings to accounts
// that disappeared are dropped.
func (h *gatewayHandler) reloadAccounts() error {
	recs, err := loadCredentials(h.cfg.accountsPath)
	if err != nil {
		log.Printf("reload accounts: %v", err)
		return err
	}
	before := make(map[string]bool)
	for _, st := range h.pool.statuses() {
		before[st.AccountID] = true
	}
	h.pool.reload(recs)
	for _, rec := range recs {
		delete(before, rec.AccountID)
	}
	for id := range before {
		if n := h.cache.removeAccount(id); n > 0 {
			log.Printf("dropped %d session bindings for removed account %s", n, id)
		}
	}
	return nil
}
