package main

import (
	"log"
	"net/http"
	"strings"
)

// ServeHTTP routes incoming requests to the appropriate handler.
func (h *gatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()
	if h.cfg.debug {
		log.Printf("[%s] incoming %s %s", reqID, r.Method, r.URL.Path)
	}

	switch r.URL.Path {
	case "/v1/chat/completions":
		h.handleChatCompletions(w, r, reqID)
		return
	case "/v1/models":
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !h.authorized(r, h.cfg.apiKey) {
			respondError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		h.serveModels(w)
		return
	case "/healthz":
		h.serveHealth(w)
		return
	case "/metrics":
		h.metricsHandler.ServeHTTP(w, r)
		return
	case "/favicon.ico":
		http.NotFound(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/admin/") {
		if !h.authorized(r, h.cfg.adminKey) {
			respondError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		h.serveAdmin(w, r)
		return
	}

	http.NotFound(w, r)
}

func (h *gatewayHandler) serveAdmin(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/admin/accounts":
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.serveAccounts(w)
		return
	case "/admin/stats":
		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.serveStats(w)
		return
	case "/admin/proxies":
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.updateProxies(w, r)
		return
	case "/admin/reload":
		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := h.reloadAccounts(); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, map[string]any{"ok": true, "accounts": h.pool.count()})
		return
	}

	// Per-account operations: /admin/accounts/{id}[/disable|/enable]
	if rest, ok := strings.CutPrefix(r.URL.Path, "/admin/accounts/"); ok {
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			http.NotFound(w, r)
			return
		}
		switch {
		case action == "disable" && r.Method == http.MethodPost:
			h.disableAccount(w, id)
		case action == "enable" && r.Method == http.MethodPost:
			h.enableAccount(w, id)
		case action == "" && r.Method == http.MethodDelete:
			h.deleteAccount(w, id)
		default:
			respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	http.NotFound(w, r)
}
