package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ChatRequest is the OpenAI-style chat completions request body.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	// Optional routing override: pin the turn to one account.
	AccountID string `json:"account_id,omitempty"`
}

// ChatMessage keeps content raw because OpenAI clients send either a plain
// string or an array of typed parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// Text returns the textual content of the message, concatenating text parts
// when the content is an array.
func (m *ChatMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// attachmentData is a decoded inline image ready for upload.
type attachmentData struct {
	Data     []byte
	MimeType string
}

// attachments extracts data-URL images from the message parts. Remote URLs
// are ignored; the upstream only accepts uploaded files.
func (m *ChatMessage) attachments() []attachmentData {
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return nil
	}
	var out []attachmentData
	for _, p := range parts {
		if p.Type != "image_url" || p.ImageURL == nil {
			continue
		}
		a, err := parseDataURL(p.ImageURL.URL)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// parseDataURL decodes data:<mime>;base64,<payload>.
func parseDataURL(u string) (attachmentData, error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return attachmentData{}, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return attachmentData{}, fmt.Errorf("malformed data URL")
	}
	mime, enc, _ := strings.Cut(meta, ";")
	if enc != "base64" {
		return attachmentData{}, fmt.Errorf("unsupported data URL encoding")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return attachmentData{}, fmt.Errorf("decode data URL: %w", err)
	}
	return attachmentData{Data: data, MimeType: mime}, nil
}

// conversationFingerprint derives the stable key that binds a conversation
// to one upstream session. It hashes the caller identity together with the
// system prompt and the first user message, which stay constant across the
// turns of one conversation. Two conversations from the same client with an
// identical opening share a key; acceptable for session reuse since the
// upstream session then simply carries both histories.
func conversationFingerprint(clientIP string, msgs []ChatMessage) string {
	h := sha256.New()
	h.Write([]byte(clientIP))
	for _, m := range msgs {
		if m.Role == "system" {
			h.Write([]byte("\x00system\x00"))
			h.Write([]byte(m.Text()))
			break
		}
	}
	for _, m := range msgs {
		if m.Role == "user" {
			h.Write([]byte("\x00user\x00"))
			h.Write([]byte(m.Text()))
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// incrementalText is the payload for a turn that reuses a live session:
// only the newest message.
func incrementalText(msgs []ChatMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text()
}

// fullContextText reconstructs the whole conversation as one prompt, used
// when a fresh upstream session has no memory of prior turns.
func fullContextText(msgs []ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		switch m.Role {
		case "system":
			b.WriteString("[System]\n")
		case "assistant":
			b.WriteString("[Assistant]\n")
		default:
			b.WriteString("[User]\n")
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	b.WriteString("[User]\nPlease continue the conversation above, responding to the last user message.")
	return b.String()
}

// modelCatalog maps the OpenAI-facing model names to upstream model ids.
var modelCatalog = map[string]string{
	"gemini-auto":            "auto",
	"gemini-2.5-flash":       "gemini-2.5-flash",
	"gemini-2.5-pro":         "gemini-2.5-pro",
	"gemini-3-flash-preview": "gemini-3-flash-preview",
	"gemini-3-pro-preview":   "gemini-3-pro-preview",
}

const defaultModel = "gemini-auto"

// resolveModel maps a requested model to its upstream id, falling back to
// the auto router for unknown names.
func resolveModel(name string) string {
	if id, ok := modelCatalog[name]; ok {
		return id
	}
	return modelCatalog[defaultModel]
}
