// Package completion provides a resilient HTTP client for the OpenRouter
// chat-completions API, structured as a composable middleware pipeline.
package completion

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gradebench/gradebench/internal/domain"
)

// Message roles accepted by the chat-completions endpoint.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Content part types for multimodal user messages.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ImageDetailHigh requests full-resolution image processing; scanned
// handwriting is unreadable at lower detail levels.
const ImageDetailHigh = "high"

// ImageURL is an image reference within a multimodal content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is a single element of a multimodal user message:
// either text or an image reference, never both.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds a high-detail image content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: url, Detail: ImageDetailHigh}}
}

// ChatMessage is one message in a chat-completions conversation. System
// messages carry plain text (some providers reject part arrays in the
// system role); user messages carry a part array when Parts is non-nil.
type ChatMessage struct {
	Role  string
	Text  string
	Parts []ContentPart
}

// SystemMessage builds a plain-text system message.
func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Text: text}
}

// UserMessage builds a multimodal user message.
func UserMessage(parts []ContentPart) ChatMessage {
	return ChatMessage{Role: RoleUser, Parts: parts}
}

// MarshalJSON emits the wire shape: content is a bare string for
// text-only messages and a part array otherwise.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}
	w := wire{Role: m.Role}
	if m.Parts != nil {
		w.Content = m.Parts
	} else {
		w.Content = m.Text
	}
	return json.Marshal(w)
}

// Request is a normalized chat-completion request. All fields beyond
// Model and Messages exist for middleware: logging, rate limiting, and
// correlation back to the grading task that issued the call.
type Request struct {
	// Model is the OpenRouter model slug, e.g. "anthropic/claude-sonnet-4".
	Model string `json:"model"`

	// Messages is the full conversation to send.
	Messages []ChatMessage `json:"messages"`

	// Reasoning configures extended-thinking behavior when set.
	Reasoning domain.ReasoningConfig `json:"reasoning,omitzero"`

	// Correlation fields carried through the pipeline for observability.
	SessionID       string `json:"session_id,omitempty"`
	ModelInstanceID string `json:"model_instance_id,omitempty"`
	TryIndex        int    `json:"try_index,omitempty"`

	// Timeout bounds the HTTP round trip when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Response is the normalized output of a chat-completion call.
type Response struct {
	// Content is the assistant message text, with part arrays flattened.
	Content string `json:"content"`

	// FinishReason indicates why the model stopped, as reported upstream.
	FinishReason string `json:"finish_reason"`

	// ProviderRequestID enables cross-system correlation when present.
	ProviderRequestID string `json:"provider_request_id,omitempty"`

	// Usage is the token accounting reported by the provider.
	Usage domain.TokenUsage `json:"usage"`

	// LatencyMs is the wall-clock round-trip time.
	LatencyMs int64 `json:"latency_ms"`

	// Headers preserves raw response headers for debugging.
	Headers http.Header `json:"-"`

	// RawBody preserves the original response body for audit.
	RawBody []byte `json:"-"`
}
