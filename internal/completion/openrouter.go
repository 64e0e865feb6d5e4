package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gradebench/gradebench/internal/domain"
)

// DefaultBaseURL is the production OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// anthropicProvider is the upstream provider name used when pinning
// Claude models to a single backend.
const anthropicProvider = "Anthropic"

// OpenRouterClient builds and parses OpenRouter chat-completion exchanges.
// It is stateless; one instance serves all models and sessions.
type OpenRouterClient struct {
	baseURL string
	apiKey  string
	headers map[string]string
}

// NewOpenRouterClient creates a client for the given API key. An empty
// baseURL falls back to the production endpoint. Extra headers are set on
// every request, after the standard ones.
func NewOpenRouterClient(baseURL, apiKey string, headers map[string]string) *OpenRouterClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &OpenRouterClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		headers: headers,
	}
}

// providerRouting restricts which upstream backend serves the request.
type providerRouting struct {
	AllowFallbacks    bool     `json:"allow_fallbacks"`
	RequireParameters bool     `json:"require_parameters,omitempty"`
	Order             []string `json:"order,omitempty"`
}

// chatPayload is the wire format of a chat-completions request.
type chatPayload struct {
	Model     string                  `json:"model"`
	Messages  []ChatMessage           `json:"messages"`
	Provider  providerRouting         `json:"provider"`
	Reasoning *domain.ReasoningConfig `json:"reasoning,omitempty"`
}

// Build constructs the HTTP request for a normalized completion request.
// Fallback routing is always disabled so every try within a benchmark hits
// the same backend; Claude models are additionally pinned to Anthropic
// because fallback hosts mangle multimodal payloads.
func (c *OpenRouterClient) Build(ctx context.Context, req *Request) (*http.Request, error) {
	payload := chatPayload{
		Model:    req.Model,
		Messages: req.Messages,
		Provider: providerRouting{AllowFallbacks: false},
	}

	claude := strings.Contains(strings.ToLower(req.Model), "claude")
	if claude {
		payload.Provider.RequireParameters = true
		payload.Provider.Order = []string{anthropicProvider}
	}

	if !req.Reasoning.IsZero() {
		// Anthropic thinking takes a token budget and OpenAI reasoning
		// takes an effort level; convert to the form the backend accepts.
		r := req.Reasoning
		switch {
		case claude:
			r = r.AsTokenBudget()
		case strings.HasPrefix(req.Model, "openai/"):
			r = r.AsEffort()
		}
		payload.Reasoning = &r
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal completion payload: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// chatResponse mirrors the subset of the chat-completions response the
// pipeline consumes. Content is raw because providers return either a
// bare string or a part array.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64   `json:"prompt_tokens"`
		CompletionTokens int64   `json:"completion_tokens"`
		ReasoningTokens  int64   `json:"reasoning_tokens"`
		TotalTokens      int64   `json:"total_tokens"`
		Cost             float64 `json:"cost"`
	} `json:"usage"`
}

// Parse extracts a normalized Response from the HTTP reply, converting
// error statuses into typed errors for retry classification.
func (c *OpenRouterClient) Parse(httpResp *http.Response) (*Response, error) {
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(httpResp, body)
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, truncate(body, 100))
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrEmptyCompletion)
	}

	choice := resp.Choices[0]
	content, err := flattenContent(choice.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	return &Response{
		Content:           content,
		FinishReason:      choice.FinishReason,
		ProviderRequestID: resp.ID,
		Usage: domain.TokenUsage{
			Input:     resp.Usage.PromptTokens,
			Output:    resp.Usage.CompletionTokens,
			Reasoning: resp.Usage.ReasoningTokens,
			Total:     resp.Usage.TotalTokens,
			CostUSD:   resp.Usage.Cost,
		},
		Headers: httpResp.Header,
		RawBody: body,
	}, nil
}

// flattenContent handles both content encodings: a plain string and an
// array of typed parts, whose text parts are concatenated.
func flattenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("unrecognized content encoding: %s", truncate(raw, 80))
	}

	var b strings.Builder
	for _, p := range parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// parseErrorResponse converts a non-200 reply into a typed error.
// 429 becomes a RateLimitError carrying the Retry-After header so the
// scheduler can honor provider-mandated waits.
func parseErrorResponse(httpResp *http.Response, body []byte) error {
	if httpResp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: parseRetryAfter(httpResp.Header)}
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
	}

	perr := &ProviderError{
		StatusCode: httpResp.StatusCode,
		Message:    truncate(body, 1000),
		Type:       classifyStatus(httpResp.StatusCode),
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		perr.Message = errResp.Error.Message
		perr.Code = fmt.Sprint(errResp.Error.Code)
	}
	return perr
}

// parseRetryAfter reads the Retry-After header, defaulting to 2 seconds
// when absent or malformed, mirroring upstream behavior.
func parseRetryAfter(h http.Header) int {
	const fallback = 2
	v := h.Get("Retry-After")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
