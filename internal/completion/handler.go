package completion

import (
	"context"
	"net/http"
	"time"
)

// Handler processes completion requests through a composable middleware
// pipeline. Core abstraction enabling request preprocessing, response
// postprocessing, and cross-cutting concerns like rate limiting and logging.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Request) (*Response, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware transforms a Handler into an enhanced Handler.
// Applied in reverse order with the last middleware closest to the core
// handler, enabling layered request processing.
type Middleware func(Handler) Handler

// Chain builds a middleware pipeline around a core handler.
// Middleware executes in the order provided with the first middleware
// outermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// httpHandler is the core handler that performs the actual HTTP round trip
// against the OpenRouter API.
type httpHandler struct {
	client  *OpenRouterClient
	httpCli *http.Client
}

// defaultRequestTimeout bounds calls whose request carries no explicit
// timeout of its own.
const defaultRequestTimeout = 90 * time.Second

// NewHTTPHandler creates the core handler from an OpenRouter client.
// A nil httpCli falls back to a client with no transport-level timeout;
// every call is bounded by the request timeout (or its default) instead,
// so a longer configured deadline is never silently capped.
func NewHTTPHandler(client *OpenRouterClient, httpCli *http.Client) Handler {
	if httpCli == nil {
		httpCli = &http.Client{}
	}
	return &httpHandler{client: client, httpCli: httpCli}
}

// Handle implements Handler by issuing a single chat-completions request.
func (h *httpHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := h.client.Build(reqCtx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := h.httpCli.Do(httpReq)
	latency := time.Since(start)

	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	resp, err := h.client.Parse(httpResp)
	if err != nil {
		return nil, err
	}

	resp.LatencyMs = latency.Milliseconds()
	return resp, nil
}
