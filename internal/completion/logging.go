package completion

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LoggingMiddleware logs the lifecycle of every completion call with the
// session, model instance, and try it belongs to, replacing the per-session
// request/response log files of earlier tooling with structured records.
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates observability middleware scoped to the
// completion pipeline. A nil logger falls back to slog.Default.
func NewLoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	lm := &LoggingMiddleware{logger: logger.With("component", "completion")}
	return lm.Middleware
}

// Middleware wraps a handler with request/response logging.
func (m *LoggingMiddleware) Middleware(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		requestID := uuid.New().String()

		m.logger.InfoContext(ctx, "completion request",
			"request_id", requestID,
			"session_id", req.SessionID,
			"model", req.Model,
			"model_instance_id", req.ModelInstanceID,
			"try_index", req.TryIndex,
			"reasoning", req.Reasoning.Label(),
		)

		start := time.Now()
		resp, err := next.Handle(ctx, req)
		elapsed := time.Since(start)

		if err != nil {
			m.logger.ErrorContext(ctx, "completion failed",
				"request_id", requestID,
				"session_id", req.SessionID,
				"model", req.Model,
				"try_index", req.TryIndex,
				"duration_ms", elapsed.Milliseconds(),
				"retryable", IsRetryable(err),
				"error", err,
			)
			return nil, err
		}

		m.logger.InfoContext(ctx, "completion succeeded",
			"request_id", requestID,
			"session_id", req.SessionID,
			"model", req.Model,
			"try_index", req.TryIndex,
			"duration_ms", elapsed.Milliseconds(),
			"finish_reason", resp.FinishReason,
			"input_tokens", resp.Usage.Input,
			"output_tokens", resp.Usage.Output,
			"reasoning_tokens", resp.Usage.Reasoning,
			"total_tokens", resp.Usage.Total,
		)
		return resp, nil
	})
}
