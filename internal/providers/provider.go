package providers

import (
	"context"
	"fmt"
)

type Message struct {
	Role    string
	Content string
}

type CompletionRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type CompletionResponse struct {
	Text string
}

// StreamEvent is one unit of incremental output. A non-nil Err is
// terminal and arrives after every token already produced; the channel
// closes afterwards.
type StreamEvent struct {
	Token string
	Err   error
}

type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Stream returns a finite, non-restartable sequence of events. An
	// error returned here means the stream never started; failures
	// after the first byte are delivered in-band.
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

// HTTPError preserves the upstream status and response body so callers
// can classify provider failures.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
}
