// Package ai calls chat-completion providers behind one request/response shape.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Error tags carried by failed completions.
const (
	TagTimeout         = "timeout"
	TagCanceled        = "canceled"
	TagTransport       = "transport"
	TagRateLimited     = "rate_limited"
	TagDecode          = "decode"
	TagEmpty           = "empty"
	TagBudgetExhausted = "budget_exhausted"
	TagDisabled        = "disabled"
)

type Message struct {
	Role    Role
	Content string
}

// Request is one completion call. Purpose labels the call in the usage log.
type Request struct {
	Purpose     string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Completion is the provider answer. A failed call has a non-empty ErrorTag
// and Text set to "[ai_error:<tag>]".
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	DurationMs   int64
	ErrorTag     string
}

func (c Completion) Failed() bool {
	return c.ErrorTag != ""
}

// Provider never returns an error; failures come back as tagged completions.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) Completion
}

// ErrorText is the deterministic text of a failed completion.
func ErrorText(tag string) string {
	return "[ai_error:" + tag + "]"
}

func failed(provider, model, tag string, started time.Time) Completion {
	return Completion{
		Text:       ErrorText(tag),
		Model:      model,
		Provider:   provider,
		DurationMs: time.Since(started).Milliseconds(),
		ErrorTag:   tag,
	}
}

// statusTag maps an HTTP status to an error tag.
func statusTag(status int) string {
	if status == 429 {
		return TagRateLimited
	}
	return fmt.Sprintf("http_%d", status)
}

// transportTag classifies a transport error.
func transportTag(ctx context.Context, err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return TagTimeout
	case errors.Is(err, context.Canceled):
		return TagCanceled
	case errors.As(err, &netErr) && netErr.Timeout():
		return TagTimeout
	}
	return TagTransport
}

func Float(v float64) *float64 {
	return &v
}
