package llm

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// ToolChoice controls whether the model may call tools for a request.
type ToolChoice string

const (
	// ToolChoiceAuto lets the model decide between answering and calling tools.
	ToolChoiceAuto ToolChoice = "auto"
	// ToolChoiceNone forces a plain text answer even when tools are configured.
	ToolChoiceNone ToolChoice = "none"
)

// Request is one chat completion call. Temperature and MaxTokens, when set,
// override the model's configured defaults for this call only.
type Request struct {
	Messages    []*schema.Message
	ToolChoice  ToolChoice
	Temperature *float32
	MaxTokens   *int
}

// Completion is the model's answer: text content, tool call requests, or both.
type Completion struct {
	Content      string
	ToolCalls    []schema.ToolCall
	FinishReason string
}

// Client abstracts the chat model call; implementations wrap Eino models.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
}
