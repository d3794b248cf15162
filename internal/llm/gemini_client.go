package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// GeminiClient implements Client on top of the multi-key Gemini chat model.
// Tool choice is realized by routing: requests with ToolChoiceNone go to the
// plain model, everything else to the tool-bound one.
type GeminiClient struct {
	plain     model.ToolCallingChatModel
	withTools model.ToolCallingChatModel
}

// NewGeminiClient builds a client over the given API keys. tools may be
// empty, in which case every request behaves as ToolChoiceNone.
func NewGeminiClient(ctx context.Context, apiKeys []string, modelName string, temperature *float32, maxTokens *int, tools []*schema.ToolInfo) (*GeminiClient, error) {
	base, err := NewMultiKeyChatModel(ctx, apiKeys, modelName, temperature, maxTokens)
	if err != nil {
		return nil, err
	}

	c := &GeminiClient{plain: base}

	if len(tools) > 0 {
		bound, err := base.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("failed to bind tools: %w", err)
		}
		c.withTools = bound
	}

	return c, nil
}

func (c *GeminiClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	m := c.plain
	if req.ToolChoice != ToolChoiceNone && c.withTools != nil {
		m = c.withTools
	}

	var opts []model.Option
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*req.MaxTokens))
	}

	msg, err := m.Generate(ctx, req.Messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	out := &Completion{
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
	}
	if msg.ResponseMeta != nil {
		out.FinishReason = msg.ResponseMeta.FinishReason
	}
	return out, nil
}
