package provider

import (
	"context"
	"net/http"
)

// FakeStream adapts a Chatter without native streaming support into the
// StreamChatter shape by issuing one unary call and replaying its result as
// a content chunk (when there is content), a tool-call chunk (when there are
// tool calls), a finish-reason chunk and a usage chunk.
func FakeStream(ctx context.Context, c Chatter, model string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error) {
	resp, err := c.Chat(ctx, model, messages, tools)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamChunk, 4)
	go func() {
		defer close(ch)
		if resp.Content != "" {
			ch <- StreamChunk{Content: resp.Content}
		}
		if len(resp.ToolCalls) > 0 {
			ch <- StreamChunk{ToolCalls: resp.ToolCalls}
		}
		finish := resp.FinishReason
		if finish == "" {
			finish = "stop"
		}
		ch <- StreamChunk{FinishReason: finish}
		ch <- StreamChunk{Usage: &resp.Usage}
	}()
	return ch, resp.Header, nil
}

// StreamOf returns a's native streaming channel if it implements
// StreamChatter, otherwise falls back to FakeStream wrapping its unary Chat.
func StreamOf(ctx context.Context, a Adapter, model string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error) {
	if sc, ok := a.(StreamChatter); ok {
		return sc.ChatStream(ctx, model, messages, tools)
	}
	if c, ok := a.(Chatter); ok {
		return FakeStream(ctx, c, model, messages, tools)
	}
	return nil, nil, errUnsupportedCapability("chat/streaming")
}

type capabilityError string

func (e capabilityError) Error() string { return "provider: adapter does not support " + string(e) }

func errUnsupportedCapability(cap string) error { return capabilityError(cap) }
