package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/vgate/internal/provider"
)

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"tool_use":   "tool_calls",
		"max_tokens": "length",
		"end_turn":   "stop",
		"":           "",
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStopReason(in), "stop_reason %q", in)
	}
}

func TestBuildRequestBodyExtractsSystemPromptWithCacheControl(t *testing.T) {
	a := &Adapter{Model: "claude-3-5-sonnet-latest"}
	messages := []provider.Message{
		{Role: "system", Content: "be concise"},
		{Role: "user", Content: "hi"},
	}

	body := a.buildRequestBody(context.Background(), "claude-3-5-sonnet-latest", messages, nil)

	system, ok := body["system"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "be concise", system[0]["text"])
	assert.Equal(t, map[string]any{"type": "ephemeral"}, system[0]["cache_control"])

	msgs, ok := body["messages"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0]["role"])
	assert.Equal(t, "hi", msgs[0]["content"])
}

func TestBuildRequestBodyWithoutReasoningEffortOmitsThinking(t *testing.T) {
	a := &Adapter{Model: "claude-3-5-sonnet-latest"}
	body := a.buildRequestBody(context.Background(), "claude-3-5-sonnet-latest", nil, nil)

	assert.NotContains(t, body, "thinking")
	assert.Equal(t, DefaultMaxTokens, body["max_tokens"])
}

func TestBuildRequestBodyReasoningEffortEnablesThinkingAndForcesTemperature(t *testing.T) {
	a := &Adapter{Model: "claude-3-5-sonnet-latest"}
	ctx := provider.WithReasoningEffort(context.Background(), "high")

	body := a.buildRequestBody(ctx, "claude-3-5-sonnet-latest", nil, nil)

	thinking, ok := body["thinking"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "enabled", thinking["type"])
	assert.Equal(t, reasoningBudgets["high"], thinking["budget_tokens"])
	assert.Equal(t, 1.0, body["temperature"])
	assert.Equal(t, reasoningBudgets["high"]+thinkingMaxTokensMargin, body["max_tokens"])
}

func TestBuildRequestBodyUnknownReasoningEffortFallsBackToMedium(t *testing.T) {
	a := &Adapter{Model: "claude-3-5-sonnet-latest"}
	ctx := provider.WithReasoningEffort(context.Background(), "extreme")

	body := a.buildRequestBody(ctx, "claude-3-5-sonnet-latest", nil, nil)

	thinking := body["thinking"].(map[string]any)
	assert.Equal(t, reasoningBudgets["medium"], thinking["budget_tokens"])
}

func TestToAnthropicMessagesMultimodalContent(t *testing.T) {
	messages := []provider.Message{
		{Role: "user", Content: []provider.ContentBlock{
			{Type: "text", Text: "describe this"},
			{Type: "image", Source: &provider.MediaSource{Type: "url", URL: "https://example.com/a.png"}},
		}},
	}

	out := toAnthropicMessages(messages)
	require.Len(t, out, 1)
	blocks, ok := out[0]["content"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0]["type"])
	assert.Equal(t, "image", blocks[1]["type"])
	source := blocks[1]["source"].(map[string]any)
	assert.Equal(t, "url", source["type"])
	assert.Equal(t, "https://example.com/a.png", source["url"])
}
