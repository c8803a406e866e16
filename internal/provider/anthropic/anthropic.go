// Package anthropic adapts the gateway's normalized chat contract to
// Anthropic's Messages API, including its distinct system-prompt placement,
// tool_use content blocks and SSE event framing. Adapted from the Anthropic Messages API's
// internal/service/llm/antropic adapter.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/vgate/internal/provider"
)

// DefaultBaseURL is Anthropic's production API host.
const DefaultBaseURL = "https://api.anthropic.com"

// DefaultMaxTokens is sent when the caller's request doesn't specify one;
// Anthropic requires max_tokens on every call, unlike OpenAI.
const DefaultMaxTokens = 4096

// Adapter implements provider.Chatter and provider.StreamChatter against the
// Anthropic Messages API.
type Adapter struct {
	Model  string
	client *klient.Client
}

// New builds an Anthropic Adapter. insecureSkipVerify is intended for
// private/self-hosted proxy deployments only.
func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (provider.Adapter, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	opts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{apiKey},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
	}
	if proxy != "" {
		opts = append(opts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		opts = append(opts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Adapter{Model: model, client: client}, nil
}

// Name identifies this adapter for logging and metrics.
func (a *Adapter) Name() string { return "anthropic" }

type anthropicResponse struct {
	Type       string         `json:"type"`
	Error      anthropicError `json:"error"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type contentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Thinking string         `json:"thinking"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input"`
}

// reasoningBudgets maps the gateway's coarse reasoning_effort hint onto an
// Anthropic extended-thinking token budget. Anthropic has no notion of
// "effort" itself, only a raw budget_tokens integer, so these are fixed
// tiers chosen to roughly track what low/medium/high mean for other
// providers' reasoning_effort parameter.
var reasoningBudgets = map[string]int{
	"low":    2048,
	"medium": 8192,
	"high":   24576,
}

// thinkingMaxTokensMargin is added on top of the thinking budget when sizing
// max_tokens, since Anthropic counts thinking tokens against the same
// max_tokens ceiling as the visible completion.
const thinkingMaxTokensMargin = 4096

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chat issues one non-streaming call to /v1/messages.
func (a *Adapter) Chat(ctx context.Context, model string, messages []provider.Message, tools []provider.Tool) (*provider.ChatResponse, error) {
	if model == "" {
		model = a.Model
	}

	body := a.buildRequestBody(ctx, model, messages, tools)
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result anthropicResponse
	var headers http.Header
	if err := a.client.Do(req, func(r *http.Response) error {
		headers = r.Header
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("anthropic: decoding response: %w (body: %s)", err, string(data))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	resp := &provider.ChatResponse{
		FinishReason: mapStopReason(result.StopReason),
		Header:       headers,
	}

	if result.Type == "error" {
		return nil, fmt.Errorf("anthropic: %s", result.Error.Message)
	}

	resp.Usage = provider.Usage{
		PromptTokens:     result.Usage.InputTokens,
		CompletionTokens: result.Usage.OutputTokens,
		TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
	}

	for _, block := range result.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.ReasoningContent += block.Thinking
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	return resp, nil
}

// mapStopReason normalizes Anthropic's stop_reason onto the gateway's
// OpenAI-shaped finish_reason vocabulary: a truncation at the max_tokens
// ceiling becomes "length" (not "stop"), since callers size retries and
// continuations differently for the two cases.
func mapStopReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return "stop"
	}
}

type streamEvent struct {
	Type         string          `json:"type"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	ContentBlock *contentBlock   `json:"content_block,omitempty"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type thinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type toolInputDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type messageDelta struct {
	StopReason string `json:"stop_reason"`
	Usage      *usage `json:"usage,omitempty"`
}

type messageStartBody struct {
	Message *messageStartMessage `json:"message,omitempty"`
}

type messageStartMessage struct {
	Usage *usage `json:"usage,omitempty"`
}

// ChatStream implements provider.StreamChatter for Anthropic's SSE format:
// message_start carries input_tokens, content_block_delta carries text or
// partial tool-call JSON, message_delta carries output_tokens and the stop
// reason, message_stop signals end of stream.
func (a *Adapter) ChatStream(ctx context.Context, model string, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamChunk, http.Header, error) {
	if model == "" {
		model = a.Model
	}

	body := a.buildRequestBody(ctx, model, messages, tools)
	body["stream"] = true

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, err
	}

	resp, err := a.client.HTTP.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("anthropic: streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(data))
	}

	ch := make(chan provider.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var currentToolID, currentToolName string
		var toolInputBuf strings.Builder
		var inputTokens, outputTokens int

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				ch <- provider.StreamChunk{Error: fmt.Errorf("anthropic: parsing SSE event: %w", err)}
				return
			}

			switch event.Type {
			case "message_start":
				var msb messageStartBody
				if err := json.Unmarshal([]byte(data), &msb); err == nil && msb.Message != nil && msb.Message.Usage != nil {
					inputTokens = msb.Message.Usage.InputTokens
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					currentToolID = event.ContentBlock.ID
					currentToolName = event.ContentBlock.Name
					toolInputBuf.Reset()
				}

			case "content_block_delta":
				if len(event.Delta) == 0 {
					continue
				}
				var td textDelta
				if err := json.Unmarshal(event.Delta, &td); err == nil && td.Type == "text_delta" {
					ch <- provider.StreamChunk{Content: td.Text}
					continue
				}
				var thd thinkingDelta
				if err := json.Unmarshal(event.Delta, &thd); err == nil && thd.Type == "thinking_delta" {
					ch <- provider.StreamChunk{ReasoningContent: thd.Thinking}
					continue
				}
				var tid toolInputDelta
				if err := json.Unmarshal(event.Delta, &tid); err == nil && tid.Type == "input_json_delta" {
					toolInputBuf.WriteString(tid.PartialJSON)
				}

			case "content_block_stop":
				if currentToolID != "" {
					var args map[string]any
					if toolInputBuf.Len() > 0 {
						_ = json.Unmarshal([]byte(toolInputBuf.String()), &args)
					}
					ch <- provider.StreamChunk{ToolCalls: []provider.ToolCall{{
						ID: currentToolID, Name: currentToolName, Arguments: args,
					}}}
					currentToolID, currentToolName = "", ""
					toolInputBuf.Reset()
				}

			case "message_delta":
				if len(event.Delta) == 0 {
					continue
				}
				var md messageDelta
				if err := json.Unmarshal(event.Delta, &md); err == nil {
					if md.Usage != nil {
						outputTokens = md.Usage.OutputTokens
					}
					if md.StopReason != "" {
						ch <- provider.StreamChunk{FinishReason: mapStopReason(md.StopReason)}
					}
				}

			case "message_stop":
				ch <- provider.StreamChunk{Usage: &provider.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				}}
				return

			case "error":
				var errMsg struct {
					Error anthropicError `json:"error"`
				}
				if err := json.Unmarshal([]byte(data), &errMsg); err == nil {
					ch <- provider.StreamChunk{Error: fmt.Errorf("anthropic: %s", errMsg.Error.Message)}
				} else {
					ch <- provider.StreamChunk{Error: fmt.Errorf("anthropic: stream error: %s", data)}
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- provider.StreamChunk{Error: fmt.Errorf("anthropic: stream read error: %w", err)}
		}
	}()

	return ch, resp.Header, nil
}

// toAnthropicMessages renders normalized messages into Anthropic's
// {role, content} shape, where content is either a plain string or a list of
// typed blocks for multimodal turns.
func toAnthropicMessages(messages []provider.Message) []map[string]any {
	out := make([]map[string]any, len(messages))
	for i, msg := range messages {
		switch c := msg.Content.(type) {
		case string:
			out[i] = map[string]any{"role": msg.Role, "content": c}
		case []provider.ContentBlock:
			blocks := make([]map[string]any, 0, len(c))
			for _, b := range c {
				switch b.Type {
				case "text":
					blocks = append(blocks, map[string]any{"type": "text", "text": b.Text})
				case "image":
					blocks = append(blocks, map[string]any{"type": "image", "source": toAnthropicImageSource(b.Source)})
				}
			}
			out[i] = map[string]any{"role": msg.Role, "content": blocks}
		default:
			out[i] = map[string]any{"role": msg.Role, "content": fmt.Sprintf("%v", c)}
		}
	}
	return out
}

func toAnthropicImageSource(src *provider.MediaSource) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	if src.Type == "url" {
		return map[string]any{"type": "url", "url": src.URL}
	}
	return map[string]any{
		"type":       "base64",
		"media_type": src.MediaType,
		"data":       src.Data,
	}
}

// buildRequestBody shapes a gateway-normalized message list into Anthropic's
// wire format: system messages are pulled out to the top-level "system"
// field as a content-block array with the last block marked for ephemeral
// prompt caching, every call must declare max_tokens, and a reasoning-effort
// hint propagated through ctx is translated into Anthropic's extended
// thinking parameters.
func (a *Adapter) buildRequestBody(ctx context.Context, model string, messages []provider.Message, tools []provider.Tool) map[string]any {
	anthropicTools := make([]map[string]any, len(tools))
	for i, tool := range tools {
		anthropicTools[i] = map[string]any{
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": tool.InputSchema,
		}
	}

	var systemBlocks []map[string]any
	filtered := make([]provider.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			if s, ok := msg.Content.(string); ok && s != "" {
				systemBlocks = append(systemBlocks, map[string]any{"type": "text", "text": s})
			}
			continue
		}
		filtered = append(filtered, msg)
	}
	// Mark the last system block cacheable: system prompts are the part of a
	// request most likely to repeat verbatim across calls, so this is where
	// prompt caching earns back the most.
	if n := len(systemBlocks); n > 0 {
		systemBlocks[n-1]["cache_control"] = map[string]any{"type": "ephemeral"}
	}

	maxTokens := DefaultMaxTokens
	body := map[string]any{
		"model":    model,
		"messages": toAnthropicMessages(filtered),
	}
	if len(systemBlocks) > 0 {
		body["system"] = systemBlocks
	}
	if len(tools) > 0 {
		body["tools"] = anthropicTools
	}

	if effort, ok := provider.ReasoningEffortFromContext(ctx); ok {
		budget, known := reasoningBudgets[effort]
		if !known {
			budget = reasoningBudgets["medium"]
		}
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
		// Anthropic rejects any temperature other than 1 while thinking is
		// enabled.
		body["temperature"] = 1.0
		if budget+thinkingMaxTokensMargin > maxTokens {
			maxTokens = budget + thinkingMaxTokensMargin
		}
	}
	body["max_tokens"] = maxTokens

	return body
}
