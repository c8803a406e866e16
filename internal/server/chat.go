package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/registry"
)

// Wire types for the OpenAI-compatible chat completions endpoint. Adapted
// from an OpenAI chat-completions OpenAIMessage/ChatCompletionRequest shape,
// trimmed to the fields this gateway's dispatch pipeline actually consumes.

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type chatCompletionRequest struct {
	Model           string         `json:"model" validate:"required"`
	Messages        []chatMessage  `json:"messages" validate:"required,min=1"`
	Tools           []chatTool     `json:"tools,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
	StreamOptions   *streamOptions `json:"stream_options,omitempty"`
	ReasoningEffort string         `json:"reasoning_effort,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []chatChoice     `json:"choices"`
	Usage   chatUsagePayload `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatRespMsg `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatRespMsg struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatUsagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Model   string            `json:"model"`
	Choices []chunkChoice     `json:"choices"`
	Usage   *chatUsagePayload `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

func generateChatID() string {
	return "chatcmpl-" + ulid.Make().String()
}

func convertToolCalls(in []provider.ToolCall) []toolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]toolCall, 0, len(in))
	for _, tc := range in {
		args, _ := json.Marshal(tc.Arguments)
		var entry toolCall
		entry.ID = tc.ID
		entry.Type = "function"
		entry.Function.Name = tc.Name
		entry.Function.Arguments = string(args)
		out = append(out, entry)
	}
	return out
}

// parseMessageContent accepts either a bare string or an array of OpenAI
// content parts ({"type":"text","text":"..."} / {"type":"image_url",...})
// and returns the plain-text content used for prompt extraction, security
// screening and token estimation, plus the normalized content passed on to
// the adapter (a string, or []provider.ContentBlock for multimodal input).
func parseMessageContent(raw json.RawMessage) (text string, normalized any) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s
	}

	var parts []map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil
	}

	var blocks []provider.ContentBlock
	var sb strings.Builder
	for _, p := range parts {
		switch p["type"] {
		case "text":
			t, _ := p["text"].(string)
			sb.WriteString(t)
			blocks = append(blocks, provider.ContentBlock{Type: "text", Text: t})
		case "image_url":
			if obj, ok := p["image_url"].(map[string]any); ok {
				url, _ := obj["url"].(string)
				blocks = append(blocks, provider.ContentBlock{Type: "image", Source: &provider.MediaSource{Type: "url", URL: url}})
			}
		}
	}
	return sb.String(), blocks
}

func toProviderMessages(in []chatMessage) ([]provider.Message, string) {
	out := make([]provider.Message, 0, len(in))
	var lastPrompt string
	for _, m := range in {
		text, normalized := parseMessageContent(m.Content)
		out = append(out, provider.Message{Role: m.Role, Content: normalized, Name: m.Name, ToolCallID: m.ToolCallID})
		if m.Role == "user" {
			lastPrompt = text
		}
	}
	return out, lastPrompt
}

func toProviderTools(in []chatTool) []provider.Tool {
	out := make([]provider.Tool, 0, len(in))
	for _, t := range in {
		out = append(out, provider.Tool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters})
	}
	return out
}

// estimateTokens is a coarse pre-authorization estimator (roughly 4 chars per
// token) used to size the up-front credit hold; the actual charge is settled
// against the provider's reported usage once the call completes.
func estimateTokens(messages []provider.Message) int64 {
	var chars int64
	for _, m := range messages {
		if s, ok := m.Content.(string); ok {
			chars += int64(len(s))
		}
	}
	if chars == 0 {
		return 1
	}
	return chars/4 + 1
}

// ChatCompletions handles POST /v1/chat/completions.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req chatCompletionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	messages, prompt := toProviderMessages(req.Messages)
	tools := toProviderTools(req.Tools)

	if req.Stream {
		s.dispatchChatStream(w, r, rc, req.Model, messages, tools, prompt, req.StreamOptions, req.ReasoningEffort)
		return
	}
	s.dispatchChatUnary(w, r, rc, req.Model, messages, tools, prompt, req.ReasoningEffort)
}

func (s *Server) dispatchChatUnary(w http.ResponseWriter, r *http.Request, rc *RequestContext, model string, messages []provider.Message, tools []provider.Tool, prompt, reasoningEffort string) {
	ctx := r.Context()
	ctx = provider.WithReasoningEffort(ctx, reasoningEffort)

	entry, err := s.resolveCapability(model, registry.CapabilityChat)
	if err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}

	if err := rc.authorizeScoping(entry.ProviderName, model); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}

	if err := s.checkPlanAccess(ctx, rc, entry); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}

	if err := s.security.Check(ctx, prompt); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}

	estimated := estimateTokens(messages)
	authorizedMicro := entry.EstimateCreditsMicro(estimated, estimated)
	if !rc.IsMasterAdmin() {
		if err := s.credit.Authorize(ctx, rc.User.ID, authorizedMicro); err != nil {
			status, errType, code := classifyDispatchError(err)
			writeAPIError(w, status, errType, code, err.Error(), "")
			return
		}
	}

	apiReq, err := s.tracker.Create(ctx, rc.User.ID, apiKeyID(rc), model, "chat")
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to admit request", "")
		return
	}

	subs, owners, err := s.prepareDispatch(ctx, rc, model)
	if err != nil {
		s.chargeAndFinish(ctx, rc, apiReq, model, entry, authorizedMicro, 0, 0, err.Error())
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), apiReq.ID)
		return
	}

	var resp *provider.ChatResponse
	providerID, subProviderID, promptTokens, completionTokens, _, dispatchErr := s.runWithRetry(
		ctx, subs, owners, model, estimated, maxRetriesForEndpoint("chat"),
		func(ctx context.Context, a provider.Adapter) (int64, int64, error) {
			chatter, ok := a.(provider.Chatter)
			if !ok {
				return 0, 0, errUnsupportedOperation
			}
			out, callErr := chatter.Chat(ctx, model, messages, tools)
			if callErr != nil {
				return 0, 0, callErr
			}
			resp = out
			return int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
		},
	)
	if providerID != "" {
		_ = s.tracker.MarkProcessing(ctx, apiReq, providerID, subProviderID)
	}

	errMsg := ""
	if dispatchErr != nil {
		errMsg = dispatchErr.Error()
	}
	s.chargeAndFinish(ctx, rc, apiReq, model, entry, authorizedMicro, promptTokens, completionTokens, errMsg)

	if dispatchErr != nil {
		status, errType, code := classifyDispatchError(dispatchErr)
		writeAPIError(w, status, errType, code, dispatchErr.Error(), apiReq.ID)
		return
	}

	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      generateChatID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatRespMsg{Role: "assistant", Content: resp.Content, ReasoningContent: resp.ReasoningContent, ToolCalls: convertToolCalls(resp.ToolCalls)},
			FinishReason: defaultFinishReason(resp.FinishReason),
		}},
		Usage: chatUsagePayload{
			PromptTokens:     int(promptTokens),
			CompletionTokens: int(completionTokens),
			TotalTokens:      int(promptTokens + completionTokens),
		},
	})
}

func defaultFinishReason(r string) string {
	if r == "" {
		return "stop"
	}
	return r
}

// dispatchChatStream handles the SSE streaming variant. The finalizer
// (crediting plus tracker completion) runs exactly once regardless of
// whether the stream ends normally, errors, or the client disconnects.
func (s *Server) dispatchChatStream(w http.ResponseWriter, r *http.Request, rc *RequestContext, model string, messages []provider.Message, tools []provider.Tool, prompt string, opts *streamOptions, reasoningEffort string) {
	ctx := r.Context()
	ctx = provider.WithReasoningEffort(ctx, reasoningEffort)

	entry, err := s.resolveCapability(model, registry.CapabilityChat)
	if err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}
	if err := rc.authorizeScoping(entry.ProviderName, model); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}
	if err := s.checkPlanAccess(ctx, rc, entry); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}
	if err := s.security.Check(ctx, prompt); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}

	estimated := estimateTokens(messages)
	authorizedMicro := entry.EstimateCreditsMicro(estimated, estimated)
	if !rc.IsMasterAdmin() {
		if err := s.credit.Authorize(ctx, rc.User.ID, authorizedMicro); err != nil {
			status, errType, code := classifyDispatchError(err)
			writeAPIError(w, status, errType, code, err.Error(), "")
			return
		}
	}

	apiReq, err := s.tracker.Create(ctx, rc.User.ID, apiKeyID(rc), model, "chat")
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to admit request", "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "streaming not supported by this server", apiReq.ID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	chatID := generateChatID()
	includeUsage := opts != nil && opts.IncludeUsage

	subs, owners, err := s.prepareDispatch(ctx, rc, model)
	if err != nil {
		s.chargeAndFinish(ctx, rc, apiReq, model, entry, authorizedMicro, 0, 0, err.Error())
		writeSSEError(w, flusher, chatID, model, err.Error())
		return
	}

	writeSSEChunk(w, flusher, chatCompletionChunk{
		ID: chatID, Object: "chat.completion.chunk", Model: model,
		Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Role: "assistant"}}},
	})

	providerID, subProviderID, promptTokens, completionTokens, _, streamErr := s.runWithRetry(
		ctx, subs, owners, model, estimated, maxRetriesForEndpoint("chat"),
		func(ctx context.Context, a provider.Adapter) (int64, int64, error) {
			sc, ok := a.(provider.StreamChatter)
			if !ok {
				return s.fakeStreamChat(ctx, w, flusher, a, chatID, model, messages, tools)
			}
			chunks, _, err := sc.ChatStream(ctx, model, messages, tools)
			if err != nil {
				return 0, 0, err
			}
			return drainStreamChunks(w, flusher, chatID, model, chunks)
		},
	)

	if providerID != "" {
		_ = s.tracker.MarkProcessing(ctx, apiReq, providerID, subProviderID)
	}

	errMsg := ""
	if streamErr != nil {
		errMsg = streamErr.Error()
	}
	s.chargeAndFinish(ctx, rc, apiReq, model, entry, authorizedMicro, promptTokens, completionTokens, errMsg)

	if streamErr != nil {
		writeSSEError(w, flusher, chatID, model, streamErr.Error())
		return
	}

	if includeUsage {
		writeSSEChunk(w, flusher, chatCompletionChunk{
			ID: chatID, Object: "chat.completion.chunk", Model: model,
			Usage: &chatUsagePayload{
				PromptTokens: int(promptTokens), CompletionTokens: int(completionTokens),
				TotalTokens: int(promptTokens + completionTokens),
			},
		})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// fakeStreamChat falls back to a unary call and emits its full content as a
// single delta chunk for adapters without a native streaming wire format.
func (s *Server) fakeStreamChat(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, a provider.Adapter, chatID, model string, messages []provider.Message, tools []provider.Tool) (int64, int64, error) {
	chatter, ok := a.(provider.Chatter)
	if !ok {
		return 0, 0, errUnsupportedOperation
	}
	resp, err := chatter.Chat(ctx, model, messages, tools)
	if err != nil {
		return 0, 0, err
	}
	writeSSEChunk(w, flusher, chatCompletionChunk{
		ID: chatID, Object: "chat.completion.chunk", Model: model,
		Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: resp.Content}}},
	})
	return int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens), nil
}

// drainStreamChunks forwards an adapter's native stream onto the client SSE
// connection, injecting a keep-alive comment frame every 20s of silence so
// intermediate proxies don't time the connection out mid-generation.
func drainStreamChunks(w http.ResponseWriter, flusher http.Flusher, chatID, model string, chunks <-chan provider.StreamChunk) (int64, int64, error) {
	var promptTokens, completionTokens int64
	keepAlive := time.NewTicker(20 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				return promptTokens, completionTokens, nil
			}
			if chunk.Error != nil {
				return promptTokens, completionTokens, chunk.Error
			}
			if chunk.Usage != nil {
				promptTokens = int64(chunk.Usage.PromptTokens)
				completionTokens = int64(chunk.Usage.CompletionTokens)
			}
			if chunk.ReasoningContent != "" {
				writeSSEChunk(w, flusher, chatCompletionChunk{
					ID: chatID, Object: "chat.completion.chunk", Model: model,
					Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{ReasoningContent: chunk.ReasoningContent}}},
				})
			}
			if chunk.Content != "" {
				writeSSEChunk(w, flusher, chatCompletionChunk{
					ID: chatID, Object: "chat.completion.chunk", Model: model,
					Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: chunk.Content}}},
				})
			}
			if chunk.FinishReason != "" {
				fr := chunk.FinishReason
				writeSSEChunk(w, flusher, chatCompletionChunk{
					ID: chatID, Object: "chat.completion.chunk", Model: model,
					Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{}, FinishReason: &fr}},
				})
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, chunk chatCompletionChunk) {
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, chatID, model, msg string) {
	fr := "stop"
	writeSSEChunk(w, flusher, chatCompletionChunk{
		ID: chatID, Object: "chat.completion.chunk", Model: model,
		Choices: []chunkChoice{{Index: 0, Delta: chunkDelta{Content: msg}, FinishReason: &fr}},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func apiKeyID(rc *RequestContext) string {
	if rc.ApiKey == nil {
		return ""
	}
	return rc.ApiKey.ID
}
