package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/registry"
)

// Wire types for the OpenAI-compatible responses endpoint. Input is either a
// bare string (single user turn) or a sequence of role/content messages,
// mirroring the chat completions shape but with the responses protocol's own
// content part vocabulary (input_text/input_image/input_audio).

type responsesRequest struct {
	Model           string          `json:"model" validate:"required"`
	Input           json.RawMessage `json:"input" validate:"required"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Reasoning       *reasoningOpts  `json:"reasoning,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

type reasoningOpts struct {
	Effort string `json:"effort,omitempty"`
}

type responsesContentPart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	InputAudio string `json:"input_audio,omitempty"`
}

type responsesMessage struct {
	Role    string                  `json:"role"`
	Content []responsesContentPart  `json:"content"`
}

type responsesPayload struct {
	ID        string           `json:"id"`
	Object    string           `json:"object"`
	CreatedAt int64            `json:"created_at"`
	Model     string           `json:"model"`
	Status    string           `json:"status"`
	Output    []responsesOutput `json:"output"`
	Usage     responsesUsage   `json:"usage"`
}

type responsesOutput struct {
	Type    string                  `json:"type"`
	Role    string                  `json:"role"`
	Content []responsesOutputPart   `json:"content"`
}

type responsesOutputPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// parseResponsesInput normalizes the input field, accepting either a bare
// string or an array of role/content messages, into provider messages plus
// the plain-text prompt (the last user turn's text) used for security
// screening.
func parseResponsesInput(raw json.RawMessage, instructions string) ([]provider.Message, string) {
	var out []provider.Message
	if instructions != "" {
		out = append(out, provider.Message{Role: "system", Content: instructions})
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		out = append(out, provider.Message{Role: "user", Content: s})
		return out, s
	}

	var msgs []responsesMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return out, ""
	}

	var lastPrompt string
	for _, m := range msgs {
		var blocks []provider.ContentBlock
		var sb strings.Builder
		for _, p := range m.Content {
			switch p.Type {
			case "input_text", "output_text":
				sb.WriteString(p.Text)
				blocks = append(blocks, provider.ContentBlock{Type: "text", Text: p.Text})
			case "input_image":
				blocks = append(blocks, provider.ContentBlock{Type: "image", Source: &provider.MediaSource{Type: "url", URL: p.ImageURL}})
			case "input_audio":
				blocks = append(blocks, provider.ContentBlock{Type: "audio", Source: &provider.MediaSource{Type: "base64", Data: p.InputAudio}})
			}
		}
		out = append(out, provider.Message{Role: m.Role, Content: blocks})
		if m.Role == "user" {
			lastPrompt = sb.String()
		}
	}
	return out, lastPrompt
}

func toResponsesPayload(id, model string, resp *provider.ChatResponse, promptTokens, completionTokens int64) responsesPayload {
	var output []responsesOutput
	if resp.ReasoningContent != "" {
		output = append(output, responsesOutput{
			Type: "reasoning", Role: "assistant",
			Content: []responsesOutputPart{{Type: "reasoning_text", Text: resp.ReasoningContent}},
		})
	}
	output = append(output, responsesOutput{
		Type: "message", Role: "assistant",
		Content: []responsesOutputPart{{Type: "output_text", Text: resp.Content}},
	})
	return responsesPayload{
		ID: id, Object: "response", CreatedAt: time.Now().Unix(), Model: model, Status: "completed",
		Output: output,
		Usage: responsesUsage{
			InputTokens: int(promptTokens), OutputTokens: int(completionTokens),
			TotalTokens: int(promptTokens + completionTokens),
		},
	}
}

// Responses handles POST /v1/responses.
func (s *Server) Responses(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req responsesRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.MaxOutputTokens > 0 && req.MaxOutputTokens < 16 {
		req.MaxOutputTokens = 16
	}

	messages, prompt := parseResponsesInput(req.Input, req.Instructions)

	effort := ""
	if req.Reasoning != nil {
		effort = req.Reasoning.Effort
	}

	if req.Stream {
		s.dispatchResponsesStream(w, r, rc, req.Model, messages, prompt, effort)
		return
	}
	s.dispatchResponsesUnary(w, r, rc, req.Model, messages, prompt, effort)
}

func (s *Server) dispatchResponsesUnary(w http.ResponseWriter, r *http.Request, rc *RequestContext, model string, messages []provider.Message, prompt, reasoningEffort string) {
	ctx := r.Context()
	ctx = provider.WithReasoningEffort(ctx, reasoningEffort)

	entry, err := s.resolveCapability(model, registry.CapabilityResponses)
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

	apiReq, err := s.tracker.Create(ctx, rc.User.ID, apiKeyID(rc), model, "responses")
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
		ctx, subs, owners, model, estimated, maxRetriesForEndpoint("responses"),
		func(ctx context.Context, a provider.Adapter) (int64, int64, error) {
			chatter, ok := a.(provider.Chatter)
			if !ok {
				return 0, 0, errUnsupportedOperation
			}
			out, callErr := chatter.Chat(ctx, model, messages, nil)
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

	writeJSON(w, http.StatusOK, toResponsesPayload(apiReq.ID, model, resp, promptTokens, completionTokens))
}

// dispatchResponsesStream streams the responses protocol's own event
// vocabulary (response.output_text.delta / response.completed) rather than
// the chat completions chunk shape, reusing the same SSE framing and
// keep-alive discipline as ChatCompletions.
func (s *Server) dispatchResponsesStream(w http.ResponseWriter, r *http.Request, rc *RequestContext, model string, messages []provider.Message, prompt, reasoningEffort string) {
	ctx := r.Context()
	ctx = provider.WithReasoningEffort(ctx, reasoningEffort)

	entry, err := s.resolveCapability(model, registry.CapabilityResponses)
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

	apiReq, err := s.tracker.Create(ctx, rc.User.ID, apiKeyID(rc), model, "responses")
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

	responseID := apiReq.ID
	writeResponsesEvent(w, flusher, "response.created", map[string]any{"id": responseID, "model": model})

	subs, owners, err := s.prepareDispatch(ctx, rc, model)
	if err != nil {
		s.chargeAndFinish(ctx, rc, apiReq, model, entry, authorizedMicro, 0, 0, err.Error())
		writeResponsesEvent(w, flusher, "response.failed", map[string]any{"id": responseID, "error": err.Error()})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	providerID, subProviderID, promptTokens, completionTokens, _, streamErr := s.runWithRetry(
		ctx, subs, owners, model, estimated, maxRetriesForEndpoint("responses"),
		func(ctx context.Context, a provider.Adapter) (int64, int64, error) {
			sc, ok := a.(provider.StreamChatter)
			if !ok {
				return s.fakeStreamResponses(ctx, w, flusher, a, model, messages)
			}
			chunks, _, err := sc.ChatStream(ctx, model, messages, nil)
			if err != nil {
				return 0, 0, err
			}
			return drainResponsesStream(w, flusher, chunks)
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
		writeResponsesEvent(w, flusher, "response.failed", map[string]any{"id": responseID, "error": streamErr.Error()})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	writeResponsesEvent(w, flusher, "response.completed", map[string]any{
		"id": responseID, "usage": responsesUsage{
			InputTokens: int(promptTokens), OutputTokens: int(completionTokens),
			TotalTokens: int(promptTokens + completionTokens),
		},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) fakeStreamResponses(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, a provider.Adapter, model string, messages []provider.Message) (int64, int64, error) {
	chatter, ok := a.(provider.Chatter)
	if !ok {
		return 0, 0, errUnsupportedOperation
	}
	resp, err := chatter.Chat(ctx, model, messages, nil)
	if err != nil {
		return 0, 0, err
	}
	if resp.ReasoningContent != "" {
		writeResponsesEvent(w, flusher, "response.reasoning.delta", map[string]any{"delta": resp.ReasoningContent})
	}
	writeResponsesEvent(w, flusher, "response.output_text.delta", map[string]any{"delta": resp.Content})
	return int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens), nil
}

func drainResponsesStream(w http.ResponseWriter, flusher http.Flusher, chunks <-chan provider.StreamChunk) (int64, int64, error) {
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
				writeResponsesEvent(w, flusher, "response.reasoning.delta", map[string]any{"delta": chunk.ReasoningContent})
			}
			if chunk.Content != "" {
				writeResponsesEvent(w, flusher, "response.output_text.delta", map[string]any{"delta": chunk.Content})
			}
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeResponsesEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload map[string]any) {
	payload["type"] = event
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
