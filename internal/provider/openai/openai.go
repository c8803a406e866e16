// Package openai adapts the gateway's normalized chat/embeddings/moderation
// contracts to the OpenAI API (and, by extension, any service that mirrors
// its wire format closely enough not to need the genericoa adapter's extra
// quirk-stripping). Adapted from an internal/service/llm/openai-shaped client
// provider.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/vgate/internal/provider"
)

// DefaultBaseURL is OpenAI's chat completions endpoint.
const DefaultBaseURL = "https://api.openai.com/v1/chat/completions"

// Adapter implements provider.Chatter, provider.StreamChatter,
// provider.Embedder, provider.Moderator, provider.ImageGenerator,
// provider.ImageEditor, provider.Speaker and provider.Transcriber against the
// OpenAI API.
type Adapter struct {
	Model   string
	BaseURL string

	client *klient.Client
}

// New builds an OpenAI-compatible Adapter.
func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (provider.Adapter, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}

	opts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
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

	return &Adapter{Model: model, BaseURL: baseURL, client: client}, nil
}

// Name identifies this adapter for logging and metrics.
func (a *Adapter) Name() string { return "openai" }

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Error   *apiError `json:"error,omitempty"`
	Choices []choice  `json:"choices"`
	Usage   *apiUsage `json:"usage,omitempty"`
}

type choice struct {
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceMessage struct {
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Chat issues a non-streaming chat completion call.
func (a *Adapter) Chat(ctx context.Context, model string, messages []provider.Message, tools []provider.Tool) (*provider.ChatResponse, error) {
	if model == "" {
		model = a.Model
	}

	body := a.BuildRequestBody(model, messages, tools)
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result chatResponse
	var headers http.Header
	if err := a.client.Do(req, func(r *http.Response) error {
		headers = r.Header
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("openai: decoding response: %w (body: %s)", err, string(data))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if result.Error != nil {
		return nil, fmt.Errorf("openai: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("openai: no response choices")
	}

	c := result.Choices[0]
	resp := &provider.ChatResponse{
		Content:      c.Message.Content,
		FinishReason: c.FinishReason,
		Header:       headers,
	}
	if resp.FinishReason == "" {
		resp.FinishReason = "stop"
	}
	if result.Usage != nil {
		resp.Usage = provider.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	}
	for _, tc := range c.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("openai: parsing tool call arguments: %w", err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
			ID: tc.ID, Name: tc.Function.Name, Arguments: args,
		})
	}

	return resp, nil
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type streamResponse struct {
	Error   *apiError      `json:"error,omitempty"`
	Choices []streamChoice `json:"choices"`
	Usage   *apiUsage      `json:"usage,omitempty"`
}

// ChatStream implements provider.StreamChatter using OpenAI's SSE framing,
// requesting usage in the final chunk via stream_options.include_usage.
func (a *Adapter) ChatStream(ctx context.Context, model string, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamChunk, http.Header, error) {
	if model == "" {
		model = a.Model
	}

	body := a.BuildRequestBody(model, messages, tools)
	body["stream"] = true
	body["stream_options"] = map[string]any{"include_usage": true}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("openai: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, err
	}

	resp, err := a.client.HTTP.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("openai: streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(data))
	}

	ch := make(chan provider.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

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
			if data == "[DONE]" {
				return
			}

			var sr streamResponse
			if err := json.Unmarshal([]byte(data), &sr); err != nil {
				ch <- provider.StreamChunk{Error: fmt.Errorf("openai: parsing SSE chunk: %w", err)}
				return
			}
			if sr.Error != nil {
				ch <- provider.StreamChunk{Error: fmt.Errorf("openai: %s", sr.Error.Message)}
				return
			}
			if len(sr.Choices) == 0 {
				if sr.Usage != nil {
					ch <- provider.StreamChunk{Usage: &provider.Usage{
						PromptTokens:     sr.Usage.PromptTokens,
						CompletionTokens: sr.Usage.CompletionTokens,
						TotalTokens:      sr.Usage.TotalTokens,
					}}
				}
				continue
			}

			c := sr.Choices[0]
			chunk := provider.StreamChunk{Content: c.Delta.Content}
			for _, tc := range c.Delta.ToolCalls {
				var args map[string]any
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
				}
				chunk.ToolCalls = append(chunk.ToolCalls, provider.ToolCall{
					ID: tc.ID, Name: tc.Function.Name, Arguments: args,
				})
			}
			if c.FinishReason != nil {
				chunk.FinishReason = *c.FinishReason
			}
			ch <- chunk
		}

		if err := scanner.Err(); err != nil {
			ch <- provider.StreamChunk{Error: fmt.Errorf("openai: stream read error: %w", err)}
		}
	}()

	return ch, resp.Header, nil
}

type embeddingsRequestBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponseBody struct {
	Error *apiError `json:"error,omitempty"`
	Data  []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage apiUsage `json:"usage"`
}

// Embeddings implements provider.Embedder against /v1/embeddings.
func (a *Adapter) Embeddings(ctx context.Context, req provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error) {
	jsonData, err := json.Marshal(embeddingsRequestBody{Model: req.Model, Input: req.Input})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result embeddingsResponseBody
	if err := a.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &result)
	}); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai: %s", result.Error.Message)
	}

	vectors := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		vectors[i] = d.Embedding
	}
	return &provider.EmbeddingsResponse{
		Vectors: vectors,
		Usage: provider.Usage{
			PromptTokens: result.Usage.PromptTokens,
			TotalTokens:  result.Usage.TotalTokens,
		},
	}, nil
}

type moderationRequestBody struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type moderationResponseBody struct {
	Error   *apiError `json:"error,omitempty"`
	Results []struct {
		Flagged    bool               `json:"flagged"`
		Categories map[string]bool    `json:"categories"`
		Scores     map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// Moderate implements provider.Moderator against /v1/moderations.
func (a *Adapter) Moderate(ctx context.Context, model, input string) (bool, map[string]float64, error) {
	jsonData, err := json.Marshal(moderationRequestBody{Model: model, Input: input})
	if err != nil {
		return false, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/moderations", bytes.NewBuffer(jsonData))
	if err != nil {
		return false, nil, err
	}

	var result moderationResponseBody
	if err := a.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &result)
	}); err != nil {
		return false, nil, err
	}
	if result.Error != nil {
		return false, nil, fmt.Errorf("openai: %s", result.Error.Message)
	}
	if len(result.Results) == 0 {
		return false, nil, nil
	}
	return result.Results[0].Flagged, result.Results[0].Scores, nil
}

type imageRequestBody struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

type imageResponseBody struct {
	Error *apiError `json:"error,omitempty"`
	Data  []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func toImageResponse(result imageResponseBody) *provider.ImageResponse {
	images := make([]provider.ImageData, 0, len(result.Data))
	for _, d := range result.Data {
		images = append(images, provider.ImageData{URL: d.URL, B64JSON: d.B64JSON})
	}
	return &provider.ImageResponse{Images: images}
}

// GenerateImage implements provider.ImageGenerator against
// /v1/images/generations.
func (a *Adapter) GenerateImage(ctx context.Context, req provider.ImageRequest) (*provider.ImageResponse, error) {
	jsonData, err := json.Marshal(imageRequestBody{Model: req.Model, Prompt: req.Prompt, N: req.N, Size: req.Size})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/images/generations", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result imageResponseBody
	if err := a.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &result)
	}); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai: %s", result.Error.Message)
	}
	return toImageResponse(result), nil
}

// EditImage implements provider.ImageEditor against /v1/images/edits,
// sending the source (and optional mask) as a multipart form per OpenAI's
// wire format for this endpoint.
func (a *Adapter) EditImage(ctx context.Context, req provider.ImageRequest) (*provider.ImageResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := writeMultipartField(mw, "image", "image.png", req.SourceImage); err != nil {
		return nil, err
	}
	if len(req.MaskImage) > 0 {
		if err := writeMultipartField(mw, "mask", "mask.png", req.MaskImage); err != nil {
			return nil, err
		}
	}
	_ = mw.WriteField("prompt", req.Prompt)
	if req.Model != "" {
		_ = mw.WriteField("model", req.Model)
	}
	if req.N > 0 {
		_ = mw.WriteField("n", fmt.Sprintf("%d", req.N))
	}
	if req.Size != "" {
		_ = mw.WriteField("size", req.Size)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/images/edits", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var result imageResponseBody
	if err := a.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &result)
	}); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai: %s", result.Error.Message)
	}
	return toImageResponse(result), nil
}

func writeMultipartField(mw *multipart.Writer, field, filename string, content []byte) error {
	w, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	_, err = w.Write(content)
	return err
}

type speechRequestBody struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Speech implements provider.Speaker against /v1/audio/speech.
func (a *Adapter) Speech(ctx context.Context, req provider.SpeechRequest) (*provider.SpeechResponse, error) {
	voice := req.Voice
	if voice == "" {
		voice = "alloy"
	}
	jsonData, err := json.Marshal(speechRequestBody{Model: req.Model, Input: req.Input, Voice: voice})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/audio/speech", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var audio []byte
	var contentType string
	if err := a.client.Do(httpReq, func(r *http.Response) error {
		contentType = r.Header.Get("Content-Type")
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		audio = data
		return nil
	}); err != nil {
		return nil, err
	}
	return &provider.SpeechResponse{Audio: audio, ContentType: contentType}, nil
}

type transcriptionResponseBody struct {
	Error *apiError `json:"error,omitempty"`
	Text  string    `json:"text"`
}

func (a *Adapter) transcribeOrTranslate(ctx context.Context, path string, req provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	filename := req.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	if err := writeMultipartField(mw, "file", filename, req.Audio); err != nil {
		return nil, err
	}
	if req.Model != "" {
		_ = mw.WriteField("model", req.Model)
	}
	if req.Language != "" {
		_ = mw.WriteField("language", req.Language)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var result transcriptionResponseBody
	if err := a.client.Do(httpReq, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &result)
	}); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai: %s", result.Error.Message)
	}
	return &provider.TranscriptionResponse{Text: result.Text}, nil
}

// Transcribe implements provider.Transcriber against
// /v1/audio/transcriptions.
func (a *Adapter) Transcribe(ctx context.Context, req provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	return a.transcribeOrTranslate(ctx, "/v1/audio/transcriptions", req)
}

// Translate implements provider.Transcriber against /v1/audio/translations.
func (a *Adapter) Translate(ctx context.Context, req provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	return a.transcribeOrTranslate(ctx, "/v1/audio/translations", req)
}

// BuildRequestBody shapes a gateway-normalized message list into OpenAI's
// chat completions wire format: model, messages and, when given, tools.
func (a *Adapter) BuildRequestBody(model string, messages []provider.Message, tools []provider.Tool) map[string]any {
	openaiTools := make([]map[string]any, len(tools))
	for i, tool := range tools {
		openaiTools[i] = map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.InputSchema,
			},
		}
	}

	reqMessages := make([]any, len(messages))
	for i, msg := range messages {
		if m, ok := msg.Content.(map[string]any); ok {
			reqMessages[i] = m
		} else {
			reqMessages[i] = map[string]any{"role": msg.Role, "content": msg.Content}
		}
	}

	body := map[string]any{"model": model, "messages": reqMessages}
	if len(tools) > 0 {
		body["tools"] = openaiTools
	}

	// The o-series reasoning models reject max_tokens/temperature and use
	// max_completion_tokens instead.
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") {
		delete(body, "max_tokens")
	}

	return body
}
