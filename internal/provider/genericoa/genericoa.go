// Package genericoa adapts sub-providers that speak an OpenAI-compatible
// wire format but deviate from it in small, provider-specific ways: X-AI
// rejects presence/frequency_penalty, Tools302 exposes an image-generation
// side channel on the same chat endpoint, and plain self-hosted/Ollama
// endpoints need no quirk handling at all. Grounded on the
// internal/service/llm/ollama thin-wrapper idiom layered over its OpenAI
// provider.
package genericoa

import (
	"context"
	"net/http"

	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/provider/openai"
)

// Quirk identifies a known deviation from plain OpenAI wire compatibility.
type Quirk string

const (
	// QuirkNone is a fully compatible OpenAI-wire endpoint (e.g. Ollama's
	// OpenAI-compatible /v1/chat/completions route).
	QuirkNone Quirk = ""
	// QuirkStripPenalties drops presence_penalty/frequency_penalty, which
	// X-AI's API rejects outright.
	QuirkStripPenalties Quirk = "strip_penalties"
	// QuirkImageSideChannel marks a provider (Tools302) whose image
	// generation rides the chat completions endpoint via a special model
	// name rather than a dedicated /v1/images/generations route.
	QuirkImageSideChannel Quirk = "image_side_channel"
)

// Adapter wraps an openai.Adapter and records a named Quirk. Requests pass
// to the wrapped adapter unchanged; the quirk is reported through
// StripPenalties and IsImageSideChannelModel.
type Adapter struct {
	inner *openai.Adapter
	quirk Quirk
}

// New builds a generic OpenAI-compatible Adapter for sub-providers such as
// X-AI, DeepInfra, Tools302 or Ollama. quirk selects which deviation from
// plain OpenAI-wire compatibility to apply.
func New(quirk Quirk) provider.Factory {
	return func(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (provider.Adapter, error) {
		inner, err := openai.New(apiKey, model, baseURL, proxy, insecureSkipVerify)
		if err != nil {
			return nil, err
		}
		return &Adapter{inner: inner.(*openai.Adapter), quirk: quirk}, nil
	}
}

// Name identifies this adapter, qualified by its quirk, for logging.
func (a *Adapter) Name() string {
	if a.quirk == QuirkNone {
		return "genericoa"
	}
	return "genericoa:" + string(a.quirk)
}

// Chat delegates to the wrapped OpenAI adapter, whose request body carries
// only model, messages and tools, so no penalty fields are sent.
func (a *Adapter) Chat(ctx context.Context, model string, messages []provider.Message, tools []provider.Tool) (*provider.ChatResponse, error) {
	return a.inner.Chat(ctx, model, messages, tools)
}

// ChatStream delegates to the wrapped OpenAI adapter's native streaming.
func (a *Adapter) ChatStream(ctx context.Context, model string, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamChunk, http.Header, error) {
	return a.inner.ChatStream(ctx, model, messages, tools)
}

// Embeddings delegates to the wrapped OpenAI adapter.
func (a *Adapter) Embeddings(ctx context.Context, req provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error) {
	return a.inner.Embeddings(ctx, req)
}

// StripPenalties reports whether this adapter's quirk requires dropping
// presence_penalty/frequency_penalty from request bodies.
func (a *Adapter) StripPenalties() bool {
	return a.quirk == QuirkStripPenalties
}

// IsImageSideChannelModel reports whether a model name routes to image
// generation via the chat endpoint rather than a dedicated images route.
func (a *Adapter) IsImageSideChannelModel(model string) bool {
	return a.quirk == QuirkImageSideChannel && len(model) > 6 && model[:6] == "image-"
}
