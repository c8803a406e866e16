// Package registry is the model catalog: which models exist, which
// capability family (chat, embeddings, images, audio, moderation, video)
// each supports, and their credit cost per unit of usage. Grounded on the
// provider/model catalog maps and the documented
// LLMConfig.Models catalog in its config package.
package registry

import (
	"fmt"
	"sync"
)

// Capability is one request family a model may support.
type Capability string

const (
	CapabilityChat          Capability = "chat"
	CapabilityResponses     Capability = "responses"
	CapabilityEmbeddings    Capability = "embeddings"
	CapabilityAudioSpeech   Capability = "audio_speech"
	CapabilityAudioTranscribe Capability = "audio_transcribe"
	CapabilityImages        Capability = "images"
	CapabilityModeration    Capability = "moderation"
	CapabilityVideo         Capability = "video"
)

// ModelEntry is one catalog row: a model name, the provider that serves it,
// the capabilities it supports and its cost in micro-credits per 1000 base
// units (tokens for text, seconds for audio/video, images for image gen).
type ModelEntry struct {
	Model           string
	ProviderName    string
	Capabilities    map[Capability]bool
	CostPer1KInput  int64
	CostPer1KOutput int64

	// PlanRequirements lists the plan identifiers permitted to call this
	// model. An empty (nil) set means every plan may call it.
	PlanRequirements map[string]bool
}

// Supports reports whether the entry supports a capability.
func (m ModelEntry) Supports(c Capability) bool {
	return m.Capabilities[c]
}

// AllowsPlan reports whether planID may call this model under the plan
// access gate. An entry with no configured requirements allows every plan.
func (m ModelEntry) AllowsPlan(planID string) bool {
	return len(m.PlanRequirements) == 0 || m.PlanRequirements[planID]
}

// Registry is a concurrency-safe, hot-reloadable model catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]ModelEntry // keyed by model name
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]ModelEntry)}
}

// Upsert adds or replaces a catalog entry, used on provider/model admin
// changes and at startup config load.
func (r *Registry) Upsert(e ModelEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Model] = e
}

// Remove drops a model from the catalog.
func (r *Registry) Remove(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, model)
}

// Lookup returns the catalog entry for a model.
func (r *Registry) Lookup(model string) (ModelEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[model]
	if !ok {
		return ModelEntry{}, fmt.Errorf("registry: unknown model %q", model)
	}
	return e, nil
}

// List returns every catalog entry supporting the given capability, or all
// entries if capability is empty.
func (r *Registry) List(capability Capability) []ModelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if capability == "" || e.Supports(capability) {
			out = append(out, e)
		}
	}
	return out
}

// EstimateCreditsMicro computes the micro-credit cost of a call given input
// and output unit counts (tokens, or seconds/images depending on
// capability), rounding up so free tiers never undercharge.
func (e ModelEntry) EstimateCreditsMicro(inputUnits, outputUnits int64) int64 {
	in := (inputUnits*e.CostPer1KInput + 999) / 1000
	out := (outputUnits*e.CostPer1KOutput + 999) / 1000
	return in + out
}
