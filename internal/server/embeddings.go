package server

import (
	"context"
	"net/http"

	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/registry"
)

type embeddingsRequest struct {
	Model string   `json:"model" validate:"required"`
	Input []string `json:"input" validate:"required,min=1"`
}

type embeddingsResponse struct {
	Object string            `json:"object"`
	Model  string            `json:"model"`
	Data   []embeddingEntry  `json:"data"`
	Usage  chatUsagePayload  `json:"usage"`
}

type embeddingEntry struct {
	Index     int       `json:"index"`
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
}

// Embeddings handles POST /v1/embeddings.
func (s *Server) Embeddings(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req embeddingsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()

	entry, err := s.resolveCapability(req.Model, registry.CapabilityEmbeddings)
	if err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}
	if err := rc.authorizeScoping(entry.ProviderName, req.Model); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}
	if err := s.checkPlanAccess(ctx, rc, entry); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}

	var estimated int64
	for _, in := range req.Input {
		estimated += int64(len(in))/4 + 1
	}

	authorizedMicro := entry.EstimateCreditsMicro(estimated, 0)
	if !rc.IsMasterAdmin() {
		if err := s.credit.Authorize(ctx, rc.User.ID, authorizedMicro); err != nil {
			status, errType, code := classifyDispatchError(err)
			writeAPIError(w, status, errType, code, err.Error(), "")
			return
		}
	}

	apiReq, err := s.tracker.Create(ctx, rc.User.ID, apiKeyID(rc), req.Model, "embeddings")
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to admit request", "")
		return
	}

	subs, owners, err := s.prepareDispatch(ctx, rc, req.Model)
	if err != nil {
		s.chargeAndFinish(ctx, rc, apiReq, req.Model, entry, authorizedMicro, 0, 0, err.Error())
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), apiReq.ID)
		return
	}

	var resp *provider.EmbeddingsResponse
	providerID, subProviderID, inputUnits, _, _, dispatchErr := s.runWithRetry(
		ctx, subs, owners, req.Model, estimated, maxRetriesForEndpoint("embeddings"),
		func(ctx context.Context, a provider.Adapter) (int64, int64, error) {
			embedder, ok := a.(provider.Embedder)
			if !ok {
				return 0, 0, errUnsupportedOperation
			}
			out, callErr := embedder.Embeddings(ctx, provider.EmbeddingsRequest{Model: req.Model, Input: req.Input})
			if callErr != nil {
				return 0, 0, callErr
			}
			resp = out
			return int64(out.Usage.PromptTokens), 0, nil
		},
	)
	if providerID != "" {
		_ = s.tracker.MarkProcessing(ctx, apiReq, providerID, subProviderID)
	}

	errMsg := ""
	if dispatchErr != nil {
		errMsg = dispatchErr.Error()
	}
	s.chargeAndFinish(ctx, rc, apiReq, req.Model, entry, authorizedMicro, inputUnits, 0, errMsg)

	if dispatchErr != nil {
		status, errType, code := classifyDispatchError(dispatchErr)
		writeAPIError(w, status, errType, code, dispatchErr.Error(), apiReq.ID)
		return
	}

	data := make([]embeddingEntry, 0, len(resp.Vectors))
	for i, v := range resp.Vectors {
		data = append(data, embeddingEntry{Index: i, Object: "embedding", Embedding: v})
	}
	writeJSON(w, http.StatusOK, embeddingsResponse{
		Object: "list",
		Model:  req.Model,
		Data:   data,
		Usage: chatUsagePayload{
			PromptTokens: int(inputUnits),
			TotalTokens:  int(inputUnits),
		},
	})
}
