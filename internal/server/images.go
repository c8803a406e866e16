package server

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/registry"
)

type imagesRequest struct {
	Model  string `json:"model" validate:"required"`
	Prompt string `json:"prompt" validate:"required"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imagesResponse struct {
	Created int64             `json:"created"`
	Data    []imagesDataEntry `json:"data"`
}

type imagesDataEntry struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

func toImagesResponse(resp *provider.ImageResponse) imagesResponse {
	data := make([]imagesDataEntry, 0, len(resp.Images))
	for _, img := range resp.Images {
		data = append(data, imagesDataEntry{URL: img.URL, B64JSON: img.B64JSON})
	}
	return imagesResponse{Created: time.Now().Unix(), Data: data}
}

// ImageGenerations handles POST /v1/images/generations.
func (s *Server) ImageGenerations(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req imagesRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.N <= 0 {
		req.N = 1
	}

	s.dispatchImages(w, r.Context(), rc, req.Model, provider.ImageRequest{Model: req.Model, Prompt: req.Prompt, N: req.N, Size: req.Size}, false)
}

// ImageEdits handles POST /v1/images/edits, a multipart/form-data request
// carrying the source image, optional mask, and prompt.
func (s *Server) ImageEdits(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", "invalid multipart form", "")
		return
	}

	model := r.FormValue("model")
	prompt := r.FormValue("prompt")
	source, err := readMultipartFile(r.MultipartForm, "image")
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", "missing image file", "")
		return
	}
	mask, _ := readMultipartFile(r.MultipartForm, "mask")

	s.dispatchImages(w, r.Context(), rc, model, provider.ImageRequest{
		Model: model, Prompt: prompt, N: 1, SourceImage: source, MaskImage: mask,
	}, true)
}

func readMultipartFile(form *multipart.Form, field string) ([]byte, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, http.ErrMissingFile
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) dispatchImages(w http.ResponseWriter, ctx context.Context, rc *RequestContext, model string, imgReq provider.ImageRequest, isEdit bool) {
	entry, err := s.resolveCapability(model, registry.CapabilityImages)
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
	if err := s.security.Check(ctx, imgReq.Prompt); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}

	estimated := int64(imgReq.N)
	authorizedMicro := entry.EstimateCreditsMicro(0, estimated)
	if !rc.IsMasterAdmin() {
		if err := s.credit.Authorize(ctx, rc.User.ID, authorizedMicro); err != nil {
			status, errType, code := classifyDispatchError(err)
			writeAPIError(w, status, errType, code, err.Error(), "")
			return
		}
	}

	endpoint := "images_generations"
	if isEdit {
		endpoint = "images_edits"
	}
	apiReq, err := s.tracker.Create(ctx, rc.User.ID, apiKeyID(rc), model, endpoint)
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

	var resp *provider.ImageResponse
	providerID, subProviderID, _, outputUnits, _, dispatchErr := s.runWithRetry(
		ctx, subs, owners, model, estimated, maxRetriesForEndpoint(endpoint),
		func(ctx context.Context, a provider.Adapter) (int64, int64, error) {
			var out *provider.ImageResponse
			var callErr error
			if isEdit {
				editor, ok := a.(provider.ImageEditor)
				if !ok {
					return 0, 0, errUnsupportedOperation
				}
				out, callErr = editor.EditImage(ctx, imgReq)
			} else {
				gen, ok := a.(provider.ImageGenerator)
				if !ok {
					return 0, 0, errUnsupportedOperation
				}
				out, callErr = gen.GenerateImage(ctx, imgReq)
			}
			if callErr != nil {
				return 0, 0, callErr
			}
			resp = out
			return 0, int64(len(out.Images)), nil
		},
	)
	if providerID != "" {
		_ = s.tracker.MarkProcessing(ctx, apiReq, providerID, subProviderID)
	}

	errMsg := ""
	if dispatchErr != nil {
		errMsg = dispatchErr.Error()
	}
	s.chargeAndFinish(ctx, rc, apiReq, model, entry, authorizedMicro, 0, outputUnits, errMsg)

	if dispatchErr != nil {
		status, errType, code := classifyDispatchError(dispatchErr)
		writeAPIError(w, status, errType, code, dispatchErr.Error(), apiReq.ID)
		return
	}

	result := toImagesResponse(resp)
	writeJSON(w, http.StatusOK, result)
}
