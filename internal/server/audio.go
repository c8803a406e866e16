package server

import (
	"context"
	"io"
	"net/http"

	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/registry"
)

type speechRequest struct {
	Model  string `json:"model" validate:"required"`
	Input  string `json:"input" validate:"required"`
	Voice  string `json:"voice"`
	Format string `json:"response_format"`
}

// AudioSpeech handles POST /v1/audio/speech, returning raw audio bytes
// rather than a JSON envelope.
func (s *Server) AudioSpeech(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req speechRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()
	entry, err := s.resolveCapability(req.Model, registry.CapabilityAudioSpeech)
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
	if err := s.security.Check(ctx, req.Input); err != nil {
		status, errType, code := classifyDispatchError(err)
		writeAPIError(w, status, errType, code, err.Error(), "")
		return
	}

	estimated := int64(len(req.Input))/4 + 1
	authorizedMicro := entry.EstimateCreditsMicro(estimated, 0)
	if !rc.IsMasterAdmin() {
		if err := s.credit.Authorize(ctx, rc.User.ID, authorizedMicro); err != nil {
			status, errType, code := classifyDispatchError(err)
			writeAPIError(w, status, errType, code, err.Error(), "")
			return
		}
	}

	apiReq, err := s.tracker.Create(ctx, rc.User.ID, apiKeyID(rc), req.Model, "audio_speech")
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

	var resp *provider.SpeechResponse
	providerID, subProviderID, inputUnits, _, _, dispatchErr := s.runWithRetry(
		ctx, subs, owners, req.Model, estimated, maxRetriesForEndpoint("audio_speech"),
		func(ctx context.Context, a provider.Adapter) (int64, int64, error) {
			speaker, ok := a.(provider.Speaker)
			if !ok {
				return 0, 0, errUnsupportedOperation
			}
			out, callErr := speaker.Speech(ctx, provider.SpeechRequest{Model: req.Model, Input: req.Input, Voice: req.Voice, Format: req.Format})
			if callErr != nil {
				return 0, 0, callErr
			}
			resp = out
			return estimated, 0, nil
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

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Audio)
}

func (s *Server) dispatchTranscription(w http.ResponseWriter, r *http.Request, translate bool) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", "invalid multipart form", "")
		return
	}
	model := r.FormValue("model")
	language := r.FormValue("language")

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", "missing audio file", "")
		return
	}
	f, err := files[0].Open()
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", "unreadable audio file", "")
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "", "unreadable audio file", "")
		return
	}

	ctx := r.Context()
	entry, err := s.resolveCapability(model, registry.CapabilityAudioTranscribe)
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

	estimated := int64(len(audio))/16000 + 1 // rough seconds-of-audio estimate
	authorizedMicro := entry.EstimateCreditsMicro(estimated, 0)
	if !rc.IsMasterAdmin() {
		if err := s.credit.Authorize(ctx, rc.User.ID, authorizedMicro); err != nil {
			status, errType, code := classifyDispatchError(err)
			writeAPIError(w, status, errType, code, err.Error(), "")
			return
		}
	}

	endpoint := "audio_transcriptions"
	if translate {
		endpoint = "audio_translations"
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

	var resp *provider.TranscriptionResponse
	providerID, subProviderID, inputUnits, _, _, dispatchErr := s.runWithRetry(
		ctx, subs, owners, model, estimated, maxRetriesForEndpoint(endpoint),
		func(ctx context.Context, a provider.Adapter) (int64, int64, error) {
			transcriber, ok := a.(provider.Transcriber)
			if !ok {
				return 0, 0, errUnsupportedOperation
			}
			tr := provider.TranscriptionRequest{Model: model, Audio: audio, Filename: files[0].Filename, Language: language}
			var out *provider.TranscriptionResponse
			var callErr error
			if translate {
				out, callErr = transcriber.Translate(ctx, tr)
			} else {
				out, callErr = transcriber.Transcribe(ctx, tr)
			}
			if callErr != nil {
				return 0, 0, callErr
			}
			resp = out
			return estimated, 0, nil
		},
	)
	if providerID != "" {
		_ = s.tracker.MarkProcessing(ctx, apiReq, providerID, subProviderID)
	}

	errMsg := ""
	if dispatchErr != nil {
		errMsg = dispatchErr.Error()
	}
	s.chargeAndFinish(ctx, rc, apiReq, model, entry, authorizedMicro, inputUnits, 0, errMsg)

	if dispatchErr != nil {
		status, errType, code := classifyDispatchError(dispatchErr)
		writeAPIError(w, status, errType, code, dispatchErr.Error(), apiReq.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"text": resp.Text})
}

// AudioTranscriptions handles POST /v1/audio/transcriptions.
func (s *Server) AudioTranscriptions(w http.ResponseWriter, r *http.Request) {
	s.dispatchTranscription(w, r, false)
}

// AudioTranslations handles POST /v1/audio/translations.
func (s *Server) AudioTranslations(w http.ResponseWriter, r *http.Request) {
	s.dispatchTranscription(w, r, true)
}
