package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/vgate/internal/domain"
	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/registry"
)

type createVideoRequest struct {
	Model  string `json:"model" validate:"required"`
	Prompt string `json:"prompt" validate:"required"`
}

type videoPayload struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Status    string `json:"status"`
	Model     string `json:"model"`
	Prompt    string `json:"prompt,omitempty"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func toVideoPayload(j *domain.VideoJob, model string) videoPayload {
	return videoPayload{
		ID: j.ID, Object: "video", Status: string(j.Status), Model: model,
		Prompt: j.Prompt, ResultURL: j.ResultURL, Error: j.ErrorMessage,
		CreatedAt: j.CreatedAt.Unix(),
	}
}

// CreateVideo handles POST /v1/videos, admitting an asynchronous video
// generation job and returning immediately with it queued.
func (s *Server) CreateVideo(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req createVideoRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	job, status, errType, code, msg := s.admitVideoJob(r.Context(), rc, req.Model, req.Prompt)
	if job == nil {
		writeAPIError(w, status, errType, code, msg, "")
		return
	}
	writeJSON(w, http.StatusAccepted, toVideoPayload(job, req.Model))
}

// admitVideoJob validates and authorizes a video generation request, creates
// its tracker/job records, and launches the background goroutine that
// drives it to a terminal state. The tracker/credit finalizer for this job
// runs exactly once, inside that goroutine, regardless of whether the
// upstream call succeeds, fails, or times out polling — matching the
// single-shot finalizer guarantee used by every other async path.
func (s *Server) admitVideoJob(ctx context.Context, rc *RequestContext, model, prompt string) (job *domain.VideoJob, status int, errType, code, msg string) {
	entry, err := s.resolveCapability(model, registry.CapabilityVideo)
	if err != nil {
		status, errType, code = classifyDispatchError(err)
		return nil, status, errType, code, err.Error()
	}
	if err := rc.authorizeScoping(entry.ProviderName, model); err != nil {
		status, errType, code = classifyDispatchError(err)
		return nil, status, errType, code, err.Error()
	}
	if err := s.checkPlanAccess(ctx, rc, entry); err != nil {
		status, errType, code = classifyDispatchError(err)
		return nil, status, errType, code, err.Error()
	}
	if err := s.security.Check(ctx, prompt); err != nil {
		status, errType, code = classifyDispatchError(err)
		return nil, status, errType, code, err.Error()
	}

	const estimatedSeconds = 8
	authorizedMicro := entry.EstimateCreditsMicro(0, estimatedSeconds)
	if !rc.IsMasterAdmin() {
		if err := s.credit.Authorize(ctx, rc.User.ID, authorizedMicro); err != nil {
			status, errType, code = classifyDispatchError(err)
			return nil, status, errType, code, err.Error()
		}
	}

	apiReq, err := s.tracker.Create(ctx, rc.User.ID, apiKeyID(rc), model, "videos")
	if err != nil {
		return nil, http.StatusInternalServerError, "request_failed", "", "failed to admit request"
	}

	j := &domain.VideoJob{
		ID:           ulid.Make().String(),
		UserID:       rc.User.ID,
		ApiRequestID: apiReq.ID,
		Status:       domain.VideoJobQueued,
		Prompt:       prompt,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.store.CreateVideoJob(ctx, j); err != nil {
		return nil, http.StatusInternalServerError, "request_failed", "", "failed to admit video job"
	}

	go s.runVideoJob(rc, apiReq, j, entry, authorizedMicro)

	return j, http.StatusAccepted, "", "", ""
}

func (s *Server) runVideoJob(rc *RequestContext, apiReq *domain.ApiRequest, job *domain.VideoJob, entry registry.ModelEntry, authorizedMicro int64) {
	ctx := context.Background()

	subs, owners, err := s.prepareDispatch(ctx, rc, entry.Model)
	if err != nil {
		s.failVideoJob(ctx, rc, apiReq, job, entry, authorizedMicro, err.Error())
		return
	}

	job.Status = domain.VideoJobRunning
	job.UpdatedAt = time.Now()
	_ = s.store.UpdateVideoJob(ctx, job)

	var resultURL string
	providerID, subProviderID, _, outputUnits, _, dispatchErr := s.runWithRetry(
		ctx, subs, owners, entry.Model, 0, maxRetriesForEndpoint("videos"),
		func(ctx context.Context, a provider.Adapter) (int64, int64, error) {
			gen, ok := a.(provider.VideoGenerator)
			if !ok {
				return 0, 0, errUnsupportedOperation
			}
			externalID, err := gen.SubmitVideo(ctx, entry.Model, job.Prompt)
			if err != nil {
				return 0, 0, err
			}
			for attempt := 0; attempt < 60; attempt++ {
				time.Sleep(5 * time.Second)
				done, url, err := gen.PollVideo(ctx, externalID)
				if err != nil {
					return 0, 0, err
				}
				if done {
					resultURL = url
					return 0, 1, nil
				}
			}
			return 0, 0, errUnsupportedOperation
		},
	)
	if providerID != "" {
		_ = s.tracker.MarkProcessing(ctx, apiReq, providerID, subProviderID)
	}

	if dispatchErr != nil {
		s.failVideoJob(ctx, rc, apiReq, job, entry, authorizedMicro, dispatchErr.Error())
		return
	}

	job.Status = domain.VideoJobSucceeded
	job.ResultURL = resultURL
	job.UpdatedAt = time.Now()
	_ = s.store.UpdateVideoJob(ctx, job)

	s.chargeAndFinish(ctx, rc, apiReq, entry.Model, entry, authorizedMicro, 0, outputUnits, "")
}

func (s *Server) failVideoJob(ctx context.Context, rc *RequestContext, apiReq *domain.ApiRequest, job *domain.VideoJob, entry registry.ModelEntry, authorizedMicro int64, errMsg string) {
	job.Status = domain.VideoJobFailed
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now()
	_ = s.store.UpdateVideoJob(ctx, job)
	s.chargeAndFinish(ctx, rc, apiReq, entry.Model, entry, authorizedMicro, 0, 0, errMsg)
}

// ListVideos handles GET /v1/videos.
func (s *Server) ListVideos(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	jobs, err := s.store.ListVideoJobsForUser(r.Context(), rc.User.ID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to list videos", "")
		return
	}
	out := make([]videoPayload, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toVideoPayload(j, ""))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

func (s *Server) loadOwnedVideoJob(w http.ResponseWriter, r *http.Request, rc *RequestContext) *domain.VideoJob {
	id := r.PathValue("*")
	job, err := s.store.GetVideoJob(r.Context(), id)
	if err != nil || job == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "video_not_found", "video job not found", "")
		return nil
	}
	if job.UserID != rc.User.ID && !rc.IsMasterAdmin() {
		writeAPIError(w, http.StatusForbidden, "model_access_denied", "", "video job not found", "")
		return nil
	}
	return job
}

// GetVideo handles GET /v1/videos/{id}.
func (s *Server) GetVideo(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	job := s.loadOwnedVideoJob(w, r, rc)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, toVideoPayload(job, ""))
}

// GetVideoContent handles GET /v1/videos/{id}/content, redirecting to the
// upstream-hosted result once the job has succeeded.
func (s *Server) GetVideoContent(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	job := s.loadOwnedVideoJob(w, r, rc)
	if job == nil {
		return
	}
	if job.Status != domain.VideoJobSucceeded || job.ResultURL == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "video_not_ready", "video is not ready", "")
		return
	}
	http.Redirect(w, r, job.ResultURL, http.StatusFound)
}

// DeleteVideo handles DELETE /v1/videos/{id}. The job store has no hard
// delete, so this marks the job failed/cancelled in place.
func (s *Server) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	job := s.loadOwnedVideoJob(w, r, rc)
	if job == nil {
		return
	}
	job.Status = domain.VideoJobFailed
	job.ErrorMessage = "cancelled by user"
	job.UpdatedAt = time.Now()
	if err := s.store.UpdateVideoJob(r.Context(), job); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "request_failed", "", "failed to cancel video", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": job.ID, "deleted": true})
}

// RemixVideo handles POST /v1/videos/{id}/remix, admitting a fresh job that
// reuses the original job's prompt combined with new remix instructions.
func (s *Server) RemixVideo(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	original := s.loadOwnedVideoJob(w, r, rc)
	if original == nil {
		return
	}

	var body struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	prompt := original.Prompt
	if body.Prompt != "" {
		prompt = original.Prompt + "\n" + body.Prompt
	}

	job, status, errType, code, msg := s.admitVideoJob(r.Context(), rc, body.Model, prompt)
	if job == nil {
		writeAPIError(w, status, errType, code, msg, "")
		return
	}
	writeJSON(w, http.StatusAccepted, toVideoPayload(job, body.Model))
}
