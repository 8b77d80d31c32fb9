package scribeq

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/cors"
)

// maxAudioUpload caps a submission's audio part.
const maxAudioUpload = 512 << 20

// Handler returns the HTTP surface of the dispatch core. Authentication
// is an outer concern: user requests arrive with an opaque X-User-ID set
// by the auth layer, runner requests with the runner's bearer token. The
// token itself is never stored; requests are keyed by its xxhash.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/settings", s.userHandler(s.handleCreateSettings))
	mux.HandleFunc("POST /api/jobs", s.userHandler(s.handleSubmitJob))
	mux.HandleFunc("GET /api/jobs", s.userHandler(s.handleListJobs))
	mux.HandleFunc("GET /api/jobs/{id}", s.userHandler(s.handleGetJob))
	mux.HandleFunc("POST /api/jobs/{id}/finalize", s.userHandler(s.handleFinalizeJob))
	mux.HandleFunc("POST /api/jobs/{id}/abort", s.userHandler(s.handleAbortJob))
	mux.HandleFunc("GET /api/jobs/{id}/transcript", s.userHandler(s.handleDownloadTranscript))
	mux.HandleFunc("DELETE /api/jobs/{id}", s.userHandler(s.handleDeleteJob))
	mux.HandleFunc("GET /api/events", s.userHandler(s.handleEvents))
	mux.HandleFunc("GET /api/runners", s.userHandler(s.handleListRunners))

	mux.HandleFunc("POST /api/runner/heartbeat", s.runnerHandler(s.handleHeartbeat))
	mux.HandleFunc("GET /api/runner/jobs/{id}/artifact", s.runnerHandler(s.handleArtifact))
	mux.HandleFunc("POST /api/runner/jobs/{id}/result", s.runnerHandler(s.handleResult))

	return cors.AllowAll().Handler(mux)
}

// RunnerID derives the stable runner identity from its bearer token.
func RunnerID(token string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(token))
}

type userHandlerFunc func(w http.ResponseWriter, r *http.Request, ownerID string)
type runnerHandlerFunc func(w http.ResponseWriter, r *http.Request, runnerID string)

func (s *Service) userHandler(fn userHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.Header.Get("X-User-ID")
		if ownerID == "" {
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		fn(w, r, ownerID)
	}
}

func (s *Service) runnerHandler(fn runnerHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing runner token")
			return
		}
		fn(w, r, RunnerID(auth[len(prefix):]))
	}
}

type jobJSON struct {
	ID             uint64   `json:"id"`
	SettingsID     uint64   `json:"settings_id"`
	State          JobState `json:"state"`
	Progress       *float64 `json:"progress,omitempty"`
	AssignedRunner *string  `json:"assigned_runner,omitempty"`
	ErrorMessage   *string  `json:"error_message,omitempty"`
	CreatedAt      string   `json:"created_at"`
	FinishedAt     *string  `json:"finished_at,omitempty"`
}

func toJobJSON(job *Job) jobJSON {
	out := jobJSON{
		ID:             job.ID,
		SettingsID:     job.SettingsID,
		State:          job.State,
		AssignedRunner: job.AssignedRunner,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339Nano),
	}
	if job.Progress >= 0 {
		p := job.Progress
		out.Progress = &p
	}
	if job.FinishedAt != nil {
		t := job.FinishedAt.Format(time.RFC3339Nano)
		out.FinishedAt = &t
	}
	return out
}

func (s *Service) handleCreateSettings(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req struct {
		Model      string `json:"model"`
		Language   string `json:"language"`
		Align      bool   `json:"align"`
		Diarize    bool   `json:"diarize"`
		ASROptions string `json:"asr_options"`
		Complete   bool   `json:"complete"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	set, err := s.CreateSettings(r.Context(), Settings{
		Model:      req.Model,
		Language:   req.Language,
		Align:      req.Align,
		Diarize:    req.Diarize,
		ASROptions: req.ASROptions,
		Complete:   req.Complete,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"settings_id": set.ID})
}

func (s *Service) handleSubmitJob(w http.ResponseWriter, r *http.Request, ownerID string) {
	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form")
		return
	}
	settingsID, err := strconv.ParseUint(r.FormValue("settings_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings_id")
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read audio")
		return
	}

	job, err := s.SubmitJob(r.Context(), ownerID, settingsID, audio)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobJSON(job))
}

func (s *Service) handleListJobs(w http.ResponseWriter, r *http.Request, ownerID string) {
	jobs, err := s.ListJobs(r.Context(), ownerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]jobJSON, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobJSON(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request, ownerID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.GetJob(r.Context(), id, ownerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}

func (s *Service) handleFinalizeJob(w http.ResponseWriter, r *http.Request, ownerID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.FinalizeJob(r.Context(), id, ownerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}

func (s *Service) handleAbortJob(w http.ResponseWriter, r *http.Request, ownerID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.AbortJob(r.Context(), id, ownerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := map[string]any{"job": toJobJSON(job)}
	if job.Terminal() && job.State != StateFailed {
		resp["note"] = "already finished"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleDownloadTranscript(w http.ResponseWriter, r *http.Request, ownerID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	data, _, err := s.DownloadTranscript(r.Context(), id, ownerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Service) handleDeleteJob(w http.ResponseWriter, r *http.Request, ownerID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.DeleteJob(r.Context(), id, ownerID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleListRunners(w http.ResponseWriter, r *http.Request, _ string) {
	runners, err := s.ListRunners(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if runners == nil {
		runners = []RunnerInfo{}
	}
	writeJSON(w, http.StatusOK, runners)
}

// handleEvents is the server-push subscription endpoint: an SSE stream of
// {job_id, kind} notifications for the owner's jobs. No replay: a client
// re-fetches its job list after connecting.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request, ownerID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.SubscribeEvents(ownerID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(s.cfg.HeartbeatInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			// comment line keeps proxies from closing an idle stream
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request, runnerID string) {
	var req struct {
		Name       string   `json:"name"`
		Version    string   `json:"version"`
		SourceHash string   `json:"source_hash"`
		JobID      *uint64  `json:"job_id,omitempty"`
		Progress   *float64 `json:"progress,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	resp, err := s.Heartbeat(r.Context(), runnerID, HeartbeatRequest{
		Name:       req.Name,
		Version:    req.Version,
		SourceHash: req.SourceHash,
		JobID:      req.JobID,
		Progress:   req.Progress,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := map[string]any{"outcome": resp.Outcome}
	if resp.Assignment != nil {
		set, err := s.cfg.Jobs.GetSettings(r.Context(), resp.Assignment.SettingsID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		out["assignment"] = map[string]any{
			"job_id": resp.Assignment.ID,
			"settings": map[string]any{
				"model":       set.Model,
				"language":    set.Language,
				"align":       set.Align,
				"diarize":     set.Diarize,
				"asr_options": set.ASROptions,
			},
		}
	}
	if resp.DropJobID != nil {
		out["drop_job_id"] = *resp.DropJobID
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleArtifact(w http.ResponseWriter, r *http.Request, runnerID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	data, err := s.FetchArtifact(r.Context(), id, runnerID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Service) handleResult(w http.ResponseWriter, r *http.Request, runnerID string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form")
		return
	}
	outcome := ResultOutcome(r.FormValue("outcome"))
	errMsg := r.FormValue("error")

	transcriptRef := ""
	if outcome == ResultSuccess {
		file, _, err := r.FormFile("transcript")
		if err != nil {
			writeError(w, http.StatusBadRequest, "transcript file is required on success")
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "could not read transcript")
			return
		}
		transcriptRef = TranscriptKey(id)
		if err := s.cfg.Blobs.Put(r.Context(), transcriptRef, data); err != nil {
			s.writeServiceError(w, err)
			return
		}
	}

	job, err := s.ReportResult(r.Context(), id, runnerID, outcome, transcriptRef, errMsg)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrStaleRunner):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrTerminal), errors.Is(err, ErrNotReady), errors.Is(err, ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.cfg.logError(LogEvent{Message: "Request failed", Err: err})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
