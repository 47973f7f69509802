package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/flotilla/internal/model"
)

const maxBodySize = 8 << 20 // 8 MB; payloads carry per-call byte ranges

var (
	errRuntimeRequired = errors.New("runtime_name is required")
	errRuntimeInvalid  = errors.New("runtime_name contains shell metacharacters")
)

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var p model.Payload
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusNotFound, "invalid JSON body")
		return
	}

	if err := verifyRuntimeName(p.RuntimeName); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if p.ExecutorID == "" || p.JobID == "" {
		s.writeError(w, http.StatusNotFound, "executor_id and job_id are required")
		return
	}
	if p.JobDescription.TotalCalls <= 0 && len(p.CallIDs) == 0 {
		s.writeError(w, http.StatusNotFound, "job has no calls")
		return
	}

	// A submission refreshes the usage clock and may override the dismantle
	// policy for the rest of the process lifetime.
	s.ctrl.SetDismantlePolicy(p.Config.Standalone)
	s.ctrl.Touch()

	jobKey := p.JobKey()
	actID := model.NewActivationID()
	s.ctrl.TrackJob(jobKey)

	totalCalls := p.JobDescription.TotalCalls
	if totalCalls == 0 {
		totalCalls = len(p.CallIDs)
	}
	job := &model.Job{
		JobKey:       jobKey,
		ExecutorID:   p.ExecutorID,
		JobID:        p.JobID,
		ActivationID: actID,
		State:        model.JobRunning,
		TotalCalls:   totalCalls,
		ChunkSize:    p.ChunkSize,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("persist job", "job_key", jobKey, "error", err)
	}

	// Fire and forget: the caller gets the activation id immediately and the
	// dispatch runs to completion on its own task.
	go func() {
		if _, err := s.ctrl.RunJob(context.Background(), &p); err != nil {
			s.logger.Error("job dispatch", "job_key", jobKey, "error", err)
		}
	}()

	s.logger.Info("job accepted",
		"job_key", jobKey, "activation_id", actID, "total_calls", totalCalls)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"activationId": actID})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"response": "pong"})
}

// preinstallsRequest mirrors the request body of GET /preinstalls.
type preinstallsRequest struct {
	Runtime          string `json:"runtime"`
	LocalRuntimeLoad bool   `json:"local_runtime_load"`
}

func (s *Server) handlePreinstalls(w http.ResponseWriter, r *http.Request) {
	var req preinstallsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusNotFound, "invalid JSON body")
		return
	}
	if err := verifyRuntimeName(req.Runtime); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	meta, err := s.ctrl.CreateRuntime(r.Context(), req.Runtime)
	if err != nil {
		s.logger.Error("create runtime", "runtime", req.Runtime, "error", err)
		s.writeError(w, http.StatusNotFound, "failed to extract runtime metadata")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(meta); err != nil {
		s.logger.Error("write preinstalls response", "error", err)
	}
}

// verifyRuntimeName rejects runtime names that would break the shell commands
// and file paths they are interpolated into.
func verifyRuntimeName(name string) error {
	if name == "" {
		return errRuntimeRequired
	}
	if strings.ContainsAny(name, " \t\n'\"`$;|&") {
		return errRuntimeInvalid
	}
	return nil
}
