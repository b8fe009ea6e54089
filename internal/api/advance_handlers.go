package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/stages"
)

// cronAdvance handles POST /cron/advance. The status code follows the pass:
// 200 on progress or no-op, 422 on a precondition, 409 on concurrent progress
// and 500 on a failure charged to the job.
func (s *Server) cronAdvance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Advancer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "controller unavailable"})
		return
	}
	ctx, cancel := s.passContext(r)
	defer cancel()

	out, err := s.deps.Advancer.Advance(ctx)
	if err != nil {
		s.logger.Error("advance pass failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	code := out.Code
	if code == 0 {
		code = http.StatusOK
	}
	writeJSON(w, code, out)
}

type stageResponse struct {
	OK bool `json:"ok"`
	stages.Result
	Error string `json:"error,omitempty"`
}

// runStage handles POST /stages/{name} with an optional {batch_offset, batch_size} body.
func (s *Server) runStage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stage, ok := s.stages[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, stageResponse{Result: stages.Result{Stage: name}, Error: "unknown stage"})
		return
	}

	var req stages.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, stageResponse{Result: stages.Result{Stage: name}, Error: "invalid JSON"})
		return
	}
	if req.BatchOffset != nil && *req.BatchOffset < 0 {
		writeJSON(w, http.StatusBadRequest, stageResponse{Result: stages.Result{Stage: name}, Error: "batch_offset must be >= 0"})
		return
	}

	ctx, cancel := s.passContext(r)
	defer cancel()
	res, err := stage.Run(ctx, req)
	if res.Stage == "" {
		res.Stage = name
	}
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case stages.IsPrecondition(err):
			code = http.StatusUnprocessableEntity
		case stages.IsConflict(err):
			code = http.StatusConflict
		default:
			s.logger.Error("stage failed", zap.String("stage", name), zap.Error(err))
		}
		writeJSON(w, code, stageResponse{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stageResponse{OK: true, Result: res})
}
