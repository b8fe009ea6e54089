package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

type addProfileRequest struct {
	URL         string  `json:"url" validate:"required,url"`
	IndustryIDs []int64 `json:"industry_ids" validate:"required,min=1,dive,gt=0"`
}

type industriesRequest struct {
	IndustryIDs []int64 `json:"industry_ids" validate:"required,min=1,dive,gt=0"`
}

// validationMessage maps the first failed field to a short error code.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].StructField() {
		case "URL":
			if verrs[0].Tag() == "url" {
				return "url_invalid"
			}
			return "url_required"
		case "IndustryIDs":
			return "industry_required"
		}
	}
	return "invalid request"
}

// knownIndustries keeps the ids that name an existing industry, deduplicated in order.
func (s *Server) knownIndustries(ctx context.Context, ids []int64) ([]int64, error) {
	industries, err := s.deps.Catalog.Industries(ctx)
	if err != nil {
		return nil, err
	}
	known := pipeline.IndustryIDs(industries)
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if slices.Contains(known, id) && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// addProfile handles POST /v1/profiles. New profiles start unapproved.
func (s *Server) addProfile(w http.ResponseWriter, r *http.Request) {
	var req addProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := requestValidator().Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	ids, err := s.knownIndustries(r.Context(), req.IndustryIDs)
	if err != nil {
		s.logger.Error("load industries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load industries")
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "industry_invalid")
		return
	}

	profile, err := s.deps.Profiles.Upsert(r.Context(), pipeline.NormalizeProfileURL(req.URL), ids, false)
	if err != nil {
		s.logger.Error("profile upsert failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upsert_failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "profile": profile})
}

// bulkAddProfiles handles POST /v1/profiles/bulk?industry_ids=1,2 with one URL
// per body line. Existing profiles keep their approval and gain the industries.
func (s *Server) bulkAddProfiles(w http.ResponseWriter, r *http.Request) {
	var raw []int64
	for _, part := range strings.Split(r.URL.Query().Get("industry_ids"), ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil && id > 0 {
			raw = append(raw, id)
		}
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "industry_required")
		return
	}
	ids, err := s.knownIndustries(r.Context(), raw)
	if err != nil {
		s.logger.Error("load industries failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load industries")
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "industry_invalid")
		return
	}

	var urls []string
	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		u := pipeline.NormalizeProfileURL(line)
		if !slices.Contains(urls, u) {
			urls = append(urls, u)
		}
	}
	if err := scanner.Err(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	inserted := 0
	for _, u := range urls {
		if _, err := s.deps.Profiles.Upsert(r.Context(), u, ids, true); err != nil {
			s.logger.Error("bulk profile upsert failed", zap.String("url", u), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "upsert_failed", "inserted": inserted})
			return
		}
		inserted++
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "inserted": inserted})
}

func (s *Server) toggleProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	profile, err := s.deps.Profiles.ToggleAllowed(r.Context(), id)
	if err != nil {
		s.storeError(w, "toggle profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": profile})
}

func (s *Server) setProfileIndustries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req industriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := requestValidator().Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	ids, err := s.knownIndustries(r.Context(), req.IndustryIDs)
	if err != nil {
		s.storeError(w, "load industries", err)
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "industry_invalid")
		return
	}
	profile, err := s.deps.Profiles.SetIndustries(r.Context(), id, ids)
	if err != nil {
		s.storeError(w, "set profile industries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": profile})
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Profiles.Delete(r.Context(), id); err != nil {
		s.storeError(w, "delete profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// deleteIndustry handles DELETE /v1/industries/{id}, cascading to profiles and users.
func (s *Server) deleteIndustry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Catalog.DeleteIndustry(r.Context(), id); err != nil {
		s.storeError(w, "delete industry", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) activeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Active(r.Context())
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no active job")
		return
	}
	if err != nil {
		s.storeError(w, "load active job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "progress": job.Progress()})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}
