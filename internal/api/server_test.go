package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/advance"
	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
	"github.com/JakeFAU/linkedin-signals/internal/stages"
	"github.com/JakeFAU/linkedin-signals/internal/storage/memory"
)

const (
	testSecret = "cron-secret"
	testAPIKey = "admin-key"
)

type fakeAdvancer struct {
	mu   sync.Mutex
	out  advance.Outcome
	err  error
	ctxs []context.Context
}

func (f *fakeAdvancer) Advance(ctx context.Context) (advance.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxs = append(f.ctxs, ctx)
	return f.out, f.err
}

type fakeStage struct {
	name string
	res  stages.Result
	err  error
	reqs []stages.Request
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) Run(_ context.Context, req stages.Request) (stages.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type testEnv struct {
	server   *Server
	advancer *fakeAdvancer
	stage    *fakeStage
	jobs     *memory.JobStore
	dir      *memory.Directory
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		advancer: &fakeAdvancer{out: advance.Outcome{OK: true, Progress: "0/0", Code: http.StatusOK}},
		stage:    &fakeStage{name: stages.NameProcess},
		jobs:     memory.NewJobStore(),
		dir:      memory.NewDirectory(),
	}
	env.dir.PutIndustry(pipeline.Industry{ID: 1, Name: "Fintech", Visible: true})
	env.dir.PutIndustry(pipeline.Industry{ID: 2, Name: "Retail", Visible: true})
	env.server = NewServer(Deps{
		Advancer: env.advancer,
		Stages:   map[pipeline.Status]stages.Stage{pipeline.StatusProcessing: env.stage},
		Jobs:     env.jobs,
		Profiles: env.dir,
		Catalog:  env.dir,
	}, cfg, zap.NewNop())
	return env
}

func defaultConfig() Config {
	return Config{CronSecret: testSecret, APIKey: testAPIKey}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func cronRequest(secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/cron/advance", nil)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req
}

func adminRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsDependencyFailure(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Ready: func(context.Context) error { return errors.New("db down") }}, defaultConfig(), nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "db down")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_CronAdvanceAuth(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		secret string
		header string
		code   int
		errMsg string
	}{
		{"secret unset", "", "anything", http.StatusInternalServerError, "Server misconfigured"},
		{"missing header", testSecret, "", http.StatusUnauthorized, "Unauthorized"},
		{"wrong secret", testSecret, "nope", http.StatusUnauthorized, "Unauthorized"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, Config{CronSecret: tc.secret, APIKey: testAPIKey})
			rec := env.do(cronRequest(tc.header))
			require.Equal(t, tc.code, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tc.errMsg, body["error"])
			assert.Empty(t, env.advancer.ctxs)
		})
	}
}

func TestServer_CronAdvanceReturnsOutcome(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	env.advancer.out = advance.Outcome{
		OK:            true,
		JobID:         7,
		CurrentStatus: pipeline.StatusProcessing,
		Progress:      "10/25",
		Continued:     true,
		Code:          http.StatusOK,
	}

	rec := env.do(cronRequest(testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true,"job_id":7,"current_status":"processing","progress":"10/25","continued":true}`, rec.Body.String())
}

func TestServer_CronAdvanceFailureOutcome(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	retries := 2
	env.advancer.out = advance.Outcome{
		CurrentStatus: pipeline.StatusVectorizing,
		Progress:      "0/5",
		Error:         "stage vectorize: quota",
		RetryCount:    &retries,
		Code:          http.StatusInternalServerError,
	}

	rec := env.do(cronRequest(testSecret))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "stage vectorize: quota", body["error"])
	assert.EqualValues(t, 2, body["retry_count"])
	assert.Equal(t, "vectorizing", body["current_status"])
}

func TestServer_CronAdvanceStoreError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	env.advancer.err = errors.New("connection refused")

	rec := env.do(cronRequest(testSecret))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_CronAdvanceOutlivesClient(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := cronRequest(testSecret).WithContext(ctx)

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.advancer.ctxs, 1)
	assert.NoError(t, env.advancer.ctxs[0].Err())
	_, hasDeadline := env.advancer.ctxs[0].Deadline()
	assert.True(t, hasDeadline)
}

func TestServer_RunStage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	env.stage.res = stages.Result{Stage: stages.NameProcess, Status: pipeline.StatusProcessing, Progress: "10/25",
		Counters: map[string]int{"inserted": 3}}

	req := httptest.NewRequest(http.MethodPost, "/stages/process-posts", bytes.NewBufferString(`{"batch_offset":0,"batch_size":10}`))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true,"stage":"process-posts","status":"processing","noop":false,"progress":"10/25","counters":{"inserted":3}}`, rec.Body.String())
	require.Len(t, env.stage.reqs, 1)
	require.NotNil(t, env.stage.reqs[0].BatchOffset)
	assert.Equal(t, 0, *env.stage.reqs[0].BatchOffset)
	assert.Equal(t, 10, env.stage.reqs[0].BatchSize)
}

func TestServer_RunStageErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code int
	}{
		{"precondition", &stages.PreconditionError{Reason: "Config not found"}, http.StatusUnprocessableEntity},
		{"stale", fmt.Errorf("%w: requested 0", pipeline.ErrStaleOffset), http.StatusConflict},
		{"conflict", pipeline.ErrVersionConflict, http.StatusConflict},
		{"other", errors.New("apify down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, defaultConfig())
			env.stage.err = tc.err

			req := httptest.NewRequest(http.MethodPost, "/stages/process-posts", nil)
			req.Header.Set("Authorization", "Bearer "+testSecret)
			rec := env.do(req)

			require.Equal(t, tc.code, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, tc.err.Error(), body["error"])
			assert.Equal(t, stages.NameProcess, body["stage"])
		})
	}
}

func TestServer_RunStageRejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	for path, body := range map[string]string{
		"/stages/unknown":       `{}`,
		"/stages/process-posts": `{bad`,
	} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+testSecret)
		rec := env.do(req)
		assert.NotEqual(t, http.StatusOK, rec.Code, path)
	}
	assert.Empty(t, env.stage.reqs)

	req := httptest.NewRequest(http.MethodPost, "/stages/process-posts", nil)
	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_AdminRequiresAPIKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/active", nil)
	rec := env.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("X-API-Key", "wrong")
	rec = env.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_AddProfile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	rec := env.do(adminRequest(http.MethodPost, "/v1/profiles",
		`{"url":"https://www.linkedin.com/in/jane-doe/","industry_ids":[1,99,1]}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	profile, err := env.dir.GetByURL(context.Background(), "https://www.linkedin.com/in/jane-doe")
	require.NoError(t, err)
	assert.False(t, profile.Allowed)
	assert.Equal(t, []int64{1}, profile.IndustryIDs)
}

func TestServer_AddProfileValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		msg  string
	}{
		{"missing url", `{"industry_ids":[1]}`, "url_required"},
		{"bad url", `{"url":"not a url","industry_ids":[1]}`, "url_invalid"},
		{"missing industries", `{"url":"https://www.linkedin.com/in/x"}`, "industry_required"},
		{"unknown industries", `{"url":"https://www.linkedin.com/in/x","industry_ids":[42]}`, "industry_invalid"},
		{"invalid json", `{`, "invalid JSON"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, defaultConfig())
			rec := env.do(adminRequest(http.MethodPost, "/v1/profiles", tc.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.msg, decodeBody(t, rec)["error"])
		})
	}
}

func TestServer_BulkAddProfilesMergesIndustries(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	existing := env.dir.PutProfile(pipeline.Profile{URL: "https://www.linkedin.com/in/jane", Allowed: true, IndustryIDs: []int64{1}})

	body := "https://www.linkedin.com/in/jane/\n\n  https://www.linkedin.com/in/john  \nwww.linkedin.com/in/john/\n"
	rec := env.do(adminRequest(http.MethodPost, "/v1/profiles/bulk?industry_ids=2,abc", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["inserted"])

	jane, err := env.dir.Get(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.True(t, jane.Allowed)
	assert.ElementsMatch(t, []int64{1, 2}, jane.IndustryIDs)

	john, err := env.dir.GetByURL(context.Background(), "https://www.linkedin.com/in/john")
	require.NoError(t, err)
	assert.False(t, john.Allowed)
	assert.Equal(t, []int64{2}, john.IndustryIDs)
}

func TestServer_BulkAddProfilesRequiresIndustries(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	rec := env.do(adminRequest(http.MethodPost, "/v1/profiles/bulk", "https://www.linkedin.com/in/jane"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "industry_required", decodeBody(t, rec)["error"])
}

func TestServer_ToggleSetAndDeleteProfile(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	p := env.dir.PutProfile(pipeline.Profile{URL: "https://www.linkedin.com/in/jane", IndustryIDs: []int64{1}})
	base := fmt.Sprintf("/v1/profiles/%d", p.ID)

	rec := env.do(adminRequest(http.MethodPost, base+"/toggle", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := env.dir.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, got.Allowed)

	rec = env.do(adminRequest(http.MethodPut, base+"/industries", `{"industry_ids":[2]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = env.dir.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, got.IndustryIDs)

	rec = env.do(adminRequest(http.MethodDelete, base, ""))
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = env.dir.Get(context.Background(), p.ID)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)

	rec = env.do(adminRequest(http.MethodPost, base+"/toggle", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(adminRequest(http.MethodPost, "/v1/profiles/abc/toggle", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DeleteIndustryCascades(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	only := env.dir.PutProfile(pipeline.Profile{URL: "https://www.linkedin.com/in/only", IndustryIDs: []int64{2}})
	both := env.dir.PutProfile(pipeline.Profile{URL: "https://www.linkedin.com/in/both", IndustryIDs: []int64{1, 2}})

	rec := env.do(adminRequest(http.MethodDelete, "/v1/industries/2", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := env.dir.Get(context.Background(), only.ID)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
	got, err := env.dir.Get(context.Background(), both.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got.IndustryIDs)

	rec = env.do(adminRequest(http.MethodDelete, "/v1/industries/2", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ActiveJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultConfig())
	rec := env.do(adminRequest(http.MethodGet, "/v1/jobs/active", ""))
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, err := env.jobs.Create(context.Background(), pipeline.Job{Status: pipeline.StatusScraping, MaxRetries: 3})
	require.NoError(t, err)

	rec = env.do(adminRequest(http.MethodGet, "/v1/jobs/active", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "0/0", body["progress"])
	assert.Equal(t, "scraping", body["job"].(map[string]any)["status"])
}
