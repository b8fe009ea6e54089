package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/config"
	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
	"github.com/JakeFAU/linkedin-signals/internal/storage/memory"
)

type stubScraper struct{}

func (stubScraper) StartRun(context.Context, pipeline.RunInput, int) (string, error) {
	return "run-1", nil
}

func (stubScraper) GetRun(context.Context, string) (pipeline.Run, error) {
	return pipeline.Run{ID: "run-1", Status: pipeline.RunRunning}, nil
}

func (stubScraper) DatasetItemCount(context.Context, string) (int, error) { return 0, nil }

func (stubScraper) DatasetItems(context.Context, string, int, int) ([]json.RawMessage, error) {
	return nil, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, string, string) (string, error) { return "", nil }

type stubIndex struct{}

func (stubIndex) DeleteNamespace(context.Context, string) error { return nil }
func (stubIndex) Upsert(context.Context, string, []pipeline.Vector) error { return nil }
func (stubIndex) Query(context.Context, string, []float32, int, string) ([]pipeline.Match, error) {
	return nil, nil
}

type stubMessenger struct{}

func (stubMessenger) SendHTML(context.Context, int64, string) error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server: config.ServerConfig{Port: 0},
		Auth:   config.AuthConfig{CronSecret: "secret", APIKey: "key"},
		Pipeline: config.PipelineConfig{
			BatchSize:          10,
			MaxRetries:         3,
			TriggerHour:        (time.Now().UTC().Hour() + 12) % 24,
			FreshnessHours:     24,
			Namespace:          "test",
			Dispatch:           config.DispatchLocal,
			Continuation:       config.ContinueLoop,
			StageTimeoutSecond: 30,
			TopK:               5,
		},
		DB:      config.DBConfig{Backend: "memory"},
		Storage: config.StorageConfig{Backend: "local", LocalDir: t.TempDir(), Prefix: "quarantine"},
	}
}

func testClients() Clients {
	return Clients{
		Scraper:   stubScraper{},
		Embedder:  stubEmbedder{},
		Generator: stubGenerator{},
		Index:     stubIndex{},
		Messenger: stubMessenger{},
	}
}

func TestBuildWiresMemoryBackend(t *testing.T) {
	app, err := Build(context.Background(), testConfig(t), zap.NewNop(), WithClients(testClients()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.Len(t, app.stages, 6)
	assert.Nil(t, app.pool)
	assert.Nil(t, app.httpContinuer)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestDrainWaitsOutsideTriggerHour(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, zap.NewNop(), WithClients(testClients()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	out, passes, err := app.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, passes)
	assert.True(t, out.OK)
	assert.False(t, out.Continued)
	assert.Contains(t, out.Message, "waiting for")
}

func TestDrainRunsLocalStagesInProcess(t *testing.T) {
	jobs := memory.NewJobStore()
	dir := memory.NewDirectory()
	_, err := jobs.Create(context.Background(), pipeline.Job{
		Status:     pipeline.StatusScraping,
		ApifyRunID: "run-1",
		MaxRetries: 3,
	})
	require.NoError(t, err)

	stores := Stores{
		Jobs:       jobs,
		Profiles:   dir,
		Posts:      memory.NewPostStore(),
		Messages:   memory.NewMessageStore(),
		Catalog:    dir,
		Recipients: dir,
	}
	app, err := Build(context.Background(), testConfig(t), zap.NewNop(), WithStores(stores), WithClients(testClients()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	out, passes, err := app.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, passes)
	assert.True(t, out.OK)
	assert.Equal(t, pipeline.StatusScraping, out.CurrentStatus)
	assert.False(t, out.Continued)
}

func TestBuildHTTPContinuation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.Dispatch = config.DispatchHTTP
	cfg.Pipeline.Continuation = config.ContinueHTTP
	cfg.Pipeline.BaseURL = "http://127.0.0.1:1"

	app, err := Build(context.Background(), cfg, zap.NewNop(), WithClients(testClients()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	assert.NotNil(t, app.httpContinuer)
}

func TestBuildRejectsBadStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.LocalDir = ""

	_, err := Build(context.Background(), cfg, zap.NewNop(), WithClients(testClients()))
	require.Error(t, err)
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule.Spec = "not a cron"
	app, err := Build(context.Background(), cfg, zap.NewNop(), WithClients(testClients()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.Error(t, app.Schedule(context.Background()))
}
