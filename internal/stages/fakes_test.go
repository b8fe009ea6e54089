package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkedin-signals/internal/clock/system"
	"github.com/JakeFAU/linkedin-signals/internal/failure"
	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
	"github.com/JakeFAU/linkedin-signals/internal/storage/memory"
)

type fakeScraper struct {
	mu       sync.Mutex
	runID    string
	startErr error
	inputs   []pipeline.RunInput
	memoryMB []int
	run      pipeline.Run
	items    []json.RawMessage
}

func (f *fakeScraper) StartRun(_ context.Context, input pipeline.RunInput, memoryMB int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.inputs = append(f.inputs, input)
	f.memoryMB = append(f.memoryMB, memoryMB)
	return f.runID, nil
}

func (f *fakeScraper) GetRun(_ context.Context, runID string) (pipeline.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.run
	run.ID = runID
	return run, nil
}

func (f *fakeScraper) DatasetItemCount(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items), nil
}

func (f *fakeScraper) DatasetItems(_ context.Context, _ string, offset, limit int) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= len(f.items) {
		return nil, nil
	}
	return f.items[offset:min(offset+limit, len(f.items))], nil
}

// fakeEmbedder maps each text to a two-dimensional vector derived from its length.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, slices.Clone(texts))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type fakeGenerator struct {
	mu    sync.Mutex
	reply func(user string) string
	users []string
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, user)
	if f.reply == nil {
		return NoContent, nil
	}
	return f.reply(user), nil
}

type fakeIndex struct {
	mu         sync.Mutex
	namespaces map[string]map[string]pipeline.Vector
	deletes    int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{namespaces: make(map[string]map[string]pipeline.Vector)}
}

func (f *fakeIndex) DeleteNamespace(_ context.Context, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.namespaces, namespace)
	return nil
}

func (f *fakeIndex) Upsert(_ context.Context, namespace string, vectors []pipeline.Vector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, ok := f.namespaces[namespace]
	if !ok {
		ns = make(map[string]pipeline.Vector)
		f.namespaces[namespace] = ns
	}
	for _, v := range vectors {
		ns[v.ID] = v
	}
	return nil
}

func (f *fakeIndex) Query(_ context.Context, namespace string, _ []float32, topK int, industryID string) ([]pipeline.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, ok := f.namespaces[namespace]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	ids := make([]string, 0, len(ns))
	for id, v := range ns {
		if slices.Contains(v.Metadata.IndustryIDs, industryID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var out []pipeline.Match
	for _, id := range ids {
		if len(out) == topK {
			break
		}
		out = append(out, pipeline.Match{ID: id, Score: 1, Metadata: ns[id].Metadata})
	}
	return out, nil
}

func (f *fakeIndex) vectors(namespace string) map[string]pipeline.Vector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.namespaces[namespace]
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeMessenger struct {
	mu    sync.Mutex
	sent  []sentMessage
	fails map[int64]bool
}

func (f *fakeMessenger) SendHTML(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[chatID] {
		return errors.New("bot was blocked by the user")
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (f *fakeMessenger) to(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.chatID == chatID {
			out = append(out, s.text)
		}
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Admins(_ context.Context, _ []int64, text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return 1
}

type harness struct {
	deps      Deps
	clock     *system.Fixed
	jobs      *memory.JobStore
	dir       *memory.Directory
	posts     *memory.PostStore
	messages  *memory.MessageStore
	blobs     *memory.BlobStore
	scraper   *fakeScraper
	embedder  *fakeEmbedder
	generator *fakeGenerator
	index     *fakeIndex
	messenger *fakeMessenger
	notifier  *fakeNotifier
}

var testNow = time.Date(2026, 10, 15, 4, 30, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:     system.NewFixed(testNow),
		jobs:      memory.NewJobStore(),
		dir:       memory.NewDirectory(),
		posts:     memory.NewPostStore(),
		messages:  memory.NewMessageStore(),
		blobs:     memory.NewBlobStore(),
		scraper:   &fakeScraper{runID: "run-1"},
		embedder:  &fakeEmbedder{},
		generator: &fakeGenerator{},
		index:     newFakeIndex(),
		messenger: &fakeMessenger{},
		notifier:  &fakeNotifier{},
	}
	h.messages.SetClock(h.clock)
	h.deps = Deps{
		Jobs:       h.jobs,
		Profiles:   h.dir,
		Posts:      h.posts,
		Messages:   h.messages,
		Catalog:    h.dir,
		Recipients: h.dir,
		Scraper:    h.scraper,
		Embedder:   h.embedder,
		Generator:  h.generator,
		Index:      h.index,
		Messenger:  h.messenger,
		Blobs:      h.blobs,
		Notifier:   h.notifier,
		Failures:   failure.New(h.jobs, nil, nil, 3),
		Clock:      h.clock,
	}
	return h
}

func (h *harness) createJob(t *testing.T, job pipeline.Job) pipeline.Job {
	t.Helper()
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = testNow.Add(-30 * time.Minute)
	}
	created, err := h.jobs.Create(context.Background(), job)
	require.NoError(t, err)
	return created
}

func (h *harness) job(t *testing.T, id int64) pipeline.Job {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

// scrapeItem renders a dataset row for profile slug with an author block.
func scrapeItem(urn, slug, occupation string, postedAt time.Time, text string) json.RawMessage {
	raw, err := json.Marshal(map[string]any{
		"urn":               urn,
		"url":               "https://www.linkedin.com/feed/update/" + urn,
		"text":              text,
		"postedAtTimestamp": postedAt.UnixMilli(),
		"inputUrl":          "https://www.linkedin.com/in/" + slug + "/",
		"author": map[string]any{
			"publicId":   slug,
			"firstName":  "Jane",
			"lastName":   "Doe",
			"occupation": occupation,
		},
	})
	if err != nil {
		panic(err)
	}
	return raw
}

func profileURL(slug string) string {
	return fmt.Sprintf("https://www.linkedin.com/in/%s", slug)
}
