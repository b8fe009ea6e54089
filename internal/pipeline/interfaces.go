package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrActiveJobExists is returned when creating a job while another is still active.
	ErrActiveJobExists = errors.New("an active pipeline job already exists")
	// ErrVersionConflict is returned when a job write loses a compare-and-swap.
	ErrVersionConflict = errors.New("pipeline job version conflict")
	// ErrStaleOffset is returned when a stage is asked to run an offset the job has moved past.
	ErrStaleOffset = errors.New("stale batch offset")
)

// JobStore persists the pipeline job row.
type JobStore interface {
	// Active returns the most recent non-terminal job or ErrNotFound.
	Active(ctx context.Context) (Job, error)
	// Latest returns the most recently started job of any status or ErrNotFound.
	Latest(ctx context.Context) (Job, error)
	// Get returns a job by id.
	Get(ctx context.Context, id int64) (Job, error)
	// Create inserts a new job, rejecting it with ErrActiveJobExists when another job is active.
	Create(ctx context.Context, job Job) (Job, error)
	// Update writes the job if its Version still matches the stored row and
	// returns the stored copy with the bumped version. A mismatch yields ErrVersionConflict.
	Update(ctx context.Context, job Job) (Job, error)
}

// ProfileStore persists scrape targets.
type ProfileStore interface {
	ListAllowed(ctx context.Context) ([]Profile, error)
	GetByURL(ctx context.Context, url string) (Profile, error)
	Get(ctx context.Context, id int64) (Profile, error)
	// MarkUnverified revokes approval and records the audit trail.
	MarkUnverified(ctx context.Context, id int64, details UnverifiedDetails, at time.Time) error
	// Upsert creates the profile unapproved or updates its industries.
	// When merge is true the industries are unioned with the stored ones.
	Upsert(ctx context.Context, url string, industryIDs []int64, merge bool) (Profile, error)
	ToggleAllowed(ctx context.Context, id int64) (Profile, error)
	SetIndustries(ctx context.Context, id int64, industryIDs []int64) (Profile, error)
	Delete(ctx context.Context, id int64) error
}

// PostStore persists scraped posts.
type PostStore interface {
	Exists(ctx context.Context, urn string) (bool, error)
	// Insert stores the post unless its urn is already present.
	Insert(ctx context.Context, post Post) (bool, error)
	// CountFresh counts posts posted at or after since that carry any of the industries.
	CountFresh(ctx context.Context, since time.Time, industryIDs []int64) (int, error)
	// ListFresh pages the same set as CountFresh ordered by id.
	ListFresh(ctx context.Context, since time.Time, industryIDs []int64, offset, limit int) ([]Post, error)
}

// MessageStore persists generated messages.
type MessageStore interface {
	DeleteAll(ctx context.Context) error
	// Insert stores the message unless one exists for the same industry and signal.
	Insert(ctx context.Context, msg Message) (bool, error)
	ListSince(ctx context.Context, since time.Time) ([]Message, error)
	// MarkDelivered appends userID to the delivered set unless already present.
	MarkDelivered(ctx context.Context, messageID, userID int64) (bool, error)
}

// CatalogStore reads pipeline configuration, industries and signals.
type CatalogStore interface {
	ScrapeConfig(ctx context.Context) (ScrapeConfig, error)
	Industries(ctx context.Context) ([]Industry, error)
	VisibleIndustries(ctx context.Context) ([]Industry, error)
	VisibleSignals(ctx context.Context) ([]Signal, error)
	// DeleteIndustry removes the industry and strips it from profiles and users.
	// Profiles left without industries are deleted.
	DeleteIndustry(ctx context.Context, id int64) error
}

// RecipientStore reads message subscribers.
type RecipientStore interface {
	AdminChatIDs(ctx context.Context) ([]int64, error)
	CountRecipients(ctx context.Context, adminsOnly bool) (int, error)
	ListRecipients(ctx context.Context, adminsOnly bool, offset, limit int) ([]Recipient, error)
}

// RunInput is the scraping actor payload.
type RunInput struct {
	Cookie         json.RawMessage `json:"cookie"`
	UserAgent      string          `json:"userAgent"`
	URLs           []string        `json:"urls"`
	LimitPerSource int             `json:"limitPerSource"`
	DeepScrape     bool            `json:"deepScrape"`
	RawData        bool            `json:"rawData"`
	MinDelay       int             `json:"minDelay"`
	MaxDelay       int             `json:"maxDelay"`
	Proxy          json.RawMessage `json:"proxy,omitempty"`
}

// Run statuses reported by the scraping actor.
const (
	RunReady     = "READY"
	RunRunning   = "RUNNING"
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
	RunAborting  = "ABORTING"
	RunAborted   = "ABORTED"
	RunTimingOut = "TIMING-OUT"
	RunTimedOut  = "TIMED-OUT"
)

// Run is the scraping actor's view of one run.
type Run struct {
	ID        string
	Status    string
	DatasetID string
	StartedAt *time.Time
}

// Scraper launches and inspects scraping actor runs.
type Scraper interface {
	StartRun(ctx context.Context, input RunInput, memoryMB int) (string, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	DatasetItemCount(ctx context.Context, datasetID string) (int, error)
	DatasetItems(ctx context.Context, datasetID string, offset, limit int) ([]json.RawMessage, error)
}

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator calls the generation model.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// VectorMetadata is stored alongside each vector. Industry ids are strings
// because the index filters on keyword values.
type VectorMetadata struct {
	IndustryIDs []string `json:"industry_ids"`
	Text        string   `json:"text"`
	Name        string   `json:"name,omitempty"`
	Occupation  string   `json:"occupation,omitempty"`
	AuthorURL   string   `json:"author_url,omitempty"`
	SourceURL   string   `json:"source_url,omitempty"`
}

// Vector is one indexed embedding.
type Vector struct {
	ID       string
	Values   []float32
	Metadata VectorMetadata
}

// Match is a vector query hit.
type Match struct {
	ID       string
	Score    float64
	Metadata VectorMetadata
}

// VectorIndex is a namespace-scoped nearest-neighbour index.
type VectorIndex interface {
	DeleteNamespace(ctx context.Context, namespace string) error
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	Query(ctx context.Context, namespace string, values []float32, topK int, industryID string) ([]Match, error)
}

// Messenger delivers HTML-formatted text to a chat.
type Messenger interface {
	SendHTML(ctx context.Context, chatID int64, text string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
