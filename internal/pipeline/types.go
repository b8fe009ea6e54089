package pipeline

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Status represents the lifecycle state of a pipeline job.
type Status string

// Job status values persisted in the job store.
const (
	StatusIdle        Status = "idle"
	StatusScraping    Status = "scraping"
	StatusProcessing  Status = "processing"
	StatusVectorizing Status = "vectorizing"
	StatusGenerating  Status = "generating"
	StatusSending     Status = "sending"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status ends a job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Draining reports whether the status works through its total in batches.
func (s Status) Draining() bool {
	switch s {
	case StatusProcessing, StatusVectorizing, StatusGenerating, StatusSending:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusScraping, StatusProcessing, StatusVectorizing,
		StatusGenerating, StatusSending, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Job is the single durable row coordinating all stages.
type Job struct {
	ID                 int64      `json:"id"`
	Status             Status     `json:"status"`
	CurrentBatchOffset int        `json:"current_batch_offset"`
	TotalItems         int        `json:"total_items"`
	ApifyRunID         string     `json:"apify_run_id,omitempty"`
	DatasetID          string     `json:"dataset_id,omitempty"`
	ScrapeStartedAt    *time.Time `json:"scrape_started_at,omitempty"`
	WindowStart        *time.Time `json:"window_start,omitempty"`
	AdminChatIDs       []int64    `json:"admin_chat_ids"`
	RetryCount         int        `json:"retry_count"`
	MaxRetries         int        `json:"max_retries"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	Version            int64      `json:"version"`
}

// Active reports whether the job still has work ahead of it.
func (j Job) Active() bool {
	return !j.Status.Terminal()
}

// Progress renders the batch cursor as offset/total.
func (j Job) Progress() string {
	return fmt.Sprintf("%d/%d", j.CurrentBatchOffset, j.TotalItems)
}

// Transition moves the job to a new status and resets the batch cursor.
func (j *Job) Transition(next Status, total int) {
	j.Status = next
	j.CurrentBatchOffset = 0
	j.TotalItems = total
}

// Advance moves the batch cursor forward within the current status.
// The cursor never moves backwards.
func (j *Job) Advance(offset int) {
	if offset > j.CurrentBatchOffset {
		j.CurrentBatchOffset = offset
	}
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	out := j
	out.AdminChatIDs = slices.Clone(j.AdminChatIDs)
	if j.ScrapeStartedAt != nil {
		t := *j.ScrapeStartedAt
		out.ScrapeStartedAt = &t
	}
	if j.WindowStart != nil {
		t := *j.WindowStart
		out.WindowStart = &t
	}
	return out
}

// Profile is a scrape target and approval record.
type Profile struct {
	ID                int64           `json:"id"`
	URL               string          `json:"url"`
	Allowed           bool            `json:"allowed"`
	Name              string          `json:"name,omitempty"`
	Occupation        string          `json:"occupation,omitempty"`
	IndustryIDs       []int64         `json:"industry_ids"`
	UnverifiedDetails json.RawMessage `json:"unverified_details,omitempty"`
	UnverifiedAt      *time.Time      `json:"unverified_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// UnverifiedDetails is the audit record written when a scrape contradicts a
// profile's stored identity.
type UnverifiedDetails struct {
	StoredValue            string     `json:"stored_value"`
	StoredValueNormalized  string     `json:"stored_value_normalized"`
	ScrapedValue           string     `json:"scraped_value"`
	ScrapedValueNormalized string     `json:"scraped_value_normalized"`
	PipelineJobID          int64      `json:"pipeline_job_id"`
	ApifyRunID             string     `json:"apify_run_id"`
	ApifyRunStartedAt      *time.Time `json:"apify_run_started_at,omitempty"`
	DatasetID              string     `json:"dataset_id"`
	DatasetIndex           int        `json:"dataset_index"`
}

// Post is a deduplicated scraped unit of content.
type Post struct {
	ID          int64     `json:"id"`
	URN         string    `json:"urn"`
	Name        string    `json:"name,omitempty"`
	Occupation  string    `json:"occupation,omitempty"`
	Text        string    `json:"text"`
	PostedAt    time.Time `json:"posted_at"`
	SourceURL   string    `json:"source_url,omitempty"`
	AuthorURL   string    `json:"author_url,omitempty"`
	IndustryIDs []int64   `json:"industry_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is one generated industry/signal insight.
type Message struct {
	ID               int64     `json:"id"`
	IndustryID       int64     `json:"industry_id"`
	SignalID         int64     `json:"signal_id"`
	Text             string    `json:"message_text"`
	DeliveredUserIDs []int64   `json:"delivered_user_ids"`
	CreatedAt        time.Time `json:"created_at"`
}

// DeliveredTo reports whether the message has been sent to the user.
func (m Message) DeliveredTo(userID int64) bool {
	return slices.Contains(m.DeliveredUserIDs, userID)
}

// Industry tags profiles, posts and subscriptions.
type Industry struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
}

// Signal is a topic the generator looks for in each industry.
type Signal struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Prompt         string `json:"prompt"`
	EmbeddingQuery string `json:"embedding_query"`
	Visible        bool   `json:"visible"`
}

// Recipient is a subscriber that receives generated messages.
type Recipient struct {
	ID             int64   `json:"id"`
	TelegramChatID int64   `json:"telegram_chat_id"`
	IsAdmin        bool    `json:"is_admin"`
	IndustryIDs    []int64 `json:"industry_ids"`
	SignalIDs      []int64 `json:"signal_ids"`
}

// Wants reports whether the recipient subscribes to the message's industry and signal.
func (r Recipient) Wants(m Message) bool {
	return slices.Contains(r.IndustryIDs, m.IndustryID) && slices.Contains(r.SignalIDs, m.SignalID)
}

// ScrapeConfig holds the scraping actor settings and the delivery debug flag.
type ScrapeConfig struct {
	Cookie         json.RawMessage `json:"cookie"`
	UserAgent      string          `json:"user_agent"`
	MinDelay       int             `json:"min_delay"`
	MaxDelay       int             `json:"max_delay"`
	DeepScrape     bool            `json:"deep_scrape"`
	RawData        bool            `json:"raw_data"`
	Proxy          json.RawMessage `json:"proxy"`
	LimitPerSource int             `json:"limit_per_source"`
	MemoryMBytes   int             `json:"memory_mbytes"`
	Debug          bool            `json:"debug"`
}

// Defaults used when the scrape config leaves a limit unset.
const (
	DefaultLimitPerSource = 2
	DefaultMemoryMBytes   = 512
)

// WithDefaults fills unset limits.
func (c ScrapeConfig) WithDefaults() ScrapeConfig {
	if c.LimitPerSource <= 0 {
		c.LimitPerSource = DefaultLimitPerSource
	}
	if c.MemoryMBytes <= 0 {
		c.MemoryMBytes = DefaultMemoryMBytes
	}
	return c
}

// IndustryIDs returns the ids of the given industries in order.
func IndustryIDs(industries []Industry) []int64 {
	ids := make([]int64, 0, len(industries))
	for _, ind := range industries {
		ids = append(ids, ind.ID)
	}
	return ids
}

// Overlaps reports whether any id in a appears in b.
func Overlaps(a, b []int64) bool {
	for _, id := range a {
		if slices.Contains(b, id) {
			return true
		}
	}
	return false
}
