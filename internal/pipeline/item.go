package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const linkedInProfileBase = "https://www.linkedin.com/in/"

// ScrapeIdentity is the author block of a scraped item.
type ScrapeIdentity struct {
	PublicID   string `json:"publicId" validate:"omitempty,max=200"`
	FirstName  string `json:"firstName" validate:"max=500"`
	LastName   string `json:"lastName" validate:"max=500"`
	Occupation string `json:"occupation" validate:"max=2000"`
}

// ScrapeItem is one dataset row produced by the scraping actor.
type ScrapeItem struct {
	URN               string          `json:"urn" validate:"max=512"`
	URL               string          `json:"url" validate:"max=2048"`
	Text              string          `json:"text" validate:"max=200000"`
	PostedAtTimestamp Timestamp       `json:"postedAtTimestamp"`
	PostedAtISO       string          `json:"postedAtISO" validate:"max=64"`
	InputURL          string          `json:"inputUrl" validate:"max=2048"`
	AuthorProfileURL  string          `json:"authorProfileUrl" validate:"max=2048"`
	IsActivity        bool            `json:"isActivity"`
	Author            *ScrapeIdentity `json:"author" validate:"omitempty"`
	ActivityOfUser    *ScrapeIdentity `json:"activityOfUser" validate:"omitempty"`
}

// Timestamp accepts a JSON number or string and keeps its text form.
type Timestamp struct {
	Raw   string
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("timestamp string: %w", err)
		}
		*t = Timestamp{Raw: s, Valid: s != ""}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("timestamp must be a number or string: %w", err)
	}
	*t = Timestamp{Raw: n.String(), Valid: true}
	return nil
}

var (
	itemValidatorOnce sync.Once
	itemValidator     *validator.Validate
)

func itemValidate() *validator.Validate {
	itemValidatorOnce.Do(func() {
		itemValidator = validator.New(validator.WithRequiredStructEnabled())
	})
	return itemValidator
}

// DecodeScrapeItem parses and validates one raw dataset row. Errors mean the
// row is malformed and should be quarantined rather than processed.
func DecodeScrapeItem(raw json.RawMessage) (ScrapeItem, error) {
	var item ScrapeItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return ScrapeItem{}, fmt.Errorf("decode scrape item: %w", err)
	}
	if err := itemValidate().Struct(item); err != nil {
		return ScrapeItem{}, fmt.Errorf("validate scrape item: %w", err)
	}
	return item, nil
}

// ProfileURL resolves the normalized profile the item belongs to.
func (i ScrapeItem) ProfileURL() string {
	return NormalizeProfileURL(i.RawProfileURL())
}

// RawProfileURL returns the first profile reference the item carries, trimmed
// but otherwise as scraped.
func (i ScrapeItem) RawProfileURL() string {
	candidates := []string{i.InputURL, i.AuthorProfileURL}
	if i.Author != nil && i.Author.PublicID != "" {
		candidates = append(candidates, linkedInProfileBase+i.Author.PublicID)
	}
	if i.ActivityOfUser != nil && i.ActivityOfUser.PublicID != "" {
		candidates = append(candidates, linkedInProfileBase+i.ActivityOfUser.PublicID)
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

// identity returns the block describing the profile owner: reshared activity
// items carry it under activityOfUser, everything else under author.
func (i ScrapeItem) identity() ScrapeIdentity {
	if i.IsActivity {
		if i.ActivityOfUser != nil {
			return *i.ActivityOfUser
		}
		return ScrapeIdentity{}
	}
	if i.Author != nil {
		return *i.Author
	}
	return ScrapeIdentity{}
}

// Name returns the cleaned display name of the profile owner.
func (i ScrapeItem) Name() string {
	id := i.identity()
	parts := make([]string, 0, 2)
	for _, p := range []string{CleanText(id.FirstName), CleanText(id.LastName)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Occupation returns the cleaned occupation of the profile owner.
func (i ScrapeItem) Occupation() string {
	return CleanText(i.identity().Occupation)
}

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.RFC1123Z,
	"2006-01-02",
}

// PostedAt resolves the post time from the epoch-millisecond timestamp,
// falling back to the ISO field. ok is false when neither parses.
func (i ScrapeItem) PostedAt() (time.Time, bool) {
	if i.PostedAtTimestamp.Valid {
		raw := strings.TrimSpace(i.PostedAtTimestamp.Raw)
		if ms, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(ms) && !math.IsInf(ms, 0) {
			return time.UnixMilli(int64(ms)).UTC(), true
		}
		if t, ok := parseISO(raw); ok {
			return t, true
		}
	}
	return parseISO(i.PostedAtISO)
}

func parseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
