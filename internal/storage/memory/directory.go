package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// Directory holds profiles, industries, signals, recipients and the scrape
// config. It implements pipeline.ProfileStore, pipeline.CatalogStore and
// pipeline.RecipientStore.
type Directory struct {
	mu          sync.RWMutex
	nextProfile int64
	profiles    map[int64]pipeline.Profile
	industries  map[int64]pipeline.Industry
	signals     map[int64]pipeline.Signal
	recipients  map[int64]pipeline.Recipient
	config      *pipeline.ScrapeConfig
}

// NewDirectory constructs an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		profiles:   make(map[int64]pipeline.Profile),
		industries: make(map[int64]pipeline.Industry),
		signals:    make(map[int64]pipeline.Signal),
		recipients: make(map[int64]pipeline.Recipient),
	}
}

// SetScrapeConfig stores the scrape config row.
func (d *Directory) SetScrapeConfig(cfg pipeline.ScrapeConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = &cfg
}

// PutIndustry inserts or replaces an industry.
func (d *Directory) PutIndustry(ind pipeline.Industry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.industries[ind.ID] = ind
}

// PutSignal inserts or replaces a signal.
func (d *Directory) PutSignal(sig pipeline.Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signals[sig.ID] = sig
}

// PutRecipient inserts or replaces a recipient.
func (d *Directory) PutRecipient(r pipeline.Recipient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recipients[r.ID] = cloneRecipient(r)
}

// PutProfile inserts a profile with its fields as given and returns it with an id.
func (d *Directory) PutProfile(p pipeline.Profile) pipeline.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.ID == 0 {
		d.nextProfile++
		p.ID = d.nextProfile
	} else if p.ID > d.nextProfile {
		d.nextProfile = p.ID
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	d.profiles[p.ID] = cloneProfile(p)
	return cloneProfile(p)
}

// ScrapeConfig returns the scrape config row.
func (d *Directory) ScrapeConfig(_ context.Context) (pipeline.ScrapeConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.config == nil {
		return pipeline.ScrapeConfig{}, pipeline.ErrNotFound
	}
	return *d.config, nil
}

// Industries returns all industries ordered by id.
func (d *Directory) Industries(_ context.Context) ([]pipeline.Industry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedIndustries(false), nil
}

// VisibleIndustries returns visible industries ordered by id.
func (d *Directory) VisibleIndustries(_ context.Context) ([]pipeline.Industry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedIndustries(true), nil
}

func (d *Directory) sortedIndustries(visibleOnly bool) []pipeline.Industry {
	out := make([]pipeline.Industry, 0, len(d.industries))
	for _, ind := range d.industries {
		if visibleOnly && !ind.Visible {
			continue
		}
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VisibleSignals returns visible signals ordered by id.
func (d *Directory) VisibleSignals(_ context.Context) ([]pipeline.Signal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]pipeline.Signal, 0, len(d.signals))
	for _, sig := range d.signals {
		if sig.Visible {
			out = append(out, sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteIndustry removes the industry and cascades to profiles and recipients.
func (d *Directory) DeleteIndustry(_ context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.industries[id]; !ok {
		return pipeline.ErrNotFound
	}
	delete(d.industries, id)
	for pid, p := range d.profiles {
		if !slices.Contains(p.IndustryIDs, id) {
			continue
		}
		p.IndustryIDs = slices.DeleteFunc(slices.Clone(p.IndustryIDs), func(v int64) bool { return v == id })
		if len(p.IndustryIDs) == 0 {
			delete(d.profiles, pid)
			continue
		}
		d.profiles[pid] = p
	}
	for rid, r := range d.recipients {
		r.IndustryIDs = slices.DeleteFunc(slices.Clone(r.IndustryIDs), func(v int64) bool { return v == id })
		d.recipients[rid] = r
	}
	return nil
}

// ListAllowed returns approved profiles ordered by id.
func (d *Directory) ListAllowed(_ context.Context) ([]pipeline.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]pipeline.Profile, 0, len(d.profiles))
	for _, p := range d.profiles {
		if p.Allowed {
			out = append(out, cloneProfile(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetByURL returns the profile with the canonical URL.
func (d *Directory) GetByURL(_ context.Context, url string) (pipeline.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.profiles {
		if p.URL == url {
			return cloneProfile(p), nil
		}
	}
	return pipeline.Profile{}, pipeline.ErrNotFound
}

// Get returns a profile by id.
func (d *Directory) Get(_ context.Context, id int64) (pipeline.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	if !ok {
		return pipeline.Profile{}, pipeline.ErrNotFound
	}
	return cloneProfile(p), nil
}

// MarkUnverified revokes approval and records the audit trail.
func (d *Directory) MarkUnverified(_ context.Context, id int64, details pipeline.UnverifiedDetails, at time.Time) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal unverified details: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	p.Allowed = false
	p.UnverifiedDetails = raw
	at = at.UTC()
	p.UnverifiedAt = &at
	d.profiles[id] = p
	return nil
}

// Upsert creates an unapproved profile or updates the industries of an existing one.
func (d *Directory) Upsert(_ context.Context, url string, industryIDs []int64, merge bool) (pipeline.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.profiles {
		if p.URL != url {
			continue
		}
		if merge {
			p.IndustryIDs = unionIDs(p.IndustryIDs, industryIDs)
		} else {
			p.IndustryIDs = slices.Clone(industryIDs)
		}
		d.profiles[id] = p
		return cloneProfile(p), nil
	}
	d.nextProfile++
	p := pipeline.Profile{
		ID:          d.nextProfile,
		URL:         url,
		IndustryIDs: slices.Clone(industryIDs),
		CreatedAt:   time.Now().UTC(),
	}
	d.profiles[p.ID] = p
	return cloneProfile(p), nil
}

// ToggleAllowed flips the approval flag.
func (d *Directory) ToggleAllowed(_ context.Context, id int64) (pipeline.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[id]
	if !ok {
		return pipeline.Profile{}, pipeline.ErrNotFound
	}
	p.Allowed = !p.Allowed
	d.profiles[id] = p
	return cloneProfile(p), nil
}

// SetIndustries replaces the profile's industries.
func (d *Directory) SetIndustries(_ context.Context, id int64, industryIDs []int64) (pipeline.Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[id]
	if !ok {
		return pipeline.Profile{}, pipeline.ErrNotFound
	}
	p.IndustryIDs = slices.Clone(industryIDs)
	d.profiles[id] = p
	return cloneProfile(p), nil
}

// Delete removes a profile.
func (d *Directory) Delete(_ context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.profiles[id]; !ok {
		return pipeline.ErrNotFound
	}
	delete(d.profiles, id)
	return nil
}

// AdminChatIDs returns the chat ids of admins ordered by user id.
func (d *Directory) AdminChatIDs(_ context.Context) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]int64, 0)
	for _, r := range d.sortedRecipients(true) {
		ids = append(ids, r.TelegramChatID)
	}
	return ids, nil
}

// CountRecipients counts users with a chat id.
func (d *Directory) CountRecipients(_ context.Context, adminsOnly bool) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sortedRecipients(adminsOnly)), nil
}

// ListRecipients pages users with a chat id ordered by id.
func (d *Directory) ListRecipients(_ context.Context, adminsOnly bool, offset, limit int) ([]pipeline.Recipient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	all := d.sortedRecipients(adminsOnly)
	if offset >= len(all) {
		return []pipeline.Recipient{}, nil
	}
	end := min(offset+limit, len(all))
	out := make([]pipeline.Recipient, 0, end-offset)
	for _, r := range all[offset:end] {
		out = append(out, cloneRecipient(r))
	}
	return out, nil
}

func (d *Directory) sortedRecipients(adminsOnly bool) []pipeline.Recipient {
	out := make([]pipeline.Recipient, 0, len(d.recipients))
	for _, r := range d.recipients {
		if r.TelegramChatID == 0 {
			continue
		}
		if adminsOnly && !r.IsAdmin {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneProfile(p pipeline.Profile) pipeline.Profile {
	p.IndustryIDs = slices.Clone(p.IndustryIDs)
	p.UnverifiedDetails = slices.Clone(p.UnverifiedDetails)
	if p.UnverifiedAt != nil {
		t := *p.UnverifiedAt
		p.UnverifiedAt = &t
	}
	return p
}

func cloneRecipient(r pipeline.Recipient) pipeline.Recipient {
	r.IndustryIDs = slices.Clone(r.IndustryIDs)
	r.SignalIDs = slices.Clone(r.SignalIDs)
	return r
}

func unionIDs(a, b []int64) []int64 {
	out := slices.Clone(a)
	for _, id := range b {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
