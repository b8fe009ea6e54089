package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

const profileColumns = `id, url, allowed, name, occupation, industry_ids, unverified_details, unverified_at, created_at`

// ProfileStore persists LinkedIn scrape targets.
type ProfileStore struct {
	db DB
}

// NewProfileStore wraps a pool.
func NewProfileStore(db DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// ListAllowed returns approved profiles ordered by id.
func (s *ProfileStore) ListAllowed(ctx context.Context) ([]pipeline.Profile, error) {
	rows, err := s.db.Query(ctx, `SELECT `+profileColumns+` FROM linkedin WHERE allowed ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list allowed profiles: %w", err)
	}
	defer rows.Close()

	var profiles []pipeline.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return profiles, nil
}

// GetByURL returns the profile with the canonical URL.
func (s *ProfileStore) GetByURL(ctx context.Context, url string) (pipeline.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM linkedin WHERE url = $1`, url))
	if err != nil {
		return pipeline.Profile{}, fmt.Errorf("get profile by url: %w", err)
	}
	return p, nil
}

// Get returns a profile by id.
func (s *ProfileStore) Get(ctx context.Context, id int64) (pipeline.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM linkedin WHERE id = $1`, id))
	if err != nil {
		return pipeline.Profile{}, fmt.Errorf("get profile %d: %w", id, err)
	}
	return p, nil
}

// MarkUnverified revokes approval and records the audit trail.
func (s *ProfileStore) MarkUnverified(ctx context.Context, id int64, details pipeline.UnverifiedDetails, at time.Time) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal unverified details: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE linkedin SET allowed = false, unverified_details = $2, unverified_at = $3 WHERE id = $1`,
		id, raw, at,
	)
	if err != nil {
		return fmt.Errorf("mark profile %d unverified: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// Upsert creates an unapproved profile or updates the industries of an existing one.
func (s *ProfileStore) Upsert(ctx context.Context, url string, industryIDs []int64, merge bool) (pipeline.Profile, error) {
	query := `INSERT INTO linkedin (url, industry_ids) VALUES ($1, $2)
		ON CONFLICT (url) DO UPDATE SET industry_ids = CASE
			WHEN $3 THEN ARRAY(SELECT DISTINCT x FROM unnest(linkedin.industry_ids || EXCLUDED.industry_ids) AS x ORDER BY x)
			ELSE EXCLUDED.industry_ids
		END
		RETURNING ` + profileColumns
	p, err := scanProfile(s.db.QueryRow(ctx, query, url, nonNilIDs(industryIDs), merge))
	if err != nil {
		return pipeline.Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return p, nil
}

// ToggleAllowed flips the approval flag.
func (s *ProfileStore) ToggleAllowed(ctx context.Context, id int64) (pipeline.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(ctx,
		`UPDATE linkedin SET allowed = NOT allowed WHERE id = $1 RETURNING `+profileColumns, id))
	if err != nil {
		return pipeline.Profile{}, fmt.Errorf("toggle profile %d: %w", id, err)
	}
	return p, nil
}

// SetIndustries replaces the profile's industries.
func (s *ProfileStore) SetIndustries(ctx context.Context, id int64, industryIDs []int64) (pipeline.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(ctx,
		`UPDATE linkedin SET industry_ids = $2 WHERE id = $1 RETURNING `+profileColumns, id, nonNilIDs(industryIDs)))
	if err != nil {
		return pipeline.Profile{}, fmt.Errorf("set industries for profile %d: %w", id, err)
	}
	return p, nil
}

// Delete removes a profile.
func (s *ProfileStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM linkedin WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete profile %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

func scanProfile(row pgx.Row) (pipeline.Profile, error) {
	var (
		p                pipeline.Profile
		name, occupation *string
		details          []byte
	)
	err := row.Scan(&p.ID, &p.URL, &p.Allowed, &name, &occupation, &p.IndustryIDs, &details, &p.UnverifiedAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Profile{}, pipeline.ErrNotFound
		}
		return pipeline.Profile{}, err
	}
	p.Name = derefString(name)
	p.Occupation = derefString(occupation)
	if len(details) > 0 {
		p.UnverifiedDetails = json.RawMessage(details)
	}
	return p, nil
}
