package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// CatalogStore reads the scrape config, industries, signals and recipients.
// It implements pipeline.CatalogStore and pipeline.RecipientStore.
type CatalogStore struct {
	db DB
}

// NewCatalogStore wraps a pool.
func NewCatalogStore(db DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// ScrapeConfig returns the single config row.
func (s *CatalogStore) ScrapeConfig(ctx context.Context) (pipeline.ScrapeConfig, error) {
	var (
		cfg                 pipeline.ScrapeConfig
		cookie, proxy       []byte
		limit, memoryMBytes *int
	)
	err := s.db.QueryRow(ctx,
		`SELECT cookie, user_agent, min_delay, max_delay, deep_scrape, raw_data, proxy, limit_per_source, memory_mbytes, debug
		FROM config WHERE id = 1`,
	).Scan(&cookie, &cfg.UserAgent, &cfg.MinDelay, &cfg.MaxDelay, &cfg.DeepScrape, &cfg.RawData, &proxy, &limit, &memoryMBytes, &cfg.Debug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.ScrapeConfig{}, pipeline.ErrNotFound
		}
		return pipeline.ScrapeConfig{}, fmt.Errorf("get scrape config: %w", err)
	}
	cfg.Cookie = cookie
	cfg.Proxy = proxy
	if limit != nil {
		cfg.LimitPerSource = *limit
	}
	if memoryMBytes != nil {
		cfg.MemoryMBytes = *memoryMBytes
	}
	return cfg.WithDefaults(), nil
}

// Industries returns all industries ordered by id.
func (s *CatalogStore) Industries(ctx context.Context) ([]pipeline.Industry, error) {
	return s.industries(ctx, `SELECT id, name, visible FROM industries ORDER BY id`)
}

// VisibleIndustries returns visible industries ordered by id.
func (s *CatalogStore) VisibleIndustries(ctx context.Context) ([]pipeline.Industry, error) {
	return s.industries(ctx, `SELECT id, name, visible FROM industries WHERE visible ORDER BY id`)
}

func (s *CatalogStore) industries(ctx context.Context, query string) ([]pipeline.Industry, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list industries: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Industry
	for rows.Next() {
		var ind pipeline.Industry
		if err := rows.Scan(&ind.ID, &ind.Name, &ind.Visible); err != nil {
			return nil, fmt.Errorf("scan industry: %w", err)
		}
		out = append(out, ind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate industries: %w", err)
	}
	return out, nil
}

// VisibleSignals returns visible signals ordered by id.
func (s *CatalogStore) VisibleSignals(ctx context.Context) ([]pipeline.Signal, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, prompt, embedding_query, visible FROM signals WHERE visible ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Signal
	for rows.Next() {
		var sig pipeline.Signal
		if err := rows.Scan(&sig.ID, &sig.Name, &sig.Prompt, &sig.EmbeddingQuery, &sig.Visible); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return out, nil
}

// DeleteIndustry removes the industry in one transaction. Profiles tagged only
// with it are deleted; other profiles and users lose the tag.
func (s *CatalogStore) DeleteIndustry(ctx context.Context, id int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete industry: %w", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `DELETE FROM industries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete industry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM linkedin WHERE industry_ids = ARRAY[$1]::bigint[]`, id); err != nil {
		return fmt.Errorf("delete orphaned profiles: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE linkedin SET industry_ids = array_remove(industry_ids, $1) WHERE $1 = ANY (industry_ids)`, id); err != nil {
		return fmt.Errorf("strip industry from profiles: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET industry_ids = array_remove(industry_ids, $1) WHERE $1 = ANY (industry_ids)`, id); err != nil {
		return fmt.Errorf("strip industry from users: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete industry: %w", err)
	}
	return nil
}

// AdminChatIDs returns the chat ids of admins ordered by user id.
func (s *CatalogStore) AdminChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT telegram_chat_id FROM users WHERE is_admin AND telegram_chat_id IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list admin chat ids: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan admin chat id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin chat ids: %w", err)
	}
	return ids, nil
}

// CountRecipients counts users with a chat id.
func (s *CatalogStore) CountRecipients(ctx context.Context, adminsOnly bool) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE telegram_chat_id IS NOT NULL AND ($1 = false OR is_admin)`,
		adminsOnly,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return count, nil
}

// ListRecipients pages users with a chat id ordered by id.
func (s *CatalogStore) ListRecipients(ctx context.Context, adminsOnly bool, offset, limit int) ([]pipeline.Recipient, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, telegram_chat_id, is_admin, industry_ids, signal_ids FROM users
		WHERE telegram_chat_id IS NOT NULL AND ($1 = false OR is_admin)
		ORDER BY id OFFSET $2 LIMIT $3`,
		adminsOnly, offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Recipient
	for rows.Next() {
		var r pipeline.Recipient
		if err := rows.Scan(&r.ID, &r.TelegramChatID, &r.IsAdmin, &r.IndustryIDs, &r.SignalIDs); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return out, nil
}
