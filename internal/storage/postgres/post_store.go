package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

const postColumns = `id, urn, name, occupation, text, posted_at, source_url, author_url, industry_ids, created_at`

// PostStore persists scraped posts.
type PostStore struct {
	db DB
}

// NewPostStore wraps a pool.
func NewPostStore(db DB) *PostStore {
	return &PostStore{db: db}
}

// Exists reports whether a post with the urn is stored.
func (s *PostStore) Exists(ctx context.Context, urn string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM posts WHERE urn = $1)`, urn).Scan(&exists); err != nil {
		return false, fmt.Errorf("check post urn: %w", err)
	}
	return exists, nil
}

// Insert stores the post unless the urn is taken.
func (s *PostStore) Insert(ctx context.Context, post pipeline.Post) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO posts (urn, name, occupation, text, posted_at, source_url, author_url, industry_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (urn) DO NOTHING`,
		post.URN,
		nullString(post.Name),
		nullString(post.Occupation),
		post.Text,
		post.PostedAt,
		post.SourceURL,
		post.AuthorURL,
		nonNilIDs(post.IndustryIDs),
	)
	if err != nil {
		return false, fmt.Errorf("insert post %s: %w", post.URN, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountFresh counts posts at or after since tagged with any of the industries.
func (s *PostStore) CountFresh(ctx context.Context, since time.Time, industryIDs []int64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM posts WHERE posted_at >= $1 AND industry_ids && $2`,
		since, nonNilIDs(industryIDs),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count fresh posts: %w", err)
	}
	return count, nil
}

// ListFresh pages fresh posts ordered by id.
func (s *PostStore) ListFresh(ctx context.Context, since time.Time, industryIDs []int64, offset, limit int) ([]pipeline.Post, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+postColumns+` FROM posts
		WHERE posted_at >= $1 AND industry_ids && $2
		ORDER BY id OFFSET $3 LIMIT $4`,
		since, nonNilIDs(industryIDs), offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list fresh posts: %w", err)
	}
	defer rows.Close()

	var posts []pipeline.Post
	for rows.Next() {
		var (
			p                pipeline.Post
			name, occupation *string
		)
		if err := rows.Scan(&p.ID, &p.URN, &name, &occupation, &p.Text, &p.PostedAt, &p.SourceURL, &p.AuthorURL, &p.IndustryIDs, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Name = derefString(name)
		p.Occupation = derefString(occupation)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}
