package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// PostStore keeps posts keyed by urn.
type PostStore struct {
	mu     sync.RWMutex
	nextID int64
	posts  map[string]pipeline.Post
}

// NewPostStore constructs a PostStore.
func NewPostStore() *PostStore {
	return &PostStore{posts: make(map[string]pipeline.Post)}
}

// Exists reports whether a post with the urn is stored.
func (s *PostStore) Exists(_ context.Context, urn string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.posts[urn]
	return ok, nil
}

// Insert stores the post unless the urn is taken.
func (s *PostStore) Insert(_ context.Context, post pipeline.Post) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[post.URN]; ok {
		return false, nil
	}
	s.nextID++
	post.ID = s.nextID
	post.IndustryIDs = slices.Clone(post.IndustryIDs)
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	s.posts[post.URN] = post
	return true, nil
}

// CountFresh counts posts at or after since tagged with any of the industries.
func (s *PostStore) CountFresh(_ context.Context, since time.Time, industryIDs []int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fresh(since, industryIDs)), nil
}

// ListFresh pages fresh posts ordered by id.
func (s *PostStore) ListFresh(_ context.Context, since time.Time, industryIDs []int64, offset, limit int) ([]pipeline.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.fresh(since, industryIDs)
	if offset >= len(all) {
		return []pipeline.Post{}, nil
	}
	end := min(offset+limit, len(all))
	return slices.Clone(all[offset:end]), nil
}

// All returns every stored post ordered by id.
func (s *PostStore) All() []pipeline.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fresh(time.Time{}, nil)
}

func (s *PostStore) fresh(since time.Time, industryIDs []int64) []pipeline.Post {
	out := make([]pipeline.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if p.PostedAt.Before(since) {
			continue
		}
		if industryIDs != nil && !pipeline.Overlaps(p.IndustryIDs, industryIDs) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
