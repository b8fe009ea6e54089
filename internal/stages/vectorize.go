package stages

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// maxVectorTextBytes bounds the post text stored as vector metadata.
const maxVectorTextBytes = 40000

// Vectorizer embeds eligible posts into the vector index.
type Vectorizer struct {
	d Deps
}

// NewVectorizer builds the vectorize stage.
func NewVectorizer(d Deps) *Vectorizer {
	d = d.withDefaults()
	d.Logger = d.Logger.Named(NameVectorize)
	return &Vectorizer{d: d}
}

// Name implements Stage.
func (v *Vectorizer) Name() string { return NameVectorize }

// Run embeds one page of fresh posts. The first batch clears the namespace so
// the index only ever holds the current window.
func (v *Vectorizer) Run(ctx context.Context, req Request) (Result, error) {
	job, ok, err := v.d.activeJob(ctx, pipeline.StatusVectorizing, req)
	if err != nil || !ok {
		return noop(NameVectorize, job), err
	}
	if job.WindowStart == nil {
		return Result{}, fmt.Errorf("job %d is vectorizing without a window start", job.ID)
	}

	size := req.size()
	offset := job.CurrentBatchOffset
	if offset == 0 {
		if err := v.d.Index.DeleteNamespace(ctx, v.d.Namespace); err != nil {
			return Result{}, fmt.Errorf("clear namespace %s: %w", v.d.Namespace, err)
		}
	}

	industries, err := v.d.Catalog.VisibleIndustries(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load visible industries: %w", err)
	}
	var posts []pipeline.Post
	if len(industries) > 0 {
		posts, err = v.d.Posts.ListFresh(ctx, *job.WindowStart, pipeline.IndustryIDs(industries), offset, size)
		if err != nil {
			return Result{}, fmt.Errorf("list fresh posts: %w", err)
		}
	}

	if len(posts) > 0 {
		texts := make([]string, len(posts))
		for i, post := range posts {
			texts[i] = post.Text
		}
		embeddings, err := v.d.Embedder.Embed(ctx, texts)
		if err != nil {
			return Result{}, fmt.Errorf("embed %d posts: %w", len(posts), err)
		}
		if len(embeddings) != len(posts) {
			return Result{}, fmt.Errorf("embedder returned %d vectors for %d posts", len(embeddings), len(posts))
		}
		vectors := make([]pipeline.Vector, len(posts))
		for i, post := range posts {
			vectors[i] = pipeline.Vector{
				ID:       "post-" + strconv.FormatInt(post.ID, 10),
				Values:   embeddings[i],
				Metadata: vectorMetadata(post),
			}
		}
		if err := v.d.Index.Upsert(ctx, v.d.Namespace, vectors); err != nil {
			return Result{}, fmt.Errorf("upsert %d vectors: %w", len(vectors), err)
		}
	}

	next := offset + size
	if next < job.TotalItems && len(posts) == size {
		job.Advance(next)
	} else {
		job.Transition(pipeline.StatusGenerating, 0)
	}
	saved, err := v.d.save(ctx, job)
	if err != nil {
		return Result{}, err
	}
	v.d.Logger.Info("posts vectorized",
		zap.Int64("job_id", saved.ID),
		zap.Int("count", len(posts)),
		zap.String("status", string(saved.Status)),
		zap.String("progress", saved.Progress()),
	)
	return done(NameVectorize, saved, map[string]int{"vectorized": len(posts)}), nil
}

func vectorMetadata(post pipeline.Post) pipeline.VectorMetadata {
	ids := make([]string, len(post.IndustryIDs))
	for i, id := range post.IndustryIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return pipeline.VectorMetadata{
		IndustryIDs: ids,
		Text:        pipeline.Truncate(post.Text, maxVectorTextBytes),
		Name:        post.Name,
		Occupation:  post.Occupation,
		AuthorURL:   post.AuthorURL,
		SourceURL:   post.SourceURL,
	}
}
