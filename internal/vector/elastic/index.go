// Package elastic stores post embeddings in an Elasticsearch dense_vector
// index. Namespaces are a keyword field on each document, so one physical
// index serves every namespace.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// Config configures the index.
type Config struct {
	Addresses  []string
	APIKey     string
	Username   string
	Password   string
	Index      string
	Dimensions int
	Transport  http.RoundTripper
}

// Index implements pipeline.VectorIndex.
type Index struct {
	client     *es.Client
	index      string
	dimensions int
	logger     *zap.Logger
}

// New creates the Elasticsearch client. It does not contact the cluster.
func New(cfg Config, logger *zap.Logger) (*Index, error) {
	if cfg.Index == "" {
		return nil, errors.New("elasticsearch index name is required")
	}
	clientConfig := es.Config{
		Addresses: cfg.Addresses,
		Transport: cfg.Transport,
	}
	if cfg.APIKey != "" {
		clientConfig.APIKey = cfg.APIKey
	} else if cfg.Username != "" && cfg.Password != "" {
		clientConfig.Username = cfg.Username
		clientConfig.Password = cfg.Password
	}
	client, err := es.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{client: client, index: cfg.Index, dimensions: cfg.Dimensions, logger: logger}, nil
}

type document struct {
	Namespace   string    `json:"namespace"`
	PostID      string    `json:"post_id"`
	Embedding   []float32 `json:"embedding"`
	IndustryIDs []string  `json:"industry_ids"`
	Text        string    `json:"text"`
	Name        string    `json:"name,omitempty"`
	Occupation  string    `json:"occupation,omitempty"`
	AuthorURL   string    `json:"author_url,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
}

// EnsureIndex creates the index with its vector mapping when it is missing.
func (x *Index) EnsureIndex(ctx context.Context) error {
	res, err := x.client.Indices.Exists([]string{x.index}, x.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index %s: %w", x.index, err)
	}
	closeBody(res)
	if res.StatusCode == http.StatusOK {
		return nil
	}

	embedding := map[string]any{"type": "dense_vector", "index": true, "similarity": "cosine"}
	if x.dimensions > 0 {
		embedding["dims"] = x.dimensions
	}
	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				"namespace":    map[string]any{"type": "keyword"},
				"post_id":      map[string]any{"type": "keyword"},
				"industry_ids": map[string]any{"type": "keyword"},
				"embedding":    embedding,
				"text":         map[string]any{"type": "text", "index": false},
				"name":         map[string]any{"type": "keyword", "index": false},
				"occupation":   map[string]any{"type": "keyword", "index": false},
				"author_url":   map[string]any{"type": "keyword", "index": false},
				"source_url":   map[string]any{"type": "keyword", "index": false},
			},
		},
	}
	body, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}
	res, err = x.client.Indices.Create(x.index,
		x.client.Indices.Create.WithContext(ctx),
		x.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", x.index, err)
	}
	defer closeBody(res)
	if res.IsError() && !alreadyExists(res) {
		return fmt.Errorf("error creating index %s: %s", x.index, res.String())
	}
	x.logger.Info("vector index created", zap.String("index", x.index), zap.Int("dims", x.dimensions))
	return nil
}

// DeleteNamespace removes every document in namespace. A missing index is not an error.
func (x *Index) DeleteNamespace(ctx context.Context, namespace string) error {
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"namespace": namespace}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}
	res, err := x.client.DeleteByQuery([]string{x.index}, bytes.NewReader(body),
		x.client.DeleteByQuery.WithContext(ctx),
		x.client.DeleteByQuery.WithRefresh(true),
		x.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("error deleting namespace %s: %s", namespace, res.String())
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err == nil {
		x.logger.Info("namespace cleared", zap.String("namespace", namespace), zap.Int("deleted", out.Deleted))
	}
	return nil
}

// Upsert writes vectors with the bulk API. Document ids are scoped by namespace.
func (x *Index) Upsert(ctx context.Context, namespace string, vectors []pipeline.Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, v := range vectors {
		action := map[string]any{"index": map[string]any{"_index": x.index, "_id": namespace + ":" + v.ID}}
		doc := document{
			Namespace:   namespace,
			PostID:      v.ID,
			Embedding:   v.Values,
			IndustryIDs: v.Metadata.IndustryIDs,
			Text:        v.Metadata.Text,
			Name:        v.Metadata.Name,
			Occupation:  v.Metadata.Occupation,
			AuthorURL:   v.Metadata.AuthorURL,
			SourceURL:   v.Metadata.SourceURL,
		}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("failed to marshal bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to marshal document %s: %w", v.ID, err)
		}
	}

	res, err := x.client.Bulk(bytes.NewReader(buf.Bytes()),
		x.client.Bulk.WithContext(ctx),
		x.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("bulk upsert: %w", err)
	}
	defer closeBody(res)
	if res.IsError() {
		return fmt.Errorf("error in bulk upsert: %s", res.String())
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string          `json:"_id"`
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("error decoding bulk response: %w", err)
	}
	if out.Errors {
		for _, item := range out.Items {
			for _, r := range item {
				if r.Status >= 300 {
					return fmt.Errorf("bulk upsert failed for %s: %s", r.ID, string(r.Error))
				}
			}
		}
		return errors.New("bulk upsert reported errors")
	}
	return nil
}

// Query returns the topK nearest documents in namespace tagged with industryID.
// A missing index yields pipeline.ErrNotFound.
func (x *Index) Query(ctx context.Context, namespace string, values []float32, topK int, industryID string) ([]pipeline.Match, error) {
	if topK <= 0 {
		topK = 10
	}
	query := map[string]any{
		"knn": map[string]any{
			"field":          "embedding",
			"query_vector":   values,
			"k":              topK,
			"num_candidates": max(100, topK*10),
			"filter": []map[string]any{
				{"term": map[string]any{"namespace": namespace}},
				{"term": map[string]any{"industry_ids": industryID}},
			},
		},
		"size":    topK,
		"_source": map[string]any{"excludes": []string{"embedding"}},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := x.client.Search(
		x.client.Search.WithContext(ctx),
		x.client.Search.WithIndex(x.index),
		x.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer closeBody(res)
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("index %s: %w", x.index, pipeline.ErrNotFound)
	}
	if res.IsError() {
		return nil, fmt.Errorf("error searching: %s", res.String())
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Score  float64  `json:"_score"`
				Source document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	matches := make([]pipeline.Match, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		src := hit.Source
		matches = append(matches, pipeline.Match{
			ID:    src.PostID,
			Score: hit.Score,
			Metadata: pipeline.VectorMetadata{
				IndustryIDs: src.IndustryIDs,
				Text:        src.Text,
				Name:        src.Name,
				Occupation:  src.Occupation,
				AuthorURL:   src.AuthorURL,
				SourceURL:   src.SourceURL,
			},
		})
	}
	return matches, nil
}

func alreadyExists(res *esapi.Response) bool {
	if res.StatusCode != http.StatusBadRequest {
		return false
	}
	var out struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return false
	}
	return out.Error.Type == "resource_already_exists_exception"
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}
