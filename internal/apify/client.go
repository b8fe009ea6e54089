// Package apify is a minimal client for the Apify actor and dataset REST API.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 1024

// Config configures the client.
type Config struct {
	BaseURL string
	Token   string
	ActorID string
	Timeout time.Duration
}

// Client implements pipeline.Scraper.
type Client struct {
	baseURL string
	token   string
	actorID string
	http    *http.Client
	logger  *zap.Logger
}

// APIError is a non-2xx reply from Apify.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apify returned %d: %s", e.StatusCode, e.Body)
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("apify token is required")
	}
	if cfg.ActorID == "" {
		return nil, errors.New("apify actor id is required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		actorID: cfg.ActorID,
		http:    httpClient,
		logger:  logger,
	}, nil
}

type runEnvelope struct {
	Data struct {
		ID               string     `json:"id"`
		Status           string     `json:"status"`
		DefaultDatasetID string     `json:"defaultDatasetId"`
		StartedAt        *time.Time `json:"startedAt"`
	} `json:"data"`
}

func (e runEnvelope) run() pipeline.Run {
	return pipeline.Run{
		ID:        e.Data.ID,
		Status:    e.Data.Status,
		DatasetID: e.Data.DefaultDatasetID,
		StartedAt: e.Data.StartedAt,
	}
}

// StartRun launches the actor asynchronously and returns the run id.
func (c *Client) StartRun(ctx context.Context, input pipeline.RunInput, memoryMB int) (string, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode run input: %w", err)
	}
	q := url.Values{}
	if memoryMB > 0 {
		q.Set("memory", strconv.Itoa(memoryMB))
	}
	var env runEnvelope
	path := "/acts/" + url.PathEscape(c.actorID) + "/runs"
	if err := c.do(ctx, http.MethodPost, path, q, body, &env); err != nil {
		return "", fmt.Errorf("start actor run: %w", err)
	}
	if env.Data.ID == "" {
		return "", errors.New("start actor run: no run id returned")
	}
	c.logger.Info("apify run started", zap.String("run_id", env.Data.ID), zap.Int("urls", len(input.URLs)))
	return env.Data.ID, nil
}

// GetRun returns the run's status and default dataset.
func (c *Client) GetRun(ctx context.Context, runID string) (pipeline.Run, error) {
	var env runEnvelope
	if err := c.do(ctx, http.MethodGet, "/actor-runs/"+url.PathEscape(runID), nil, nil, &env); err != nil {
		return pipeline.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return env.run(), nil
}

// DatasetItemCount returns the number of items in the dataset.
func (c *Client) DatasetItemCount(ctx context.Context, datasetID string) (int, error) {
	var env struct {
		Data struct {
			ItemCount int `json:"itemCount"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/datasets/"+url.PathEscape(datasetID), nil, nil, &env); err != nil {
		return 0, fmt.Errorf("get dataset %s: %w", datasetID, err)
	}
	return env.Data.ItemCount, nil
}

// DatasetItems returns up to limit raw items starting at offset.
func (c *Client) DatasetItems(ctx context.Context, datasetID string, offset, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var items []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/datasets/"+url.PathEscape(datasetID)+"/items", q, nil, &items); err != nil {
		return nil, fmt.Errorf("list dataset %s items: %w", datasetID, err)
	}
	return items, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close apify response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
