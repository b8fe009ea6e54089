package advance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/metrics"
)

// Continuer asks for another controller pass. Implementations must not block
// on the pass itself.
type Continuer interface {
	Continue(ctx context.Context) error
}

// ContinuerFunc adapts a function to Continuer.
type ContinuerFunc func(ctx context.Context) error

// Continue calls f.
func (f ContinuerFunc) Continue(ctx context.Context) error {
	return f(ctx)
}

// continueTimeout covers the whole triggered pass, which runs inside the request.
const continueTimeout = 10 * time.Minute

// HTTPContinuer re-triggers the controller by POSTing to /cron/advance.
type HTTPContinuer struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewHTTPContinuer targets {baseURL}/cron/advance.
func NewHTTPContinuer(baseURL, secret string, client *http.Client, logger *zap.Logger) *HTTPContinuer {
	if client == nil {
		client = &http.Client{Timeout: continueTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPContinuer{
		url:    strings.TrimRight(baseURL, "/") + "/cron/advance",
		secret: secret,
		client: client,
		logger: logger,
	}
}

// Continue sends the request in the background and returns immediately.
// Errors are logged and counted.
func (c *HTTPContinuer) Continue(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, continueTimeout)
		defer cancel()
		err := c.post(ctx)
		metrics.ObserveContinuation("http", err)
		if err != nil {
			c.logger.Warn("self-trigger failed", zap.String("url", c.url), zap.Error(err))
		}
	}()
	return nil
}

func (c *HTTPContinuer) post(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", c.url, err)
	}
	_ = resp.Body.Close()
	// A 500 from the next pass is a stage failure already recorded on the job.
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("post %s: unauthorized", c.url)
	}
	return nil
}

// Wait blocks until in-flight triggers finish.
func (c *HTTPContinuer) Wait() {
	c.wg.Wait()
}
