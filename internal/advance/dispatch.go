package advance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
	"github.com/JakeFAU/linkedin-signals/internal/stages"
)

// Dispatcher runs the stage that serves a job status.
type Dispatcher interface {
	Dispatch(ctx context.Context, status pipeline.Status, req stages.Request) (stages.Result, error)
}

// StageError reports a failed stage call. It unwraps to a
// *stages.PreconditionError for 422 replies and to pipeline.ErrVersionConflict
// for 409 replies, so callers classify local and remote failures the same way.
type StageError struct {
	Stage      string
	StatusCode int
	Err        error
}

func (e *StageError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("stage %s returned %d: %v", e.Stage, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// LocalDispatcher calls stage handlers in-process.
type LocalDispatcher struct {
	stages map[pipeline.Status]stages.Stage
}

// NewLocalDispatcher builds a dispatcher over the given stage set.
func NewLocalDispatcher(set map[pipeline.Status]stages.Stage) *LocalDispatcher {
	return &LocalDispatcher{stages: set}
}

// Dispatch runs the stage for status.
func (d *LocalDispatcher) Dispatch(ctx context.Context, status pipeline.Status, req stages.Request) (stages.Result, error) {
	stage, ok := d.stages[status]
	if !ok {
		return stages.Result{}, fmt.Errorf("no stage serves status %q", status)
	}
	res, err := stage.Run(ctx, req)
	if err != nil {
		return res, &StageError{Stage: stage.Name(), Err: err}
	}
	return res, nil
}

// HTTPDispatcher POSTs to the bearer-protected stage endpoints.
type HTTPDispatcher struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewHTTPDispatcher targets {baseURL}/stages/{name}. A nil client gets one
// bounded by timeout.
func NewHTTPDispatcher(baseURL, secret string, timeout time.Duration, client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPDispatcher{baseURL: strings.TrimRight(baseURL, "/"), secret: secret, client: client}
}

// StageNames maps each dispatchable status to its endpoint name.
var StageNames = map[pipeline.Status]string{
	pipeline.StatusIdle:        stages.NameLaunch,
	pipeline.StatusScraping:    stages.NamePoll,
	pipeline.StatusProcessing:  stages.NameProcess,
	pipeline.StatusVectorizing: stages.NameVectorize,
	pipeline.StatusGenerating:  stages.NameGenerate,
	pipeline.StatusSending:     stages.NameSend,
}

type stageReply struct {
	stages.Result
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Dispatch POSTs req to the stage for status and decodes its result.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, status pipeline.Status, req stages.Request) (stages.Result, error) {
	name, ok := StageNames[status]
	if !ok {
		return stages.Result{}, fmt.Errorf("no stage serves status %q", status)
	}

	var body io.Reader = http.NoBody
	if req.BatchOffset != nil || req.BatchSize > 0 {
		payload, err := json.Marshal(req)
		if err != nil {
			return stages.Result{}, fmt.Errorf("marshal stage request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/stages/"+name, body)
	if err != nil {
		return stages.Result{}, fmt.Errorf("build stage request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.secret)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return stages.Result{}, &StageError{Stage: name, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stages.Result{}, &StageError{Stage: name, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	var reply stageReply
	decodeErr := json.Unmarshal(raw, &reply)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return stages.Result{}, &StageError{Stage: name, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode reply: %w", decodeErr)}
		}
		return reply.Result, nil
	}

	msg := reply.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	var cause error
	switch resp.StatusCode {
	case http.StatusUnprocessableEntity:
		cause = &stages.PreconditionError{Reason: strings.TrimPrefix(msg, "precondition failed: ")}
	case http.StatusConflict:
		cause = fmt.Errorf("%w: %s", pipeline.ErrVersionConflict, msg)
	default:
		cause = errors.New(msg)
	}
	return reply.Result, &StageError{Stage: name, StatusCode: resp.StatusCode, Err: cause}
}
