package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	types "github.com/casafex/planvista-backend/internal/domain"
	"github.com/casafex/planvista-backend/internal/observability"
	"github.com/casafex/planvista-backend/internal/pkg/httpx"
	"github.com/casafex/planvista-backend/internal/platform/envutil"
	"github.com/casafex/planvista-backend/internal/platform/logger"
	"github.com/casafex/planvista-backend/internal/validation"
)

// Client calls the semantic judge collaborator. It satisfies
// validation.Judge; the engine owns the wall-clock budget via ctx.
type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

var _ validation.Judge = (*Client)(nil)

func NewClient(log *logger.Logger) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("JUDGE_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing JUDGE_BASE_URL")
	}
	model := strings.TrimSpace(os.Getenv("JUDGE_MODEL"))
	if model == "" {
		model = "judge-default"
	}
	return &Client{
		log:     log.With("client", "Judge"),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(os.Getenv("JUDGE_API_KEY")),
		model:   model,
		httpClient: &http.Client{
			Timeout: envutil.Dur("JUDGE_TIMEOUT", validation.DefaultJudgeBudget),
		},
		maxRetries: envutil.Int("JUDGE_MAX_RETRIES", 2),
	}, nil
}

type compareRequest struct {
	Model           string                    `json:"model"`
	Analysis        *validation.SpaceAnalysis `json:"analysis"`
	UserRequest     string                    `json:"user_request,omitempty"`
	StyleConstraint string                    `json:"style_constraint,omitempty"`
}

type compareResponse struct {
	Failures []types.ValidationFailure `json:"failures"`
	Fixes    []types.SuggestedFix      `json:"fixes"`
	Model    string                    `json:"model,omitempty"`
}

func (c *Client) Compare(ctx context.Context, req validation.JudgeRequest) (*validation.JudgeResponse, error) {
	ctx, span := observability.StartCall(ctx, observability.CallInfo{
		Collaborator: "judge",
		RunID:        req.RunID,
		Step:         req.Step,
		Attempt:      req.Attempt,
		Model:        c.model,
		PromptID:     req.Kind,
	})
	var out compareResponse
	err := c.do(ctx, "/v1/compare", compareRequest{
		Model:           c.model,
		Analysis:        req.Analysis,
		UserRequest:     req.UserRequest,
		StyleConstraint: req.StyleConstraint,
	}, &out)
	observability.EndCall(span, err)
	if err != nil {
		return nil, err
	}
	model := out.Model
	if model == "" {
		model = c.model
	}
	return &validation.JudgeResponse{
		Failures: out.Failures,
		Fixes:    out.Fixes,
		Model:    model,
	}, nil
}

type judgeHTTPError struct {
	StatusCode int
	Body       string
}

func (e *judgeHTTPError) Error() string {
	return fmt.Sprintf("judge http %d: %s", e.StatusCode, e.Body)
}

func (e *judgeHTTPError) HTTPStatusCode() int { return e.StatusCode }

func (c *Client) doOnce(ctx context.Context, path string, body, out any) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &judgeHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp, fmt.Errorf("judge decode error: %w", err)
		}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, path string, body, out any) error {
	backoff := 1 * time.Second
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := c.doOnce(ctx, path, body, out)
		if err == nil {
			return nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("Judge request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return fmt.Errorf("unreachable retry loop")
}
