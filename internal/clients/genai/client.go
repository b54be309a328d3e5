package genai

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

	"github.com/google/uuid"

	"github.com/casafex/planvista-backend/internal/observability"
	"github.com/casafex/planvista-backend/internal/pkg/httpx"
	"github.com/casafex/planvista-backend/internal/platform/envutil"
	"github.com/casafex/planvista-backend/internal/platform/logger"
)

// Request asks the generation service for one artifact. Inputs and outputs
// cross the boundary as references, never bytes.
type Request struct {
	RunID                  uuid.UUID `json:"run_id"`
	Step                   int       `json:"step"`
	Attempt                int       `json:"attempt"`
	Kind                   string    `json:"kind"`
	Prompt                 string    `json:"prompt,omitempty"`
	CorrectiveInstructions string    `json:"corrective_instructions,omitempty"`
	InputArtifactRefs      []string  `json:"input_artifact_refs,omitempty"`
	SubUnit                string    `json:"sub_unit,omitempty"`
}

// Result is the generation service's reply: a storage reference plus the
// structured analysis document the validation engine consumes.
type Result struct {
	StorageRef  string          `json:"storage_ref"`
	Analysis    json.RawMessage `json:"analysis,omitempty"`
	Width       int             `json:"width,omitempty"`
	Height      int             `json:"height,omitempty"`
	Model       string          `json:"model,omitempty"`
	Hash        string          `json:"hash,omitempty"`
	QualityTier string          `json:"quality_tier,omitempty"`
}

// Client is the generation collaborator: slow, fallible, non-deterministic.
// Its output is never trusted without validation.
type Client interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("GENAI_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing GENAI_BASE_URL")
	}
	return &client{
		log:     log.With("client", "GenAI"),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(os.Getenv("GENAI_API_KEY")),
		httpClient: &http.Client{
			Timeout: envutil.Dur("GENAI_TIMEOUT", 5*time.Minute),
		},
		maxRetries: envutil.Int("GENAI_MAX_RETRIES", 3),
	}, nil
}

func (c *client) Generate(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observability.StartCall(ctx, observability.CallInfo{
		Collaborator: "genai",
		RunID:        req.RunID,
		Step:         req.Step,
		Attempt:      req.Attempt,
		PromptID:     req.Kind,
	})
	var out Result
	err := c.do(ctx, "/v1/generate", req, &out)
	observability.EndCall(span, err)
	if err != nil {
		return nil, err
	}
	if out.StorageRef == "" {
		return nil, fmt.Errorf("generation service returned no storage ref")
	}
	return &out, nil
}

type genaiHTTPError struct {
	StatusCode int
	Body       string
}

func (e *genaiHTTPError) Error() string {
	return fmt.Sprintf("genai http %d: %s", e.StatusCode, e.Body)
}

func (e *genaiHTTPError) HTTPStatusCode() int { return e.StatusCode }

func (c *client) doOnce(ctx context.Context, path string, body, out any) (*http.Response, error) {
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
		return resp, &genaiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp, fmt.Errorf("genai decode error: %w", err)
		}
	}
	return resp, nil
}

func (c *client) do(ctx context.Context, path string, body, out any) error {
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
		c.log.Warn("GenAI request retrying",
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
