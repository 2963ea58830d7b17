// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package completion wraps the external text-completion API. Failures are
// classified into typed categories so the retry executor can tell a transient
// rate limit from a misconfigured deployment.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mailmind/pipeline/internal/retry"
)

// Error categories. Auth and bad-request errors indicate a deployment or
// composition problem and must not be retried.
var (
	ErrAuth        = errors.New("completion: authentication failed")
	ErrRateLimited = errors.New("completion: rate limited")
	ErrServer      = errors.New("completion: server error")
	ErrBadRequest  = errors.New("completion: malformed request")
)

// Result is a successful completion with its metered usage.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
	CostComputed float64
}

// Rates converts token usage into cost units.
type Rates struct {
	InputPerToken  float64
	OutputPerToken float64
}

// Cost computes the billable cost for a token count pair.
func (r Rates) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*r.InputPerToken + float64(outputTokens)*r.OutputPerToken
}

// Client calls the completion service through the retry executor.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	model         string
	maxTokens     int
	systemContext string
	rates         Rates
	policy        retry.Policy
}

// Config holds the completion client settings.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	MaxTokens     int
	SystemContext string
	Rates         Rates
	Policy        retry.Policy
}

// NewClient creates a completion client. The HTTP client is injected so tests
// and deployments control transport and timeouts.
func NewClient(httpClient *http.Client, cfg Config) *Client {
	return &Client{
		httpClient:    httpClient,
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		systemContext: cfg.SystemContext,
		rates:         cfg.Rates,
		policy:        cfg.Policy,
	}
}

// request/response mirror the messages API wire format.
type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete generates a reply for the given user content. Retryable failures
// (rate limits, 5xx, timeouts) are retried per the configured policy; auth
// and malformed-request failures surface immediately.
func (c *Client) Complete(ctx context.Context, logger *slog.Logger, userContent string) (*Result, error) {
	var result *Result

	op := func(ctx context.Context) error {
		r, err := c.complete(ctx, userContent)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	if err := retry.Execute(ctx, logger, op, Classify, c.policy); err != nil {
		return nil, err
	}
	return result, nil
}

// Classify maps a completion error to a retry class.
func Classify(err error) retry.Class {
	switch {
	case errors.Is(err, ErrAuth), errors.Is(err, ErrBadRequest):
		return retry.Fatal
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrServer):
		return retry.Retryable
	default:
		// Network-level failures (connection reset, DNS) are transient.
		return retry.Retryable
	}
}

func (c *Client) complete(ctx context.Context, userContent string) (*Result, error) {
	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    c.systemContext,
		Messages:  []apiMessage{{Role: "user", Content: userContent}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse completion response: %w", err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, fmt.Errorf("%w: response contained no text content", ErrServer)
	}

	return &Result{
		Content:      content,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		CostComputed: c.rates.Cost(parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
	}, nil
}

// classifyStatus maps an HTTP error status to a typed category, keeping the
// upstream error message for the logs.
func classifyStatus(status int, body []byte) error {
	detail := ""
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		detail = parsed.Error.Message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d %s", ErrAuth, status, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d %s", ErrRateLimited, status, detail)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d %s", ErrServer, status, detail)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: HTTP %d %s", ErrBadRequest, status, detail)
	default:
		return fmt.Errorf("%w: unexpected HTTP %d %s", ErrServer, status, detail)
	}
}
