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

// Package delivery sends outbound replies through the email provider's send
// API. A delivery failure is terminal for the pipeline run that produced it;
// it never triggers re-processing of the inbound message.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailmind/pipeline/internal/models"
	"github.com/mailmind/pipeline/internal/retry"
)

// Error categories. Auth errors mean the deployment is misconfigured;
// bad-request errors mean the message itself is structurally invalid, and
// retrying either would only waste the budget.
var (
	ErrAuth       = errors.New("delivery: authentication failed")
	ErrBadRequest = errors.New("delivery: rejected message")
	ErrRateLimit  = errors.New("delivery: rate limited")
	ErrServer     = errors.New("delivery: server error")
)

// Client sends messages through the provider's HTTP API. The HTTP client is
// injected: deployments using an OAuth2 provider pass a token-source-backed
// client and leave APIKey empty.
type Client struct {
	httpClient *http.Client
	baseURL    string
	domain     string
	apiKey     string
	policy     retry.Policy
}

// Config holds the delivery client settings.
type Config struct {
	BaseURL string
	Domain  string
	APIKey  string
	Policy  retry.Policy
}

// NewClient creates a delivery client.
func NewClient(httpClient *http.Client, cfg Config) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		domain:     cfg.Domain,
		apiKey:     cfg.APIKey,
		policy:     cfg.Policy,
	}
}

// Deliver sends the outbound message, retrying transient failures. The
// returned DeliveryAttempt records the terminal outcome whether or not the
// send succeeded; err is non-nil for any outcome other than sent.
func (c *Client) Deliver(ctx context.Context, logger *slog.Logger, out *models.OutboundMessage) (*models.DeliveryAttempt, error) {
	attempt := &models.DeliveryAttempt{
		OutboundMessageID: uuid.New().String(),
	}

	start := time.Now()
	op := func(ctx context.Context) error {
		attempt.AttemptNumber++
		return c.send(ctx, out)
	}

	err := retry.Execute(ctx, logger, op, Classify, c.policy)
	attempt.Latency = time.Since(start)

	switch {
	case err == nil:
		attempt.Outcome = models.DeliverySent
	case isExhausted(err):
		attempt.Outcome = models.DeliveryRetryableFailure
	default:
		attempt.Outcome = models.DeliveryFatalFailure
	}

	return attempt, err
}

// Classify maps a delivery error to a retry class.
func Classify(err error) retry.Class {
	switch {
	case errors.Is(err, ErrAuth), errors.Is(err, ErrBadRequest):
		return retry.Fatal
	case errors.Is(err, ErrRateLimit), errors.Is(err, ErrServer):
		return retry.Retryable
	default:
		return retry.Retryable
	}
}

func isExhausted(err error) bool {
	var exhausted *retry.ExhaustedError
	return errors.As(err, &exhausted)
}

// send performs one POST to the provider's messages endpoint.
func (c *Client) send(ctx context.Context, out *models.OutboundMessage) error {
	form := url.Values{}
	form.Set("from", out.FromAddress)
	form.Set("to", out.ToAddress)
	form.Set("subject", out.Subject)
	form.Set("text", out.BodyText)
	if out.InReplyTo != "" {
		form.Set("h:In-Reply-To", out.InReplyTo)
	}
	if len(out.ReferencesChain) > 0 {
		form.Set("h:References", strings.Join(out.ReferencesChain, " "))
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", c.baseURL, c.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.apiKey != "" {
		req.SetBasicAuth("api", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read delivery response: %w", err)
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		return nil
	}

	return classifyStatus(resp.StatusCode, body)
}

func classifyStatus(status int, body []byte) error {
	detail := ""
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		detail = parsed.Message
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d %s", ErrAuth, status, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d %s", ErrRateLimit, status, detail)
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d %s", ErrServer, status, detail)
	case status == http.StatusBadRequest || status == http.StatusNotAcceptable:
		return fmt.Errorf("%w: HTTP %d %s", ErrBadRequest, status, detail)
	default:
		return fmt.Errorf("%w: unexpected HTTP %d %s", ErrServer, status, detail)
	}
}
