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

package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailmind/pipeline/internal/retry"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		Multiplier:     2,
		AttemptTimeout: time.Second,
	}
}

func newTestClient(serverURL string) *Client {
	return NewClient(&http.Client{}, Config{
		BaseURL:   serverURL,
		APIKey:    "test-key",
		Model:     "test-model",
		MaxTokens: 256,
		Rates:     Rates{InputPerToken: 0.001, OutputPerToken: 0.002},
		Policy:    fastPolicy(),
	})
}

func TestComplete_Success(t *testing.T) {
	var gotRequest apiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"content": [{"type": "text", "text": "Hello back."}],
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	result, err := c.Complete(context.Background(), testLogger, "Hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Content != "Hello back." {
		t.Errorf("content = %q", result.Content)
	}
	if result.InputTokens != 10 || result.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 10/5", result.InputTokens, result.OutputTokens)
	}
	// 10*0.001 + 5*0.002
	if want := 0.02; result.CostComputed != want {
		t.Errorf("cost = %v, want %v", result.CostComputed, want)
	}
	if gotRequest.Model != "test-model" {
		t.Errorf("request model = %q", gotRequest.Model)
	}
	if len(gotRequest.Messages) != 1 || gotRequest.Messages[0].Content != "Hello" {
		t.Errorf("request messages = %+v", gotRequest.Messages)
	}
}

func TestComplete_AuthErrorIsFatalAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"type": "authentication_error", "message": "bad key"}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Complete(context.Background(), testLogger, "Hello")

	if !errors.Is(err, ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want exactly 1 for a fatal error", n)
	}
}

func TestComplete_BadRequestIsFatal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "too long"}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Complete(context.Background(), testLogger, "Hello")

	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("error = %v, want ErrBadRequest", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestComplete_RateLimitRetriedUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": {"type": "rate_limit_error", "message": "slow down"}}`))
			return
		}
		w.Write([]byte(`{
			"content": [{"type": "text", "text": "ok"}],
			"usage": {"input_tokens": 1, "output_tokens": 1}
		}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	result, err := c.Complete(context.Background(), testLogger, "Hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "ok" {
		t.Errorf("content = %q", result.Content)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestComplete_ServerErrorsExhaustBudget(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Complete(context.Background(), testLogger, "Hello")

	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want exhaustion", err)
	}
	if !errors.Is(err, ErrServer) {
		t.Errorf("exhaustion should wrap ErrServer, got %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want retry.Class
	}{
		{"auth", ErrAuth, retry.Fatal},
		{"bad request", ErrBadRequest, retry.Fatal},
		{"rate limit", ErrRateLimited, retry.Retryable},
		{"server", ErrServer, retry.Retryable},
		{"network", errors.New("connection reset"), retry.Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRates_Cost(t *testing.T) {
	r := Rates{InputPerToken: 0.5, OutputPerToken: 2}
	if got := r.Cost(4, 3); got != 8 {
		t.Errorf("Cost = %v, want 8", got)
	}
	if got := r.Cost(0, 0); got != 0 {
		t.Errorf("Cost = %v, want 0", got)
	}
}
