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

// Package webhook receives inbound email deliveries from the mail provider.
// The provider POSTs each parsed message to the registered endpoint and
// redelivers on any non-success status, so the handler acknowledges fast and
// hands the message to the pipeline in the background; the idempotency guard
// absorbs any redelivery that slips through.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mailmind/pipeline/internal/models"
	"github.com/mailmind/pipeline/internal/pipeline"
)

// maxPayloadBytes bounds the form we are willing to parse into memory.
const maxPayloadBytes = 10 << 20

// Runner is the pipeline entry point the handler dispatches to.
type Runner interface {
	Run(ctx context.Context, inbound *models.InboundMessage) pipeline.Ack
}

// Pinger reports backing-store reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler terminates the inbound webhook.
type Handler struct {
	runner     Runner
	signingKey string
	health     map[string]Pinger
}

// NewHandler creates an inbound webhook handler. An empty signingKey disables
// signature verification (local development only).
func NewHandler(runner Runner, signingKey string, health map[string]Pinger) *Handler {
	return &Handler{
		runner:     runner,
		signingKey: signingKey,
		health:     health,
	}
}

// ServeInbound handles one inbound message delivery.
//
// The provider expects a response within seconds and redelivers on failure
// statuses, so the contract is:
//   - forged signature -> 401 (not from the provider, safe to refuse)
//   - malformed payload -> 200 (acknowledged; redelivering won't fix it)
//   - everything else -> 200 immediately, pipeline runs in the background
func (h *Handler) ServeInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	if err := parseForm(r); err != nil {
		slog.Info("inbound payload not parseable, acknowledging", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if !h.verifySignature(r) {
		slog.Warn("inbound signature verification failed — possible forged delivery",
			"remote_addr", r.RemoteAddr,
		)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	inbound := parseInbound(r)

	// Acknowledge before processing — the provider's redelivery timeout is
	// far shorter than a completion call with retries.
	w.WriteHeader(http.StatusOK)

	go h.runner.Run(context.Background(), inbound)
}

// verifySignature checks the provider's HMAC-SHA256 signature over
// timestamp + token.
func (h *Handler) verifySignature(r *http.Request) bool {
	if h.signingKey == "" {
		return true
	}

	timestamp := r.FormValue("timestamp")
	token := r.FormValue("token")
	signature := r.FormValue("signature")
	if timestamp == "" || token == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// parseForm accepts both multipart and urlencoded deliveries.
func parseForm(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		return r.ParseMultipartForm(maxPayloadBytes)
	}
	return r.ParseForm()
}

// parseInbound maps the provider's form fields onto the strictly typed
// InboundMessage. Field-level validation happens inside the pipeline so the
// rejection is logged under the run's correlation id.
func parseInbound(r *http.Request) *models.InboundMessage {
	return &models.InboundMessage{
		SenderAddress:    strings.TrimSpace(r.FormValue("sender")),
		RecipientAddress: strings.TrimSpace(r.FormValue("recipient")),
		Subject:          r.FormValue("subject"),
		BodyText:         r.FormValue("body-plain"),
		MessageID:        strings.TrimSpace(r.FormValue("Message-Id")),
		InReplyTo:        strings.TrimSpace(r.FormValue("In-Reply-To")),
		ReferencesChain:  parseReferences(r.FormValue("References")),
		ReceivedAt:       time.Now().UTC(),
	}
}

// parseReferences splits a References header into individual message ids.
// Entries stay raw here; the thread composer normalizes and filters them.
func parseReferences(header string) []string {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// ServeHealth reports backing-store reachability.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for name, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			slog.Error("health check failed", "dependency", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "%s unavailable\n", name)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Serve starts the webhook HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before starting
// to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/inbound", handler.ServeInbound)
	mux.HandleFunc("/health", handler.ServeHealth)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
