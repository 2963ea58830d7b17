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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const fullYAML = `
database:
  url: postgres://localhost/mailmind
redis:
  url: redis://localhost:6379/1
server:
  port: 9090
  signing_key: ${TEST_SIGNING_KEY}
inbound:
  dedup_window: 15m
completion:
  api_key: sk-test
  model: claude-sonnet-4-5
  max_tokens: 512
  input_token_rate: 0.000003
  output_token_rate: 0.000015
  timeout: 30s
delivery:
  base_url: https://api.mailgun.net
  domain: mg.mailmind.example
  api_key: key-test
  from_address: assistant@mailmind.example
retry:
  max_attempts: 4
  base_delay: 500ms
  multiplier: 3
limits:
  estimated_cost: 0.10
  total_budget: 2m
`

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
}

func TestLoad_FullConfig(t *testing.T) {
	writeConfig(t, fullYAML)
	t.Setenv("TEST_SIGNING_KEY", "expanded-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.SigningKey != "expanded-key" {
		t.Errorf("SigningKey = %q, want env-expanded value", cfg.SigningKey)
	}
	if cfg.DedupWindow != 15*time.Minute {
		t.Errorf("DedupWindow = %v, want 15m", cfg.DedupWindow)
	}
	if cfg.Completion.Model != "claude-sonnet-4-5" {
		t.Errorf("Model = %q", cfg.Completion.Model)
	}
	if cfg.Completion.Timeout != 30*time.Second {
		t.Errorf("Completion.Timeout = %v, want 30s", cfg.Completion.Timeout)
	}
	if cfg.Retry.MaxAttempts != 4 || cfg.Retry.BaseDelay != 500*time.Millisecond || cfg.Retry.Multiplier != 3 {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.Limits.EstimatedCost != 0.10 {
		t.Errorf("EstimatedCost = %v", cfg.Limits.EstimatedCost)
	}
	if cfg.Limits.TotalBudget != 2*time.Minute {
		t.Errorf("TotalBudget = %v", cfg.Limits.TotalBudget)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	writeConfig(t, `
database:
  url: postgres://localhost/mailmind
completion:
  api_key: sk-test
  model: claude-sonnet-4-5
delivery:
  base_url: https://api.mailgun.net
  domain: mg.mailmind.example
  api_key: key-test
  from_address: assistant@mailmind.example
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Port)
	}
	if cfg.DedupWindow != 10*time.Minute {
		t.Errorf("DedupWindow = %v, want default 10m", cfg.DedupWindow)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.Multiplier != 2 {
		t.Errorf("Retry defaults = %+v", cfg.Retry)
	}
	if cfg.Limits.EstimatedCost != 0.05 {
		t.Errorf("EstimatedCost = %v, want default 0.05", cfg.Limits.EstimatedCost)
	}
	if cfg.Completion.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want default 1024", cfg.Completion.MaxTokens)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no database", `
completion:
  api_key: sk-test
  model: m
delivery:
  base_url: https://api.mailgun.net
  domain: d
  api_key: k
  from_address: a@b.c
`},
		{"no completion key", `
database:
  url: postgres://localhost/x
completion:
  model: m
delivery:
  base_url: https://api.mailgun.net
  domain: d
  api_key: k
  from_address: a@b.c
`},
		{"no delivery auth", `
database:
  url: postgres://localhost/x
completion:
  api_key: sk-test
  model: m
delivery:
  base_url: https://api.mailgun.net
  domain: d
  from_address: a@b.c
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.yaml)
			if _, err := Load(); err == nil {
				t.Error("expected a validation error, got none")
			}
		})
	}
}

func TestLoad_OAuthSatisfiesDeliveryAuth(t *testing.T) {
	writeConfig(t, `
database:
  url: postgres://localhost/mailmind
completion:
  api_key: sk-test
  model: m
delivery:
  base_url: https://graph.example.com
  domain: mailmind.example
  from_address: assistant@mailmind.example
  oauth:
    token_url: https://login.example.com/token
    client_id: cid
    client_secret: secret
    scopes: ["send.mail"]
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Delivery.OAuth.Enabled() {
		t.Error("OAuth.Enabled() = false, want true")
	}
}
