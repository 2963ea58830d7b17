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

// Package dedup deduplicates inbound messages using a Redis SET with TTL,
// keyed by the transport message id. The inbound provider redelivers webhooks
// it considers unacknowledged; the window must outlast its redelivery retry
// period so a redelivered message is never processed twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultWindow comfortably covers the provider's redelivery retries.
	DefaultWindow = 10 * time.Minute

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "mailmind:seen:"
)

// Guard tracks which message ids have already been admitted. Insertion is
// atomic (SETNX), so two concurrent deliveries of the same message id race
// and exactly one wins.
type Guard struct {
	rdb    *redis.Client
	window time.Duration
}

// NewGuard creates an idempotency guard backed by Redis. A zero window falls
// back to DefaultWindow.
func NewGuard(rdb *redis.Client, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{rdb: rdb, window: window}
}

// Admit returns true if the message id has NOT been seen within the window.
// If true, the id is marked as seen atomically. On a Redis error the caller
// decides the failure policy; the orchestrator fails open to Accepted with a
// logged warning, trading a rare duplicate for never silently dropping mail.
func (g *Guard) Admit(ctx context.Context, messageID string) (bool, error) {
	key := keyPrefix + messageID

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := g.rdb.SetNX(ctx, key, 1, g.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}

// Ping checks the Redis connection for the health endpoint.
func (g *Guard) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return g.rdb.Ping(ctx).Err()
}
