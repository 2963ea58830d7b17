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

// Package perf records per-stage durations for one pipeline run and warns
// when a stage or the whole run breaches its soft budget. The budgets are
// soft: a breach is logged, never cancelled.
package perf

import (
	"log/slog"
	"time"
)

// Thresholds configures the warn budgets. Zero values disable the check.
type Thresholds struct {
	Stage map[string]time.Duration
	Total time.Duration
}

// Tracker accumulates stage timings for a single pipeline run. It is not
// safe for concurrent use; each run owns its own tracker.
type Tracker struct {
	logger     *slog.Logger
	thresholds Thresholds
	started    time.Time
	stages     []stageTiming
}

type stageTiming struct {
	name     string
	duration time.Duration
}

// NewTracker starts tracking a run.
func NewTracker(logger *slog.Logger, thresholds Thresholds) *Tracker {
	return &Tracker{
		logger:     logger,
		thresholds: thresholds,
		started:    time.Now(),
	}
}

// Stage returns a func that records the elapsed time for the named stage when
// called. Typical use: defer t.Stage("completion")().
func (t *Tracker) Stage(name string) func() {
	start := time.Now()
	return func() {
		t.record(name, time.Since(start))
	}
}

func (t *Tracker) record(name string, d time.Duration) {
	t.stages = append(t.stages, stageTiming{name: name, duration: d})

	if limit, ok := t.thresholds.Stage[name]; ok && limit > 0 && d > limit {
		t.logger.Warn("stage exceeded duration threshold",
			"stage", name,
			"duration_ms", d.Milliseconds(),
			"threshold_ms", limit.Milliseconds(),
		)
	}
}

// StageDuration returns the recorded duration for a stage, or zero if the
// stage never ran.
func (t *Tracker) StageDuration(name string) time.Duration {
	for _, s := range t.stages {
		if s.name == name {
			return s.duration
		}
	}
	return 0
}

// Finish logs the run summary and warns if the total soft budget was
// exceeded.
func (t *Tracker) Finish(outcome string) {
	total := time.Since(t.started)

	attrs := []any{
		"outcome", outcome,
		"total_ms", total.Milliseconds(),
	}
	for _, s := range t.stages {
		attrs = append(attrs, s.name+"_ms", s.duration.Milliseconds())
	}
	t.logger.Info("pipeline run finished", attrs...)

	if t.thresholds.Total > 0 && total > t.thresholds.Total {
		t.logger.Warn("pipeline run exceeded total duration budget",
			"total_ms", total.Milliseconds(),
			"budget_ms", t.thresholds.Total.Milliseconds(),
		)
	}
}
