// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package janitor runs periodic cleanup of in-memory state.
//
// Guest sessions and rate-limit buckets are otherwise swept only when a
// request touches them.
package janitor

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is how often tasks run when no interval is given.
const DefaultInterval = 5 * time.Minute

// Task is one named cleanup step. Sweep returns how many entries it
// removed.
type Task struct {
	Name  string
	Sweep func() int
}

// Result reports one cycle.
type Result struct {
	StartTime time.Time
	EndTime   time.Time

	// Removed maps task name to entries removed.
	Removed map[string]int
}

// Total returns the number of entries removed across tasks.
func (r Result) Total() int {
	n := 0
	for _, v := range r.Removed {
		n += v
	}
	return n
}

// Janitor runs its tasks every interval until its context ends.
//
// # Thread Safety
//
// RunOnce is safe to call concurrently with Run. Tasks must be safe for
// concurrent use.
type Janitor struct {
	tasks    []Task
	interval time.Duration
	logger   *slog.Logger
}

// New returns a Janitor. A non-positive interval takes DefaultInterval;
// a nil logger uses slog.Default().
func New(interval time.Duration, logger *slog.Logger, tasks ...Task) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{tasks: tasks, interval: interval, logger: logger}
}

// Run blocks, running every task once per interval, until ctx is done.
// It always returns nil so it can sit in an errgroup beside the server.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("Janitor starting", "interval", j.interval.String(), "tasks", len(j.tasks))
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Janitor stopped")
			return nil
		case <-ticker.C:
			j.execute()
		}
	}
}

// RunOnce runs every task immediately.
func (j *Janitor) RunOnce() Result {
	result := Result{StartTime: time.Now(), Removed: make(map[string]int, len(j.tasks))}
	for _, task := range j.tasks {
		result.Removed[task.Name] = task.Sweep()
	}
	result.EndTime = time.Now()
	return result
}

func (j *Janitor) execute() {
	result := j.RunOnce()
	if result.Total() == 0 {
		j.logger.Debug("Janitor cycle completed (nothing expired)")
		return
	}
	args := []any{"duration_ms", result.EndTime.Sub(result.StartTime).Milliseconds()}
	for name, n := range result.Removed {
		args = append(args, name, n)
	}
	j.logger.Info("Janitor cycle completed", args...)
}
