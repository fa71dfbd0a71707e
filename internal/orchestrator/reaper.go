// Copyright 2025 The Orbitd Authors
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

package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orbitd/orbitd/internal/record"
)

// Reaper finishes work a crashed or restarted process left behind:
// records stuck in deleting get their teardown re-driven, and records
// stuck in deploying past the readiness timeout are marked failed so the
// dashboard does not show a phantom in-progress deploy. It runs
// periodically until its context is canceled; a failed pass is logged
// and retried on the next tick.
type Reaper struct {
	orchestrator *Orchestrator
	interval     time.Duration
	log          *zap.Logger
}

// NewReaper creates a reaper that sweeps at the given interval.
func NewReaper(o *Orchestrator, interval time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{
		orchestrator: o,
		interval:     interval,
		log:          log,
	}
}

// Start runs the sweep loop until ctx is canceled. Returns nil on
// graceful shutdown.
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.log.Error("reaper pass failed", zap.Error(err))
			}
		}
	}
}

// sweep finds records stuck in deleting or deploying and resolves them.
// Individual failures do not abort the pass.
func (r *Reaper) sweep(ctx context.Context) error {
	records, err := r.orchestrator.store.ListActive(ctx)
	if err != nil {
		return err
	}

	// A live deployment holds deploying for at most the readiness
	// timeout; anything older than that plus a sweep interval of slack
	// has no owner.
	cutoff := time.Now().Add(-(r.orchestrator.cfg.ReadinessTimeout + r.interval))

	for _, rec := range records {
		switch rec.Status {
		case record.StatusDeleting:
			r.log.Info("resuming interrupted teardown",
				zap.String("record_id", rec.ID),
				zap.String("namespace", rec.Namespace))
			if err := r.orchestrator.Delete(ctx, rec.ID); err != nil {
				r.log.Error("interrupted teardown still failing",
					zap.String("record_id", rec.ID),
					zap.Error(err))
			}
		case record.StatusDeploying:
			if rec.UpdatedAt.After(cutoff) {
				continue
			}
			r.orchestrator.expireStalled(ctx, rec.ID, cutoff)
		}
	}
	return nil
}
