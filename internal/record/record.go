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

// Package record defines the preview environment record, its status machine
// and the durable store it lives in. The record is the source of intent for
// the orchestrator: the cluster is reconciled toward it, never the other
// way around.
package record

import (
	"time"
)

// Status is the lifecycle state of a preview environment. The wire values
// are stable; renaming one requires a schema migration.
type Status string

const (
	// StatusPending is the initial state at record creation.
	StatusPending Status = "pending"
	// StatusDeploying means cluster resources are being applied and
	// readiness is being polled.
	StatusDeploying Status = "deploying"
	// StatusRunning means the workload reported ready and the public URL
	// is set.
	StatusRunning Status = "running"
	// StatusFailed means the last deployment attempt did not become
	// ready; LastError carries the cause.
	StatusFailed Status = "failed"
	// StatusDeleting means teardown has begun; the record is removed once
	// the namespace delete succeeds.
	StatusDeleting Status = "deleting"
)

// transitions enumerates every legal status move. Deletion is reachable
// from every non-deleting state; nothing leaves deleting except removal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusDeploying, StatusDeleting},
	StatusDeploying: {StatusRunning, StatusFailed, StatusDeleting},
	StatusRunning:   {StatusDeleting},
	StatusFailed:    {StatusDeploying, StatusDeleting},
	StatusDeleting:  {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PreviewEnvironment is one preview deployment, keyed by (ProjectID,
// PullRequestID). Namespace is derived once at creation and never changes;
// it is the idempotency anchor for webhook redeliveries.
type PreviewEnvironment struct {
	ID            string
	ProjectID     string
	PullRequestID int
	Namespace     string
	Branch        string
	CommitSHA     string
	Status        Status
	PublicURL     string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AgeDays returns the whole days elapsed since the record was created.
func (p *PreviewEnvironment) AgeDays(now time.Time) int {
	if now.Before(p.CreatedAt) {
		return 0
	}
	return int(now.Sub(p.CreatedAt).Hours() / 24)
}
