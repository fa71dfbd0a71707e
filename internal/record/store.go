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

package record

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict is returned by UpdateStatus when the stored status
	// no longer matches the caller's expectation. The losing caller should
	// re-read and decide whether its step still applies.
	ErrStatusConflict = errors.New("record status changed concurrently")
	// ErrIllegalTransition is returned when the requested status move is
	// not part of the state machine.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// FindOrCreateParams carries the webhook-derived fields for the upsert.
type FindOrCreateParams struct {
	ProjectID     string
	PullRequestID int
	Namespace     string
	Branch        string
	CommitSHA     string
}

// StatusFields are the record fields a status transition may touch.
// Nil pointers leave the stored value alone.
type StatusFields struct {
	PublicURL      *string
	LastError      *string
	ClearLastError bool
}

// Store is the durable record store. Implementations must make
// FindOrCreate atomic and UpdateStatus a single conditional write; the
// orchestrator relies on those two contracts for all of its idempotency.
type Store interface {
	// FindOrCreate returns the record for (ProjectID, PullRequestID),
	// creating it in StatusPending when absent. An existing record is
	// returned unmodified except that Branch and CommitSHA are refreshed
	// when they differ. The boolean reports whether a row was created.
	FindOrCreate(ctx context.Context, p FindOrCreateParams) (*PreviewEnvironment, bool, error)

	// Get returns the record with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*PreviewEnvironment, error)

	// Find returns the record for (projectID, pullRequestID), or ErrNotFound.
	Find(ctx context.Context, projectID string, pullRequestID int) (*PreviewEnvironment, error)

	// UpdateStatus moves the record from expect to next and applies
	// fields in the same write. It returns ErrStatusConflict when the
	// stored status is no longer expect, ErrIllegalTransition when the
	// move is outside the state machine, and ErrNotFound when the record
	// is gone.
	UpdateStatus(ctx context.Context, id string, expect, next Status, fields StatusFields) (*PreviewEnvironment, error)

	// ListActive returns every stored record, newest first.
	ListActive(ctx context.Context) ([]PreviewEnvironment, error)

	// Delete removes the record. Deleting an absent record is success.
	Delete(ctx context.Context, id string) error
}
