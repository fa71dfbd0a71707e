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
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitd/orbitd/internal/record"
)

// seedRecord inserts a record in the given status with a backdated
// updated_at, as a crashed process would leave it.
func seedRecord(t *testing.T, store *memStore, status record.Status, age time.Duration) *record.PreviewEnvironment {
	t.Helper()

	rec, _, err := store.FindOrCreate(context.Background(), record.FindOrCreateParams{
		ProjectID: "acme/webapp", PullRequestID: 42, Namespace: "pr-acme-webapp-42-99163",
	})
	if err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	store.records[rec.ID].Status = status
	store.records[rec.ID].UpdatedAt = time.Now().Add(-age)
	store.mu.Unlock()
	return rec
}

func TestReaperSweepResumesTeardown(t *testing.T) {
	store := newMemStore()
	fc := &fakeCluster{}
	o := newTestOrchestrator(store, fc, &fakeVCS{})
	rec := seedRecord(t, store, record.StatusDeleting, time.Hour)

	r := NewReaper(o, time.Minute, zap.NewNop())
	if err := r.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	if fc.deleteCalls != 1 {
		t.Errorf("namespace deletes = %d, want 1", fc.deleteCalls)
	}
	if _, err := store.Get(context.Background(), rec.ID); !errors.Is(err, record.ErrNotFound) {
		t.Errorf("record still present after sweep, err = %v", err)
	}
}

func TestReaperSweepFailsAbandonedDeploy(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &fakeCluster{}, &fakeVCS{})
	rec := seedRecord(t, store, record.StatusDeploying, time.Hour)

	r := NewReaper(o, time.Minute, zap.NewNop())
	if err := r.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	got, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != record.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "interrupted") {
		t.Errorf("lastError = %q, want interruption message", got.LastError)
	}
}

func TestReaperSweepLeavesLiveDeployAlone(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, &fakeCluster{}, &fakeVCS{})
	rec := seedRecord(t, store, record.StatusDeploying, 0)

	r := NewReaper(o, time.Minute, zap.NewNop())
	if err := r.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	got, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != record.StatusDeploying {
		t.Errorf("status = %s, a fresh deploying record must not be expired", got.Status)
	}
}
