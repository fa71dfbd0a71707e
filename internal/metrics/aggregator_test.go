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

package metrics

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitd/orbitd/internal/cluster"
	"github.com/orbitd/orbitd/internal/record"
)

// stubStore serves a fixed record list.
type stubStore struct {
	record.Store
	records []record.PreviewEnvironment
}

func (s *stubStore) ListActive(context.Context) ([]record.PreviewEnvironment, error) {
	return s.records, nil
}

// stubCluster serves per-namespace usage.
type stubCluster struct {
	cluster.Client
	usage map[string]cluster.Usage
	errs  map[string]error
}

func (s *stubCluster) ResourceUsage(_ context.Context, namespace string) (cluster.Usage, error) {
	if err, ok := s.errs[namespace]; ok {
		return cluster.Usage{}, err
	}
	return s.usage[namespace], nil
}

func TestSnapshotJoinsUsage(t *testing.T) {
	now := time.Now()
	store := &stubStore{records: []record.PreviewEnvironment{
		{ID: "a", Namespace: "pr-webapp-1", Status: record.StatusRunning, CreatedAt: now.Add(-49 * time.Hour)},
		{ID: "b", Namespace: "pr-webapp-2", Status: record.StatusRunning, CreatedAt: now},
		{ID: "c", Namespace: "pr-webapp-3", Status: record.StatusFailed, CreatedAt: now},
	}}
	clusterClient := &stubCluster{
		usage: map[string]cluster.Usage{
			"pr-webapp-1": {CPUMillicores: 600, MemoryMiB: 400},
			"pr-webapp-2": {CPUMillicores: 100, MemoryMiB: 128},
		},
		errs: map[string]error{
			"pr-webapp-3": cluster.ErrMetricsUnavailable,
		},
	}

	agg := NewAggregator(store, clusterClient, Quota{CPUMillicores: 500, MemoryMiB: 512}, zap.NewNop())
	agg.now = func() time.Time { return now }

	rows, err := agg.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}

	byID := make(map[string]EnvironmentMetrics)
	for _, row := range rows {
		byID[row.Record.ID] = row
	}

	a := byID["a"]
	if !a.MetricsAvailable {
		t.Error("row a should have metrics")
	}
	if !a.ExceedsQuota {
		t.Error("row a at 600m CPU should exceed the 500m quota")
	}
	if a.AgeDays != 2 {
		t.Errorf("row a age = %d days, want 2", a.AgeDays)
	}

	b := byID["b"]
	if b.ExceedsQuota {
		t.Error("row b within quota should not be flagged")
	}

	c := byID["c"]
	if c.MetricsAvailable {
		t.Error("row c has no metrics sample, MetricsAvailable should be false")
	}
	if c.ExceedsQuota {
		t.Error("row c without metrics must not be flagged")
	}
	if c.Usage != (cluster.Usage{}) {
		t.Errorf("row c usage = %+v, want zero", c.Usage)
	}
}

func TestIsExceedingQuota(t *testing.T) {
	agg := NewAggregator(nil, nil, Quota{CPUMillicores: 500, MemoryMiB: 512}, zap.NewNop())

	tests := []struct {
		name  string
		usage cluster.Usage
		want  bool
	}{
		{"under both", cluster.Usage{CPUMillicores: 400, MemoryMiB: 400}, false},
		{"at the limit", cluster.Usage{CPUMillicores: 500, MemoryMiB: 512}, false},
		{"cpu over", cluster.Usage{CPUMillicores: 600, MemoryMiB: 400}, true},
		{"memory over", cluster.Usage{CPUMillicores: 100, MemoryMiB: 1024}, true},
		{"both over", cluster.Usage{CPUMillicores: 600, MemoryMiB: 1024}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := agg.isExceedingQuota(tt.usage); got != tt.want {
				t.Errorf("isExceedingQuota(%+v) = %v, want %v", tt.usage, got, tt.want)
			}
		})
	}
}

func TestIsExceedingQuotaUnlimitedDimension(t *testing.T) {
	agg := NewAggregator(nil, nil, Quota{CPUMillicores: 0, MemoryMiB: 512}, zap.NewNop())

	if agg.isExceedingQuota(cluster.Usage{CPUMillicores: 10000, MemoryMiB: 100}) {
		t.Error("zero CPU quota means unlimited")
	}
	if !agg.isExceedingQuota(cluster.Usage{CPUMillicores: 10000, MemoryMiB: 600}) {
		t.Error("memory dimension still enforced")
	}
}
