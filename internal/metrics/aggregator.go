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

// Package metrics joins stored preview environment records with live
// cluster resource usage for dashboard consumption.
package metrics

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/orbitd/orbitd/internal/cluster"
	"github.com/orbitd/orbitd/internal/record"
)

// Quota is the per-environment allowance usage is compared against.
type Quota struct {
	CPUMillicores int64
	MemoryMiB     int64
}

// EnvironmentMetrics is one row of the aggregated view. Usage is zero
// and MetricsAvailable false when the metrics pipeline has no sample for
// the namespace yet.
type EnvironmentMetrics struct {
	Record           record.PreviewEnvironment
	Usage            cluster.Usage
	MetricsAvailable bool
	ExceedsQuota     bool
	AgeDays          int
}

// Aggregator produces usage snapshots across all active environments.
type Aggregator struct {
	store   record.Store
	cluster cluster.Client
	quota   Quota
	log     *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewAggregator constructs an Aggregator.
func NewAggregator(store record.Store, clusterClient cluster.Client, quota Quota, log *zap.Logger) *Aggregator {
	return &Aggregator{
		store:   store,
		cluster: clusterClient,
		quota:   quota,
		log:     log,
		now:     time.Now,
	}
}

// Snapshot returns one row per active environment, newest first. A
// metrics pipeline outage degrades rows to usage-unavailable instead of
// failing the snapshot; only the record listing itself is fatal.
func (a *Aggregator) Snapshot(ctx context.Context) ([]EnvironmentMetrics, error) {
	records, err := a.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]EnvironmentMetrics, 0, len(records))
	for _, rec := range records {
		row := EnvironmentMetrics{
			Record:  rec,
			AgeDays: rec.AgeDays(a.now()),
		}

		usage, err := a.cluster.ResourceUsage(ctx, rec.Namespace)
		switch {
		case err == nil:
			row.Usage = usage
			row.MetricsAvailable = true
			row.ExceedsQuota = a.isExceedingQuota(usage)
		case errors.Is(err, cluster.ErrMetricsUnavailable):
			a.log.Debug("metrics unavailable for namespace",
				zap.String("namespace", rec.Namespace))
		default:
			a.log.Warn("resource usage lookup failed",
				zap.String("namespace", rec.Namespace),
				zap.Error(err))
		}

		rows = append(rows, row)
	}
	return rows, nil
}

// isExceedingQuota reports whether either dimension is over its
// allowance. A zero quota dimension means unlimited.
func (a *Aggregator) isExceedingQuota(u cluster.Usage) bool {
	if a.quota.CPUMillicores > 0 && u.CPUMillicores > a.quota.CPUMillicores {
		return true
	}
	if a.quota.MemoryMiB > 0 && u.MemoryMiB > a.quota.MemoryMiB {
		return true
	}
	return false
}
