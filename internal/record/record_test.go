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
	"testing"
	"time"
)

func TestStatusCanTransition(t *testing.T) {
	legal := []struct {
		from, to Status
	}{
		{StatusPending, StatusDeploying},
		{StatusPending, StatusDeleting},
		{StatusDeploying, StatusRunning},
		{StatusDeploying, StatusFailed},
		{StatusDeploying, StatusDeleting},
		{StatusRunning, StatusDeleting},
		{StatusFailed, StatusDeploying},
		{StatusFailed, StatusDeleting},
	}
	for _, tt := range legal {
		if !tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s should be legal", tt.from, tt.to)
		}
	}

	illegal := []struct {
		from, to Status
	}{
		{StatusPending, StatusRunning},
		{StatusPending, StatusFailed},
		{StatusRunning, StatusDeploying},
		{StatusRunning, StatusFailed},
		{StatusFailed, StatusRunning},
		{StatusDeploying, StatusPending},
		{StatusDeleting, StatusDeploying},
		{StatusDeleting, StatusRunning},
		{StatusDeleting, StatusPending},
		{StatusRunning, StatusRunning},
	}
	for _, tt := range illegal {
		if tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s should be illegal", tt.from, tt.to)
		}
	}
}

func TestStatusDeletingIsTerminal(t *testing.T) {
	for _, next := range []Status{StatusPending, StatusDeploying, StatusRunning, StatusFailed, StatusDeleting} {
		if StatusDeleting.CanTransition(next) {
			t.Errorf("deleting -> %s should be illegal, removal is the only exit", next)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusDeploying, StatusRunning, StatusFailed, StatusDeleting} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	for _, s := range []Status{"", "unknown", "PENDING"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestAgeDays(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := PreviewEnvironment{CreatedAt: created}

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"same instant", created, 0},
		{"under a day", created.Add(23 * time.Hour), 0},
		{"exactly one day", created.Add(24 * time.Hour), 1},
		{"ten and a half days", created.Add(252 * time.Hour), 10},
		{"clock skew before creation", created.Add(-time.Hour), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rec.AgeDays(tt.now); got != tt.want {
				t.Errorf("AgeDays() = %d, want %d", got, tt.want)
			}
		})
	}
}
