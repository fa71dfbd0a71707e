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

// Package vcs posts status notifications to the version control system.
// The orchestrator treats every failure here as non-fatal: a preview that
// deployed but could not be announced is still a deployed preview.
package vcs

import (
	"context"
	"fmt"
	"strings"
)

// PullRequestRef identifies a pull request.
type PullRequestRef struct {
	Owner  string
	Repo   string
	Number int
}

// ParseRepository splits an "owner/repo" full name into a ref.
func ParseRepository(fullName string, number int) (PullRequestRef, error) {
	owner, repo, found := strings.Cut(fullName, "/")
	if !found || owner == "" || repo == "" {
		return PullRequestRef{}, fmt.Errorf("malformed repository full name %q", fullName)
	}
	return PullRequestRef{Owner: owner, Repo: repo, Number: number}, nil
}

// Client is the narrow notification contract the orchestrator depends on.
type Client interface {
	// PostOrUpdateComment publishes body on the pull request. When the
	// orchestrator has commented before, the existing comment is edited
	// in place instead of stacking a new one per deployment.
	PostOrUpdateComment(ctx context.Context, ref PullRequestRef, body string) error
}
