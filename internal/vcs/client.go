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

package vcs

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

// CommentMarker is the hidden marker embedded in every orchestrator
// comment; redeliveries find and edit the marked comment instead of
// posting a new one.
const CommentMarker = "<!-- orbitd:preview -->"

// RetryConfig defines the retry behavior for API calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// githubClient implements Client using go-github.
type githubClient struct {
	client      *github.Client
	retryConfig RetryConfig
}

// NewGitHubClient creates a GitHub-backed Client. An empty token produces
// an unauthenticated client, useful only against test servers.
func NewGitHubClient(token string) Client {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &githubClient{
		client: client,
		retryConfig: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
	}
}

// NewGitHubClientWithBaseURL points the client at an alternate API
// endpoint (GitHub Enterprise, or a test server).
func NewGitHubClientWithBaseURL(token, baseURL string) (Client, error) {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("configure base URL: %w", err)
	}
	return &githubClient{
		client: client,
		retryConfig: RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
	}, nil
}

// PostOrUpdateComment finds the marked orchestrator comment on the PR and
// edits it, or creates it when absent.
func (c *githubClient) PostOrUpdateComment(ctx context.Context, ref PullRequestRef, body string) error {
	body = CommentMarker + "\n" + body

	existingID, err := c.findMarkedComment(ctx, ref)
	if err != nil {
		return err
	}

	comment := &github.IssueComment{Body: github.String(body)}
	if existingID != 0 {
		err = c.executeWithRetry(ctx, func() error {
			_, _, err := c.client.Issues.EditComment(ctx, ref.Owner, ref.Repo, existingID, comment)
			return err
		})
		if err != nil {
			return fmt.Errorf("update pull request comment: %w", err)
		}
		return nil
	}

	err = c.executeWithRetry(ctx, func() error {
		_, _, err := c.client.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number, comment)
		return err
	})
	if err != nil {
		return fmt.Errorf("create pull request comment: %w", err)
	}
	return nil
}

// findMarkedComment returns the id of the orchestrator's comment on the
// PR, or zero when it has not commented yet.
func (c *githubClient) findMarkedComment(ctx context.Context, ref PullRequestRef) (int64, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for {
		var comments []*github.IssueComment
		var resp *github.Response

		err := c.executeWithRetry(ctx, func() error {
			var err error
			comments, resp, err = c.client.Issues.ListComments(ctx, ref.Owner, ref.Repo, ref.Number, opts)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("list pull request comments: %w", err)
		}

		for _, comment := range comments {
			if strings.Contains(comment.GetBody(), CommentMarker) {
				return comment.GetID(), nil
			}
		}

		if resp.NextPage == 0 {
			return 0, nil
		}
		opts.Page = resp.NextPage
	}
}

// executeWithRetry executes an operation with exponential backoff.
func (c *githubClient) executeWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
		if attempt == c.retryConfig.MaxRetries {
			break
		}

		backoff := c.calculateBackoff(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", c.retryConfig.MaxRetries, lastErr)
}

// isRetryableError reports whether an API error is worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if ghErr, ok := err.(*github.ErrorResponse); ok {
		switch ghErr.Response.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusForbidden:
			return ghErr.Message == "API rate limit exceeded"
		}
	}
	return false
}

// calculateBackoff returns the wait before the next attempt: exponential
// with +-20% jitter, capped at MaxBackoff.
func (c *githubClient) calculateBackoff(attempt int) time.Duration {
	multiplier := 1 << uint(attempt)
	base := float64(c.retryConfig.InitialBackoff) * float64(multiplier)

	jitter := (rand.Float64() * 0.4) - 0.2
	backoff := time.Duration(base * (1 + jitter))

	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}
	return backoff
}
