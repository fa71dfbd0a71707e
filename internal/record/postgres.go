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
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

const recordColumns = `id, project_id, pull_request_id, namespace, branch, commit_sha, status, public_url, last_error, created_at, updated_at`

// FindOrCreate inserts the record or refreshes branch/commit on conflict.
// The upsert is a single statement so concurrent webhook redeliveries for
// the same PR cannot create two rows.
func (s *PostgresStore) FindOrCreate(ctx context.Context, p FindOrCreateParams) (*PreviewEnvironment, bool, error) {
	const query = `INSERT INTO preview_environments
		(id, project_id, pull_request_id, namespace, branch, commit_sha, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, pull_request_id) DO UPDATE SET
			branch = EXCLUDED.branch,
			commit_sha = EXCLUDED.commit_sha,
			updated_at = now()
		RETURNING ` + recordColumns + `, (xmax = 0) AS inserted`

	row := s.pool.QueryRow(ctx, query,
		uuid.NewString(), p.ProjectID, p.PullRequestID, p.Namespace, p.Branch, p.CommitSHA, StatusPending)

	var rec PreviewEnvironment
	var inserted bool
	if err := scanRecord(row, &rec, &inserted); err != nil {
		return nil, false, fmt.Errorf("upsert preview environment: %w", err)
	}
	return &rec, inserted, nil
}

// Get returns the record with the given id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*PreviewEnvironment, error) {
	const query = `SELECT ` + recordColumns + ` FROM preview_environments WHERE id = $1`
	return s.queryOne(ctx, query, id)
}

// Find returns the record for (projectID, pullRequestID).
func (s *PostgresStore) Find(ctx context.Context, projectID string, pullRequestID int) (*PreviewEnvironment, error) {
	const query = `SELECT ` + recordColumns + ` FROM preview_environments
		WHERE project_id = $1 AND pull_request_id = $2`
	return s.queryOne(ctx, query, projectID, pullRequestID)
}

// UpdateStatus performs the optimistic conditional transition. The WHERE
// clause on the expected status is what serializes racing writers: exactly
// one of two concurrent callers sees a row, the other gets
// ErrStatusConflict.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, expect, next Status, fields StatusFields) (*PreviewEnvironment, error) {
	if !expect.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expect, next)
	}

	const query = `UPDATE preview_environments SET
			status = $3,
			public_url = CASE WHEN $4::text IS NOT NULL THEN $4 ELSE public_url END,
			last_error = CASE WHEN $5::bool THEN NULL
				WHEN $6::text IS NOT NULL THEN $6
				ELSE last_error END,
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + recordColumns

	row := s.pool.QueryRow(ctx, query, id, expect, next,
		fields.PublicURL, fields.ClearLastError, fields.LastError)

	var rec PreviewEnvironment
	if err := scanRecord(row, &rec, nil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.classifyMiss(ctx, id)
		}
		return nil, fmt.Errorf("update status: %w", err)
	}
	return &rec, nil
}

// classifyMiss distinguishes a lost race from a deleted record.
func (s *PostgresStore) classifyMiss(ctx context.Context, id string) error {
	const query = `SELECT 1 FROM preview_environments WHERE id = $1`
	var one int
	if err := s.pool.QueryRow(ctx, query, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check record existence: %w", err)
	}
	return ErrStatusConflict
}

// ListActive returns all stored records, newest first.
func (s *PostgresStore) ListActive(ctx context.Context) ([]PreviewEnvironment, error) {
	const query = `SELECT ` + recordColumns + ` FROM preview_environments ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list preview environments: %w", err)
	}
	defer rows.Close()

	var records []PreviewEnvironment
	for rows.Next() {
		var rec PreviewEnvironment
		if err := scanRecord(rows, &rec, nil); err != nil {
			return nil, fmt.Errorf("scan preview environment: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes the record. Absence is success.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM preview_environments WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete preview environment: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*PreviewEnvironment, error) {
	row := s.pool.QueryRow(ctx, query, args...)
	var rec PreviewEnvironment
	if err := scanRecord(row, &rec, nil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query preview environment: %w", err)
	}
	return &rec, nil
}

// scanRecord scans one row into rec; inserted is optional and, when
// non-nil, receives the trailing inserted column.
func scanRecord(row pgx.Row, rec *PreviewEnvironment, inserted *bool) error {
	var publicURL, lastError sql.NullString
	dest := []any{
		&rec.ID, &rec.ProjectID, &rec.PullRequestID, &rec.Namespace,
		&rec.Branch, &rec.CommitSHA, &rec.Status,
		&publicURL, &lastError, &rec.CreatedAt, &rec.UpdatedAt,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	rec.PublicURL = publicURL.String
	rec.LastError = lastError.String
	return nil
}
