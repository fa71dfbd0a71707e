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

// Package migrate applies the record store schema with goose. Migrations
// are embedded so the daemon can run them at startup without shipping SQL
// files alongside the binary.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Up applies all pending migrations against the given DSN.
func Up(ctx context.Context, dsn string) error {
	return withDB(dsn, func(db *sql.DB) error {
		return goose.UpContext(ctx, db, "migrations")
	})
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, dsn string) error {
	return withDB(dsn, func(db *sql.DB) error {
		return goose.DownContext(ctx, db, "migrations")
	})
}

// Status prints the applied/pending state of every migration.
func Status(ctx context.Context, dsn string) error {
	return withDB(dsn, func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, "migrations")
	})
}

func withDB(dsn string, fn func(db *sql.DB) error) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := fn(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
