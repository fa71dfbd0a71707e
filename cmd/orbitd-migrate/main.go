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

// Command orbitd-migrate applies, rolls back or reports the database
// schema outside the daemon, for operators who disable startup
// migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/orbitd/orbitd/internal/logging"
	"github.com/orbitd/orbitd/internal/migrate"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	flag.Parse()

	dsn := os.Getenv("ORBITD_DATABASE_URL")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "ORBITD_DATABASE_URL is required")
		os.Exit(1)
	}

	log, err := logging.New("migrate", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *command {
	case "up":
		err = migrate.Up(ctx, dsn)
	case "status":
		err = migrate.Status(ctx, dsn)
	case "down":
		err = migrate.Down(ctx, dsn)
	default:
		log.Error("unsupported command", zap.String("command", *command))
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", zap.String("command", *command), zap.Error(err))
		os.Exit(1)
	}

	log.Info("migration command completed", zap.String("command", *command))
}
