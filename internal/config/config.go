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

// Package config loads the orchestrator configuration from the environment.
// Every tunable the state machine depends on (readiness timeout, poll
// interval, quota ceilings, namespace prefix) lives here so that nothing
// reads ambient environment variables at runtime.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full daemon configuration.
type Config struct {
	// HTTP webhook listener.
	ListenAddr string `env:"ORBITD_LISTEN_ADDR" envDefault:"0.0.0.0"`
	ListenPort int    `env:"ORBITD_LISTEN_PORT" envDefault:"8080"`

	// Postgres connection string for the deployment record store.
	DatabaseURL string `env:"ORBITD_DATABASE_URL,required"`
	// RunMigrations applies pending schema migrations at startup.
	RunMigrations bool `env:"ORBITD_RUN_MIGRATIONS" envDefault:"true"`

	// GitHub credentials. Token may be empty for unauthenticated (test) use.
	GitHubToken   string `env:"ORBITD_GITHUB_TOKEN"`
	WebhookSecret string `env:"ORBITD_WEBHOOK_SECRET,required"`

	LogLevel string `env:"ORBITD_LOG_LEVEL" envDefault:"info"`

	// BaseDomain is the wildcard DNS zone preview hostnames are minted
	// under: {namespace}.{BaseDomain}.
	BaseDomain string `env:"ORBITD_BASE_DOMAIN" envDefault:"preview.localhost"`
	// IngressNamespace is where the ingress controller runs; network
	// policies admit traffic from it.
	IngressNamespace string `env:"ORBITD_INGRESS_NAMESPACE" envDefault:"ingress-nginx"`

	// NamespacePrefix is the leading component of every preview namespace.
	// It must start with a letter so derived names stay DNS-1123 safe.
	NamespacePrefix string `env:"ORBITD_NAMESPACE_PREFIX" envDefault:"pr"`

	// Readiness polling bounds for the deploying state.
	ReadinessTimeout time.Duration `env:"ORBITD_READINESS_TIMEOUT" envDefault:"5m"`
	PollInterval     time.Duration `env:"ORBITD_POLL_INTERVAL" envDefault:"3s"`

	// Per-environment resource ceilings, also enforced as a ResourceQuota
	// in every preview namespace.
	QuotaCPUMillicores int64 `env:"ORBITD_QUOTA_CPU_MILLI" envDefault:"500"`
	QuotaMemoryMiB     int64 `env:"ORBITD_QUOTA_MEMORY_MIB" envDefault:"512"`

	// ReaperInterval controls how often the background pass finishes
	// teardowns that were interrupted mid-flight.
	ReaperInterval time.Duration `env:"ORBITD_REAPER_INTERVAL" envDefault:"5m"`

	// DeployMethod selects how preview workloads are sourced:
	// docker | helm | manifests.
	DeployMethod string `env:"ORBITD_DEPLOY_METHOD" envDefault:"docker"`
	// ImageTemplate renders the workload image from (project, commit sha).
	ImageTemplate string `env:"ORBITD_IMAGE_TEMPLATE" envDefault:"ghcr.io/%s:%s"`
	// Chart/values/manifest locations inside the repository, used by the
	// helm and manifests methods.
	ChartPath   string `env:"ORBITD_CHART_PATH" envDefault:"deploy/chart"`
	ValuesPath  string `env:"ORBITD_VALUES_PATH" envDefault:"deploy/values.yaml"`
	ManifestDir string `env:"ORBITD_MANIFEST_DIR" envDefault:"deploy/manifests"`
}

// Load parses the configuration from process environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.ReadinessTimeout < c.PollInterval {
		return fmt.Errorf("readiness timeout %s is shorter than poll interval %s", c.ReadinessTimeout, c.PollInterval)
	}
	if c.QuotaCPUMillicores <= 0 || c.QuotaMemoryMiB <= 0 {
		return fmt.Errorf("quota ceilings must be positive (cpu=%dm, memory=%dMi)", c.QuotaCPUMillicores, c.QuotaMemoryMiB)
	}
	if c.NamespacePrefix == "" {
		return fmt.Errorf("namespace prefix must not be empty")
	}
	switch c.DeployMethod {
	case "docker", "helm", "manifests":
	default:
		return fmt.Errorf("unknown deploy method %q", c.DeployMethod)
	}
	return nil
}
