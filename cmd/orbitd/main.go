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

// Command orbitd runs the preview environment daemon: the webhook
// receiver, the operator API and the teardown reaper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/orbitd/orbitd/internal/cluster"
	"github.com/orbitd/orbitd/internal/config"
	"github.com/orbitd/orbitd/internal/logging"
	"github.com/orbitd/orbitd/internal/metrics"
	"github.com/orbitd/orbitd/internal/migrate"
	"github.com/orbitd/orbitd/internal/orchestrator"
	"github.com/orbitd/orbitd/internal/record"
	"github.com/orbitd/orbitd/internal/vcs"
	"github.com/orbitd/orbitd/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New("orbitd", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("daemon exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		log.Info("database schema up to date")
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	store := record.NewPostgresStore(pool)

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("load kubeconfig: %w", err)
	}
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return fmt.Errorf("build scheme: %w", err)
	}
	kubeClient, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("build cluster client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build clientset: %w", err)
	}

	// Usage reporting degrades gracefully on clusters without a metrics
	// pipeline.
	var metricsIface metricsclient.Interface
	if mc, err := metricsclient.NewForConfig(restCfg); err != nil {
		log.Warn("metrics clientset unavailable, usage reporting disabled", zap.Error(err))
	} else {
		metricsIface = mc
	}

	clusterClient := cluster.NewKubeClient(kubeClient, clientset, metricsIface, cluster.Config{
		BaseDomain:         cfg.BaseDomain,
		IngressNamespace:   cfg.IngressNamespace,
		QuotaCPUMillicores: cfg.QuotaCPUMillicores,
		QuotaMemoryMiB:     cfg.QuotaMemoryMiB,
	})

	vcsClient := vcs.NewGitHubClient(cfg.GitHubToken)

	orch := orchestrator.New(store, clusterClient, vcsClient, orchestrator.Config{
		NamespacePrefix:  cfg.NamespacePrefix,
		ReadinessTimeout: cfg.ReadinessTimeout,
		PollInterval:     cfg.PollInterval,
		DeployMethod:     cfg.DeployMethod,
		ImageTemplate:    cfg.ImageTemplate,
		ChartPath:        cfg.ChartPath,
		ValuesPath:       cfg.ValuesPath,
		ManifestDir:      cfg.ManifestDir,
	}, log.Named("orchestrator"))

	aggregator := metrics.NewAggregator(store, clusterClient, metrics.Quota{
		CPUMillicores: cfg.QuotaCPUMillicores,
		MemoryMiB:     cfg.QuotaMemoryMiB,
	}, log.Named("metrics"))

	server := webhook.NewServer(cfg.ListenAddr, cfg.ListenPort, cfg.WebhookSecret,
		orch, orch, aggregator, log.Named("webhook"))
	reaper := orchestrator.NewReaper(orch, cfg.ReaperInterval, log.Named("reaper"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return reaper.Start(ctx) })

	log.Info("orbitd started",
		zap.String("base_domain", cfg.BaseDomain),
		zap.String("deploy_method", cfg.DeployMethod))
	return g.Wait()
}
