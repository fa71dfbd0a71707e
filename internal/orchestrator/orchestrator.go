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

// Package orchestrator drives the preview environment state machine:
// pending -> deploying -> running | failed, failed -> deploying on retry,
// and any state -> deleting on close. Transitions for one pull request are
// serialized on its (project, PR) key; different pull requests progress
// concurrently. The record store's conditional update is the arbiter of
// every transition, so a replica or a redelivered webhook that loses a
// race observes a status conflict and no-ops instead of double-applying.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/orbitd/orbitd/internal/cluster"
	"github.com/orbitd/orbitd/internal/namespace"
	"github.com/orbitd/orbitd/internal/record"
	"github.com/orbitd/orbitd/internal/vcs"
)

// ErrEnvironmentDeleting is returned by Retry when the target record is
// in teardown.
var ErrEnvironmentDeleting = errors.New("preview environment is being deleted")

// errDeployFailed aborts the readiness poll when the workload reports an
// unrecoverable condition.
var errDeployFailed = errors.New("deployment failed")

// Config is the explicit tunable set passed in at construction. Nothing
// in the orchestrator reads ambient state.
type Config struct {
	NamespacePrefix  string
	ReadinessTimeout time.Duration
	PollInterval     time.Duration

	DeployMethod  string
	ImageTemplate string
	ChartPath     string
	ValuesPath    string
	ManifestDir   string
}

// Orchestrator is the preview environment state machine.
type Orchestrator struct {
	store   record.Store
	cluster cluster.Client
	vcs     vcs.Client
	cfg     Config
	log     *zap.Logger

	keys    *keyMutex
	retries singleflight.Group
}

// New constructs an Orchestrator.
func New(store record.Store, clusterClient cluster.Client, vcsClient vcs.Client, cfg Config, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		cluster: clusterClient,
		vcs:     vcsClient,
		cfg:     cfg,
		log:     log,
		keys:    newKeyMutex(),
	}
}

// HandleEvent applies one webhook delivery. It is safe to call
// concurrently; deliveries for the same pull request are serialized.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	unlock := o.keys.Lock(ev.Key())
	defer unlock()

	if ev.Action == ActionClosed {
		return o.teardownByEvent(ctx, ev)
	}
	return o.deployFromEvent(ctx, ev)
}

// deployFromEvent upserts the record for the pull request and drives it
// toward running.
func (o *Orchestrator) deployFromEvent(ctx context.Context, ev Event) error {
	ns := namespace.Allocate(o.cfg.NamespacePrefix, ev.Repository, ev.Number)

	rec, created, err := o.store.FindOrCreate(ctx, record.FindOrCreateParams{
		ProjectID:     ev.Repository,
		PullRequestID: ev.Number,
		Namespace:     ns,
		Branch:        ev.HeadRef,
		CommitSHA:     ev.HeadSHA,
	})
	if err != nil {
		return fmt.Errorf("upsert record for %s: %w", ev.Key(), err)
	}

	log := o.recordLogger(rec)
	log.Info("handling deployment event",
		zap.String("action", string(ev.Action)),
		zap.Bool("created", created))

	switch rec.Status {
	case record.StatusDeleting:
		// A close already won; a late synchronize must not resurrect
		// the environment.
		log.Info("ignoring event for environment in teardown")
		return nil
	case record.StatusRunning:
		return o.refreshRunning(ctx, rec)
	default:
		return o.deploy(ctx, rec)
	}
}

// deploy moves the record into deploying and runs the apply sequence.
// The record must be pending, failed or (after a crash) deploying.
func (o *Orchestrator) deploy(ctx context.Context, rec *record.PreviewEnvironment) error {
	if rec.Status != record.StatusDeploying {
		updated, err := o.store.UpdateStatus(ctx, rec.ID, rec.Status, record.StatusDeploying, record.StatusFields{
			ClearLastError: true,
		})
		if err != nil {
			if errors.Is(err, record.ErrStatusConflict) || errors.Is(err, record.ErrNotFound) {
				o.recordLogger(rec).Info("lost transition race, skipping deployment", zap.Error(err))
				return nil
			}
			return fmt.Errorf("transition to deploying: %w", err)
		}
		rec = updated
	}
	return o.runDeployment(ctx, rec)
}

// runDeployment executes the apply sequence and readiness poll for a
// record already in deploying. Cluster and store errors never escape the
// transition: they are logged and recorded as a failed status with a
// human-readable cause.
func (o *Orchestrator) runDeployment(ctx context.Context, rec *record.PreviewEnvironment) error {
	log := o.recordLogger(rec)

	if err := o.applyResources(ctx, rec); err != nil {
		o.failDeployment(ctx, rec, "cluster resources could not be applied", err)
		return nil
	}

	reason, err := o.awaitReadiness(ctx, rec.Namespace)
	if err != nil {
		o.failDeployment(ctx, rec, "readiness polling was interrupted", err)
		return nil
	}
	if reason != "" {
		o.failDeployment(ctx, rec, reason, nil)
		return nil
	}

	url := o.cluster.PublicURL(rec.Namespace)
	updated, err := o.store.UpdateStatus(ctx, rec.ID, record.StatusDeploying, record.StatusRunning, record.StatusFields{
		PublicURL: &url,
	})
	if err != nil {
		if errors.Is(err, record.ErrStatusConflict) || errors.Is(err, record.ErrNotFound) {
			// Deleted or superseded while we were polling.
			log.Info("environment moved on before running transition", zap.Error(err))
			return nil
		}
		return fmt.Errorf("transition to running: %w", err)
	}

	log.Info("preview environment running", zap.String("url", url))
	o.notify(ctx, updated)
	return nil
}

// refreshRunning re-applies the workload for a new commit on an already
// running environment. The rollout replaces pods in place; the public URL
// does not change, so the status stays running and a rollout that cannot
// become ready leaves the previous replicas serving.
func (o *Orchestrator) refreshRunning(ctx context.Context, rec *record.PreviewEnvironment) error {
	log := o.recordLogger(rec)

	if err := o.applyResources(ctx, rec); err != nil {
		log.Error("failed to apply updated workload, previous revision keeps serving", zap.Error(err))
		return nil
	}

	reason, err := o.awaitReadiness(ctx, rec.Namespace)
	if err != nil {
		log.Error("readiness polling interrupted during rollout", zap.Error(err))
		return nil
	}
	if reason != "" {
		log.Error("rollout did not become ready, previous revision keeps serving",
			zap.String("reason", reason))
		return nil
	}

	log.Info("rolled preview environment to new commit", zap.String("commit", rec.CommitSHA))
	o.notify(ctx, rec)
	return nil
}

// applyResources applies namespace, quota, network policy and workload,
// in that order. Each step retries transient cluster errors with backoff
// before giving up.
func (o *Orchestrator) applyResources(ctx context.Context, rec *record.PreviewEnvironment) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"namespace", func(ctx context.Context) error { return o.cluster.ApplyNamespace(ctx, rec) }},
		{"resource quota", func(ctx context.Context) error { return o.cluster.ApplyResourceQuota(ctx, rec) }},
		{"network policy", func(ctx context.Context) error { return o.cluster.ApplyNetworkPolicy(ctx, rec) }},
		{"workload", func(ctx context.Context) error {
			return o.cluster.ApplyWorkload(ctx, rec, o.deploymentMethod(rec))
		}},
	}

	for _, step := range steps {
		err := retry.OnError(transientBackoff(), isTransientClusterError, func() error {
			return step.fn(ctx)
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", step.name, err)
		}
	}
	return nil
}

// awaitReadiness polls the workload until it is ready, unrecoverable, or
// the timeout elapses. The returned reason is non-empty when the attempt
// failed; the error is non-nil only for interruptions (cancellation).
func (o *Orchestrator) awaitReadiness(ctx context.Context, ns string) (string, error) {
	var failure string

	err := wait.PollUntilContextTimeout(ctx, o.cfg.PollInterval, o.cfg.ReadinessTimeout, true,
		func(ctx context.Context) (bool, error) {
			readiness, err := o.cluster.WorkloadReadiness(ctx, ns)
			if err != nil {
				// Treat observation errors as lag; the timeout is the
				// backstop.
				o.log.Warn("readiness check failed", zap.String("namespace", ns), zap.Error(err))
				return false, nil
			}
			if readiness.FailureReason != "" {
				failure = readiness.FailureReason
				return false, errDeployFailed
			}
			return readiness.Ready, nil
		})

	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, errDeployFailed):
		return failure, nil
	case wait.Interrupted(err) && ctx.Err() == nil:
		return fmt.Sprintf("workload did not become ready within %s", o.cfg.ReadinessTimeout), nil
	default:
		return "", err
	}
}

// failDeployment records the failed attempt. Raw error detail goes to the
// log; the stored cause is the human-readable message the dashboard shows.
func (o *Orchestrator) failDeployment(ctx context.Context, rec *record.PreviewEnvironment, message string, cause error) {
	log := o.recordLogger(rec)
	log.Error("deployment attempt failed", zap.String("cause", message), zap.Error(cause))

	if _, err := o.store.UpdateStatus(ctx, rec.ID, record.StatusDeploying, record.StatusFailed, record.StatusFields{
		LastError: &message,
	}); err != nil {
		if errors.Is(err, record.ErrStatusConflict) || errors.Is(err, record.ErrNotFound) {
			log.Info("record moved on before failed transition", zap.Error(err))
			return
		}
		log.Error("could not record failed status", zap.Error(err))
	}
}

// expireStalled fails a deploying record that nothing is driving anymore,
// such as one abandoned by a crashed process. Staleness is re-checked
// against cutoff under the key lock, so a deployment in flight on this
// process is never clobbered; a flight on another process keeps the
// record's updated_at fresh and is skipped the same way.
func (o *Orchestrator) expireStalled(ctx context.Context, recordID string, cutoff time.Time) {
	rec, err := o.store.Get(ctx, recordID)
	if err != nil {
		return
	}

	unlock := o.keys.Lock(keyFor(rec))
	defer unlock()

	rec, err = o.store.Get(ctx, recordID)
	if err != nil {
		return
	}
	if rec.Status != record.StatusDeploying || rec.UpdatedAt.After(cutoff) {
		return
	}

	o.recordLogger(rec).Warn("deployment abandoned mid-flight, marking failed")
	o.failDeployment(ctx, rec, "deployment was interrupted; retry to redeploy", nil)
}

// teardownByEvent handles a closed pull request. A missing record means a
// duplicate delivery and is success.
func (o *Orchestrator) teardownByEvent(ctx context.Context, ev Event) error {
	rec, err := o.store.Find(ctx, ev.Repository, ev.Number)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			o.log.Info("close event for unknown environment, nothing to do",
				zap.String("key", ev.Key()))
			return nil
		}
		return fmt.Errorf("find record for %s: %w", ev.Key(), err)
	}
	return o.teardown(ctx, rec)
}

// teardown drives the record through deleting and removes it once the
// namespace is gone. Every step tolerates the work already being done.
func (o *Orchestrator) teardown(ctx context.Context, rec *record.PreviewEnvironment) error {
	log := o.recordLogger(rec)

	for rec.Status != record.StatusDeleting {
		updated, err := o.store.UpdateStatus(ctx, rec.ID, rec.Status, record.StatusDeleting, record.StatusFields{})
		if err == nil {
			rec = updated
			break
		}
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		if errors.Is(err, record.ErrStatusConflict) {
			rec, err = o.store.Get(ctx, rec.ID)
			if err != nil {
				if errors.Is(err, record.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("re-read record during teardown: %w", err)
			}
			continue
		}
		return fmt.Errorf("transition to deleting: %w", err)
	}

	err := retry.OnError(transientBackoff(), isTransientClusterError, func() error {
		return o.cluster.DeleteNamespace(ctx, rec.Namespace)
	})
	if err != nil {
		// The record stays in deleting; the reaper finishes the job.
		return fmt.Errorf("delete namespace %s: %w", rec.Namespace, err)
	}

	if err := o.store.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("remove record: %w", err)
	}
	log.Info("preview environment removed")
	return nil
}

// Retry re-runs the deployment for a failed environment. Concurrent
// retries for the same record coalesce into a single apply sequence; the
// joiners receive the in-flight result.
func (o *Orchestrator) Retry(ctx context.Context, recordID string) (*record.PreviewEnvironment, error) {
	result, err, _ := o.retries.Do("retry:"+recordID, func() (any, error) {
		rec, err := o.store.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}

		unlock := o.keys.Lock(keyFor(rec))
		defer unlock()

		// The state may have advanced while waiting for the key (an
		// in-flight deployment or a close event).
		rec, err = o.store.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}

		switch rec.Status {
		case record.StatusRunning:
			return rec, nil
		case record.StatusDeleting:
			return nil, ErrEnvironmentDeleting
		case record.StatusDeploying:
			// A previous attempt died mid-flight; resume it.
			if err := o.runDeployment(ctx, rec); err != nil {
				return nil, err
			}
		default:
			if err := o.deploy(ctx, rec); err != nil {
				return nil, err
			}
		}
		return o.store.Get(ctx, recordID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*record.PreviewEnvironment), nil
}

// Delete tears down the environment for a record id. An absent record is
// success.
func (o *Orchestrator) Delete(ctx context.Context, recordID string) error {
	rec, err := o.store.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return err
	}

	unlock := o.keys.Lock(keyFor(rec))
	defer unlock()

	rec, err = o.store.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return nil
		}
		return err
	}
	return o.teardown(ctx, rec)
}

// Logs opens a log stream for the environment. The stream is tied to the
// caller's context and never blocks a state transition.
func (o *Orchestrator) Logs(ctx context.Context, recordID string, opts cluster.LogOptions) (io.ReadCloser, error) {
	rec, err := o.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return o.cluster.StreamLogs(ctx, rec.Namespace, opts)
}

// notify posts or refreshes the PR comment. Failures are logged and do
// not touch the state machine: the deployment itself succeeded.
func (o *Orchestrator) notify(ctx context.Context, rec *record.PreviewEnvironment) {
	ref, err := vcs.ParseRepository(rec.ProjectID, rec.PullRequestID)
	if err != nil {
		o.recordLogger(rec).Error("cannot derive pull request ref for notification", zap.Error(err))
		return
	}
	if err := o.vcs.PostOrUpdateComment(ctx, ref, commentBody(rec)); err != nil {
		o.recordLogger(rec).Warn("pull request notification failed, deployment state unchanged", zap.Error(err))
	}
}

// deploymentMethod builds the configured method variant for the record.
func (o *Orchestrator) deploymentMethod(rec *record.PreviewEnvironment) cluster.DeploymentMethod {
	image := fmt.Sprintf(o.cfg.ImageTemplate, strings.ToLower(rec.ProjectID), rec.CommitSHA)

	switch o.cfg.DeployMethod {
	case "helm":
		return cluster.Helm{ChartPath: o.cfg.ChartPath, ValuesPath: o.cfg.ValuesPath, Image: image}
	case "manifests":
		return cluster.Manifests{Directory: o.cfg.ManifestDir, Image: image}
	default:
		return cluster.Docker{DockerfilePath: "Dockerfile", BuildContext: ".", Image: image}
	}
}

func (o *Orchestrator) recordLogger(rec *record.PreviewEnvironment) *zap.Logger {
	return o.log.With(
		zap.String("record_id", rec.ID),
		zap.String("project", rec.ProjectID),
		zap.Int("pr", rec.PullRequestID),
		zap.String("namespace", rec.Namespace),
	)
}

func keyFor(rec *record.PreviewEnvironment) string {
	return fmt.Sprintf("%s#%d", rec.ProjectID, rec.PullRequestID)
}

func commentBody(rec *record.PreviewEnvironment) string {
	return fmt.Sprintf(
		"### Preview environment ready\n\n%s\n\n| | |\n|---|---|\n| Branch | `%s` |\n| Commit | `%s` |\n| Namespace | `%s` |\n",
		rec.PublicURL, rec.Branch, rec.CommitSHA, rec.Namespace)
}

// transientBackoff bounds the in-step retry of transient cluster errors.
func transientBackoff() wait.Backoff {
	return wait.Backoff{
		Steps:    4,
		Duration: 250 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.2,
	}
}

// isTransientClusterError reports whether a cluster error is worth
// retrying within the current step.
func isTransientClusterError(err error) bool {
	return apierrors.IsConflict(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}
