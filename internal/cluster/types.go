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

// Package cluster talks to Kubernetes on behalf of the orchestrator. Every
// apply uses create-or-update semantics so re-applying an already-correct
// object is a no-op, and deletes treat absence as success; together those
// two properties are what make webhook redelivery safe.
package cluster

import (
	"context"
	"io"

	"github.com/orbitd/orbitd/internal/record"
)

// Client is the narrow contract the orchestrator depends on. All
// operations are safe to retry.
type Client interface {
	ApplyNamespace(ctx context.Context, env *record.PreviewEnvironment) error
	ApplyResourceQuota(ctx context.Context, env *record.PreviewEnvironment) error
	ApplyNetworkPolicy(ctx context.Context, env *record.PreviewEnvironment) error
	ApplyWorkload(ctx context.Context, env *record.PreviewEnvironment, method DeploymentMethod) error

	// WorkloadReadiness reports the current readiness of the preview
	// workload. A FailureReason marks the attempt unrecoverable.
	WorkloadReadiness(ctx context.Context, namespace string) (Readiness, error)

	// DeleteNamespace removes the namespace and everything in it.
	// Deleting an absent namespace is success.
	DeleteNamespace(ctx context.Context, namespace string) error

	// StreamLogs opens a log stream from a workload pod. The stream stays
	// open until the caller closes it or ctx is cancelled; it is bounded
	// by the requesting client, not by the orchestrator.
	StreamLogs(ctx context.Context, namespace string, opts LogOptions) (io.ReadCloser, error)

	// ResourceUsage returns the live CPU/memory consumption of the
	// namespace from the metrics pipeline.
	ResourceUsage(ctx context.Context, namespace string) (Usage, error)

	// PublicURL returns the URL the preview is reachable at once ready.
	PublicURL(namespace string) string
}

// DeploymentMethod is the tagged variant describing how a preview workload
// is sourced. The orchestrator never inspects it; only ApplyWorkload does.
type DeploymentMethod interface {
	// WorkloadImage is the container image the preview deployment runs.
	WorkloadImage() string
	// Annotations describe the method on the Deployment for operators
	// and external tooling.
	Annotations() map[string]string

	deploymentMethod()
}

// Helm deploys the image a chart renders for the PR.
type Helm struct {
	ChartPath  string
	ValuesPath string
	Image      string
}

// Docker deploys an image built from the PR's Dockerfile.
type Docker struct {
	DockerfilePath string
	BuildContext   string
	Image          string
}

// Manifests deploys the image referenced by a manifest directory.
type Manifests struct {
	Directory string
	Image     string
}

func (m Helm) WorkloadImage() string      { return m.Image }
func (m Docker) WorkloadImage() string    { return m.Image }
func (m Manifests) WorkloadImage() string { return m.Image }

func (m Helm) Annotations() map[string]string {
	return map[string]string{
		"preview.orbitd.io/method":      "helm",
		"preview.orbitd.io/chart-path":  m.ChartPath,
		"preview.orbitd.io/values-path": m.ValuesPath,
	}
}

func (m Docker) Annotations() map[string]string {
	return map[string]string{
		"preview.orbitd.io/method":        "docker",
		"preview.orbitd.io/dockerfile":    m.DockerfilePath,
		"preview.orbitd.io/build-context": m.BuildContext,
	}
}

func (m Manifests) Annotations() map[string]string {
	return map[string]string{
		"preview.orbitd.io/method":       "manifests",
		"preview.orbitd.io/manifest-dir": m.Directory,
	}
}

func (Helm) deploymentMethod()      {}
func (Docker) deploymentMethod()    {}
func (Manifests) deploymentMethod() {}

// Readiness is the observed state of a preview workload.
type Readiness struct {
	Ready         bool
	Replicas      int32
	ReadyReplicas int32
	// FailureReason is non-empty when the workload cannot recover on its
	// own (image pull failure, crash loop). It ends the readiness poll
	// early instead of waiting out the timeout.
	FailureReason string
}

// LogOptions selects what StreamLogs returns.
type LogOptions struct {
	Pod        string
	Container  string
	TailLines  int64
	Timestamps bool
	Follow     bool
}

// Usage is a point-in-time resource consumption snapshot for a namespace.
// It is never persisted.
type Usage struct {
	CPUMillicores int64
	MemoryMiB     int64
}
