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

package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ErrMetricsUnavailable is returned when no usage numbers can be read,
// either because the metrics pipeline is lagging or because the cluster
// has none. Callers are expected to degrade, not fail.
var ErrMetricsUnavailable = errors.New("cluster metrics unavailable")

// ErrNoRunningPod is returned by StreamLogs when the namespace has no pod
// to read logs from.
var ErrNoRunningPod = errors.New("no running workload pod")

// StreamLogs opens a log stream from one workload pod. When opts.Pod is
// empty the first running workload pod is used. The returned stream is
// owned by the caller and bounded only by ctx.
func (k *KubeClient) StreamLogs(ctx context.Context, namespace string, opts LogOptions) (io.ReadCloser, error) {
	podName := opts.Pod
	if podName == "" {
		var err error
		podName, err = k.findWorkloadPod(ctx, namespace)
		if err != nil {
			return nil, err
		}
	}

	logOptions := &corev1.PodLogOptions{
		Container:  opts.Container,
		Timestamps: opts.Timestamps,
		Follow:     opts.Follow,
	}
	if opts.TailLines > 0 {
		logOptions.TailLines = &opts.TailLines
	}

	stream, err := k.clientset.CoreV1().Pods(namespace).GetLogs(podName, logOptions).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open log stream for pod %s: %w", podName, err)
	}
	return stream, nil
}

func (k *KubeClient) findWorkloadPod(ctx context.Context, namespace string) (string, error) {
	pods, err := k.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + WorkloadName,
	})
	if err != nil {
		return "", fmt.Errorf("list workload pods: %w", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}
	// Fall back to any pod so logs from a crash-looping container are
	// still reachable.
	if len(pods.Items) > 0 {
		return pods.Items[0].Name, nil
	}
	return "", ErrNoRunningPod
}

// ResourceUsage sums pod metrics across the namespace. Metrics-server lag
// surfaces as ErrMetricsUnavailable rather than a hard failure.
func (k *KubeClient) ResourceUsage(ctx context.Context, namespace string) (Usage, error) {
	if k.metrics == nil {
		return Usage{}, ErrMetricsUnavailable
	}

	podMetrics, err := k.metrics.MetricsV1beta1().PodMetricses(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return Usage{}, fmt.Errorf("%w: %s", ErrMetricsUnavailable, err)
	}

	var usage Usage
	for _, pod := range podMetrics.Items {
		for _, container := range pod.Containers {
			if cpu, ok := container.Usage[corev1.ResourceCPU]; ok {
				usage.CPUMillicores += cpu.MilliValue()
			}
			if memory, ok := container.Usage[corev1.ResourceMemory]; ok {
				usage.MemoryMiB += memory.Value() / (1024 * 1024)
			}
		}
	}
	return usage, nil
}
