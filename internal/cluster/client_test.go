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
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/orbitd/orbitd/internal/record"
)

func testEnv() *record.PreviewEnvironment {
	return &record.PreviewEnvironment{
		ID:            "9f0c2a6e-0000-0000-0000-000000000001",
		ProjectID:     "acme/webapp",
		PullRequestID: 42,
		Namespace:     "pr-webapp-42",
		Branch:        "feature/login",
		CommitSHA:     "abc1234",
		Status:        record.StatusDeploying,
	}
}

func newTestClient(t *testing.T, objs ...client.Object) (*KubeClient, client.Client) {
	t.Helper()

	c := fake.NewClientBuilder().
		WithScheme(clientgoscheme.Scheme).
		WithObjects(objs...).
		Build()

	kc := NewKubeClient(c, nil, nil, Config{
		BaseDomain:         "preview.example.com",
		IngressNamespace:   "ingress-nginx",
		QuotaCPUMillicores: 500,
		QuotaMemoryMiB:     512,
	})
	return kc, c
}

func TestApplyNamespace(t *testing.T) {
	kc, c := newTestClient(t)
	env := testEnv()

	if err := kc.ApplyNamespace(context.Background(), env); err != nil {
		t.Fatalf("ApplyNamespace() error = %v", err)
	}

	ns := &corev1.Namespace{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: env.Namespace}, ns); err != nil {
		t.Fatalf("get namespace: %v", err)
	}
	if ns.Labels["preview.orbitd.io/pr"] != "42" {
		t.Errorf("pr label = %q", ns.Labels["preview.orbitd.io/pr"])
	}
	if ns.Labels["preview.orbitd.io/project"] != "acme-webapp" {
		t.Errorf("project label = %q", ns.Labels["preview.orbitd.io/project"])
	}
	if ns.Labels["preview.orbitd.io/managed-by"] != "orbitd" {
		t.Errorf("managed-by label = %q", ns.Labels["preview.orbitd.io/managed-by"])
	}
	if ns.Annotations["preview.orbitd.io/record-id"] != env.ID {
		t.Errorf("record-id annotation = %q", ns.Annotations["preview.orbitd.io/record-id"])
	}

	// Second apply is a no-op update, not an error.
	if err := kc.ApplyNamespace(context.Background(), env); err != nil {
		t.Errorf("second ApplyNamespace() error = %v", err)
	}
}

func TestApplyResourceQuota(t *testing.T) {
	kc, c := newTestClient(t)
	env := testEnv()

	if err := kc.ApplyResourceQuota(context.Background(), env); err != nil {
		t.Fatalf("ApplyResourceQuota() error = %v", err)
	}

	quota := &corev1.ResourceQuota{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: "preview-quota", Namespace: env.Namespace}, quota); err != nil {
		t.Fatalf("get quota: %v", err)
	}

	if got := quota.Spec.Hard[corev1.ResourceRequestsCPU]; got.MilliValue() != 500 {
		t.Errorf("requests.cpu = %s, want 500m", got.String())
	}
	if got := quota.Spec.Hard[corev1.ResourceRequestsMemory]; got.Value() != 512*1024*1024 {
		t.Errorf("requests.memory = %s, want 512Mi", got.String())
	}
	if got := quota.Spec.Hard[corev1.ResourceLimitsCPU]; got.MilliValue() != 1000 {
		t.Errorf("limits.cpu = %s, want 1", got.String())
	}
	if got := quota.Spec.Hard[corev1.ResourcePersistentVolumeClaims]; !got.IsZero() {
		t.Errorf("pvc allowance = %s, want 0", got.String())
	}
	if got := quota.Spec.Hard["services.loadbalancers"]; !got.IsZero() {
		t.Errorf("loadbalancer allowance = %s, want 0", got.String())
	}
}

func TestApplyNetworkPolicy(t *testing.T) {
	kc, c := newTestClient(t)
	env := testEnv()

	if err := kc.ApplyNetworkPolicy(context.Background(), env); err != nil {
		t.Fatalf("ApplyNetworkPolicy() error = %v", err)
	}

	deny := &networkingv1.NetworkPolicy{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: "default-deny-all", Namespace: env.Namespace}, deny); err != nil {
		t.Fatalf("get default-deny-all: %v", err)
	}
	if len(deny.Spec.PolicyTypes) != 2 {
		t.Errorf("default deny policy types = %v, want ingress and egress", deny.Spec.PolicyTypes)
	}
	if len(deny.Spec.Ingress) != 0 || len(deny.Spec.Egress) != 0 {
		t.Errorf("default deny must carry no allow rules")
	}

	ingress := &networkingv1.NetworkPolicy{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: "allow-ingress", Namespace: env.Namespace}, ingress); err != nil {
		t.Fatalf("get allow-ingress: %v", err)
	}
	from := ingress.Spec.Ingress[0].From[0].NamespaceSelector.MatchLabels
	if from["kubernetes.io/metadata.name"] != "ingress-nginx" {
		t.Errorf("allow-ingress source = %v, want the ingress controller namespace", from)
	}

	egress := &networkingv1.NetworkPolicy{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: "allow-egress", Namespace: env.Namespace}, egress); err != nil {
		t.Fatalf("get allow-egress: %v", err)
	}
	if len(egress.Spec.Egress) != 3 {
		t.Errorf("egress rules = %d, want DNS, HTTPS and intra-namespace", len(egress.Spec.Egress))
	}
}

func TestApplyWorkload(t *testing.T) {
	kc, c := newTestClient(t)
	env := testEnv()
	method := Docker{DockerfilePath: "Dockerfile", BuildContext: ".", Image: "registry.test/acme/webapp:abc1234"}

	if err := kc.ApplyWorkload(context.Background(), env, method); err != nil {
		t.Fatalf("ApplyWorkload() error = %v", err)
	}

	deploy := &appsv1.Deployment{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: WorkloadName, Namespace: env.Namespace}, deploy); err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	container := deploy.Spec.Template.Spec.Containers[0]
	if container.Image != method.Image {
		t.Errorf("image = %q, want %q", container.Image, method.Image)
	}
	if deploy.Annotations["preview.orbitd.io/method"] != "docker" {
		t.Errorf("method annotation = %q", deploy.Annotations["preview.orbitd.io/method"])
	}
	if deploy.Annotations["preview.orbitd.io/commit-sha"] != "abc1234" {
		t.Errorf("commit annotation = %q", deploy.Annotations["preview.orbitd.io/commit-sha"])
	}
	var branchEnv string
	for _, e := range container.Env {
		if e.Name == "PREVIEW_BRANCH" {
			branchEnv = e.Value
		}
	}
	if branchEnv != "feature/login" {
		t.Errorf("PREVIEW_BRANCH = %q", branchEnv)
	}

	svc := &corev1.Service{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: WorkloadName, Namespace: env.Namespace}, svc); err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.Spec.Ports[0].Port != 80 {
		t.Errorf("service port = %d, want 80", svc.Spec.Ports[0].Port)
	}

	ing := &networkingv1.Ingress{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: WorkloadName, Namespace: env.Namespace}, ing); err != nil {
		t.Fatalf("get ingress: %v", err)
	}
	if host := ing.Spec.Rules[0].Host; host != "pr-webapp-42.preview.example.com" {
		t.Errorf("ingress host = %q", host)
	}
}

func TestApplyWorkloadUpdatesImage(t *testing.T) {
	kc, c := newTestClient(t)
	env := testEnv()

	if err := kc.ApplyWorkload(context.Background(), env, Docker{Image: "registry.test/app:v1"}); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	env.CommitSHA = "def5678"
	if err := kc.ApplyWorkload(context.Background(), env, Docker{Image: "registry.test/app:v2"}); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	deploy := &appsv1.Deployment{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: WorkloadName, Namespace: env.Namespace}, deploy); err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if img := deploy.Spec.Template.Spec.Containers[0].Image; img != "registry.test/app:v2" {
		t.Errorf("image = %q, want rolled to v2", img)
	}
	if deploy.Annotations["preview.orbitd.io/commit-sha"] != "def5678" {
		t.Errorf("commit annotation not refreshed")
	}
}

func TestApplyWorkloadRejectsEmptyImage(t *testing.T) {
	kc, _ := newTestClient(t)

	if err := kc.ApplyWorkload(context.Background(), testEnv(), Docker{}); err == nil {
		t.Error("ApplyWorkload() with empty image should fail")
	}
}

func TestWorkloadReadiness(t *testing.T) {
	env := testEnv()
	replicas := int32(1)

	deployment := func(ready int32) *appsv1.Deployment {
		return &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: WorkloadName, Namespace: env.Namespace},
			Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
			Status:     appsv1.DeploymentStatus{ReadyReplicas: ready},
		}
	}

	t.Run("no deployment yet", func(t *testing.T) {
		kc, _ := newTestClient(t)
		r, err := kc.WorkloadReadiness(context.Background(), env.Namespace)
		if err != nil {
			t.Fatalf("WorkloadReadiness() error = %v", err)
		}
		if r.Ready || r.FailureReason != "" {
			t.Errorf("readiness = %+v, want pending", r)
		}
	})

	t.Run("ready", func(t *testing.T) {
		kc, _ := newTestClient(t, deployment(1))
		r, err := kc.WorkloadReadiness(context.Background(), env.Namespace)
		if err != nil {
			t.Fatalf("WorkloadReadiness() error = %v", err)
		}
		if !r.Ready {
			t.Errorf("readiness = %+v, want ready", r)
		}
	})

	t.Run("image pull failure is unrecoverable", func(t *testing.T) {
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "preview-abc",
				Namespace: env.Namespace,
				Labels:    map[string]string{"app": WorkloadName},
			},
			Status: corev1.PodStatus{
				ContainerStatuses: []corev1.ContainerStatus{
					{State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"}}},
				},
			},
		}
		kc, _ := newTestClient(t, deployment(0), pod)

		r, err := kc.WorkloadReadiness(context.Background(), env.Namespace)
		if err != nil {
			t.Fatalf("WorkloadReadiness() error = %v", err)
		}
		if r.Ready {
			t.Error("should not be ready")
		}
		if r.FailureReason != "pod preview-abc: ImagePullBackOff" {
			t.Errorf("failure reason = %q", r.FailureReason)
		}
	})

	t.Run("ordinary startup wait is recoverable", func(t *testing.T) {
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "preview-def",
				Namespace: env.Namespace,
				Labels:    map[string]string{"app": WorkloadName},
			},
			Status: corev1.PodStatus{
				ContainerStatuses: []corev1.ContainerStatus{
					{State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: "ContainerCreating"}}},
				},
			},
		}
		kc, _ := newTestClient(t, deployment(0), pod)

		r, err := kc.WorkloadReadiness(context.Background(), env.Namespace)
		if err != nil {
			t.Fatalf("WorkloadReadiness() error = %v", err)
		}
		if r.FailureReason != "" {
			t.Errorf("failure reason = %q, want empty while creating", r.FailureReason)
		}
	})
}

func TestDeleteNamespace(t *testing.T) {
	env := testEnv()
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: env.Namespace}}
	kc, c := newTestClient(t, ns)

	if err := kc.DeleteNamespace(context.Background(), env.Namespace); err != nil {
		t.Fatalf("DeleteNamespace() error = %v", err)
	}
	err := c.Get(context.Background(), types.NamespacedName{Name: env.Namespace}, &corev1.Namespace{})
	if err == nil {
		t.Error("namespace should be gone")
	}

	// Deleting an absent namespace is success.
	if err := kc.DeleteNamespace(context.Background(), env.Namespace); err != nil {
		t.Errorf("repeat DeleteNamespace() error = %v, want nil", err)
	}
}

func TestPublicURL(t *testing.T) {
	kc, _ := newTestClient(t)

	if got := kc.PublicURL("pr-webapp-42"); got != "https://pr-webapp-42.preview.example.com" {
		t.Errorf("PublicURL() = %q", got)
	}
}
