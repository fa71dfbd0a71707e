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
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/orbitd/orbitd/internal/record"
)

const (
	managedByValue = "orbitd"

	// WorkloadName is the fixed name of the preview Deployment and
	// Service in every preview namespace.
	WorkloadName = "preview"

	workloadPort int32 = 8080
)

// Config carries the cluster-side tunables.
type Config struct {
	// BaseDomain is the wildcard zone preview hostnames live under.
	BaseDomain string
	// IngressNamespace is where the ingress controller runs.
	IngressNamespace string
	// QuotaCPUMillicores and QuotaMemoryMiB are the per-environment
	// ceilings enforced as a ResourceQuota.
	QuotaCPUMillicores int64
	QuotaMemoryMiB     int64
}

// KubeClient implements Client against a real cluster. Applies go through
// the controller-runtime client; log streaming and metrics need the typed
// clientsets because those are subresource APIs.
type KubeClient struct {
	client    client.Client
	clientset kubernetes.Interface
	metrics   metricsclient.Interface
	cfg       Config
}

// NewKubeClient constructs a KubeClient. metrics may be nil when the
// cluster has no metrics pipeline; ResourceUsage then reports
// ErrMetricsUnavailable.
func NewKubeClient(c client.Client, clientset kubernetes.Interface, metrics metricsclient.Interface, cfg Config) *KubeClient {
	return &KubeClient{
		client:    c,
		clientset: clientset,
		metrics:   metrics,
		cfg:       cfg,
	}
}

var _ Client = (*KubeClient)(nil)

// labels returns the label set stamped on every managed object.
func labels(env *record.PreviewEnvironment) map[string]string {
	return map[string]string{
		"preview.orbitd.io/pr":         fmt.Sprintf("%d", env.PullRequestID),
		"preview.orbitd.io/project":    labelSafe(env.ProjectID),
		"preview.orbitd.io/managed-by": managedByValue,
	}
}

// labelSafe converts a project identifier to a valid label value
// (63 chars max, [a-z0-9] with inner hyphens).
func labelSafe(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "_", "-")
	if len(s) > 63 {
		s = s[:63]
	}
	return strings.Trim(s, "-")
}

// ApplyNamespace creates or updates the preview namespace. Namespaces are
// cluster-scoped so ownership is tracked by annotation, not owner
// reference.
func (k *KubeClient) ApplyNamespace(ctx context.Context, env *record.PreviewEnvironment) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: env.Namespace},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, k.client, ns, func() error {
		if ns.Labels == nil {
			ns.Labels = make(map[string]string)
		}
		for key, value := range labels(env) {
			ns.Labels[key] = value
		}
		if ns.Annotations == nil {
			ns.Annotations = make(map[string]string)
		}
		ns.Annotations["preview.orbitd.io/record-id"] = env.ID
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply namespace: %w", err)
	}
	return nil
}

// ApplyResourceQuota enforces the per-environment ceilings inside the
// namespace. The same numbers feed the metrics aggregator's exceedance
// computation.
func (k *KubeClient) ApplyResourceQuota(ctx context.Context, env *record.PreviewEnvironment) error {
	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "preview-quota",
			Namespace: env.Namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, k.client, quota, func() error {
		quota.Spec.Hard = corev1.ResourceList{
			corev1.ResourceRequestsCPU:            *resource.NewMilliQuantity(k.cfg.QuotaCPUMillicores, resource.DecimalSI),
			corev1.ResourceRequestsMemory:         *resource.NewQuantity(k.cfg.QuotaMemoryMiB*1024*1024, resource.BinarySI),
			corev1.ResourceLimitsCPU:              *resource.NewMilliQuantity(k.cfg.QuotaCPUMillicores*2, resource.DecimalSI),
			corev1.ResourceLimitsMemory:           *resource.NewQuantity(k.cfg.QuotaMemoryMiB*2*1024*1024, resource.BinarySI),
			corev1.ResourcePersistentVolumeClaims: resource.MustParse("0"),
			"services.loadbalancers":              resource.MustParse("0"),
		}
		if quota.Labels == nil {
			quota.Labels = make(map[string]string)
		}
		for key, value := range labels(env) {
			quota.Labels[key] = value
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply resource quota: %w", err)
	}
	return nil
}

// ApplyNetworkPolicy isolates the namespace: default deny everything,
// then allow ingress from the ingress controller and the egress the
// workload needs (DNS, HTTPS, intra-namespace).
func (k *KubeClient) ApplyNetworkPolicy(ctx context.Context, env *record.PreviewEnvironment) error {
	if err := k.applyDefaultDenyPolicy(ctx, env); err != nil {
		return fmt.Errorf("apply default deny policy: %w", err)
	}
	if err := k.applyAllowIngressPolicy(ctx, env); err != nil {
		return fmt.Errorf("apply allow ingress policy: %w", err)
	}
	if err := k.applyAllowEgressPolicy(ctx, env); err != nil {
		return fmt.Errorf("apply allow egress policy: %w", err)
	}
	return nil
}

func (k *KubeClient) applyDefaultDenyPolicy(ctx context.Context, env *record.PreviewEnvironment) error {
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "default-deny-all",
			Namespace: env.Namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, k.client, policy, func() error {
		policy.Spec.PodSelector = metav1.LabelSelector{}
		policy.Spec.PolicyTypes = []networkingv1.PolicyType{
			networkingv1.PolicyTypeIngress,
			networkingv1.PolicyTypeEgress,
		}
		// Empty rules with both policy types means deny all.
		policy.Spec.Ingress = []networkingv1.NetworkPolicyIngressRule{}
		policy.Spec.Egress = []networkingv1.NetworkPolicyEgressRule{}
		policy.Labels = labels(env)
		return nil
	})
	return err
}

func (k *KubeClient) applyAllowIngressPolicy(ctx context.Context, env *record.PreviewEnvironment) error {
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "allow-ingress",
			Namespace: env.Namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, k.client, policy, func() error {
		tcp := corev1.ProtocolTCP
		port := intstr.FromInt32(workloadPort)

		policy.Spec.PodSelector = metav1.LabelSelector{}
		policy.Spec.PolicyTypes = []networkingv1.PolicyType{networkingv1.PolicyTypeIngress}
		policy.Spec.Ingress = []networkingv1.NetworkPolicyIngressRule{
			{
				From: []networkingv1.NetworkPolicyPeer{
					{
						NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{
								"kubernetes.io/metadata.name": k.cfg.IngressNamespace,
							},
						},
					},
				},
				Ports: []networkingv1.NetworkPolicyPort{
					{Protocol: &tcp, Port: &port},
				},
			},
		}
		policy.Labels = labels(env)
		return nil
	})
	return err
}

func (k *KubeClient) applyAllowEgressPolicy(ctx context.Context, env *record.PreviewEnvironment) error {
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "allow-egress",
			Namespace: env.Namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, k.client, policy, func() error {
		tcp := corev1.ProtocolTCP
		udp := corev1.ProtocolUDP
		dns := intstr.FromInt32(53)
		https := intstr.FromInt32(443)
		app := intstr.FromInt32(workloadPort)

		policy.Spec.PodSelector = metav1.LabelSelector{}
		policy.Spec.PolicyTypes = []networkingv1.PolicyType{networkingv1.PolicyTypeEgress}
		policy.Spec.Egress = []networkingv1.NetworkPolicyEgressRule{
			// DNS to kube-system.
			{
				To: []networkingv1.NetworkPolicyPeer{
					{
						NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{
								"kubernetes.io/metadata.name": "kube-system",
							},
						},
					},
				},
				Ports: []networkingv1.NetworkPolicyPort{
					{Protocol: &udp, Port: &dns},
				},
			},
			// HTTPS anywhere.
			{
				Ports: []networkingv1.NetworkPolicyPort{
					{Protocol: &tcp, Port: &https},
				},
			},
			// Intra-namespace traffic on the workload port.
			{
				To: []networkingv1.NetworkPolicyPeer{
					{PodSelector: &metav1.LabelSelector{}},
				},
				Ports: []networkingv1.NetworkPolicyPort{
					{Protocol: &tcp, Port: &app},
				},
			},
		}
		policy.Labels = labels(env)
		return nil
	})
	return err
}

// ApplyWorkload creates or updates the preview Deployment, its Service
// and the Ingress that exposes it under the base domain. The deployment
// method only influences the image and the source annotations.
func (k *KubeClient) ApplyWorkload(ctx context.Context, env *record.PreviewEnvironment, method DeploymentMethod) error {
	if method.WorkloadImage() == "" {
		return fmt.Errorf("deployment method has no workload image")
	}
	if err := k.applyDeployment(ctx, env, method); err != nil {
		return fmt.Errorf("apply deployment: %w", err)
	}
	if err := k.applyService(ctx, env); err != nil {
		return fmt.Errorf("apply service: %w", err)
	}
	if err := k.applyIngress(ctx, env); err != nil {
		return fmt.Errorf("apply ingress: %w", err)
	}
	return nil
}

func (k *KubeClient) applyDeployment(ctx context.Context, env *record.PreviewEnvironment, method DeploymentMethod) error {
	deploy := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName,
			Namespace: env.Namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, k.client, deploy, func() error {
		replicas := int32(1)
		selector := map[string]string{"app": WorkloadName}

		deploy.Labels = labels(env)
		if deploy.Annotations == nil {
			deploy.Annotations = make(map[string]string)
		}
		for key, value := range method.Annotations() {
			deploy.Annotations[key] = value
		}
		deploy.Annotations["preview.orbitd.io/commit-sha"] = env.CommitSHA

		deploy.Spec.Replicas = &replicas
		deploy.Spec.Selector = &metav1.LabelSelector{MatchLabels: selector}
		deploy.Spec.Template.ObjectMeta.Labels = selector
		deploy.Spec.Template.Spec.Containers = []corev1.Container{
			{
				Name:  "app",
				Image: method.WorkloadImage(),
				Ports: []corev1.ContainerPort{
					{ContainerPort: workloadPort, Name: "http"},
				},
				Env: []corev1.EnvVar{
					{Name: "PREVIEW_BRANCH", Value: env.Branch},
					{Name: "PREVIEW_COMMIT_SHA", Value: env.CommitSHA},
				},
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    *resource.NewMilliQuantity(k.cfg.QuotaCPUMillicores/2, resource.DecimalSI),
						corev1.ResourceMemory: *resource.NewQuantity(k.cfg.QuotaMemoryMiB/2*1024*1024, resource.BinarySI),
					},
					Limits: corev1.ResourceList{
						corev1.ResourceCPU:    *resource.NewMilliQuantity(k.cfg.QuotaCPUMillicores, resource.DecimalSI),
						corev1.ResourceMemory: *resource.NewQuantity(k.cfg.QuotaMemoryMiB*1024*1024, resource.BinarySI),
					},
				},
			},
		}
		return nil
	})
	return err
}

func (k *KubeClient) applyService(ctx context.Context, env *record.PreviewEnvironment) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName,
			Namespace: env.Namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, k.client, svc, func() error {
		svc.Labels = labels(env)
		svc.Spec.Selector = map[string]string{"app": WorkloadName}
		svc.Spec.Ports = []corev1.ServicePort{
			{
				Name:       "http",
				Port:       80,
				TargetPort: intstr.FromInt32(workloadPort),
			},
		}
		return nil
	})
	return err
}

func (k *KubeClient) applyIngress(ctx context.Context, env *record.PreviewEnvironment) error {
	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      WorkloadName,
			Namespace: env.Namespace,
		},
	}

	_, err := controllerutil.CreateOrUpdate(ctx, k.client, ingress, func() error {
		pathType := networkingv1.PathTypePrefix
		host := k.hostname(env.Namespace)

		ingress.Labels = labels(env)
		ingress.Spec.Rules = []networkingv1.IngressRule{
			{
				Host: host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{
							{
								Path:     "/",
								PathType: &pathType,
								Backend: networkingv1.IngressBackend{
									Service: &networkingv1.IngressServiceBackend{
										Name: WorkloadName,
										Port: networkingv1.ServiceBackendPort{Number: 80},
									},
								},
							},
						},
					},
				},
			},
		}
		return nil
	})
	return err
}

// unrecoverableWaitingReasons are container waiting states readiness
// polling should not wait out.
var unrecoverableWaitingReasons = map[string]bool{
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"InvalidImageName":           true,
	"CrashLoopBackOff":           true,
	"CreateContainerConfigError": true,
}

// WorkloadReadiness reads the preview Deployment's replica counts and
// inspects its pods for unrecoverable container states.
func (k *KubeClient) WorkloadReadiness(ctx context.Context, namespace string) (Readiness, error) {
	deploy := &appsv1.Deployment{}
	err := k.client.Get(ctx, types.NamespacedName{Name: WorkloadName, Namespace: namespace}, deploy)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Readiness{}, nil
		}
		return Readiness{}, fmt.Errorf("get workload deployment: %w", err)
	}

	var replicas int32 = 1
	if deploy.Spec.Replicas != nil {
		replicas = *deploy.Spec.Replicas
	}

	readiness := Readiness{
		Replicas:      replicas,
		ReadyReplicas: deploy.Status.ReadyReplicas,
		Ready:         replicas > 0 && deploy.Status.ReadyReplicas >= replicas,
	}
	if readiness.Ready {
		return readiness, nil
	}

	// Not ready: look for pod-level failures that will never resolve.
	pods := &corev1.PodList{}
	if err := k.client.List(ctx, pods, client.InNamespace(namespace), client.MatchingLabels{"app": WorkloadName}); err != nil {
		return readiness, fmt.Errorf("list workload pods: %w", err)
	}
	for _, pod := range pods.Items {
		for _, status := range pod.Status.ContainerStatuses {
			if status.State.Waiting != nil && unrecoverableWaitingReasons[status.State.Waiting.Reason] {
				readiness.FailureReason = fmt.Sprintf("pod %s: %s", pod.Name, status.State.Waiting.Reason)
				return readiness, nil
			}
		}
	}
	return readiness, nil
}

// DeleteNamespace removes the namespace; Kubernetes cascades the delete
// to everything inside it. Absence is success.
func (k *KubeClient) DeleteNamespace(ctx context.Context, namespace string) error {
	ns := &corev1.Namespace{}
	if err := k.client.Get(ctx, types.NamespacedName{Name: namespace}, ns); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("get namespace: %w", err)
	}
	if err := k.client.Delete(ctx, ns); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete namespace: %w", err)
	}
	return nil
}

// PublicURL derives the preview URL from the namespace and base domain.
func (k *KubeClient) PublicURL(namespace string) string {
	return fmt.Sprintf("https://%s", k.hostname(namespace))
}

func (k *KubeClient) hostname(namespace string) string {
	return fmt.Sprintf("%s.%s", namespace, k.cfg.BaseDomain)
}
