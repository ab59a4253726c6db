package k8s

import (
	"context"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// NewNamespaceAccessor builds the Accessor for cluster-scoped
// Namespace objects; ns is always ignored since namespaces have no
// parent namespace of their own.
func NewNamespaceAccessor(cs kubernetes.Interface) Accessor[*corev1.Namespace] {
	api := cs.CoreV1().Namespaces()
	return Accessor[*corev1.Namespace]{
		Kind: "Namespace",
		Create: func(ctx context.Context, _ string, obj *corev1.Namespace, opts metav1.CreateOptions) (*corev1.Namespace, error) {
			return api.Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, _ string, name string, opts metav1.GetOptions) (*corev1.Namespace, error) {
			return api.Get(ctx, name, opts)
		},
		List: func(ctx context.Context, _ string, opts metav1.ListOptions) ([]*corev1.Namespace, string, error) {
			list, err := api.List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*corev1.Namespace, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, _ string, name string, opts metav1.DeleteOptions) error {
			return api.Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, _ string, opts metav1.ListOptions) (watch.Interface, error) {
			return api.Watch(ctx, opts)
		},
	}
}

// NewPVCAccessor builds the Accessor for namespaced PersistentVolumeClaims.
func NewPVCAccessor(cs kubernetes.Interface) Accessor[*corev1.PersistentVolumeClaim] {
	return Accessor[*corev1.PersistentVolumeClaim]{
		Kind: "PersistentVolumeClaim",
		Create: func(ctx context.Context, ns string, obj *corev1.PersistentVolumeClaim, opts metav1.CreateOptions) (*corev1.PersistentVolumeClaim, error) {
			return cs.CoreV1().PersistentVolumeClaims(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.PersistentVolumeClaim, error) {
			return cs.CoreV1().PersistentVolumeClaims(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.PersistentVolumeClaim, string, error) {
			list, err := cs.CoreV1().PersistentVolumeClaims(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*corev1.PersistentVolumeClaim, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().PersistentVolumeClaims(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().PersistentVolumeClaims(ns).Watch(ctx, opts)
		},
	}
}

// NewConfigMapAccessor builds the Accessor for namespaced ConfigMaps.
func NewConfigMapAccessor(cs kubernetes.Interface) Accessor[*corev1.ConfigMap] {
	return Accessor[*corev1.ConfigMap]{
		Kind: "ConfigMap",
		Create: func(ctx context.Context, ns string, obj *corev1.ConfigMap, opts metav1.CreateOptions) (*corev1.ConfigMap, error) {
			return cs.CoreV1().ConfigMaps(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.ConfigMap, error) {
			return cs.CoreV1().ConfigMaps(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.ConfigMap, string, error) {
			list, err := cs.CoreV1().ConfigMaps(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*corev1.ConfigMap, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().ConfigMaps(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().ConfigMaps(ns).Watch(ctx, opts)
		},
	}
}

// NewSecretAccessor builds the Accessor for namespaced Secrets.
func NewSecretAccessor(cs kubernetes.Interface) Accessor[*corev1.Secret] {
	return Accessor[*corev1.Secret]{
		Kind: "Secret",
		Create: func(ctx context.Context, ns string, obj *corev1.Secret, opts metav1.CreateOptions) (*corev1.Secret, error) {
			return cs.CoreV1().Secrets(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.Secret, error) {
			return cs.CoreV1().Secrets(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.Secret, string, error) {
			list, err := cs.CoreV1().Secrets(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*corev1.Secret, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().Secrets(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Secrets(ns).Watch(ctx, opts)
		},
	}
}

// NewResourceQuotaAccessor builds the Accessor for namespaced ResourceQuotas.
func NewResourceQuotaAccessor(cs kubernetes.Interface) Accessor[*corev1.ResourceQuota] {
	return Accessor[*corev1.ResourceQuota]{
		Kind: "ResourceQuota",
		Create: func(ctx context.Context, ns string, obj *corev1.ResourceQuota, opts metav1.CreateOptions) (*corev1.ResourceQuota, error) {
			return cs.CoreV1().ResourceQuotas(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.ResourceQuota, error) {
			return cs.CoreV1().ResourceQuotas(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.ResourceQuota, string, error) {
			list, err := cs.CoreV1().ResourceQuotas(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*corev1.ResourceQuota, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().ResourceQuotas(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().ResourceQuotas(ns).Watch(ctx, opts)
		},
	}
}

// NewNetworkPolicyAccessor builds the Accessor for namespaced NetworkPolicies.
func NewNetworkPolicyAccessor(cs kubernetes.Interface) Accessor[*networkingv1.NetworkPolicy] {
	return Accessor[*networkingv1.NetworkPolicy]{
		Kind: "NetworkPolicy",
		Create: func(ctx context.Context, ns string, obj *networkingv1.NetworkPolicy, opts metav1.CreateOptions) (*networkingv1.NetworkPolicy, error) {
			return cs.NetworkingV1().NetworkPolicies(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*networkingv1.NetworkPolicy, error) {
			return cs.NetworkingV1().NetworkPolicies(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*networkingv1.NetworkPolicy, string, error) {
			list, err := cs.NetworkingV1().NetworkPolicies(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*networkingv1.NetworkPolicy, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.NetworkingV1().NetworkPolicies(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.NetworkingV1().NetworkPolicies(ns).Watch(ctx, opts)
		},
	}
}

// NewServiceAccessor builds the Accessor for namespaced Services.
func NewServiceAccessor(cs kubernetes.Interface) Accessor[*corev1.Service] {
	return Accessor[*corev1.Service]{
		Kind: "Service",
		Create: func(ctx context.Context, ns string, obj *corev1.Service, opts metav1.CreateOptions) (*corev1.Service, error) {
			return cs.CoreV1().Services(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.Service, error) {
			return cs.CoreV1().Services(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.Service, string, error) {
			list, err := cs.CoreV1().Services(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*corev1.Service, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().Services(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Services(ns).Watch(ctx, opts)
		},
	}
}

// NewPodAccessor builds the Accessor for namespaced Pods.
func NewPodAccessor(cs kubernetes.Interface) Accessor[*corev1.Pod] {
	return Accessor[*corev1.Pod]{
		Kind: "Pod",
		Create: func(ctx context.Context, ns string, obj *corev1.Pod, opts metav1.CreateOptions) (*corev1.Pod, error) {
			return cs.CoreV1().Pods(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*corev1.Pod, error) {
			return cs.CoreV1().Pods(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*corev1.Pod, string, error) {
			list, err := cs.CoreV1().Pods(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*corev1.Pod, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.CoreV1().Pods(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Pods(ns).Watch(ctx, opts)
		},
	}
}

// NewNodeAccessor builds the Accessor for cluster-scoped Nodes.
func NewNodeAccessor(cs kubernetes.Interface) Accessor[*corev1.Node] {
	api := cs.CoreV1().Nodes()
	return Accessor[*corev1.Node]{
		Kind: "Node",
		Create: func(ctx context.Context, _ string, obj *corev1.Node, opts metav1.CreateOptions) (*corev1.Node, error) {
			return api.Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, _ string, name string, opts metav1.GetOptions) (*corev1.Node, error) {
			return api.Get(ctx, name, opts)
		},
		List: func(ctx context.Context, _ string, opts metav1.ListOptions) ([]*corev1.Node, string, error) {
			list, err := api.List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*corev1.Node, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, _ string, name string, opts metav1.DeleteOptions) error {
			return api.Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, _ string, opts metav1.ListOptions) (watch.Interface, error) {
			return api.Watch(ctx, opts)
		},
	}
}

// NewJobAccessor builds the Accessor for namespaced batch Jobs.
func NewJobAccessor(cs kubernetes.Interface) Accessor[*batchv1.Job] {
	return Accessor[*batchv1.Job]{
		Kind: "Job",
		Create: func(ctx context.Context, ns string, obj *batchv1.Job, opts metav1.CreateOptions) (*batchv1.Job, error) {
			return cs.BatchV1().Jobs(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*batchv1.Job, error) {
			return cs.BatchV1().Jobs(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*batchv1.Job, string, error) {
			list, err := cs.BatchV1().Jobs(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*batchv1.Job, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.BatchV1().Jobs(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.BatchV1().Jobs(ns).Watch(ctx, opts)
		},
	}
}

// NewIngressAccessor builds the Accessor for namespaced networking Ingresses
// (the cascaded core Ingress a GafaelfawrIngress custom resource owns).
func NewIngressAccessor(cs kubernetes.Interface) Accessor[*networkingv1.Ingress] {
	return Accessor[*networkingv1.Ingress]{
		Kind: "Ingress",
		Create: func(ctx context.Context, ns string, obj *networkingv1.Ingress, opts metav1.CreateOptions) (*networkingv1.Ingress, error) {
			return cs.NetworkingV1().Ingresses(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*networkingv1.Ingress, error) {
			return cs.NetworkingV1().Ingresses(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*networkingv1.Ingress, string, error) {
			list, err := cs.NetworkingV1().Ingresses(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*networkingv1.Ingress, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.ResourceVersion, nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return cs.NetworkingV1().Ingresses(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.NetworkingV1().Ingresses(ns).Watch(ctx, opts)
		},
	}
}

// GafaelfawrIngressGVR is the GroupVersionResource of the
// GafaelfawrIngress custom resource the file-server builder constructs
// as unstructured data (no typed clientset exists for it in the pack).
var GafaelfawrIngressGVR = schema.GroupVersionResource{
	Group:    "gafaelfawr.lsst.io",
	Version:  "v1alpha1",
	Resource: "gafaelfawringresses",
}

// NewGafaelfawrIngressAccessor builds the Accessor for the
// GafaelfawrIngress custom resource via the dynamic client.
func NewGafaelfawrIngressAccessor(dyn dynamic.Interface) Accessor[*unstructured.Unstructured] {
	res := func(ns string) dynamic.ResourceInterface {
		return dyn.Resource(GafaelfawrIngressGVR).Namespace(ns)
	}
	return Accessor[*unstructured.Unstructured]{
		Kind: "GafaelfawrIngress",
		Create: func(ctx context.Context, ns string, obj *unstructured.Unstructured, opts metav1.CreateOptions) (*unstructured.Unstructured, error) {
			return res(ns).Create(ctx, obj, opts)
		},
		Get: func(ctx context.Context, ns, name string, opts metav1.GetOptions) (*unstructured.Unstructured, error) {
			return res(ns).Get(ctx, name, opts)
		},
		List: func(ctx context.Context, ns string, opts metav1.ListOptions) ([]*unstructured.Unstructured, string, error) {
			list, err := res(ns).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			out := make([]*unstructured.Unstructured, len(list.Items))
			for i := range list.Items {
				out[i] = &list.Items[i]
			}
			return out, list.GetResourceVersion(), nil
		},
		Delete: func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error {
			return res(ns).Delete(ctx, name, opts)
		},
		Watch: func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
			return res(ns).Watch(ctx, opts)
		},
	}
}
