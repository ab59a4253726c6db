package k8s

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// WaitForPhase implements spec.md §4.7's Pod-only wait: read first; if
// the pod is already in a terminal phase, or any phase not in untilNot,
// return it immediately; otherwise watch at the current resourceVersion
// for the first phase not in untilNot. A DELETED event, or a pod that
// is not found at the first read, returns ("", nil) — "no phase, no
// error, pod gone". Unknown is treated the
// same as Pending: it is just another phase that may or may not be in
// untilNot, with no special-cased short circuit.
func (c *Client[T]) WaitForPhase(ctx context.Context, ns, name string, untilNot map[corev1.PodPhase]bool, to *timeout.Timeout) (corev1.PodPhase, error) {
	podOf := func(obj T) (*corev1.Pod, bool) {
		pod, ok := any(obj).(*corev1.Pod)
		return pod, ok
	}

	obj, err := c.a.Get(ctx, ns, name, metav1.GetOptions{})
	if err != nil {
		var zero corev1.PodPhase
		if apierrors.IsNotFound(err) {
			return zero, nil
		}
		return zero, c.wrap(err, ns, name)
	}
	pod, ok := podOf(obj)
	if !ok {
		return "", nil
	}
	if !untilNot[pod.Status.Phase] {
		return pod.Status.Phase, nil
	}

	resourceVersion := obj.GetResourceVersion()
	var found corev1.PodPhase
	var gone bool
	_, werr := runWatch(ctx, to, c.a.Watch, ns, resourceVersion, func(ev watch.Event) (bool, error) {
		if ev.Type == watch.Deleted {
			gone = true
			return true, nil
		}
		p, ok := podOf(ev.Object.(T))
		if !ok {
			return false, nil
		}
		if !untilNot[p.Status.Phase] {
			found = p.Status.Phase
			return true, nil
		}
		return false, nil
	})
	if werr != nil {
		return "", werr
	}
	if gone {
		return "", nil
	}
	return found, nil
}

// ingressLoadBalancerIP extracts status.loadBalancer.ingress[0].ip from
// an unstructured object, the shape shared by core Ingress and the
// GafaelfawrIngress custom resource the file-server manager creates.
func ingressLoadBalancerIP(obj *unstructured.Unstructured) (string, bool) {
	ingresses, found, err := unstructured.NestedSlice(obj.Object, "status", "loadBalancer", "ingress")
	if err != nil || !found || len(ingresses) == 0 {
		return "", false
	}
	entry, ok := ingresses[0].(map[string]interface{})
	if !ok {
		return "", false
	}
	ip, ok := entry["ip"].(string)
	if !ok || ip == "" {
		return "", false
	}
	return ip, true
}

// WaitForIngressIP implements spec.md §4.7's ingress wait: read first;
// if status.loadBalancer.ingress[0].ip is already populated, return it;
// otherwise watch at the current resourceVersion until the first event
// whose object has that field populated.
func (c *Client[T]) WaitForIngressIP(ctx context.Context, ns, name string, to *timeout.Timeout) (string, error) {
	obj, err := c.a.Get(ctx, ns, name, metav1.GetOptions{})
	if err != nil {
		return "", c.wrap(err, ns, name)
	}
	u, ok := any(obj).(*unstructured.Unstructured)
	if !ok {
		return "", nil
	}
	if ip, ok := ingressLoadBalancerIP(u); ok {
		return ip, nil
	}

	resourceVersion := obj.GetResourceVersion()
	var ip string
	_, werr := runWatch(ctx, to, c.a.Watch, ns, resourceVersion, func(ev watch.Event) (bool, error) {
		if ev.Type == watch.Deleted {
			return false, nil
		}
		uu, ok := ev.Object.(*unstructured.Unstructured)
		if !ok {
			return false, nil
		}
		if found, ok := ingressLoadBalancerIP(uu); ok {
			ip = found
			return true, nil
		}
		return false, nil
	})
	if werr != nil {
		return "", werr
	}
	return ip, nil
}
