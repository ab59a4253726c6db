// Package k8s provides a uniform create/read/list/delete/watch wrapper
// around Kubernetes object kinds (§4.7), including the wait-for-deletion,
// wait-for-phase, and wait-for-ingress-IP primitives the lab and
// file-server managers build on. Modeled on the fetch-mutate-apply and
// poll-until-ready idioms in the teacher's
// internal/repository/workspace/kubernetes.go, generalized into a
// reusable generic client instead of one-off per-resource functions.
package k8s

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"

	nublerr "github.com/lsst-sqre/nublado-controller/internal/apierror"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// Object is the constraint satisfied by every typed Kubernetes kind we
// wrap: it must carry ObjectMeta accessors and be a runtime.Object so
// watch decoding can type-switch on it without reflection.
type Object interface {
	runtime.Object
	metav1.Object
}

// Accessor bundles the per-kind operations a concrete clientset exposes.
// Callers provide these as thin closures over a typed clientset method
// (e.g. clientset.CoreV1().Pods(ns).Get); Client then layers the
// uniform retry/wait/watch-resilience semantics spec.md §4.7 requires
// on top, once, instead of duplicating it per kind.
type Accessor[T Object] struct {
	Kind   string
	Create func(ctx context.Context, ns string, obj T, opts metav1.CreateOptions) (T, error)
	Get    func(ctx context.Context, ns, name string, opts metav1.GetOptions) (T, error)
	List   func(ctx context.Context, ns string, opts metav1.ListOptions) ([]T, string, error) // objects, resourceVersion
	Delete func(ctx context.Context, ns, name string, opts metav1.DeleteOptions) error
	Watch  func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error)
}

// Client is the generic per-kind wrapper.
type Client[T Object] struct {
	a Accessor[T]
}

// New wraps an Accessor in a Client.
func New[T Object](a Accessor[T]) *Client[T] {
	return &Client[T]{a: a}
}

// Create creates obj in ns. When replace is true and the server reports
// HTTP 409 (the object already exists), the existing object is deleted
// with a wait for its removal and the create is retried exactly once.
func (c *Client[T]) Create(ctx context.Context, ns string, obj T, to *timeout.Timeout, replace bool) (T, error) {
	var zero T
	created, err := c.a.Create(ctx, ns, obj, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if !apierrors.IsConflict(err) || !replace {
		return zero, c.wrap(err, ns, obj.GetName())
	}

	if err := c.Delete(ctx, ns, obj.GetName(), to, true, nil, nil); err != nil {
		return zero, fmt.Errorf("replace %s %s/%s: delete existing: %w", c.a.Kind, ns, obj.GetName(), err)
	}
	created, err = c.a.Create(ctx, ns, obj, metav1.CreateOptions{})
	if err != nil {
		return zero, c.wrap(err, ns, obj.GetName())
	}
	return created, nil
}

// Read fetches a single object by name. A 404 is returned as a typed
// NotFound error so callers can treat it as silent success where
// spec.md requires that (delete idempotency, reconciliation probing).
func (c *Client[T]) Read(ctx context.Context, ns, name string, to *timeout.Timeout) (T, error) {
	var zero T
	obj, err := c.a.Get(ctx, ns, name, metav1.GetOptions{})
	if err != nil {
		return zero, c.wrap(err, ns, name)
	}
	return obj, nil
}

// List returns every object in ns matching labelSelector.
func (c *Client[T]) List(ctx context.Context, ns string, to *timeout.Timeout, labelSelector string) ([]T, error) {
	objs, _, err := c.a.List(ctx, ns, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, c.wrap(err, ns, "")
	}
	return objs, nil
}

// Delete removes name from ns. A 404 is silent success. When wait is
// true, it blocks (bounded by to) until the object is actually gone.
func (c *Client[T]) Delete(ctx context.Context, ns, name string, to *timeout.Timeout, wait bool, propagation *metav1.DeletionPropagation, gracePeriod *int64) error {
	opts := metav1.DeleteOptions{}
	if propagation != nil {
		opts.PropagationPolicy = propagation
	}
	if gracePeriod != nil {
		opts.GracePeriodSeconds = gracePeriod
	}
	err := c.a.Delete(ctx, ns, name, opts)
	if err != nil && !apierrors.IsNotFound(err) {
		return c.wrap(err, ns, name)
	}
	if !wait {
		return nil
	}
	return c.WaitForDeletion(ctx, ns, name, to)
}

// Watch opens a resilient watch at the object's current resourceVersion
// and invokes onEvent for every event until onEvent reports done or the
// timeout expires; a DELETED event is passed to onEvent like any other
// and does not by itself end the watch. It is the
// exported form of the same watch-resilience primitive WaitForPhase and
// WaitForDeletion build on, for callers (the spawn progress watcher)
// that want every event rather than a single predicate outcome.
func (c *Client[T]) Watch(ctx context.Context, ns, name string, to *timeout.Timeout, onEvent func(watch.Event) (bool, error)) error {
	obj, err := c.a.Get(ctx, ns, name, metav1.GetOptions{})
	if err != nil {
		return c.wrap(err, ns, name)
	}
	_, err = runWatch(ctx, to, c.a.Watch, ns, obj.GetResourceVersion(), onEvent)
	return err
}

// WatchList opens a resilient, label-selected watch over every object
// of kind T in ns and invokes onEvent for every event until onEvent
// reports done or the timeout expires. Unlike Watch, which follows one
// named object, WatchList is for observers that need every object
// matching a selector (the file-server idle-exit watcher watching
// every pod in its namespace).
func (c *Client[T]) WatchList(ctx context.Context, ns, labelSelector string, to *timeout.Timeout, onEvent func(watch.Event) (bool, error)) error {
	_, resourceVersion, err := c.a.List(ctx, ns, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return c.wrap(err, ns, "")
	}
	selected := func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error) {
		opts.LabelSelector = labelSelector
		return c.a.Watch(ctx, ns, opts)
	}
	_, err = runWatch(ctx, to, selected, ns, resourceVersion, onEvent)
	return err
}

// WaitForDeletion implements spec.md §4.7's exact algorithm: read the
// object to obtain its resourceVersion, open a watch at that version,
// return on the first DELETED event. If the watch times out before a
// DELETED event arrives, do one more read with a 2s sub-timeout
// (subtracted from the outer budget to reserve time for it); if the
// object is gone by then, succeed, else raise the domain timeout error.
func (c *Client[T]) WaitForDeletion(ctx context.Context, ns, name string, to *timeout.Timeout) error {
	obj, err := c.a.Get(ctx, ns, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return c.wrap(err, ns, name)
	}
	resourceVersion := obj.GetResourceVersion()

	const finalReadBudget = 2 * time.Second
	left := mustLeft(to)
	watchBudget, err := to.Partial(left - finalReadBudget)
	if err != nil {
		watchBudget = to
	}

	found, werr := runWatch(ctx, watchBudget, c.a.Watch, ns, resourceVersion, func(ev watch.Event) (bool, error) {
		return ev.Type == watch.Deleted, nil
	})
	if werr == nil && found {
		return nil
	}

	readCtx, cancel := context.WithTimeout(ctx, finalReadBudget)
	defer cancel()
	_, rerr := c.a.Get(readCtx, ns, name, metav1.GetOptions{})
	if rerr != nil && apierrors.IsNotFound(rerr) {
		return nil
	}
	return to.Err()
}

func mustLeft(to *timeout.Timeout) time.Duration {
	left, err := to.Left()
	if err != nil {
		return 0
	}
	return left
}

func (c *Client[T]) wrap(err error, ns, name string) error {
	if apierrors.IsNotFound(err) {
		return nublerr.NewNotFound(c.a.Kind, ns, name)
	}
	status := apierrors.APIStatus(nil)
	if se, ok := err.(apierrors.APIStatus); ok {
		status = se
	}
	return nublerr.NewKubernetesError(c.a.Kind, ns, name, err, status)
}

// runWatch opens a watch at resourceVersion and calls match for every
// event until match returns true or the timeout expires; a watch
// channel that closes earlier is reopened. It implements the watch resilience rules of §4.7:
// refresh the per-call timeout from the remaining cumulative budget on
// every restart; on 410 Gone with a resourceVersion, drop it and retry;
// on 410 Gone with none, sleep 1s and retry; on the server closing the
// stream cleanly before the cumulative deadline, retry with a reduced
// per-call timeout.
func runWatch(ctx context.Context, to *timeout.Timeout, watchFn func(ctx context.Context, ns string, opts metav1.ListOptions) (watch.Interface, error), ns, resourceVersion string, match func(watch.Event) (bool, error)) (bool, error) {
	for {
		left, err := to.Left()
		if err != nil {
			return false, err
		}

		callBudget := left
		const reconnectCap = 5 * time.Minute
		if callBudget > reconnectCap {
			callBudget = reconnectCap
		}
		callCtx, cancel := context.WithTimeout(ctx, callBudget)

		w, werr := watchFn(callCtx, ns, metav1.ListOptions{
			ResourceVersion: resourceVersion,
			Watch:           true,
			FieldSelector:   fields.Everything().String(),
		})
		if werr != nil {
			cancel()
			if apierrors.IsGone(werr) {
				if resourceVersion != "" {
					resourceVersion = ""
					continue
				}
				time.Sleep(time.Second)
				continue
			}
			return false, werr
		}

		found, rv, closed, rerr := drainWatch(w, match)
		cancel()
		w.Stop()

		if rerr != nil {
			if apierrors.IsGone(rerr) {
				resourceVersion = ""
				continue
			}
			return false, rerr
		}
		if found {
			return true, nil
		}
		if rv != "" {
			resourceVersion = rv
		}
		if closed {
			// Server closed the stream without error before our
			// cumulative deadline: reconnect with a freshly reduced
			// per-call timeout computed from the remaining budget.
			if _, err := to.Left(); err != nil {
				return false, err
			}
			continue
		}
		// Per-call context deadline hit: loop will recompute Left().
		if _, err := to.Left(); err != nil {
			return false, err
		}
	}
}

func drainWatch(w watch.Interface, match func(watch.Event) (bool, error)) (found bool, lastResourceVersion string, closed bool, err error) {
	for ev := range w.ResultChan() {
		if acc, ok := ev.Object.(metav1.Object); ok {
			lastResourceVersion = acc.GetResourceVersion()
		}
		ok, merr := match(ev)
		if merr != nil {
			return false, lastResourceVersion, false, merr
		}
		if ok {
			return true, lastResourceVersion, false, nil
		}
	}
	return false, lastResourceVersion, true, nil
}
