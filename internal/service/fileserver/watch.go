package fileserver

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
	"go.uber.org/zap"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	builderfs "github.com/lsst-sqre/nublado-controller/internal/builder/fileserver"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

var fsNameRe = regexp.MustCompile(`^(.*)-fs$`)

// usernameFromPod recovers the owning username from a file-server pod,
// preferring the label the builder stamps on every pod it creates and
// falling back to the standard Job-controller "job-name" label matched
// against the fixed `<user>-fs` naming convention (§4.6), for pods a
// future caller might create without the user label.
func usernameFromPod(pod *corev1.Pod) string {
	if u := pod.Labels[builderfs.UserLabel]; u != "" {
		return u
	}
	jobName := pod.Labels["job-name"]
	if jobName == "" {
		jobName = pod.Labels["batch.kubernetes.io/job-name"]
	}
	if m := fsNameRe.FindStringSubmatch(jobName); m != nil {
		return m[1]
	}
	return ""
}

// RunIdleWatch watches every file-server pod for its terminal phase and
// deletes the owning user's file server when one is observed, debounced
// per user so a burst of terminal events for the same pod only triggers
// one delete (§4.6's supplemented idle-exit behavior). It reconnects on
// error or stream closure until ctx is cancelled.
func (m *Manager) RunIdleWatch(ctx context.Context) {
	inFlight := make(map[string]bool)
	var mu sync.Mutex

	for ctx.Err() == nil {
		if err := m.watchIdleOnce(ctx, &mu, inFlight); err != nil {
			m.logger.Error("file-server idle watch failed", zap.Error(err))
			alert.Report(ctx, m.alerts, alert.SeverityWarning, "fileserver-watch", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (m *Manager) watchIdleOnce(ctx context.Context, mu *sync.Mutex, inFlight map[string]bool) error {
	selector := fmt.Sprintf("%s=%s", builderfs.CategoryLabel, builderfs.CategoryFileserver)
	to := timeout.New("fileserver-idle-watch", "", m.cfg.WatchTimeout)

	return m.clients.Pods.WatchList(ctx, m.cfg.Builder.Namespace, selector, to, func(ev watch.Event) (bool, error) {
		pod, ok := ev.Object.(*corev1.Pod)
		if !ok {
			return false, nil
		}
		if pod.Status.Phase != corev1.PodSucceeded && pod.Status.Phase != corev1.PodFailed {
			return false, nil
		}
		username := usernameFromPod(pod)
		if username == "" {
			return false, nil
		}

		mu.Lock()
		if inFlight[username] {
			mu.Unlock()
			return false, nil
		}
		inFlight[username] = true
		mu.Unlock()

		go func() {
			defer func() {
				mu.Lock()
				delete(inFlight, username)
				mu.Unlock()
			}()
			if err := m.Delete(context.Background(), username); err != nil {
				m.logger.Warn("idle-exit delete failed", zap.String("user", username), zap.Error(err))
			}
		}()
		return false, nil
	})
}

// Run executes one reconciliation pass at startup and then every
// ReconcileInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.reconcileAndReport(ctx)

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcileAndReport(ctx)
		}
	}
}

func (m *Manager) reconcileAndReport(ctx context.Context) {
	if err := m.Reconcile(ctx); err != nil {
		m.logger.Error("file-server reconciliation failed", zap.Error(err))
		alert.Report(ctx, m.alerts, alert.SeverityError, "fileserver-reconcile", err)
	}
}

// Reconcile implements §4.6's reconciliation rule: enumerate every Job
// tagged as a file server, cross-reference its pod and ingress, and
// mark running=true iff the pod is Running and the ingress has an IP;
// anything else is torn down.
func (m *Manager) Reconcile(ctx context.Context) error {
	ns := m.cfg.Builder.Namespace
	to := timeout.New("fileserver-reconcile", "", 2*time.Minute)
	selector := fmt.Sprintf("%s=%s", builderfs.CategoryLabel, builderfs.CategoryFileserver)

	jobs, err := m.clients.Jobs.List(ctx, ns, to, selector)
	if err != nil {
		return fmt.Errorf("list file-server jobs: %w", err)
	}

	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		username := job.Labels[builderfs.UserLabel]
		if username == "" {
			continue
		}
		seen[username] = true

		running := m.isRunning(ctx, username, to)
		e := m.entryFor(username)
		e.mu.Lock()
		e.running = running
		e.mu.Unlock()

		if !running {
			if err := m.delete(ctx, username); err != nil {
				m.logger.Warn("reconcile: failed to delete stale file server",
					zap.String("user", username), zap.Error(err))
			}
		}
	}

	m.mu.Lock()
	tracked := make([]string, 0, len(m.users))
	for u := range m.users {
		tracked = append(tracked, u)
	}
	m.mu.Unlock()

	for _, username := range tracked {
		if seen[username] {
			continue
		}
		e := m.entryFor(username)
		e.mu.Lock()
		wasRunning := e.running
		e.running = false
		e.mu.Unlock()
		if wasRunning {
			m.logger.Info("reconcile: file-server job vanished", zap.String("user", username))
		}
	}
	return nil
}

// isRunning does a single, non-blocking read of the pod and ingress
// state: it never opens a watch, since reconciliation must not block on
// any one user.
func (m *Manager) isRunning(ctx context.Context, username string, to *timeout.Timeout) bool {
	ns := m.cfg.Builder.Namespace
	name := builderfs.Name(username)

	selector := fmt.Sprintf("%s=%s,%s=%s", builderfs.CategoryLabel, builderfs.CategoryFileserver, builderfs.UserLabel, username)
	pods, err := m.clients.Pods.List(ctx, ns, to, selector)
	if err != nil || len(pods) == 0 || pods[0].Status.Phase != corev1.PodRunning {
		return false
	}

	ing, err := m.clients.GafaelfawrIngresses.Read(ctx, ns, name, to)
	if err != nil {
		return false
	}
	return ingressHasIP(ing)
}

func ingressHasIP(obj *unstructured.Unstructured) bool {
	ingresses, found, err := unstructured.NestedSlice(obj.Object, "status", "loadBalancer", "ingress")
	if err != nil || !found || len(ingresses) == 0 {
		return false
	}
	entry, ok := ingresses[0].(map[string]interface{})
	if !ok {
		return false
	}
	ip, ok := entry["ip"].(string)
	return ok && ip != ""
}
