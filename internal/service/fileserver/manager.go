// Package fileserver drives the lifecycle of a user's on-demand file
// server (§4.6): create-on-demand, idle-exit teardown, and periodic
// reconciliation against the shared file-server namespace. Simpler
// than the lab manager's monitor, since a file server is a two-value
// running/not-running flag guarded by one per-user lock rather than a
// multi-state machine (§3).
package fileserver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"go.uber.org/zap"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/apierror"
	builderfs "github.com/lsst-sqre/nublado-controller/internal/builder/fileserver"
	domain "github.com/lsst-sqre/nublado-controller/internal/domain/fileserver"
	"github.com/lsst-sqre/nublado-controller/internal/k8s"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// K8sClients bundles the generic per-kind wrappers the file-server
// manager needs, all scoped to the single shared file-server namespace.
type K8sClients struct {
	GafaelfawrIngresses *k8s.Client[*unstructured.Unstructured]
	Ingresses           *k8s.Client[*networkingv1.Ingress] // the cascaded core Ingress the operator creates
	Services            *k8s.Client[*corev1.Service]
	Jobs                *k8s.Client[*batchv1.Job]
	PVCs                *k8s.Client[*corev1.PersistentVolumeClaim]
	Pods                *k8s.Client[*corev1.Pod]
}

// Config is the file-server manager's static policy.
type Config struct {
	Builder           builderfs.Config
	CreateTimeout     time.Duration
	DeleteTimeout     time.Duration
	WatchTimeout      time.Duration // per-reconnect budget of the idle-exit watch
	ReconcileInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CreateTimeout == 0 {
		c.CreateTimeout = 2 * time.Minute
	}
	if c.DeleteTimeout == 0 {
		c.DeleteTimeout = 2 * time.Minute
	}
	if c.WatchTimeout == 0 {
		c.WatchTimeout = 10 * time.Minute
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = time.Minute
	}
	return c
}

type entry struct {
	mu      sync.Mutex
	running bool
}

// Manager owns every user's file-server lock and running flag.
type Manager struct {
	cfg     Config
	clients K8sClients
	alerts  alert.Sink
	logger  *zap.Logger

	mu    sync.Mutex
	users map[string]*entry
}

// New builds a Manager.
func New(cfg Config, clients K8sClients, alerts alert.Sink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		clients: clients,
		alerts:  alerts,
		logger:  logger,
		users:   make(map[string]*entry),
	}
}

func (m *Manager) entryFor(username string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.users[username]
	if !ok {
		e = &entry{}
		m.users[username] = e
	}
	return e
}

// Create ensures username has a running file server, creating and
// waiting for one if none exists yet. It blocks for the duration of
// the create (§4.6: the HTTP handler needs a ready ingress host before
// it can answer), serialized per user by the entry's lock.
func (m *Manager) Create(ctx context.Context, username string) error {
	e := m.entryFor(username)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	if err := m.create(ctx, username); err != nil {
		return err
	}
	e.running = true
	return nil
}

// Delete tears down username's file server. It is idempotent: deleting
// objects that no longer exist is silent success (§7).
func (m *Manager) Delete(ctx context.Context, username string) error {
	e := m.entryFor(username)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.delete(ctx, username); err != nil {
		return err
	}
	e.running = false
	return nil
}

// Status reports whether username currently has a running file server.
func (m *Manager) Status(username string) (*domain.State, error) {
	e := m.entryFor(username)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, apierror.NewNotFound("fileserver", "", username)
	}
	return &domain.State{Username: username, Running: true}, nil
}

// List returns every user currently believed to have a running file
// server, sorted for deterministic output.
func (m *Manager) List() []string {
	m.mu.Lock()
	snapshot := make(map[string]*entry, len(m.users))
	for u, e := range m.users {
		snapshot[u] = e
	}
	m.mu.Unlock()

	out := make([]string, 0, len(snapshot))
	for u, e := range snapshot {
		e.mu.Lock()
		running := e.running
		e.mu.Unlock()
		if running {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) create(ctx context.Context, username string) error {
	ns := m.cfg.Builder.Namespace
	name := builderfs.Name(username)
	bundle := builderfs.Build(m.cfg.Builder, username)
	to := timeout.New("fileserver-create", username, m.cfg.CreateTimeout)

	if _, err := m.clients.GafaelfawrIngresses.Create(ctx, ns, bundle.Ingress, to, true); err != nil {
		return fmt.Errorf("create ingress: %w", err)
	}
	if _, err := m.clients.Services.Create(ctx, ns, bundle.Service, to, true); err != nil {
		m.cleanup(ctx, username, to)
		return fmt.Errorf("create service: %w", err)
	}
	if _, err := m.clients.Jobs.Create(ctx, ns, bundle.Job, to, true); err != nil {
		m.cleanup(ctx, username, to)
		return fmt.Errorf("create job: %w", err)
	}

	if _, err := m.clients.GafaelfawrIngresses.WaitForIngressIP(ctx, ns, name, to); err != nil {
		m.cleanup(ctx, username, to)
		return fmt.Errorf("wait for ingress ip: %w", err)
	}
	if err := m.waitForJobPodReady(ctx, username, to); err != nil {
		m.cleanup(ctx, username, to)
		return fmt.Errorf("wait for file-server pod: %w", err)
	}
	return nil
}

// waitForJobPodReady polls for the Job's pod to appear (its name is not
// deterministic, unlike the lab pod's) and then waits for it to leave
// {Pending, Unknown}.
func (m *Manager) waitForJobPodReady(ctx context.Context, username string, to *timeout.Timeout) error {
	selector := fmt.Sprintf("%s=%s,%s=%s", builderfs.CategoryLabel, builderfs.CategoryFileserver, builderfs.UserLabel, username)
	pod, err := m.findPod(ctx, selector, to)
	if err != nil {
		return err
	}

	untilNot := map[corev1.PodPhase]bool{
		corev1.PodPending: true,
		corev1.PodUnknown: true,
	}
	phase, err := m.clients.Pods.WaitForPhase(ctx, m.cfg.Builder.Namespace, pod.Name, untilNot, to)
	if err != nil {
		return err
	}
	if phase == "" || phase == corev1.PodFailed {
		return fmt.Errorf("file-server pod for %q failed to start (phase %q)", username, phase)
	}
	return nil
}

func (m *Manager) findPod(ctx context.Context, selector string, to *timeout.Timeout) (*corev1.Pod, error) {
	const pollInterval = 500 * time.Millisecond
	for {
		pods, err := m.clients.Pods.List(ctx, m.cfg.Builder.Namespace, to, selector)
		if err != nil {
			return nil, err
		}
		if len(pods) > 0 {
			return pods[0], nil
		}

		left, err := to.Left()
		if err != nil {
			return nil, err
		}
		wait := pollInterval
		if wait > left {
			wait = left
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Manager) cleanup(ctx context.Context, username string, to *timeout.Timeout) {
	ns := m.cfg.Builder.Namespace
	name := builderfs.Name(username)
	foreground := metav1.DeletePropagationForeground

	if err := m.clients.GafaelfawrIngresses.Delete(ctx, ns, name, to, false, &foreground, nil); err != nil {
		m.logger.Warn("cleanup: delete ingress failed", zap.String("user", username), zap.Error(err))
	}
	if err := m.clients.Services.Delete(ctx, ns, name, to, false, nil, nil); err != nil {
		m.logger.Warn("cleanup: delete service failed", zap.String("user", username), zap.Error(err))
	}
	if err := m.clients.Jobs.Delete(ctx, ns, name, to, false, &foreground, nil); err != nil {
		m.logger.Warn("cleanup: delete job failed", zap.String("user", username), zap.Error(err))
	}
	m.deletePVCs(ctx, username, to)
}

func (m *Manager) delete(ctx context.Context, username string) error {
	ns := m.cfg.Builder.Namespace
	name := builderfs.Name(username)
	to := timeout.New("fileserver-delete", username, m.cfg.DeleteTimeout)
	foreground := metav1.DeletePropagationForeground

	if err := m.clients.GafaelfawrIngresses.Delete(ctx, ns, name, to, true, &foreground, nil); err != nil {
		return fmt.Errorf("delete ingress: %w", err)
	}
	if err := m.clients.Ingresses.WaitForDeletion(ctx, ns, name, to); err != nil {
		return fmt.Errorf("wait for cascaded ingress deletion: %w", err)
	}
	if err := m.clients.Services.Delete(ctx, ns, name, to, false, nil, nil); err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	if err := m.clients.Jobs.Delete(ctx, ns, name, to, false, &foreground, nil); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	m.deletePVCs(ctx, username, to)
	return nil
}

func (m *Manager) deletePVCs(ctx context.Context, username string, to *timeout.Timeout) {
	selector := fmt.Sprintf("%s=%s", builderfs.UserLabel, username)
	pvcs, err := m.clients.PVCs.List(ctx, m.cfg.Builder.Namespace, to, selector)
	if err != nil {
		m.logger.Warn("list pvcs for deletion failed", zap.String("user", username), zap.Error(err))
		return
	}
	for _, pvc := range pvcs {
		if err := m.clients.PVCs.Delete(ctx, m.cfg.Builder.Namespace, pvc.Name, to, false, nil, nil); err != nil {
			m.logger.Warn("delete pvc failed", zap.String("pvc", pvc.Name), zap.Error(err))
			alert.Report(ctx, m.alerts, alert.SeverityWarning, "fileserver-delete", err)
		}
	}
}
