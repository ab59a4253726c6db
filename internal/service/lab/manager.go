// Package lab implements the per-user lab lifecycle manager of
// spec.md §4.5: a process-local `username -> {state, event queue,
// monitor}` map, a spawn coroutine, a delete coroutine, and the
// conflict/cancellation rules that let at most one operation run per
// user at a time. Grounded on the teacher's task state machine in
// internal/service/workspace/service.go (ProcessTask dispatching
// provisionVCluster/deleteVCluster, task.Status transitions), adapted
// from a task-table-backed state machine to a goroutine-per-operation
// monitor since this controller persists no state of its own.
package lab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/watch"
	"go.uber.org/zap"

	"github.com/lsst-sqre/nublado-controller/internal/alert"
	"github.com/lsst-sqre/nublado-controller/internal/apierror"
	builderlab "github.com/lsst-sqre/nublado-controller/internal/builder/lab"
	"github.com/lsst-sqre/nublado-controller/internal/broadcast"
	domain "github.com/lsst-sqre/nublado-controller/internal/domain/image"
	"github.com/lsst-sqre/nublado-controller/internal/domain/lab"
	"github.com/lsst-sqre/nublado-controller/internal/k8s"
	"github.com/lsst-sqre/nublado-controller/internal/timeout"
)

// ImageCatalog is the subset of the image catalog service the lab
// manager needs to resolve an image selector (§4.5).
type ImageCatalog interface {
	ImageForReference(registryHost, repository, tag, digest string) (*domain.Image, error)
	ImageForTagName(tag string) (*domain.Image, error)
	ImageForClass(class lab.ImageClass) (*domain.Image, error)
}

// K8sClients bundles the typed Kubernetes wrappers a lab's object
// fan-out needs. Concrete *k8s.Client[T] values, not interfaces: the
// composition root wires real clientset-backed Accessors in, and every
// method the manager calls already exists on the generic wrapper.
type K8sClients struct {
	Namespaces      *k8s.Client[*corev1.Namespace]
	PVCs            *k8s.Client[*corev1.PersistentVolumeClaim]
	ConfigMaps      *k8s.Client[*corev1.ConfigMap]
	Secrets         *k8s.Client[*corev1.Secret]
	Quotas          *k8s.Client[*corev1.ResourceQuota]
	NetworkPolicies *k8s.Client[*networkingv1.NetworkPolicy]
	Services        *k8s.Client[*corev1.Service]
	Pods            *k8s.Client[*corev1.Pod]
}

// Config is the manager's static policy.
type Config struct {
	Builder           builderlab.Config
	SpawnTimeout      time.Duration
	ReconcileInterval time.Duration

	// SecretNamespace is where the configured SecretSources and
	// PullSecretName secrets are read from, distinct from each user's
	// own per-lab namespace.
	SecretNamespace string
}

type opKind int

const (
	opNone opKind = iota
	opSpawn
	opDelete
)

// entry is one user's {state, event queue, monitor}.
type entry struct {
	mu       sync.Mutex
	state    *lab.UserLabState
	queue    *broadcast.Queue[lab.Event]
	op       opKind
	cancel   context.CancelFunc
	finished *broadcast.Signal
}

// Manager owns every user's lab state and monitor.
type Manager struct {
	cfg     Config
	catalog ImageCatalog
	clients K8sClients
	alerts  alert.Sink
	logger  *zap.Logger

	mu    sync.Mutex
	users map[string]*entry
}

// New builds a Manager.
func New(cfg Config, catalog ImageCatalog, clients K8sClients, alerts alert.Sink, logger *zap.Logger) *Manager {
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = 10 * time.Minute
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		catalog: catalog,
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

func intPtr(i int) *int { return &i }

// Spawn validates the request and, if it is acceptable, starts the
// spawn coroutine in the background and returns the event queue a
// caller subscribes to for progress. Size-lookup, quota, and image-
// selector validation happen synchronously here (none of them require
// blocking I/O) so that the HTTP layer can surface a 400/403/409
// immediately, matching §8 scenario 4's literal "POST create returns
// 403"; everything that actually touches Kubernetes runs in the
// background coroutine.
func (m *Manager) Spawn(ctx context.Context, user lab.UserInfo, spec lab.LabSpecification, token string) (*broadcast.Queue[lab.Event], error) {
	if err := spec.Validate(); err != nil {
		return nil, &apierror.ClientError{Kind: "invalid_lab_specification", Status: 400, Message: err.Error()}
	}

	size, ok := m.cfg.Builder.SizeDefinitions[spec.Size]
	if !ok {
		return nil, apierror.InvalidLabSize(string(spec.Size))
	}
	if err := checkQuota(user, size); err != nil {
		return nil, err
	}
	resolved, err := m.resolveImage(spec.Image)
	if err != nil {
		return nil, err
	}

	e := m.entryFor(user.Username)
	e.mu.Lock()
	if e.op != opNone {
		e.mu.Unlock()
		return nil, apierror.OperationInProgress(user.Username)
	}
	deleteFirst := e.state != nil && e.state.Status.NotRunning()
	if e.state != nil && !deleteFirst {
		e.mu.Unlock()
		return nil, apierror.LabExists(user.Username)
	}

	queue := broadcast.NewQueue[lab.Event](32)
	e.queue = queue
	spawnCtx, cancel := context.WithCancel(context.Background())
	e.op = opSpawn
	e.cancel = cancel
	e.finished = broadcast.NewSignal()
	e.state = &lab.UserLabState{User: user, Options: spec, Image: resolved, Status: lab.StatusPending}
	e.mu.Unlock()

	go m.runSpawn(spawnCtx, e, user, spec, resolved, size, token, deleteFirst)
	return queue, nil
}

// Delete starts (or joins) the delete coroutine for username. A delete
// submitted while a spawn is in flight cancels the spawn and waits for
// it to finish unwinding before starting the delete (§4.5 monitor
// semantics); a delete submitted while a delete is already in flight
// joins the existing one by returning its event queue.
func (m *Manager) Delete(ctx context.Context, username string) (*broadcast.Queue[lab.Event], error) {
	e := m.entryFor(username)
	e.mu.Lock()
	switch e.op {
	case opDelete:
		q := e.queue
		e.mu.Unlock()
		return q, nil
	case opSpawn:
		cancel := e.cancel
		finished := e.finished
		e.mu.Unlock()
		cancel()
		<-finished.Wait()
		e.mu.Lock()
	}

	if e.state == nil {
		e.mu.Unlock()
		return nil, apierror.NewNotFound("lab", "", username)
	}

	queue := broadcast.NewQueue[lab.Event](16)
	e.queue = queue
	delCtx, cancel := context.WithCancel(context.Background())
	e.op = opDelete
	e.cancel = cancel
	e.finished = broadcast.NewSignal()
	e.mu.Unlock()

	go m.runDelete(delCtx, e, username)
	return queue, nil
}

// Events returns the event queue currently in effect for username, for
// the SSE handler to subscribe to (§4.5 "old readers keep their
// reference and continue reading the old stream to completion").
func (m *Manager) Events(username string) (*broadcast.Queue[lab.Event], error) {
	e := m.entryFor(username)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue == nil {
		return nil, apierror.NewNotFound("lab", "", username)
	}
	return e.queue, nil
}

// List returns every username with tracked lab state (§6 "list
// usernames with running labs").
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.users))
	for u, e := range m.users {
		e.mu.Lock()
		if e.state != nil {
			out = append(out, u)
		}
		e.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// GetLabState implements §4.5's status snapshot: consult the in-memory
// record, then issue a single read-pod-phase call. A Kubernetes
// failure here is logged but the cached state is returned optimistically.
func (m *Manager) GetLabState(ctx context.Context, username string) (*lab.UserLabState, error) {
	e := m.entryFor(username)
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return nil, apierror.NewNotFound("lab", "", username)
	}
	state := *e.state
	e.mu.Unlock()

	ns := builderlab.Namespace(m.cfg.Builder.NamespacePrefix, username)
	to := timeout.New("get-lab-state", username, 30*time.Second)
	// An empty untilNot set makes WaitForPhase return immediately with
	// whatever phase is currently observed: exactly the "single read
	// pod phase call" the snapshot needs, reusing the existing
	// read-then-decide logic instead of a bespoke Get.
	phase, err := m.clients.Pods.WaitForPhase(ctx, ns, builderlab.ServiceName, map[corev1.PodPhase]bool{}, to)
	if err != nil {
		m.logger.Warn("status snapshot: pod phase read failed, returning cached state",
			zap.String("user", username), zap.Error(err))
		return &state, nil
	}
	if phase == "" {
		state.Status = lab.StatusFailed
	} else {
		state.PodPhase = string(phase)
	}

	e.mu.Lock()
	if e.op == opNone && e.state != nil {
		e.state.Status = state.Status
		e.state.PodPhase = state.PodPhase
	}
	e.mu.Unlock()
	return &state, nil
}

func checkQuota(user lab.UserInfo, size builderlab.SizeDefinition) error {
	if user.Quota == nil {
		return nil
	}
	if user.Quota.CPU < size.CPULimit {
		return apierror.InsufficientQuota("options.size",
			fmt.Sprintf("cpu quota %.2f is below the %.2f this size requires", user.Quota.CPU, size.CPULimit))
	}
	if user.Quota.MemoryBytes < size.MemLimit {
		return apierror.InsufficientQuota("options.size",
			fmt.Sprintf("memory quota %d is below the %d this size requires", user.Quota.MemoryBytes, size.MemLimit))
	}
	return nil
}

func (m *Manager) runSpawn(ctx context.Context, e *entry, user lab.UserInfo, spec lab.LabSpecification, resolved lab.ResolvedImage, size builderlab.SizeDefinition, token string, deleteFirst bool) {
	queue := e.queue
	push := func(evt lab.Event) { queue.Push(evt) }

	fail := func(msg string, err error) {
		m.logger.Error(msg, zap.String("user", user.Username), zap.Error(err))
		alert.Report(context.Background(), m.alerts, alert.SeverityError, "lab-spawn", fmt.Errorf("%s: %w", msg, err))
		push(lab.Event{Type: lab.EventFailed, Message: msg})
		queue.Close()
		e.mu.Lock()
		if e.state != nil {
			e.state.Status = lab.StatusFailed
		}
		e.op = opNone
		finished := e.finished
		e.mu.Unlock()
		finished.Fire()
	}
	succeed := func(ns string) {
		push(lab.Event{Type: lab.EventComplete, Message: "lab running", Progress: intPtr(100)})
		queue.Close()
		e.mu.Lock()
		if e.state != nil {
			e.state.Status = lab.StatusRunning
			e.state.InternalURL = lab.InternalURLFor(builderlab.ServiceName, ns)
			e.state.Resources = lab.ResourceAmounts{
				CPURequest: size.CPURequest, CPULimit: size.CPULimit,
				MemoryRequest: size.MemRequest, MemoryLimit: size.MemLimit,
			}
		}
		e.op = opNone
		finished := e.finished
		e.mu.Unlock()
		finished.Fire()
	}

	push(lab.Event{Type: lab.EventInfo, Message: fmt.Sprintf("resolved image %s", resolved.Reference)})

	ns := builderlab.Namespace(m.cfg.Builder.NamespacePrefix, user.Username)

	if deleteFirst {
		push(lab.Event{Type: lab.EventInfo, Message: "removing previous lab", Progress: intPtr(5)})
		if err := m.deleteObjects(ctx, ns, m.cfg.SpawnTimeout); err != nil {
			fail("failed to remove previous lab", err)
			return
		}
		push(lab.Event{Type: lab.EventInfo, Message: "previous lab removed", Progress: intPtr(20)})
	}

	secretData, err := m.fetchSecretData(ctx)
	if err != nil {
		fail("failed to fetch secrets", err)
		return
	}
	pullSecretData, err := m.fetchPullSecretData(ctx)
	if err != nil {
		fail("failed to fetch pull secret", err)
		return
	}

	bundle, err := builderlab.Build(m.cfg.Builder, builderlab.BuildInput{
		User: user, Spec: spec, Image: resolved, Token: token, Size: size,
		SecretData: secretData, PullSecretData: pullSecretData,
	})
	if err != nil {
		fail("failed to build lab objects", err)
		return
	}

	to := timeout.New("spawn", user.Username, m.cfg.SpawnTimeout)
	if err := m.applyBundle(ctx, to, bundle); err != nil {
		fail("failed to apply lab objects", err)
		return
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	progress := 20
	if !deleteFirst {
		progress = 0
	}
	go m.watchSpawnProgress(watchCtx, ns, &progress, push)

	phase, err := m.clients.Pods.WaitForPhase(ctx, ns, builderlab.ServiceName,
		map[corev1.PodPhase]bool{corev1.PodPending: true, corev1.PodUnknown: true}, to)
	cancelWatch()
	if err != nil {
		fail("lab pod did not become ready", err)
		return
	}
	if phase == "" || phase == corev1.PodFailed {
		fail("lab pod failed to start", fmt.Errorf("observed phase %q", phase))
		return
	}

	succeed(ns)
}

// watchSpawnProgress is a best-effort observer: its errors are
// silently ignored (§7 "silently ignored where the watch is only a
// best-effort observation during spawn"), since the authoritative
// outcome comes from WaitForPhase in runSpawn.
func (m *Manager) watchSpawnProgress(ctx context.Context, ns string, progress *int, push func(lab.Event)) {
	to := timeout.New("spawn-watch", "", 10*time.Minute)
	_ = m.clients.Pods.Watch(ctx, ns, builderlab.ServiceName, to, func(ev watch.Event) (bool, error) {
		*progress = lab.NextProgress(*progress, 75)
		push(lab.Event{Type: lab.EventInfo, Message: "lab pod event: " + string(ev.Type), Progress: intPtr(*progress)})
		return false, nil
	})
}

func (m *Manager) runDelete(ctx context.Context, e *entry, username string) {
	queue := e.queue
	push := func(evt lab.Event) { queue.Push(evt) }

	failDelete := func(msg string, err error) {
		m.logger.Error(msg, zap.String("user", username), zap.Error(err))
		alert.Report(context.Background(), m.alerts, alert.SeverityError, "lab-delete", fmt.Errorf("%s: %w", msg, err))
		push(lab.Event{Type: lab.EventFailed, Message: msg})
		queue.Close()
		e.mu.Lock()
		if e.state != nil {
			e.state.Status = lab.StatusFailed
		}
		e.op = opNone
		finished := e.finished
		e.mu.Unlock()
		finished.Fire()
	}

	e.mu.Lock()
	if e.state != nil {
		e.state.Status = lab.StatusTerminating
		e.state.InternalURL = ""
	}
	e.mu.Unlock()

	ns := builderlab.Namespace(m.cfg.Builder.NamespacePrefix, username)
	to := timeout.New("delete", username, m.cfg.SpawnTimeout)

	push(lab.Event{Type: lab.EventInfo, Message: "deleting lab pod", Progress: intPtr(25)})
	grace := int64(1)
	if err := m.clients.Pods.Delete(ctx, ns, builderlab.ServiceName, to, false, nil, &grace); err != nil {
		failDelete("failed to delete lab pod", err)
		return
	}

	push(lab.Event{Type: lab.EventInfo, Message: "deleting lab namespace", Progress: intPtr(50)})
	if err := m.clients.Namespaces.Delete(ctx, "", ns, to, true, nil, nil); err != nil {
		failDelete("failed to delete lab namespace", err)
		return
	}

	push(lab.Event{Type: lab.EventComplete, Message: "lab deleted", Progress: intPtr(100)})
	queue.Close()

	e.mu.Lock()
	e.state = nil
	e.op = opNone
	finished := e.finished
	e.mu.Unlock()
	finished.Fire()
}

// deleteObjects removes a lab's pod (with grace) and then its
// namespace (waiting for it to disappear); the namespace delete
// cascades every other object the builder created. Used both by the
// spawn coroutine's delete-first step and directly mirrored by
// runDelete.
func (m *Manager) deleteObjects(ctx context.Context, ns string, budget time.Duration) error {
	to := timeout.New("delete-first", "", budget)
	grace := int64(1)
	if err := m.clients.Pods.Delete(ctx, ns, builderlab.ServiceName, to, false, nil, &grace); err != nil {
		return fmt.Errorf("delete pod: %w", err)
	}
	if err := m.clients.Namespaces.Delete(ctx, "", ns, to, true, nil, nil); err != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}
	return nil
}

func (m *Manager) applyBundle(ctx context.Context, to *timeout.Timeout, b *builderlab.Bundle) error {
	ns := b.Namespace.Name
	if _, err := m.clients.Namespaces.Create(ctx, "", b.Namespace, to, true); err != nil {
		return fmt.Errorf("apply namespace: %w", err)
	}
	for _, pvc := range b.PVCs {
		if _, err := m.clients.PVCs.Create(ctx, ns, pvc, to, true); err != nil {
			return fmt.Errorf("apply pvc %s: %w", pvc.Name, err)
		}
	}
	if _, err := m.clients.ConfigMaps.Create(ctx, ns, b.EnvConfigMap, to, true); err != nil {
		return fmt.Errorf("apply env configmap: %w", err)
	}
	if _, err := m.clients.ConfigMaps.Create(ctx, ns, b.PasswdConfigMap, to, true); err != nil {
		return fmt.Errorf("apply passwd configmap: %w", err)
	}
	if b.ExtraConfigMap != nil {
		if _, err := m.clients.ConfigMaps.Create(ctx, ns, b.ExtraConfigMap, to, true); err != nil {
			return fmt.Errorf("apply extra configmap: %w", err)
		}
	}
	if _, err := m.clients.Secrets.Create(ctx, ns, b.Secret, to, true); err != nil {
		return fmt.Errorf("apply secret: %w", err)
	}
	if b.PullSecret != nil {
		if _, err := m.clients.Secrets.Create(ctx, ns, b.PullSecret, to, true); err != nil {
			return fmt.Errorf("apply pull secret: %w", err)
		}
	}
	if b.Quota != nil {
		if _, err := m.clients.Quotas.Create(ctx, ns, b.Quota, to, true); err != nil {
			return fmt.Errorf("apply quota: %w", err)
		}
	}
	if _, err := m.clients.NetworkPolicies.Create(ctx, ns, b.NetworkPolicy, to, true); err != nil {
		return fmt.Errorf("apply network policy: %w", err)
	}
	if _, err := m.clients.Services.Create(ctx, ns, b.Service, to, true); err != nil {
		return fmt.Errorf("apply service: %w", err)
	}
	if _, err := m.clients.Pods.Create(ctx, ns, b.Pod, to, true); err != nil {
		return fmt.Errorf("apply pod: %w", err)
	}
	return nil
}

func (m *Manager) fetchSecretData(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	to := timeout.New("fetch-secrets", "", 30*time.Second)
	for _, src := range m.cfg.Builder.SecretSources {
		secret, err := m.clients.Secrets.Read(ctx, m.cfg.SecretNamespace, src.SourceSecretName, to)
		if err != nil {
			return nil, fmt.Errorf("read secret %s/%s: %w", m.cfg.SecretNamespace, src.SourceSecretName, err)
		}
		out[src.TargetKey] = secret.Data[src.SourceKey]
	}
	return out, nil
}

func (m *Manager) fetchPullSecretData(ctx context.Context) (map[string][]byte, error) {
	if m.cfg.Builder.PullSecretName == "" {
		return nil, nil
	}
	to := timeout.New("fetch-pull-secret", "", 30*time.Second)
	secret, err := m.clients.Secrets.Read(ctx, m.cfg.SecretNamespace, m.cfg.Builder.PullSecretName, to)
	if err != nil {
		return nil, fmt.Errorf("read pull secret %s/%s: %w", m.cfg.SecretNamespace, m.cfg.Builder.PullSecretName, err)
	}
	return secret.Data, nil
}

func isNotFound(err error) bool {
	var nf *apierror.NotFoundError
	return errors.As(err, &nf)
}
